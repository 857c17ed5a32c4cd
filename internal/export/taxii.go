package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

const taxiiContentType = "application/taxii+json;version=2.1"

// ErrTAXIINotConfigured is returned when TAXII_URL or TAXII_COLLECTION is unset.
var ErrTAXIINotConfigured = errors.New("taxii endpoint not configured")

// PushResult describes a completed TAXII push.
type PushResult struct {
	Pushed   int    `json:"pushed"`
	Endpoint string `json:"endpoint"`
}

// TAXIIPusher posts STIX bundles to a TAXII 2.1 collection.
type TAXIIPusher struct {
	exporter *Exporter
	settings settings.Reader
	http     *http.Client
	logger   *zap.Logger
	retries  uint64

	newBackOff func() backoff.BackOff
}

// NewTAXIIPusher creates a pusher. Endpoint and credentials are read from
// reader on every push.
func NewTAXIIPusher(exporter *Exporter, reader settings.Reader, client *http.Client, logger *zap.Logger) *TAXIIPusher {
	if exporter == nil {
		exporter = New()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TAXIIPusher{
		exporter: exporter,
		settings: reader,
		http:     client,
		logger:   logger.Named("taxii"),
		retries:  2,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
	}
}

// Endpoint returns the objects URL of the configured collection.
func (p *TAXIIPusher) Endpoint(ctx context.Context) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(p.settings.Value(ctx, settings.TAXIIURL, "")), "/")
	coll := strings.TrimSpace(p.settings.Value(ctx, settings.TAXIICollection, ""))
	if base == "" || coll == "" {
		return "", ErrTAXIINotConfigured
	}
	return fmt.Sprintf("%s/collections/%s/objects/", base, coll), nil
}

// Push sends iocs as one STIX bundle. Server errors are retried; client
// errors are not.
func (p *TAXIIPusher) Push(ctx context.Context, iocs []store.IOC) (PushResult, error) {
	endpoint, err := p.Endpoint(ctx)
	if err != nil {
		return PushResult{}, err
	}
	body, err := json.Marshal(p.exporter.STIXBundle(iocs))
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to encode bundle: %w", err)
	}
	apiKey := p.settings.Value(ctx, settings.TAXIIAPIKey, "")

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", taxiiContentType)
		req.Header.Set("Accept", taxiiContentType)
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := p.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("taxii server returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("taxii server rejected bundle: %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.retries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return PushResult{}, err
	}
	p.logger.Info("Pushed IOCs to TAXII collection", zap.Int("count", len(iocs)), zap.String("endpoint", endpoint))
	return PushResult{Pushed: len(iocs), Endpoint: endpoint}, nil
}
