// Package providers wraps the third-party OSINT services used for discovery and
// pivoting. Every provider is best effort: failures come back as empty results plus
// a warning string, never as errors.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/settings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	userAgent        = "ScamHunter/1.0"
	maxResponseBytes = 8 << 20
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d", e.Code)
}

// Client talks to every provider. It is safe for concurrent use.
type Client struct {
	cfg        config.ProvidersConfig
	settings   settings.Reader
	http       *http.Client
	logger     *zap.Logger
	crtLimiter *rate.Limiter

	// newBackOff is swapped out in tests to keep retries fast.
	newBackOff func() backoff.BackOff
}

// New creates a provider client. Credentials are read from reader on every call so
// that settings changed at runtime take effect immediately.
func New(cfg config.ProvidersConfig, reader settings.Reader, client *http.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HolehePath == "" {
		cfg.HolehePath = "holehe"
	}
	if cfg.HoleheTimeout <= 0 {
		cfg.HoleheTimeout = 25 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if reader == nil {
		reader = settings.Static{}
	}

	limit := rate.Inf
	if cfg.CrtshRateLimit > 0 {
		limit = rate.Limit(cfg.CrtshRateLimit)
	}

	return &Client{
		cfg:        cfg,
		settings:   reader,
		http:       client,
		logger:     logger.Named("providers"),
		crtLimiter: rate.NewLimiter(limit, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (c *Client) setting(ctx context.Context, key string) string {
	return c.settings.Value(ctx, key, "")
}

// requestFunc builds one attempt's request. It is called again on every retry.
type requestFunc func(ctx context.Context) (*http.Request, error)

// fetchJSON runs build and decodes the response into out. When retry is set,
// network errors and 5xx responses are retried with exponential backoff up to
// max_retries; 4xx responses and undecodable bodies fail immediately. Errors for
// non-2xx responses are *StatusError.
func (c *Client) fetchJSON(ctx context.Context, retry bool, build requestFunc, out any) error {
	attempt := 0
	operation := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := build(actx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", userAgent)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("Provider request failed", zap.String("host", req.URL.Host), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		switch {
		case resp.StatusCode >= 500:
			c.logger.Debug("Provider server error", zap.String("host", req.URL.Host), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			return &StatusError{Code: resp.StatusCode}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&StatusError{Code: resp.StatusCode})
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	retries := 0
	if retry {
		retries = c.cfg.MaxRetries
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(retries)), ctx)
	return backoff.Retry(operation, b)
}

// statusCode extracts the HTTP status from a fetchJSON error, or 0.
func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
