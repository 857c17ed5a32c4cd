// Package safefetch is the only place untrusted bytes enter the system. Every
// response is gated by a content-type allowlist; the URL extension denylist is a
// pre-filter that avoids the network round trip for obvious binaries.
package safefetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/network"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

const (
	ReasonDangerousExtension = "dangerous_extension"
	reasonContentTypePrefix  = "content_type:"
)

var dangerousExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".zip": {}, ".exe": {}, ".dll": {},
	".msi": {}, ".rar": {}, ".7z": {}, ".png": {}, ".jpg": {}, ".jpeg": {},
	".gif": {}, ".webp": {}, ".mp4": {}, ".mov": {}, ".avi": {}, ".mp3": {},
}

var (
	allowedHTML = map[string]struct{}{
		"text/html":             {},
		"application/xhtml+xml": {},
	}
	allowedAsset = map[string]struct{}{
		"text/css":                 {},
		"text/javascript":          {},
		"application/javascript":   {},
		"application/x-javascript": {},
	}
)

// Hop is one entry of a redirect chain. The final response has a nil Location.
type Hop struct {
	URL      string  `json:"url"`
	Status   int     `json:"status"`
	Location *string `json:"location"`
}

// HTMLResult is the outcome of FetchHTML.
type HTMLResult struct {
	OK            bool
	Status        string
	Reason        string
	Content       []byte
	Text          string
	Headers       map[string]string
	ContentType   string
	HTTPStatus    int
	FinalURL      string
	Truncated     bool
	RedirectChain []Hop
}

// AssetResult is the outcome of FetchAsset.
type AssetResult struct {
	Status      string
	Content     []byte
	Reason      string
	ContentType string
}

// ImageResult is the outcome of FetchImage.
type ImageResult struct {
	Status      string
	Content     []byte
	Reason      string
	ContentType string
}

// Fetcher performs allowlisted GETs with manually followed redirects.
type Fetcher struct {
	client *http.Client
	cfg    config.FetchConfig
	logger *zap.Logger
}

// New builds a Fetcher with its own transport derived from the fetch config.
func New(cfg config.FetchConfig, logger *zap.Logger) (*Fetcher, error) {
	cc, err := network.FetchClientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg, network.NewClient(cc), logger), nil
}

// NewWithClient wraps an existing client. Redirect following is forced off so
// each hop can be recorded.
func NewWithClient(cfg config.FetchConfig, client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = network.NewClient(nil)
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ScamHunter/1.0"
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	return &Fetcher{client: &c, cfg: cfg, logger: logger.Named("safefetch")}
}

// IsDangerousURL reports whether the URL path ends in a denylisted extension.
func IsDangerousURL(raw string) bool {
	u, err := url.Parse(raw)
	p := raw
	if err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	_, bad := dangerousExtensions[ext]
	return bad
}

// FetchHTML fetches a page and accepts it only when the server says it is HTML.
// Headers and the redirect chain are returned on content-type rejection too.
func (f *Fetcher) FetchHTML(ctx context.Context, rawURL string) HTMLResult {
	if IsDangerousURL(rawURL) {
		return HTMLResult{Status: store.TargetSkippedFile, Reason: ReasonDangerousExtension, Headers: map[string]string{}}
	}

	resp, err := f.get(ctx, rawURL, f.cfg.HTMLTimeout)
	if err != nil {
		f.logger.Debug("HTML fetch failed", zap.String("url", rawURL), zap.Error(err))
		return HTMLResult{Status: store.TargetFailed, Reason: err.Error(), Headers: map[string]string{}}
	}

	res := HTMLResult{
		Headers:       resp.headers,
		ContentType:   resp.contentType,
		HTTPStatus:    resp.status,
		FinalURL:      resp.finalURL,
		RedirectChain: resp.chain,
	}
	if _, ok := allowedHTML[resp.contentType]; !ok {
		res.Status = store.TargetSkippedFile
		res.Reason = reasonContentTypePrefix + resp.contentType
		return res
	}

	res.OK = true
	res.Status = store.TargetDone
	res.Content = resp.body
	res.Truncated = resp.truncated
	res.Text = decodeText(resp.body, resp.rawContentType)
	return res
}

// FetchAsset fetches a script or stylesheet.
func (f *Fetcher) FetchAsset(ctx context.Context, rawURL string) AssetResult {
	if IsDangerousURL(rawURL) {
		return AssetResult{Status: store.TargetSkippedFile, Reason: ReasonDangerousExtension}
	}
	resp, err := f.get(ctx, rawURL, f.cfg.AssetTimeout)
	if err != nil {
		return AssetResult{Status: store.TargetFailed, Reason: err.Error()}
	}
	if _, ok := allowedAsset[resp.contentType]; !ok {
		return AssetResult{Status: store.TargetSkippedFile, Reason: reasonContentTypePrefix + resp.contentType, ContentType: resp.contentType}
	}
	return AssetResult{Status: store.TargetDone, Content: resp.body, ContentType: resp.contentType}
}

// FetchImage fetches an image/* resource. Used for remote favicons only, so the
// extension pre-filter is not applied (.png favicons are the common case).
func (f *Fetcher) FetchImage(ctx context.Context, rawURL string) ImageResult {
	resp, err := f.get(ctx, rawURL, f.cfg.FaviconTimeout)
	if err != nil {
		return ImageResult{Status: store.TargetFailed, Reason: err.Error()}
	}
	if !strings.HasPrefix(resp.contentType, "image/") {
		return ImageResult{Status: store.TargetSkippedFile, Reason: reasonContentTypePrefix + resp.contentType, ContentType: resp.contentType}
	}
	return ImageResult{Status: store.TargetDone, Content: resp.body, ContentType: resp.contentType}
}

type rawResponse struct {
	status         int
	finalURL       string
	headers        map[string]string
	rawContentType string
	contentType    string
	body           []byte
	truncated      bool
	chain          []Hop
}

// get performs the request loop. HTTP error statuses are not failures here; the
// content-type gate decides.
func (f *Fetcher) get(ctx context.Context, rawURL string, timeout time.Duration) (*rawResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	var chain []Hop
	for hops := 0; ; hops++ {
		if current.Scheme != "http" && current.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme %q", current.Scheme)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}

		location := resp.Header.Get("Location")
		if isRedirect(resp.StatusCode) && location != "" {
			drain(resp.Body)
			if hops >= f.cfg.MaxRedirects {
				return nil, fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
			}
			next, err := current.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
			}
			chain = append(chain, Hop{URL: current.String(), Status: resp.StatusCode, Location: &location})
			current = next
			continue
		}

		defer resp.Body.Close()
		body, truncated, err := decodeBody(resp.Body, resp.Header.Values("Content-Encoding"), f.cfg.MaxBodyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		if truncated {
			f.logger.Debug("Response body truncated", zap.String("url", current.String()), zap.Int64("limit", f.cfg.MaxBodyBytes))
		}

		rawCT := resp.Header.Get("Content-Type")
		chain = append(chain, Hop{URL: current.String(), Status: resp.StatusCode})
		return &rawResponse{
			status:         resp.StatusCode,
			finalURL:       current.String(),
			headers:        flattenHeaders(resp.Header),
			rawContentType: rawCT,
			contentType:    NormalizeContentType(rawCT),
			body:           body,
			truncated:      truncated,
			chain:          chain,
		}, nil
	}
}

// NormalizeContentType strips parameters and lowercases the media type.
func NormalizeContentType(header string) string {
	ct, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// HashBytes returns the hex MD5 and SHA-256 of b.
func HashBytes(b []byte) (string, string) {
	m := md5.Sum(b)
	s := sha256.Sum256(b)
	return hex.EncodeToString(m[:]), hex.EncodeToString(s[:])
}

// ChainMaps converts hops to the generic form persisted on targets.
func ChainMaps(chain []Hop) []map[string]any {
	out := make([]map[string]any, 0, len(chain))
	for _, h := range chain {
		var loc any
		if h.Location != nil {
			loc = *h.Location
		}
		out = append(out, map[string]any{"url": h.URL, "status": h.Status, "location": loc})
	}
	return out
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
