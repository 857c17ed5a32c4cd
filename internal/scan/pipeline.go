// Package scan turns one URL into a target row plus everything derived from it:
// fingerprints, indicators, assets, rule matches, a screenshot, graph edges,
// campaign memberships and finally a scan_done automation event.
package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/fingerprint"
	"github.com/xkilldash9x/scamhunter/internal/htmlx"
	"github.com/xkilldash9x/scamhunter/internal/indicators"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/screenshot"
	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/worker"
)

// ReasonMissingURL is recorded for scan jobs without a url in their payload.
const ReasonMissingURL = "missing_url"

// EventScanDone names the automation event emitted after a successful scan.
const EventScanDone = "scan_done"

// Store is the persistence surface the pipeline writes to.
type Store interface {
	CreateTarget(ctx context.Context, url, domain, status string) (int64, error)
	UpdateTarget(ctx context.Context, id int64, fields store.TargetFields) error
	InsertIndicator(ctx context.Context, targetID int64, kind, value string) error
	InsertAsset(ctx context.Context, a store.Asset) (int64, error)
	ListSignatures(ctx context.Context, enabledOnly bool) ([]store.Signature, error)
	ListAlertRules(ctx context.Context, enabledOnly bool) ([]store.AlertRule, error)
	ListYaraRules(ctx context.Context, enabledOnly bool) ([]store.YaraRule, error)
	InsertSignatureMatch(ctx context.Context, m store.Match) error
	InsertYaraMatch(ctx context.Context, m store.Match) error
	CountSignatureMatches(ctx context.Context, targetID int64) (int, error)
	CreateAlert(ctx context.Context, targetID int64, kind, message string) error
	UpsertNode(ctx context.Context, kind, value string) (int64, error)
	CreateEdge(ctx context.Context, from, to int64, kind string) error
	EnsureCampaign(ctx context.Context, key string) (int64, error)
	AddCampaignMember(ctx context.Context, campaignID, targetID int64) error
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
}

// Fetcher is the safe fetcher surface.
type Fetcher interface {
	FetchHTML(ctx context.Context, url string) safefetch.HTMLResult
	FetchAsset(ctx context.Context, url string) safefetch.AssetResult
	FetchImage(ctx context.Context, url string) safefetch.ImageResult
}

// Resolver resolves a hostname to an address.
type Resolver interface {
	ResolveIP(ctx context.Context, host string) fingerprint.Lookup
}

// TLSFingerprinter computes a TLS server fingerprint.
type TLSFingerprinter interface {
	Fingerprint(ctx context.Context, host string) fingerprint.Lookup
}

// Verifier confirms high-value signature matches.
type Verifier interface {
	VerifySignatureMatch(ctx context.Context, name, targetField, pattern, snippet string) (*bool, string)
}

// Deps bundles the collaborators of a Pipeline. Verifier may be nil.
type Deps struct {
	Store    Store
	Fetcher  Fetcher
	Resolver Resolver
	TLS      TLSFingerprinter
	Capturer screenshot.Capturer
	Verifier Verifier
	Settings settings.Reader
}

// Outcome is the terminal state of one scan.
type Outcome struct {
	TargetID int64  `json:"id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// Pipeline runs scans. It is safe for concurrent use; all state lives in the store.
type Pipeline struct {
	cfg    config.ScanConfig
	deps   Deps
	logger *zap.Logger
}

// New creates a pipeline, filling zero config values with the stock defaults.
func New(cfg config.ScanConfig, deps Deps, logger *zap.Logger) *Pipeline {
	if cfg.StorageDir == "" {
		cfg.StorageDir = "storage"
	}
	if cfg.MaxAssets <= 0 {
		cfg.MaxAssets = 40
	}
	if cfg.AssetConcurrency <= 0 {
		cfg.AssetConcurrency = 4
	}
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = 20000
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = 2000000
	}
	if cfg.RiskPerMatch <= 0 {
		cfg.RiskPerMatch = 20
	}
	if cfg.RiskAlertThreshold <= 0 {
		cfg.RiskAlertThreshold = 50
	}
	if deps.Settings == nil {
		deps.Settings = settings.Static{}
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger.Named("scan")}
}

// HandleJob adapts ScanURL to the worker. A target status of SKIPPED_FILE maps
// to job status SKIPPED since the job enum is closed.
func (p *Pipeline) HandleJob(ctx context.Context, job *store.Job) (worker.Result, error) {
	url := strings.TrimSpace(job.Payload.String("url"))
	if url == "" {
		return worker.Result{Status: store.StatusFailed, Reason: ReasonMissingURL}, nil
	}
	out, err := p.ScanURL(ctx, url)
	if err != nil {
		return worker.Result{}, err
	}
	res := worker.Result{
		Reason: out.Reason,
		Data:   map[string]any{"target_id": out.TargetID, "status": out.Status},
	}
	switch out.Status {
	case store.TargetDone:
		res.Status = store.StatusDone
	case store.TargetSkippedFile:
		res.Status = store.StatusSkipped
	default:
		res.Status = store.StatusFailed
	}
	return res, nil
}

// scanState carries everything computed for one target between steps.
type scanState struct {
	targetID    int64
	url         string
	domain      string
	html        string
	headers     map[string]string
	headersText string
	domHash     string
	ip          string
	jarm        string
	faviconHash string
	page        *htmlx.Page
	indicators  indicators.Set
	assetHashes []string
	shot        screenshot.Result
	riskScore   int
	logger      *zap.Logger
}

// ScanURL runs the whole pipeline for one URL. Only a fetch failure or content
// rejection is terminal; network-bound sub-steps degrade to absent values.
// Store errors are returned and leave the rows written so far in place.
func (p *Pipeline) ScanURL(ctx context.Context, url string) (Outcome, error) {
	domain := NormalizeDomain(url)
	targetID, err := p.deps.Store.CreateTarget(ctx, url, domain, store.TargetRunning)
	if err != nil {
		return Outcome{}, err
	}
	st := &scanState{
		targetID: targetID,
		url:      url,
		domain:   domain,
		logger:   p.logger.With(zap.Int64("target_id", targetID), zap.String("url", url)),
	}
	st.logger.Info("Scan started")

	fetch := p.deps.Fetcher.FetchHTML(ctx, url)
	if !fetch.OK {
		return p.finishRejected(ctx, st, fetch)
	}

	if err := p.fingerprint(ctx, st, fetch); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.storeIndicators(ctx, st); err != nil {
		return Outcome{TargetID: targetID}, err
	}

	sigs, err := p.deps.Store.ListSignatures(ctx, true)
	if err != nil {
		return Outcome{TargetID: targetID}, err
	}
	yaraRules, err := p.deps.Store.ListYaraRules(ctx, true)
	if err != nil {
		return Outcome{TargetID: targetID}, err
	}

	if err := p.processAssets(ctx, st, sigs, yaraRules); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.applySignatures(ctx, st, sigs); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.applyAlertRules(ctx, st); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.applyYaraHTML(ctx, st, yaraRules); err != nil {
		return Outcome{TargetID: targetID}, err
	}

	st.shot, err = p.captureScreenshot(ctx, st)
	if err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.updateRisk(ctx, st); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.materializeGraph(ctx, st); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.assignCampaigns(ctx, st); err != nil {
		return Outcome{TargetID: targetID}, err
	}
	if err := p.emitEvent(ctx, st); err != nil {
		return Outcome{TargetID: targetID}, err
	}

	st.logger.Info("Scan complete", zap.Int("risk_score", st.riskScore), zap.Int("indicators", st.indicators.Len()))
	return Outcome{TargetID: targetID, Status: store.TargetDone}, nil
}

// finishRejected records a failed or skipped fetch. The screenshot is still
// attempted so even failures leave a visual record.
func (p *Pipeline) finishRejected(ctx context.Context, st *scanState, fetch safefetch.HTMLResult) (Outcome, error) {
	if _, err := p.captureScreenshot(ctx, st); err != nil {
		return Outcome{TargetID: st.targetID}, err
	}
	fields := store.TargetFields{
		"status": fetch.Status,
		"reason": store.StrPtr(fetch.Reason),
	}
	if len(fetch.RedirectChain) > 0 {
		fields["redirect_chain"] = safefetch.ChainMaps(fetch.RedirectChain)
	}
	if err := p.deps.Store.UpdateTarget(ctx, st.targetID, fields); err != nil {
		return Outcome{TargetID: st.targetID}, err
	}
	st.logger.Info("Scan ended without content", zap.String("status", fetch.Status), zap.String("reason", fetch.Reason))
	return Outcome{TargetID: st.targetID, Status: fetch.Status, Reason: fetch.Reason}, nil
}

// fingerprint computes hashes, IP, JARM and favicon, saves the DOM and marks
// the target DONE.
func (p *Pipeline) fingerprint(ctx context.Context, st *scanState, fetch safefetch.HTMLResult) error {
	st.html = fetch.Text
	st.headers = fetch.Headers
	st.headersText = HeadersText(fetch.Headers)
	st.domHash = DOMHash(st.html)

	host := hostname(st.url)
	if ip := p.deps.Resolver.ResolveIP(ctx, host); ip.OK() {
		st.ip = ip.Value
	} else {
		st.logger.Debug("IP resolution unavailable", zap.Error(ip.Err))
	}
	if jarm := p.deps.TLS.Fingerprint(ctx, host); jarm.OK() {
		st.jarm = jarm.Value
	} else {
		st.logger.Debug("TLS fingerprint unavailable", zap.Error(jarm.Err))
	}

	// Relative references resolve against where the redirects landed.
	base := st.url
	if fetch.FinalURL != "" {
		base = fetch.FinalURL
	}
	var title string
	page, err := htmlx.Parse(st.html, base)
	if err != nil {
		st.logger.Warn("HTML could not be parsed", zap.Error(err))
	} else {
		st.page = page
		title = page.Title()
		st.faviconHash = p.faviconHash(ctx, st, page)
	}

	fields := store.TargetFields{
		"status":       store.TargetDone,
		"reason":       nil,
		"title":        store.StrPtr(title),
		"dom_hash":     st.domHash,
		"headers_hash": HeadersHash(fetch.Headers),
		"headers_text": truncate(st.headersText, p.cfg.ExcerptChars),
		"html_excerpt": truncate(st.html, p.cfg.ExcerptChars),
		"html_path":    p.saveHTML(st),
		"ip":           store.StrPtr(st.ip),
		"jarm":         store.StrPtr(st.jarm),
		"favicon_hash": store.StrPtr(st.faviconHash),
	}
	if len(fetch.RedirectChain) > 0 {
		fields["redirect_chain"] = safefetch.ChainMaps(fetch.RedirectChain)
	}
	return p.deps.Store.UpdateTarget(ctx, st.targetID, fields)
}

// faviconHash hashes an inline data: icon always, and a remote icon only when
// REMOTE_FAVICON_ENABLED is "1".
func (p *Pipeline) faviconHash(ctx context.Context, st *scanState, page *htmlx.Page) string {
	href := page.FaviconHref()
	if href == "" {
		return ""
	}
	if fingerprint.IsDataURI(href) {
		return fingerprint.FaviconFromDataURI(href).Hash
	}
	if p.deps.Settings.Value(ctx, settings.RemoteFaviconEnabled, "0") != "1" {
		return ""
	}
	abs, ok := page.Resolve(href)
	if !ok {
		return ""
	}
	img := p.deps.Fetcher.FetchImage(ctx, abs)
	if img.Status != store.TargetDone {
		st.logger.Debug("Remote favicon not fetched", zap.String("favicon_url", abs), zap.String("reason", img.Reason))
		return ""
	}
	fav := fingerprint.FaviconFromBytes(img.Content)
	if fav.Err != nil {
		st.logger.Debug("Favicon is not a decodable image", zap.Error(fav.Err))
	}
	return fav.Hash
}

// saveHTML writes the DOM to <storage>/html/<id>.html. Returns nil on failure.
func (p *Pipeline) saveHTML(st *scanState) *string {
	dir := filepath.Join(p.cfg.StorageDir, "html")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		st.logger.Warn("Failed to create html storage dir", zap.Error(err))
		return nil
	}
	data := truncateBytes(st.html, p.cfg.MaxHTMLBytes)
	path := filepath.Join(dir, strconv.FormatInt(st.targetID, 10)+".html")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		st.logger.Warn("Failed to save html", zap.Error(err))
		return nil
	}
	return &path
}

func (p *Pipeline) storeIndicators(ctx context.Context, st *scanState) error {
	st.indicators = indicators.Extract(st.html)
	for _, pair := range st.indicators.Pairs() {
		if err := p.deps.Store.InsertIndicator(ctx, st.targetID, pair.Kind, pair.Value); err != nil {
			return err
		}
	}
	return nil
}

// captureScreenshot records the capture outcome on the target. A capture never
// fails the scan; only the store write can.
func (p *Pipeline) captureScreenshot(ctx context.Context, st *scanState) (screenshot.Result, error) {
	if p.deps.Capturer == nil {
		return screenshot.Result{Status: screenshot.StatusSkipped, Reason: screenshot.ReasonDisabled}, nil
	}
	res := p.deps.Capturer.Capture(ctx, st.url, st.targetID)
	err := p.deps.Store.UpdateTarget(ctx, st.targetID, store.TargetFields{
		"screenshot_path":   store.StrPtr(res.Path),
		"screenshot_status": store.StrPtr(res.Status),
		"screenshot_reason": store.StrPtr(res.Reason),
		"screenshot_ahash":  store.StrPtr(res.AHash),
		"screenshot_phash":  store.StrPtr(res.PHash),
		"screenshot_dhash":  store.StrPtr(res.DHash),
	})
	if err != nil {
		return res, fmt.Errorf("failed to record screenshot: %w", err)
	}
	return res, nil
}

func (p *Pipeline) updateRisk(ctx context.Context, st *scanState) error {
	n, err := p.deps.Store.CountSignatureMatches(ctx, st.targetID)
	if err != nil {
		return err
	}
	st.riskScore = n * p.cfg.RiskPerMatch
	if st.riskScore >= p.cfg.RiskAlertThreshold {
		msg := fmt.Sprintf("Risk score %d exceeds threshold", st.riskScore)
		if err := p.deps.Store.CreateAlert(ctx, st.targetID, store.AlertKindRisk, msg); err != nil {
			return err
		}
	}
	return p.deps.Store.UpdateTarget(ctx, st.targetID, store.TargetFields{"risk_score": st.riskScore})
}

// Validate reports whether the required collaborators are present.
func (d Deps) Validate() error {
	switch {
	case d.Store == nil:
		return errors.New("scan pipeline has no store")
	case d.Fetcher == nil:
		return errors.New("scan pipeline has no fetcher")
	case d.Resolver == nil:
		return errors.New("scan pipeline has no resolver")
	case d.TLS == nil:
		return errors.New("scan pipeline has no TLS fingerprinter")
	}
	return nil
}
