// Package hunt turns saved search-provider queries into scan jobs, on a schedule
// or on demand.
package hunt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/providers"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// Rule types. Anything else runs as a plain keyword search.
const (
	RuleFOFA    = "fofa"
	RuleURLScan = "urlscan"
	RuleDork    = "dork"
)

// Hunt run triggers.
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

// Warnings.
const (
	WarnQueryEmpty    = "query_empty"
	WarnDorkNoSerpKey = "SERPAPI_KEY missing: the dork may return zero results"
)

// Searcher is the set of discovery providers a hunt can dispatch to.
type Searcher interface {
	FOFASearch(ctx context.Context, query string) ([]string, string)
	URLScanSearch(ctx context.Context, query string) []string
	SerpSearch(ctx context.Context, query, engine string) ([]string, string)
	DDGSearch(ctx context.Context, query string) []string
}

// Store is the persistence surface the hunt engine needs.
type Store interface {
	ListHunts(ctx context.Context) ([]store.Hunt, error)
	GetHunt(ctx context.Context, id int64) (*store.Hunt, error)
	MarkHuntRun(ctx context.Context, id int64, at time.Time) error
	CreateHuntRun(ctx context.Context, huntID int64, trigger string, queued int, warning *string) (int64, error)
	FilterNewURLs(ctx context.Context, urls []string) ([]string, error)
	FilterNewJobURLs(ctx context.Context, urls []string) ([]string, error)
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
	Now() time.Time
}

// TargetsResult is what one provider dispatch yields. Debug holds the raw
// per-provider result counts before deduplication.
type TargetsResult struct {
	URLs     []string       `json:"urls"`
	Debug    map[string]int `json:"debug"`
	Warnings []string       `json:"warnings"`
}

// RunResult describes a hunt execution that queued jobs.
type RunResult struct {
	HuntID  int64          `json:"hunt_id"`
	Queued  []int64        `json:"queued"`
	Warning *string        `json:"warning"`
	Debug   map[string]int `json:"debug"`
}

// Engine runs hunts.
type Engine struct {
	store    Store
	searcher Searcher
	cfg      config.HuntConfig
	logger   *zap.Logger
}

// New creates a hunt engine.
func New(st Store, searcher Searcher, cfg config.HuntConfig, logger *zap.Logger) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 200
	}
	return &Engine{store: st, searcher: searcher, cfg: cfg, logger: logger.Named("hunt")}
}

// RunHuntTargets dispatches rule to the providers for ruleType and returns the
// deduplicated URLs in first-seen order, truncated to max_results. Missing
// credentials surface as warnings. With onlyNew, URLs already known as targets or
// already queued as jobs are dropped.
func (e *Engine) RunHuntTargets(ctx context.Context, ruleType, rule string, onlyNew bool) (TargetsResult, error) {
	res := TargetsResult{Debug: map[string]int{}, Warnings: []string{}}
	if strings.TrimSpace(rule) == "" {
		res.URLs = []string{}
		res.Warnings = append(res.Warnings, WarnQueryEmpty)
		return res, nil
	}

	var urls []string
	warn := func(w string) {
		if w != "" && !hasWarning(res.Warnings, w) {
			res.Warnings = append(res.Warnings, w)
		}
	}

	switch ruleType {
	case RuleFOFA:
		found, w := e.searcher.FOFASearch(ctx, rule)
		warn(w)
		res.Debug["fofa"] = len(found)
		urls = append(urls, found...)

	case RuleURLScan:
		found := e.searcher.URLScanSearch(ctx, rule)
		res.Debug["urlscan"] = len(found)
		urls = append(urls, found...)

	case RuleDork:
		for _, engine := range []string{providers.EngineGoogle, providers.EngineBing, providers.EngineYandex} {
			found, w := e.searcher.SerpSearch(ctx, rule, engine)
			warn(w)
			res.Debug["serpapi_"+engine] = len(found)
			urls = append(urls, found...)
		}
		ddg := e.searcher.DDGSearch(ctx, rule)
		res.Debug["ddg"] = len(ddg)
		urls = append(urls, ddg...)

		if len(urls) == 0 && hasWarning(res.Warnings, providers.WarnSerpKeyMissing) {
			warn(WarnDorkNoSerpKey)
		}

	default:
		// Keyword fallback. SerpAPI warnings are not surfaced here.
		found, _ := e.searcher.SerpSearch(ctx, rule, providers.EngineGoogle)
		res.Debug["serpapi_google"] = len(found)
		urls = append(urls, found...)
		ddg := e.searcher.DDGSearch(ctx, rule)
		res.Debug["ddg"] = len(ddg)
		urls = append(urls, ddg...)
	}

	deduped := dedupe(urls)
	if onlyNew {
		var err error
		if deduped, err = e.store.FilterNewURLs(ctx, deduped); err != nil {
			return TargetsResult{}, fmt.Errorf("failed to filter known targets: %w", err)
		}
		if deduped, err = e.store.FilterNewJobURLs(ctx, deduped); err != nil {
			return TargetsResult{}, fmt.Errorf("failed to filter queued jobs: %w", err)
		}
	}
	if len(deduped) > e.cfg.MaxResults {
		deduped = deduped[:e.cfg.MaxResults]
	}
	res.URLs = deduped
	return res, nil
}

// RunScheduledHunts runs every enabled hunt whose cooldown has elapsed and
// returns the number of scan jobs queued. A failing hunt does not stop the rest.
func (e *Engine) RunScheduledHunts(ctx context.Context) (int, error) {
	hunts, err := e.store.ListHunts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list hunts: %w", err)
	}

	now := e.store.Now()
	total := 0
	var errs []error
	for i := range hunts {
		h := &hunts[i]
		if !h.Enabled || !due(h, now) {
			continue
		}
		res, err := e.run(ctx, h, TriggerAuto, true)
		total += len(res.Queued)
		if err != nil {
			e.logger.Error("Scheduled hunt failed", zap.Int64("hunt_id", h.ID), zap.String("name", h.Name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if total > 0 {
		e.logger.Info("Scheduled hunts queued scans", zap.Int("queued", total))
	}
	return total, errors.Join(errs...)
}

// RunHunt runs one saved hunt on demand. Known URLs are not filtered out, so a
// manual run can deliberately re-scan.
func (e *Engine) RunHunt(ctx context.Context, id int64) (RunResult, error) {
	h, err := e.store.GetHunt(ctx, id)
	if err != nil {
		return RunResult{}, err
	}
	return e.run(ctx, h, TriggerManual, false)
}

// run queues up to budget scan jobs, records a HuntRun and stamps last_run_at.
func (e *Engine) run(ctx context.Context, h *store.Hunt, trigger string, onlyNew bool) (RunResult, error) {
	logger := e.logger.With(zap.Int64("hunt_id", h.ID), zap.String("trigger", trigger))
	out := RunResult{HuntID: h.ID, Queued: []int64{}}

	targets, err := e.RunHuntTargets(ctx, h.RuleType, h.Rule, onlyNew)
	if err != nil {
		return out, err
	}
	out.Debug = targets.Debug
	if len(targets.Warnings) > 0 {
		joined := strings.Join(targets.Warnings, "; ")
		out.Warning = &joined
	}

	urls := targets.URLs
	if len(urls) > h.Budget {
		urls = urls[:max(h.Budget, 0)]
	}
	for _, u := range urls {
		jobID, err := e.store.CreateJob(ctx, store.JobScan, store.Payload{"url": u})
		if err != nil {
			return out, fmt.Errorf("failed to queue scan for hunt %d: %w", h.ID, err)
		}
		out.Queued = append(out.Queued, jobID)
	}

	if _, err := e.store.CreateHuntRun(ctx, h.ID, trigger, len(out.Queued), out.Warning); err != nil {
		return out, err
	}
	if err := e.store.MarkHuntRun(ctx, h.ID, e.store.Now()); err != nil {
		return out, err
	}

	logger.Info("Hunt run complete", zap.Int("queued", len(out.Queued)), zap.Strings("warnings", targets.Warnings))
	return out, nil
}

// due reports whether the per-hunt cooldown has elapsed.
func due(h *store.Hunt, now time.Time) bool {
	if h.LastRunAt == nil || h.DelaySeconds <= 0 {
		return true
	}
	return now.Sub(*h.LastRunAt) >= time.Duration(h.DelaySeconds)*time.Second
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func hasWarning(warnings []string, w string) bool {
	for _, existing := range warnings {
		if existing == w {
			return true
		}
	}
	return false
}
