// Package spider crawls a seed site breadth-first and queues a scan job for
// every page it finds that is not already queued.
package spider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/htmlx"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/worker"
)

// Reasons recorded on spider jobs.
const (
	ReasonMissingURL = "missing_url"
	ReasonUserStop   = "user_stop"
)

// Queue is the job store surface the spider needs.
type Queue interface {
	GetJobStatus(ctx context.Context, id int64) (store.JobStatus, error)
	FilterNewJobURLs(ctx context.Context, urls []string) ([]string, error)
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
}

// Fetcher fetches pages through the safe fetcher.
type Fetcher interface {
	FetchHTML(ctx context.Context, url string) safefetch.HTMLResult
}

// Options bound one crawl.
type Options struct {
	URL        string
	MaxPages   int
	MaxDepth   int
	UseSitemap bool
	SameDomain bool
	Timeout    time.Duration
}

// Result summarises a crawl. Status is DONE, or the job's own STOPPED/SKIPPED
// status when an operator cancelled it mid-crawl.
type Result struct {
	Status     store.JobStatus
	Reason     string
	Queued     int
	Visited    int
	Discovered int
	URLs       []string
}

// Spider runs crawls.
type Spider struct {
	queue     Queue
	fetcher   Fetcher
	client    *http.Client
	cfg       config.SpiderConfig
	userAgent string
	logger    *zap.Logger
}

// New creates a spider. client is used only for sitemap.xml, which is XML and
// so never passes the safe fetcher's HTML allowlist.
func New(queue Queue, fetcher Fetcher, client *http.Client, cfg config.SpiderConfig, userAgent string, logger *zap.Logger) *Spider {
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = 200
	}
	if cfg.DefaultMaxDepth < 0 {
		cfg.DefaultMaxDepth = 2
	}
	if cfg.SitemapLimit <= 0 {
		cfg.SitemapLimit = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if userAgent == "" {
		userAgent = "ScamHunter/1.0"
	}
	return &Spider{
		queue:     queue,
		fetcher:   fetcher,
		client:    client,
		cfg:       cfg,
		userAgent: userAgent,
		logger:    logger.Named("spider"),
	}
}

// OptionsFromPayload reads a spider job payload. An explicit max_depth of 0 is
// honoured; a missing one falls back to the configured default.
func (s *Spider) OptionsFromPayload(p store.Payload) Options {
	opts := Options{
		URL:        strings.TrimSpace(p.String("url")),
		MaxPages:   p.Int("max_pages", s.cfg.DefaultMaxPages),
		MaxDepth:   p.Int("max_depth", s.cfg.DefaultMaxDepth),
		UseSitemap: p.Bool("use_sitemap", true),
		SameDomain: p.Bool("same_domain", true),
		Timeout:    s.cfg.Timeout,
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = s.cfg.DefaultMaxPages
	}
	if opts.MaxDepth < 0 {
		opts.MaxDepth = s.cfg.DefaultMaxDepth
	}
	if secs := p.Int("timeout", 0); secs > 0 {
		opts.Timeout = time.Duration(secs) * time.Second
	}
	return opts
}

// HandleJob runs the crawl for a spider job.
func (s *Spider) HandleJob(ctx context.Context, job *store.Job) (worker.Result, error) {
	opts := s.OptionsFromPayload(job.Payload)
	if opts.URL == "" {
		return worker.Result{Status: store.StatusFailed, Reason: ReasonMissingURL}, nil
	}
	res, err := s.Crawl(ctx, job.ID, opts)
	if err != nil {
		return worker.Result{}, err
	}
	return worker.Result{
		Status: res.Status,
		Reason: res.Reason,
		Data: map[string]any{
			"queued":     res.Queued,
			"visited":    res.Visited,
			"discovered": res.Discovered,
		},
	}, nil
}

type crawlTask struct {
	url   string
	depth int
}

// Crawl walks the site breadth-first. Before each dequeue it re-reads the
// owning job's status (jobID 0 disables the check) and stops if an operator
// stopped or skipped it. Pages at max_depth are counted but not fetched, and
// the sitemap is only consulted when max_depth allows depth-1 pages.
func (s *Spider) Crawl(ctx context.Context, jobID int64, opts Options) (Result, error) {
	logger := s.logger.With(zap.Int64("job_id", jobID), zap.String("seed", opts.URL))
	seedHost := hostOf(opts.URL)

	frontier := []crawlTask{{url: opts.URL, depth: 0}}
	if opts.UseSitemap && opts.MaxDepth >= 1 {
		for _, u := range s.loadSitemap(ctx, opts.URL, s.cfg.SitemapLimit) {
			if allowed(u, seedHost, opts.SameDomain) {
				frontier = append(frontier, crawlTask{url: u, depth: 1})
			}
		}
	}

	visited := make(map[string]struct{})
	var discovered []string

	for len(frontier) > 0 && len(visited) < opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if jobID != 0 {
			status, err := s.queue.GetJobStatus(ctx, jobID)
			if err != nil {
				return Result{}, err
			}
			if status.Cancelled() {
				logger.Info("Crawl stopped by operator", zap.String("status", string(status)), zap.Int("visited", len(visited)))
				return Result{Status: status, Reason: ReasonUserStop, Visited: len(visited), Discovered: len(discovered)}, nil
			}
		}

		task := frontier[0]
		frontier = frontier[1:]

		u := htmlx.StripFragment(strings.TrimSpace(task.url))
		if u == "" {
			continue
		}
		if _, seen := visited[u]; seen {
			continue
		}
		if task.depth > opts.MaxDepth || !allowed(u, seedHost, opts.SameDomain) {
			continue
		}
		visited[u] = struct{}{}
		discovered = append(discovered, u)

		if task.depth >= opts.MaxDepth {
			continue
		}

		for _, link := range s.links(ctx, u, opts.Timeout) {
			if _, seen := visited[link]; seen {
				continue
			}
			if !allowed(link, seedHost, opts.SameDomain) {
				continue
			}
			frontier = append(frontier, crawlTask{url: link, depth: task.depth + 1})
		}
	}

	fresh, err := s.queue.FilterNewJobURLs(ctx, discovered)
	if err != nil {
		return Result{}, err
	}
	for _, u := range fresh {
		if _, err := s.queue.CreateJob(ctx, store.JobScan, store.Payload{"url": u}); err != nil {
			return Result{}, err
		}
	}

	logger.Info("Crawl finished",
		zap.Int("visited", len(visited)), zap.Int("discovered", len(discovered)), zap.Int("queued", len(fresh)))
	return Result{
		Status:     store.StatusDone,
		Queued:     len(fresh),
		Visited:    len(visited),
		Discovered: len(discovered),
		URLs:       discovered,
	}, nil
}

// links fetches one page and returns its anchors. Fetch failures yield none.
func (s *Spider) links(ctx context.Context, pageURL string, timeout time.Duration) []string {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := s.fetcher.FetchHTML(fctx, pageURL)
	if !res.OK || len(res.Content) == 0 {
		s.logger.Debug("Page not crawlable", zap.String("url", pageURL), zap.String("status", res.Status), zap.String("reason", res.Reason))
		return nil
	}
	base := pageURL
	if res.FinalURL != "" {
		base = res.FinalURL
	}
	page, err := htmlx.Parse(res.Text, base)
	if err != nil {
		return nil
	}
	return page.Links()
}

func allowed(u, seedHost string, sameDomain bool) bool {
	if !sameDomain {
		return true
	}
	return hostOf(u) == seedHost
}
