// Package api exposes the job queue, intelligence read side and administration
// operations over HTTP. Every JSON response uses the {ok, data, error} envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/automation"
	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/export"
	"github.com/xkilldash9x/scamhunter/internal/hunt"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// -- Interfaces for Dependency Inversion --

// Store is the persistence surface the API reads and writes.
type Store interface {
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
	ListJobs(ctx context.Context, limit int) ([]store.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus, lastError *string) error
	RequeueJob(ctx context.Context, id int64) error
	DeleteJob(ctx context.Context, id int64) error

	ListTargets(ctx context.Context, limit int) ([]store.Target, error)
	GetTarget(ctx context.Context, id int64) (*store.Target, error)
	SearchTargets(ctx context.Context, f store.TargetSearch) ([]store.Target, error)
	FindTargetsByField(ctx context.Context, field, value string, limit int) ([]store.Target, error)
	FindAssetsByHash(ctx context.Context, hash string, limit int) ([]store.Asset, error)
	ListIndicators(ctx context.Context, targetID int64) ([]store.Indicator, error)
	DeleteTarget(ctx context.Context, id int64) error

	ListCampaigns(ctx context.Context, limit int) ([]store.Campaign, error)
	ListGraph(ctx context.Context, limit int) (*store.Graph, error)
	ListAlerts(ctx context.Context, limit int) ([]store.Alert, error)

	CreateSignature(ctx context.Context, sig store.Signature) (int64, error)
	ListSignatures(ctx context.Context, enabledOnly bool) ([]store.Signature, error)
	CreateAlertRule(ctx context.Context, rule store.AlertRule) (int64, error)
	ListAlertRules(ctx context.Context, enabledOnly bool) ([]store.AlertRule, error)
	CreateYaraRule(ctx context.Context, r store.YaraRule) (int64, error)
	ListYaraRules(ctx context.Context, enabledOnly bool) ([]store.YaraRule, error)

	CreateIOC(ctx context.Context, ioc store.IOC) (int64, error)
	ListIOCs(ctx context.Context, f store.IOCFilter) ([]store.IOC, error)

	CreateHunt(ctx context.Context, h store.Hunt) (int64, error)
	ListHunts(ctx context.Context) ([]store.Hunt, error)
	ListHuntRuns(ctx context.Context, limit int) ([]store.HuntRun, error)

	CreateAutomation(ctx context.Context, a store.Automation) (int64, error)
	UpdateAutomation(ctx context.Context, a store.Automation) error
	GetAutomation(ctx context.Context, id int64) (*store.Automation, error)
	ListAutomations(ctx context.Context) ([]store.Automation, error)
	DeleteAutomation(ctx context.Context, id int64) error
	ListAutomationRuns(ctx context.Context, automationID int64, limit int) ([]store.AutomationRun, error)
}

// Hunts runs hunt queries.
type Hunts interface {
	RunHuntTargets(ctx context.Context, ruleType, rule string, onlyNew bool) (hunt.TargetsResult, error)
	RunHunt(ctx context.Context, id int64) (hunt.RunResult, error)
}

// Searcher runs the remote half of pivots and searches.
type Searcher interface {
	URLScanSearchVerbose(ctx context.Context, query string) ([]string, string)
	FOFASearch(ctx context.Context, query string) ([]string, string)
}

// Automations runs automations synchronously.
type Automations interface {
	RunAutomationByID(ctx context.Context, id int64, event string, payload map[string]any, dryRun bool) (automation.RunOutcome, error)
}

// Settings reads and writes runtime settings. List masks secrets.
type Settings interface {
	List(ctx context.Context) ([]store.Setting, error)
	Set(ctx context.Context, key, value string) error
}

// Pusher publishes IOCs to a TAXII collection.
type Pusher interface {
	Push(ctx context.Context, iocs []store.IOC) (export.PushResult, error)
}

// Deps groups the services the API fronts.
type Deps struct {
	Store       Store
	Hunts       Hunts
	Automations Automations
	Settings    Settings
	Exporter    *export.Exporter
	TAXII       Pusher
	Search      Searcher
}

// Server is the HTTP API.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	secret []byte
	logger *zap.Logger
	router chi.Router
}

// NewServer builds the router. Auth is enforced when api.auth_enabled is set,
// in which case a jwt secret is required.
func NewServer(cfg config.APIConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("api store cannot be nil")
	}
	if cfg.AuthEnabled && cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	if deps.Exporter == nil {
		deps.Exporter = export.New()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		secret: []byte(cfg.JWTSecret),
		logger: logger.Named("api"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout()))
	r.Use(corsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondWithError(w, http.StatusNotFound, "not_found", r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondWithError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", s.handleHealthCheck)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			if s.cfg.AuthEnabled {
				r.Use(s.authMiddleware)
			}

			r.Post("/scan", s.handleScan)
			r.Post("/scan/bulk", s.handleBulkScan)
			r.Post("/spider", s.handleSpider)

			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs/{id}/{action}", s.handleJobAction)

			r.Get("/targets", s.handleListTargets)
			r.Get("/targets/{id}", s.handleGetTarget)
			r.Get("/targets/{id}/dom", s.handleTargetDOM)
			r.Get("/targets/{id}/screenshot", s.handleTargetScreenshot)
			r.Post("/targets/{id}/delete", s.handleDeleteTarget)
			r.Post("/targets/search", s.handleSearchTargets)

			r.Get("/pivot/hash", s.handlePivotHash)
			r.Get("/pivot/target", s.handlePivotTarget)
			r.Get("/pivot/reverse-ip", s.handleReverseIP)
			r.Get("/pivot/fofa", s.handlePivotFOFA)

			r.Get("/campaigns", s.handleListCampaigns)
			r.Get("/graph", s.handleGraph)
			r.Get("/alerts", s.handleListAlerts)

			r.Get("/signatures", s.handleListSignatures)
			r.Post("/signatures", s.handleCreateSignature)
			r.Get("/alert-rules", s.handleListAlertRules)
			r.Post("/alert-rules", s.handleCreateAlertRule)
			r.Get("/yara", s.handleListYaraRules)
			r.Post("/yara", s.handleCreateYaraRule)

			r.Get("/iocs", s.handleListIOCs)
			r.Post("/iocs", s.handleCreateIOC)
			r.Get("/iocs/export", s.handleExportIOCs)
			r.Post("/iocs/taxii/push", s.handleTAXIIPush)

			r.Get("/hunts", s.handleListHunts)
			r.Post("/hunts", s.handleCreateHunt)
			r.Get("/hunts/runs", s.handleListHuntRuns)
			r.Post("/hunts/run", s.handlePreviewHunt)
			r.Post("/hunts/run/{id}", s.handleRunHunt)

			r.Get("/automations", s.handleListAutomations)
			r.Post("/automations", s.handleCreateAutomation)
			r.Post("/automations/event", s.handleAutomationEvent)
			r.Get("/automations/{id}", s.handleGetAutomation)
			r.Put("/automations/{id}", s.handleUpdateAutomation)
			r.Delete("/automations/{id}", s.handleDeleteAutomation)
			r.Post("/automations/{id}/run", s.handleRunAutomation)

			r.Get("/settings", s.handleListSettings)
			r.Post("/settings", s.handleSetSetting)
		})
	})
	return r
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 60 * time.Second
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.requestTimeout() + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", zap.String("address", s.cfg.ListenAddr), zap.Bool("auth", s.cfg.AuthEnabled))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("API server shutdown error", zap.Error(err))
		return err
	}
	return <-errCh
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.respondWithSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}
