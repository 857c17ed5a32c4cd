package automation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/worker"
)

// Job failure reasons.
const (
	ReasonMissingAutomationID = "missing_automation_id"
	ReasonAutomationNotFound  = "automation_not_found"
	ReasonMissingEvent        = "missing_event"
)

// ErrAutomationNotFound is returned when a run names an automation that does not exist.
var ErrAutomationNotFound = errors.New("automation not found")

// Store is the persistence surface the automation service needs.
type Store interface {
	GetAutomation(ctx context.Context, id int64) (*store.Automation, error)
	ListAutomations(ctx context.Context) ([]store.Automation, error)
	SetAutomationLastRun(ctx context.Context, id int64) error
	CreateAutomationRun(ctx context.Context, automationID int64, snapshot map[string]any) (int64, error)
	FinishAutomationRun(ctx context.Context, runID int64, status string, log any, reason *string) error
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
	Now() time.Time
}

// RunOutcome is the result of one automation run.
type RunOutcome struct {
	Status string `json:"status"`
	RunID  int64  `json:"run_id"`
	Log    *Log   `json:"log,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Service decides when automations run and records each run.
type Service struct {
	store  Store
	engine *Engine
	logger *zap.Logger
}

// NewService creates an automation service.
func NewService(st Store, engine *Engine, logger *zap.Logger) *Service {
	return &Service{store: st, engine: engine, logger: logger.Named("automation")}
}

// RunAutomation executes a graph and records the run. A failing graph is a FAILED
// run, not an error; the error return is reserved for bookkeeping failures.
func (s *Service) RunAutomation(ctx context.Context, a *store.Automation, event string, payload map[string]any, dryRun bool) (RunOutcome, error) {
	logger := s.logger.With(zap.Int64("automation_id", a.ID), zap.Bool("dry_run", dryRun))
	rc := NewRunContext(event, payload, dryRun)

	runID, err := s.store.CreateAutomationRun(ctx, a.ID, rc.Snapshot())
	if err != nil {
		return RunOutcome{}, fmt.Errorf("failed to create automation run: %w", err)
	}
	logger = logger.With(zap.Int64("run_id", runID))

	log, runErr := s.execute(ctx, a, rc)
	if runErr != nil {
		reason := runErr.Error()
		logger.Warn("Automation run failed", zap.Error(runErr))
		if err := s.store.FinishAutomationRun(ctx, runID, store.RunFailed, map[string]any{"error": reason}, &reason); err != nil {
			return RunOutcome{}, err
		}
		return RunOutcome{Status: store.RunFailed, RunID: runID, Error: reason}, nil
	}

	if err := s.store.FinishAutomationRun(ctx, runID, store.RunDone, log, nil); err != nil {
		return RunOutcome{}, err
	}
	if !dryRun {
		if err := s.store.SetAutomationLastRun(ctx, a.ID); err != nil {
			return RunOutcome{}, err
		}
	}
	logger.Info("Automation run complete", zap.Int("steps", len(log.Steps)), zap.String("warning", log.Warning))
	return RunOutcome{Status: store.RunDone, RunID: runID, Log: &log}, nil
}

// execute runs the graph, turning a handler panic into a run failure so the run
// record never stays RUNNING.
func (s *Service) execute(ctx context.Context, a *store.Automation, rc *RunContext) (log Log, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Automation panicked", zap.Int64("automation_id", a.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	g, err := ParseGraph(a.Graph)
	if err != nil {
		return Log{}, err
	}
	return s.engine.Execute(ctx, g, rc)
}

// RunAutomationByID loads an automation and runs it.
func (s *Service) RunAutomationByID(ctx context.Context, id int64, event string, payload map[string]any, dryRun bool) (RunOutcome, error) {
	a, err := s.store.GetAutomation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RunOutcome{}, ErrAutomationNotFound
		}
		return RunOutcome{}, err
	}
	return s.RunAutomation(ctx, a, event, payload, dryRun)
}

// RunScheduledAutomations queues an automation_run job for each enabled schedule
// automation whose interval has elapsed, and returns how many it queued.
func (s *Service) RunScheduledAutomations(ctx context.Context) (int, error) {
	automations, err := s.store.ListAutomations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list automations: %w", err)
	}
	now := s.store.Now()
	queued := 0
	for _, a := range automations {
		if !a.Enabled || a.TriggerType != store.TriggerSchedule {
			continue
		}
		interval := store.Payload(a.TriggerConfig).Int("interval_seconds", 0)
		if interval <= 0 {
			continue
		}
		if a.LastRunAt != nil && now.Sub(*a.LastRunAt) < time.Duration(interval)*time.Second {
			continue
		}
		if _, err := s.store.CreateJob(ctx, store.JobAutomationRun, store.Payload{"automation_id": a.ID, "reason": "schedule"}); err != nil {
			return queued, fmt.Errorf("failed to queue automation %d: %w", a.ID, err)
		}
		queued++
		if err := s.store.SetAutomationLastRun(ctx, a.ID); err != nil {
			return queued, err
		}
	}
	if queued > 0 {
		s.logger.Info("Scheduled automations queued", zap.Int("queued", queued))
	}
	return queued, nil
}

// RunEventAutomations queues an automation_run job for each enabled event
// automation that listens for event and whose filters accept payload.
func (s *Service) RunEventAutomations(ctx context.Context, event string, payload map[string]any) (int, error) {
	automations, err := s.store.ListAutomations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list automations: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	queued := 0
	for _, a := range automations {
		if !a.Enabled || a.TriggerType != store.TriggerEvent {
			continue
		}
		cfg := store.Payload(a.TriggerConfig)
		if want := cfg.String("event"); want != "" && want != event {
			continue
		}
		if !matchTriggerFilters(cfg, payload) {
			continue
		}
		job := store.Payload{
			"automation_id": a.ID,
			"reason":        "event:" + event,
			"event":         event,
			"payload":       payload,
		}
		if _, err := s.store.CreateJob(ctx, store.JobAutomationRun, job); err != nil {
			return queued, fmt.Errorf("failed to queue automation %d: %w", a.ID, err)
		}
		queued++
	}
	return queued, nil
}

// matchTriggerFilters applies the optional domain_regex, url_regex and risk_gte
// filters. A filter that cannot be evaluated rejects the event.
func matchTriggerFilters(cfg store.Payload, payload map[string]any) bool {
	p := store.Payload(payload)
	if pattern := cfg.String("domain_regex"); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil || !re.MatchString(p.String("domain")) {
			return false
		}
	}
	if pattern := cfg.String("url_regex"); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil || !re.MatchString(p.String("url")) {
			return false
		}
	}
	if raw, ok := cfg["risk_gte"]; ok && raw != nil {
		threshold, ok := toFloat(raw)
		if !ok {
			return false
		}
		risk, _ := toFloat(p["risk_score"])
		if risk < float64(int(threshold)) {
			return false
		}
	}
	return true
}

// HandleRunJob executes an automation_run job.
func (s *Service) HandleRunJob(ctx context.Context, job *store.Job) (worker.Result, error) {
	id, ok := automationID(job.Payload["automation_id"])
	if !ok {
		return worker.Result{Status: store.StatusFailed, Reason: ReasonMissingAutomationID}, nil
	}
	out, err := s.RunAutomationByID(ctx, id, job.Payload.String("event"), job.Payload.Map("payload"), job.Payload.Bool("dry_run", false))
	if errors.Is(err, ErrAutomationNotFound) {
		return worker.Result{Status: store.StatusFailed, Reason: ReasonAutomationNotFound}, nil
	}
	if err != nil {
		return worker.Result{}, err
	}
	res := worker.Result{Data: map[string]any{"run_id": out.RunID, "status": out.Status}}
	if out.Status == store.RunFailed {
		res.Status = store.StatusFailed
		res.Reason = out.Error
	}
	return res, nil
}

// HandleEventJob fans an automation_event job out to the matching automations.
func (s *Service) HandleEventJob(ctx context.Context, job *store.Job) (worker.Result, error) {
	event := strings.TrimSpace(job.Payload.String("event"))
	if event == "" {
		return worker.Result{Status: store.StatusFailed, Reason: ReasonMissingEvent}, nil
	}
	queued, err := s.RunEventAutomations(ctx, event, job.Payload.Map("payload"))
	if err != nil {
		return worker.Result{}, err
	}
	return worker.Result{Data: map[string]any{"queued": queued}}, nil
}

// automationID accepts the id as a JSON number or a numeric string.
func automationID(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return id, err == nil && id > 0
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return 0, false
	}
	return int64(f), true
}
