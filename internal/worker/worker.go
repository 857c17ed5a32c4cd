// Package worker leases jobs from the store one at a time and dispatches them to
// the handler registered for their type.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// Reason recorded when no handler is registered for a job's type.
const ReasonUnknownJobType = "unknown_job_type"

// Result is what a handler reports for a job. An empty Status means DONE.
type Result struct {
	Status store.JobStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Data   map[string]any  `json:"data,omitempty"`
}

// Handler processes one leased job.
type Handler interface {
	HandleJob(ctx context.Context, job *store.Job) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *store.Job) (Result, error)

// HandleJob calls f.
func (f HandlerFunc) HandleJob(ctx context.Context, job *store.Job) (Result, error) {
	return f(ctx, job)
}

// Queue is the slice of the store the loop needs.
type Queue interface {
	RequeueStuck(ctx context.Context) (int64, error)
	LeaseNext(ctx context.Context, owner string, lease time.Duration) (*store.Job, error)
	RenewLease(ctx context.Context, id int64, owner string, lease time.Duration) (bool, error)
	UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus, lastError *string) error
	GetJobStatus(ctx context.Context, id int64) (store.JobStatus, error)
	ClaimSchedulerTick(ctx context.Context, name string, interval time.Duration) (bool, error)
}

// ScheduledFunc fires periodic work (scheduled hunts, scheduled automations) and
// reports how many units it started.
type ScheduledFunc func(ctx context.Context) (int, error)

type schedule struct {
	name     string
	interval time.Duration
	fn       ScheduledFunc
}

// Worker is one logical scheduler. Several may run against the same store,
// in this process or others.
type Worker struct {
	queue     Queue
	cfg       config.WorkerConfig
	logger    *zap.Logger
	owner     string
	handlers  map[store.JobType]Handler
	schedules []schedule
	sleep     func(ctx context.Context, d time.Duration)
}

// Option is a function that configures a Worker.
type Option func(*Worker)

// WithHandler registers the handler for a job type.
func WithHandler(jobType store.JobType, h Handler) Option {
	return func(w *Worker) {
		w.handlers[jobType] = h
	}
}

// WithSchedule registers periodic work. The cadence is persisted through
// ClaimSchedulerTick, so a restart does not cause a burst and only one worker
// across all processes fires each tick.
func WithSchedule(name string, interval time.Duration, fn ScheduledFunc) Option {
	return func(w *Worker) {
		if interval > 0 && fn != nil {
			w.schedules = append(w.schedules, schedule{name: name, interval: interval, fn: fn})
		}
	}
}

// WithOwner overrides the generated lease owner id.
func WithOwner(owner string) Option {
	return func(w *Worker) {
		w.owner = owner
	}
}

// New creates a worker. Each worker gets its own lease owner id.
func New(queue Queue, cfg config.WorkerConfig, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	w := &Worker{
		queue:    queue,
		cfg:      cfg,
		owner:    uuid.NewString(),
		handlers: make(map[store.JobType]Handler),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logger.Named("worker").With(zap.String("owner", w.owner))
	return w
}

// Owner returns the lease owner id.
func (w *Worker) Owner() string { return w.owner }

// Run loops until ctx is cancelled. Store failures are logged and retried after
// the poll interval; the loop itself never exits on a job error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker loop started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker loop stopping", zap.Error(ctx.Err()))
			return nil
		}
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Worker iteration failed", zap.Error(err))
		}
		if !processed {
			w.sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// RunOnce performs one iteration: reclaim expired leases, fire due schedules,
// then lease and process at most one job. It reports whether a job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if n, err := w.queue.RequeueStuck(ctx); err != nil {
		return false, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	} else if n > 0 {
		w.logger.Info("Requeued jobs with expired leases", zap.Int64("count", n))
	}

	w.runSchedules(ctx)

	job, err := w.queue.LeaseNext(ctx, w.owner, w.cfg.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("failed to lease job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.process(ctx, job)
	return true, nil
}

func (w *Worker) runSchedules(ctx context.Context) {
	for _, s := range w.schedules {
		claimed, err := w.queue.ClaimSchedulerTick(ctx, s.name, s.interval)
		if err != nil {
			w.logger.Warn("Failed to claim scheduler tick", zap.String("schedule", s.name), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		n, err := s.fn(ctx)
		if err != nil {
			w.logger.Error("Scheduled work failed", zap.String("schedule", s.name), zap.Error(err))
			continue
		}
		if n > 0 {
			w.logger.Info("Scheduled work fired", zap.String("schedule", s.name), zap.Int("count", n))
		}
	}
}

// process runs the handler under a lease heartbeat and records the outcome.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	logger := w.logger.With(zap.Int64("job_id", job.ID), zap.String("job_type", string(job.Type)))
	logger.Info("Processing job", zap.Int("attempts", job.Attempts))
	start := time.Now()

	stop := w.startHeartbeat(ctx, job.ID, logger)
	res, err := w.dispatch(ctx, job)
	stop()

	// On shutdown the job stays RUNNING; once the lease lapses RequeueStuck
	// hands it to the next worker.
	if ctx.Err() != nil {
		logger.Warn("Worker stopping mid-job, leaving it for lease recovery",
			zap.Duration("duration", time.Since(start)), zap.NamedError("handler_error", err))
		return
	}

	status, lastError := outcome(res, err)

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	current, err := w.queue.GetJobStatus(writeCtx, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Could not re-check job status before completion", zap.Error(err))
	}
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("Job was deleted while running, dropping result")
		return
	}
	if current.Cancelled() {
		logger.Info("Job was cancelled by an operator, keeping its status",
			zap.String("status", string(current)), zap.String("handler_status", string(status)))
		return
	}

	if err := w.queue.UpdateJobStatus(writeCtx, job.ID, status, lastError); err != nil {
		logger.Error("Failed to record job status", zap.String("status", string(status)), zap.Error(err))
		return
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("duration", time.Since(start))}
	if lastError != nil {
		fields = append(fields, zap.String("reason", *lastError))
	}
	logger.Info("Job finished", fields...)
}

// dispatch calls the handler, converting a panic into an error.
func (w *Worker) dispatch(ctx context.Context, job *store.Job) (res Result, err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		return Result{Status: store.StatusFailed, Reason: ReasonUnknownJobType}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job handler panicked",
				zap.Int64("job_id", job.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.HandleJob(ctx, job)
}

func outcome(res Result, err error) (store.JobStatus, *string) {
	if err != nil {
		msg := err.Error()
		return store.StatusFailed, &msg
	}
	status := res.Status
	if status == "" {
		status = store.StatusDone
	}
	if status == store.StatusDone || res.Reason == "" {
		return status, nil
	}
	reason := res.Reason
	return status, &reason
}

// startHeartbeat renews the lease until the returned stop func is called.
func (w *Worker) startHeartbeat(ctx context.Context, jobID int64, logger *zap.Logger) func() {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 || interval >= w.cfg.LeaseDuration {
		interval = w.cfg.LeaseDuration / 3
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := w.queue.RenewLease(ctx, jobID, w.owner, w.cfg.LeaseDuration)
				switch {
				case err != nil:
					logger.Warn("Lease renewal failed", zap.Error(err))
				case !ok:
					logger.Warn("Lease lost; another worker may pick this job up")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
