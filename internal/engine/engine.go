// Package engine runs several worker loops in one process and owns their
// lifecycle. Each loop leases jobs independently under its own owner id.
package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Loop is one polling worker. Run blocks until ctx is cancelled.
type Loop interface {
	Run(ctx context.Context) error
	Owner() string
}

// LoopFactory builds the loop for slot i. The composition root decides how
// loops are wired; the engine only schedules them.
type LoopFactory func(i int) Loop

// Engine manages a pool of worker loops.
type Engine struct {
	cfg     config.Interface
	logger  *zap.Logger
	factory LoopFactory
	wg      sync.WaitGroup

	// stateLock guards running and cancel.
	stateLock sync.Mutex
	running   bool
	cancel    context.CancelFunc
}

// New creates an Engine.
func New(cfg config.Interface, logger *zap.Logger, factory LoopFactory) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("loop factory cannot be nil")
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "engine")),
		factory: factory,
	}, nil
}

// Start launches worker.concurrency loops. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.running {
		e.logger.Warn("Engine.Start called, but engine is already running.")
		return
	}

	concurrency := e.cfg.Worker().Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.logger.Info("Starting worker loops", zap.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		loop := e.factory(i)
		e.wg.Add(1)
		go e.runLoop(runCtx, i, loop)
	}
}

// Stop cancels every loop and waits for them to return. It is safe to call more
// than once, and without a prior Start.
func (e *Engine) Stop() {
	e.stateLock.Lock()
	if !e.running {
		e.stateLock.Unlock()
		return
	}
	e.cancel()
	e.stateLock.Unlock()

	e.logger.Info("Stopping engine... waiting for worker loops to finish.")
	e.wg.Wait()

	e.stateLock.Lock()
	e.running = false
	e.cancel = nil
	e.stateLock.Unlock()
	e.logger.Info("Engine stopped gracefully.")
}

// Running reports whether loops are active.
func (e *Engine) Running() bool {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.running
}

func (e *Engine) runLoop(ctx context.Context, slot int, loop Loop) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("slot", slot), zap.String("owner", loop.Owner()))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker loop panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	logger.Debug("Worker loop started")
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker loop exited with error", zap.Error(err))
		return
	}
	logger.Debug("Worker loop exited")
}
