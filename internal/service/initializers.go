// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/engine"
	"github.com/xkilldash9x/scamhunter/internal/network"
	"github.com/xkilldash9x/scamhunter/internal/store"
	"github.com/xkilldash9x/scamhunter/internal/worker"
)

// Scheduler tick names persisted through ClaimSchedulerTick.
const (
	ScheduleHunts       = "hunts"
	ScheduleAutomations = "automations"
)

// dbConnectMaxElapsed bounds how long ConnectDB keeps retrying a cold database.
const dbConnectMaxElapsed = 30 * time.Second

// ConnectDB opens a pgx pool and retries the first ping with exponential backoff,
// so a worker started alongside its database does not exit on the first refusal.
func ConnectDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = dbConnectMaxElapsed

	attempt := 0
	ping := func() error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("Database not reachable yet", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Debug("Database connection pool initialized.", zap.Int("attempts", attempt))
	return pool, nil
}

// InitializeHTTPClient builds the client shared by providers, the spider's sitemap
// reads, automation webhooks and TAXII pushes. It honours the fetch proxy so all
// outbound OSINT traffic leaves through the same egress.
func InitializeHTTPClient(cfg config.Interface, logger *zap.Logger) (*http.Client, error) {
	cc := network.NewDefaultClientConfig()
	cc.Logger = logger
	if t := cfg.Providers().Timeout; t > 0 {
		cc.RequestTimeout = t
	}
	if p := cfg.Fetch().Proxy; p.Enabled && p.Address != "" {
		u, err := url.Parse(p.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid fetch.proxy.address: %w", err)
		}
		cc.ProxyURL = u
	}
	return network.NewClient(cc), nil
}

// WorkerOptions registers every job handler and, when enabled, the scheduled
// hunt and automation sweeps.
func WorkerOptions(c *Components, cfg config.WorkerConfig) []worker.Option {
	opts := []worker.Option{
		worker.WithHandler(store.JobScan, c.Pipeline),
		worker.WithHandler(store.JobSpider, c.Spider),
		worker.WithHandler(store.JobAutomationRun, worker.HandlerFunc(c.Automations.HandleRunJob)),
		worker.WithHandler(store.JobAutomationEvent, worker.HandlerFunc(c.Automations.HandleEventJob)),
	}
	if cfg.HuntAutorunEnabled {
		opts = append(opts, worker.WithSchedule(ScheduleHunts, cfg.HuntPollInterval, c.Hunts.RunScheduledHunts))
	}
	if cfg.AutomationAutorunEnabled {
		opts = append(opts, worker.WithSchedule(ScheduleAutomations, cfg.AutomationPollInterval, c.Automations.RunScheduledAutomations))
	}
	return opts
}

// NewLoopFactory returns the engine.LoopFactory wiring one worker per slot.
// Every slot gets its own lease owner id.
func NewLoopFactory(c *Components, cfg config.Interface, logger *zap.Logger) engine.LoopFactory {
	return func(i int) engine.Loop {
		return worker.New(c.Store, cfg.Worker(), logger.With(zap.Int("slot", i)), WorkerOptions(c, cfg.Worker())...)
	}
}

// StartWorkers launches worker.concurrency loops and records the engine on c so
// Shutdown stops them.
func StartWorkers(ctx context.Context, c *Components, logger *zap.Logger) (*engine.Engine, error) {
	eng, err := engine.New(c.Config, logger, NewLoopFactory(c, c.Config, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize worker engine: %w", err)
	}
	eng.Start(ctx)
	c.Engine = eng
	return eng, nil
}
