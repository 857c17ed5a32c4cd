// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/automation"
	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/export"
	"github.com/xkilldash9x/scamhunter/internal/hunt"
	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/providers"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/scan"
	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/spider"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// Stopper is anything with a blocking Stop, in practice the worker engine.
type Stopper interface {
	Stop()
}

// Components holds every long-lived dependency of a scamhunter process.
// This struct centralizes the lifecycle management of those dependencies so the
// worker, the API and the one-shot CLI commands share one wiring.
type Components struct {
	Config config.Interface
	DBPool *pgxpool.Pool
	Store  *store.Store

	Settings    *settings.Store
	Fetcher     *safefetch.Fetcher
	Providers   *providers.Client
	Pipeline    *scan.Pipeline
	Spider      *spider.Spider
	Hunts       *hunt.Engine
	Automations *automation.Service
	Exporter    *export.Exporter
	TAXII       *export.TAXIIPusher

	// Engine is set once StartWorkers has launched the worker loops.
	Engine Stopper
}

// Shutdown releases resources in reverse dependency order: worker loops first so
// no job is mid-write when the pool goes away.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Engine != nil {
		c.Engine.Stop()
		logger.Debug("Worker engine stopped.")
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.", zap.Bool("workers", c.Engine != nil))
}
