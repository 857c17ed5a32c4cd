// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/automation"
	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/export"
	"github.com/xkilldash9x/scamhunter/internal/fingerprint"
	"github.com/xkilldash9x/scamhunter/internal/hunt"
	"github.com/xkilldash9x/scamhunter/internal/llmclient"
	"github.com/xkilldash9x/scamhunter/internal/providers"
	"github.com/xkilldash9x/scamhunter/internal/safefetch"
	"github.com/xkilldash9x/scamhunter/internal/scan"
	"github.com/xkilldash9x/scamhunter/internal/screenshot"
	"github.com/xkilldash9x/scamhunter/internal/settings"
	"github.com/xkilldash9x/scamhunter/internal/spider"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// ComponentFactory defines the interface for creating the full component set.
// This abstraction is what keeps the cobra commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type connectFunc func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error)

type migrateFunc func(ctx context.Context, dsn string, dir store.MigrationDirection, logger *zap.Logger) (int, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	connect connectFunc
	migrate migrateFunc
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{connect: ConnectDB, migrate: store.Migrate}
}

// Create handles the full dependency injection. Nothing here starts background
// work; StartWorkers does that for the worker command.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	dbCfg := cfg.Database()
	if dbCfg.URL == "" && dbCfg.Host == "" {
		return nil, fmt.Errorf("database is not configured (hint: check SCAMHUNTER_DATABASE_URL)")
	}

	components := &Components{Config: cfg}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Schema
	if dbCfg.AutoMigrate {
		if _, err := f.migrate(ctx, dbCfg.DSN(), store.MigrateUp, logger); err != nil {
			initializationErr = fmt.Errorf("failed to migrate database: %w", err)
			return nil, initializationErr
		}
	}

	// 2. Database pool and store
	pool, err := f.connect(ctx, dbCfg, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to connect to database: %w", err)
		return nil, initializationErr
	}
	components.DBPool = pool

	dbStore, err := store.New(ctx, pool, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize database store: %w", err)
		return nil, initializationErr
	}
	components.Store = dbStore
	components.Settings = settings.New(dbStore, logger)
	logger.Debug("Store and settings initialized.")

	// 3. Outbound clients
	fetcher, err := safefetch.New(cfg.Fetch(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize safe fetcher: %w", err)
		return nil, initializationErr
	}
	components.Fetcher = fetcher

	httpClient, err := InitializeHTTPClient(cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Providers = providers.New(cfg.Providers(), components.Settings, httpClient, logger)

	// 4. Scan pipeline
	scanCfg := cfg.Scan()
	components.Pipeline = scan.New(scanCfg, scan.Deps{
		Store:    dbStore,
		Fetcher:  fetcher,
		Resolver: fingerprint.NewResolver(scanCfg.DNSServer, scanCfg.DNSTimeout, logger),
		TLS:      fingerprint.NewTLSFingerprinter(scanCfg.JARMTimeout),
		Capturer: screenshot.New(cfg.Browser(), cfg.Fetch().UserAgent, filepath.Join(scanCfg.StorageDir, "screenshots"), logger),
		Verifier: llmclient.NewVerifier(components.Settings, cfg.AI(), logger),
		Settings: components.Settings,
	}, logger)

	// 5. Spider, hunts and automations
	components.Spider = spider.New(dbStore, fetcher, httpClient, cfg.Spider(), cfg.Fetch().UserAgent, logger)
	components.Hunts = hunt.New(dbStore, components.Providers, cfg.Hunt(), logger)

	graphEngine := automation.NewEngine(dbStore, dbStore, components.Providers, httpClient, cfg.Automation(), logger)
	components.Automations = automation.NewService(dbStore, graphEngine, logger)

	// 6. Export
	components.Exporter = export.New()
	components.TAXII = export.NewTAXIIPusher(components.Exporter, components.Settings, httpClient, logger)

	logger.Info("All components initialized successfully.")
	return components, nil
}
