package service

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

func TestCreate_ValidationErrors(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	t.Run("NilConfig", func(t *testing.T) {
		_, err := NewComponentFactory().Create(ctx, nil, logger)
		assert.Error(t, err)
	})

	t.Run("MissingDatabase", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.DatabaseCfg.URL = ""
		cfg.DatabaseCfg.Host = ""

		_, err := NewComponentFactory().Create(ctx, cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database is not configured")
	})
}

func TestCreate_MigrationFailureStopsEarly(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.DatabaseCfg.AutoMigrate = true

	connected := false
	f := &concreteFactory{
		migrate: func(context.Context, string, store.MigrationDirection, *zap.Logger) (int, error) {
			return 0, errors.New("relation exists")
		},
		connect: func(context.Context, config.DatabaseConfig, *zap.Logger) (*pgxpool.Pool, error) {
			connected = true
			return nil, nil
		},
	}

	_, err := f.Create(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to migrate database")
	assert.False(t, connected, "connect must not run after a failed migration")
}

func TestCreate_ConnectFailure(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.DatabaseCfg.AutoMigrate = false
	cfg.DatabaseCfg.URL = "postgres://nobody@127.0.0.1:1/none"

	var gotDSN string
	f := &concreteFactory{
		migrate: func(context.Context, string, store.MigrationDirection, *zap.Logger) (int, error) {
			t.Fatal("migrate should be skipped when auto_migrate is off")
			return 0, nil
		},
		connect: func(_ context.Context, db config.DatabaseConfig, _ *zap.Logger) (*pgxpool.Pool, error) {
			gotDSN = db.DSN()
			return nil, errors.New("connection refused")
		},
	}

	_, err := f.Create(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
	assert.Equal(t, "postgres://nobody@127.0.0.1:1/none", gotDSN)
}
