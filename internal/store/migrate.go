package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsTable = "scamhunter_migrations"

// MigrationDirection selects which way Migrate walks the embedded migrations.
type MigrationDirection string

const (
	MigrateUp   MigrationDirection = "up"
	MigrateDown MigrationDirection = "down"
)

// MigrationStatus describes one embedded migration and whether it is applied.
type MigrationStatus struct {
	ID      string
	Applied bool
}

func migrationSource() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationFiles, Root: "migrations"}
}

func openSQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	return db, nil
}

// Migrate applies (up) or rolls back (down) the embedded schema migrations.
// Down only rolls back a single step.
func Migrate(ctx context.Context, dsn string, dir MigrationDirection, logger *zap.Logger) (int, error) {
	db, err := openSQL(dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to ping database: %w", err)
	}

	migrate.SetTable(migrationsTable)

	var n int
	switch dir {
	case MigrateUp:
		n, err = migrate.Exec(db, "postgres", migrationSource(), migrate.Up)
	case MigrateDown:
		n, err = migrate.ExecMax(db, "postgres", migrationSource(), migrate.Down, 1)
	default:
		return 0, fmt.Errorf("unknown migration direction %q", dir)
	}
	if err != nil {
		return n, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Named("migrate").Info("Migrations applied", zap.String("direction", string(dir)), zap.Int("count", n))
	return n, nil
}

// MigrationReport lists every embedded migration with its applied state.
func MigrationReport(ctx context.Context, dsn string) ([]MigrationStatus, error) {
	db, err := openSQL(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrate.SetTable(migrationsTable)

	all, err := migrationSource().FindMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	records, err := migrate.GetMigrationRecords(db, "postgres")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration records: %w", err)
	}

	applied := make(map[string]bool, len(records))
	for _, r := range records {
		applied[r.Id] = true
	}

	out := make([]MigrationStatus, 0, len(all))
	for _, m := range all {
		out = append(out, MigrationStatus{ID: m.Id, Applied: applied[m.Id]})
	}
	return out, nil
}
