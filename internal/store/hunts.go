package store

import (
	"context"
	"fmt"
	"time"
)

const huntColumns = `id, name, rule_type, rule, ttl_seconds, delay_seconds, budget, enabled, last_run_at`

const (
	sqlInsertHunt = `
        INSERT INTO hunts (name, rule_type, rule, ttl_seconds, delay_seconds, budget, enabled, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`
	sqlListHunts     = `SELECT ` + huntColumns + ` FROM hunts ORDER BY id DESC`
	sqlGetHunt       = `SELECT ` + huntColumns + ` FROM hunts WHERE id = $1`
	sqlMarkHuntRun   = `UPDATE hunts SET last_run_at = $1 WHERE id = $2`
	sqlInsertHuntRun = `
        INSERT INTO hunt_runs (hunt_id, trigger, queued, warning, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`
	sqlListHuntRuns = `SELECT id, hunt_id, trigger, queued, warning, created_at FROM hunt_runs ORDER BY id DESC LIMIT $1`
)

func scanHunt(row rowScanner) (*Hunt, error) {
	var h Hunt
	if err := row.Scan(&h.ID, &h.Name, &h.RuleType, &h.Rule, &h.TTLSeconds, &h.DelaySeconds, &h.Budget, &h.Enabled, &h.LastRunAt); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateHunt stores a hunt definition.
func (s *Store) CreateHunt(ctx context.Context, h Hunt) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sqlInsertHunt, h.Name, h.RuleType, h.Rule, h.TTLSeconds, h.DelaySeconds, h.Budget, h.Enabled, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create hunt %q: %w", h.Name, err)
	}
	return id, nil
}

// ListHunts returns all hunts, newest first.
func (s *Store) ListHunts(ctx context.Context) ([]Hunt, error) {
	rows, err := s.pool.Query(ctx, sqlListHunts)
	if err != nil {
		return nil, fmt.Errorf("failed to list hunts: %w", err)
	}
	defer rows.Close()

	out := []Hunt{}
	for rows.Next() {
		h, err := scanHunt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hunt row: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// GetHunt loads one hunt.
func (s *Store) GetHunt(ctx context.Context, id int64) (*Hunt, error) {
	h, err := scanHunt(s.pool.QueryRow(ctx, sqlGetHunt, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load hunt %d: %w", id, notFound(err))
	}
	return h, nil
}

// MarkHuntRun sets last_run_at.
func (s *Store) MarkHuntRun(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, sqlMarkHuntRun, at, id); err != nil {
		return fmt.Errorf("failed to mark hunt %d run: %w", id, err)
	}
	return nil
}

// CreateHuntRun records one hunt execution.
func (s *Store) CreateHuntRun(ctx context.Context, huntID int64, trigger string, queued int, warning *string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertHuntRun, huntID, trigger, queued, warning, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to record run for hunt %d: %w", huntID, err)
	}
	return id, nil
}

// ListHuntRuns returns the newest hunt runs first.
func (s *Store) ListHuntRuns(ctx context.Context, limit int) ([]HuntRun, error) {
	rows, err := s.pool.Query(ctx, sqlListHuntRuns, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("failed to list hunt runs: %w", err)
	}
	defer rows.Close()

	out := []HuntRun{}
	for rows.Next() {
		var r HuntRun
		if err := rows.Scan(&r.ID, &r.HuntID, &r.Trigger, &r.Queued, &r.Warning, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hunt run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Now exposes the store clock so callers stamp times consistently with the rows they write.
func (s *Store) Now() time.Time {
	return s.now()
}
