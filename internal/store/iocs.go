package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	sqlInsertIOC = `
        INSERT INTO iocs (kind, value, target_id, url, domain, source, note, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`
	sqlSelectIOCs = `SELECT id, kind, value, target_id, url, domain, source, note, created_at FROM iocs`

	sqlGetSetting    = `SELECT value FROM settings WHERE key = $1`
	sqlUpsertSetting = `
        INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	sqlListSettings = `SELECT key, value, updated_at FROM settings ORDER BY key ASC`
)

// CreateIOC stores an explicitly saved indicator.
func (s *Store) CreateIOC(ctx context.Context, ioc IOC) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sqlInsertIOC, ioc.Kind, ioc.Value, ioc.TargetID, ioc.URL, ioc.Domain, ioc.Source, ioc.Note, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s ioc: %w", ioc.Kind, err)
	}
	return id, nil
}

// ListIOCs returns IOCs matching every non-zero filter field, newest first.
func (s *Store) ListIOCs(ctx context.Context, f IOCFilter) ([]IOC, error) {
	var conditions []string
	var args []any
	argID := 1

	add := func(clause string, v any) {
		conditions = append(conditions, fmt.Sprintf(clause, argID))
		args = append(args, v)
		argID++
	}

	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.Value != "" {
		add("value ILIKE $%d", "%"+f.Value+"%")
	}
	if f.Domain != "" {
		add("domain ILIKE $%d", "%"+f.Domain+"%")
	}
	if f.URL != "" {
		add("url ILIKE $%d", "%"+f.URL+"%")
	}
	if f.Source != "" {
		add("source ILIKE $%d", "%"+f.Source+"%")
	}
	if f.TargetID > 0 {
		add("target_id = $%d", f.TargetID)
	}
	if f.DateFrom != nil {
		add("created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at <= $%d", *f.DateTo)
	}

	query := sqlSelectIOCs
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", argID)
	args = append(args, clampLimit(f.Limit, 200))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list iocs: %w", err)
	}
	defer rows.Close()

	out := []IOC{}
	for rows.Next() {
		var i IOC
		if err := rows.Scan(&i.ID, &i.Kind, &i.Value, &i.TargetID, &i.URL, &i.Domain, &i.Source, &i.Note, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ioc row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// -- Settings --

// GetSetting returns the persisted value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	if err := s.pool.QueryRow(ctx, sqlGetSetting, key).Scan(&v); err != nil {
		return "", notFound(err)
	}
	return v, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if _, err := s.pool.Exec(ctx, sqlUpsertSetting, key, value, s.now()); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// ListSettings returns every persisted setting ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.pool.Query(ctx, sqlListSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := []Setting{}
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
