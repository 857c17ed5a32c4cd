package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

const targetColumns = `id, url, domain, status, reason, title, dom_hash, headers_hash, html_path, ip, jarm,
        favicon_hash, screenshot_path, screenshot_status, screenshot_phash, risk_score, tags, redirect_chain,
        created_at, updated_at`

const (
	sqlInsertTarget = `
        INSERT INTO targets (url, domain, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $4)
        RETURNING id`
	sqlGetTarget      = `SELECT ` + targetColumns + ` FROM targets WHERE id = $1`
	sqlListTargets    = `SELECT ` + targetColumns + ` FROM targets ORDER BY id DESC LIMIT $1`
	sqlKnownTargetURL = `SELECT DISTINCT url FROM targets WHERE url = ANY($1)`
	sqlTargetURLLock  = `SELECT url FROM targets WHERE id = $1 FOR UPDATE`
	sqlDeleteTarget   = `DELETE FROM targets WHERE id = $1`
)

// targetUpdatable lists the columns UpdateTarget may write. jsonColumns are encoded first.
var (
	targetUpdatable = map[string]bool{
		"status": true, "reason": true, "title": true, "dom_hash": true, "headers_hash": true,
		"headers_text": true, "html_excerpt": true, "html_path": true, "ip": true, "jarm": true,
		"favicon_hash": true, "screenshot_path": true, "screenshot_status": true,
		"screenshot_reason": true, "screenshot_ahash": true, "screenshot_phash": true,
		"screenshot_dhash": true, "risk_score": true, "tags": true, "redirect_chain": true,
	}
	jsonColumns = map[string]string{"tags": "[]", "redirect_chain": "[]"}
)

// TargetFields is a sparse column->value update.
type TargetFields map[string]any

func scanTarget(row rowScanner) (*Target, error) {
	var (
		t     Target
		tags  []byte
		chain []byte
	)
	err := row.Scan(&t.ID, &t.URL, &t.Domain, &t.Status, &t.Reason, &t.Title, &t.DOMHash, &t.HeadersHash,
		&t.HTMLPath, &t.IP, &t.JARM, &t.FaviconHash, &t.ScreenshotPath, &t.ScreenshotStatus, &t.ScreenshotPHash,
		&t.RiskScore, &tags, &chain, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Tags = []string{}
	t.RedirectChain = []map[string]any{}
	if err := unmarshalJSON(tags, &t.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(chain, &t.RedirectChain); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTarget inserts a target row in the given status and returns its id.
func (s *Store) CreateTarget(ctx context.Context, url, domain, status string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertTarget, url, domain, status, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create target for %s: %w", url, err)
	}
	return id, nil
}

// UpdateTarget writes the given columns plus updated_at. Unknown columns are rejected.
func (s *Store) UpdateTarget(ctx context.Context, id int64, fields TargetFields) error {
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !targetUpdatable[col] {
			return fmt.Errorf("failed to update target %d: column %q is not updatable", id, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		v := fields[col]
		if empty, ok := jsonColumns[col]; ok {
			raw, err := marshalJSON(v, empty)
			if err != nil {
				return err
			}
			v = raw
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, v)
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(cols)+1))
	args = append(args, s.now(), id)

	sql := fmt.Sprintf("UPDATE targets SET %s WHERE id = $%d", strings.Join(sets, ", "), len(cols)+2)
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to update target %d: %w", id, err)
	}
	return nil
}

// GetTarget loads one target.
func (s *Store) GetTarget(ctx context.Context, id int64) (*Target, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx, sqlGetTarget, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load target %d: %w", id, notFound(err))
	}
	return t, nil
}

// ListTargets returns the newest targets first.
func (s *Store) ListTargets(ctx context.Context, limit int) ([]Target, error) {
	return s.queryTargets(ctx, "list targets", sqlListTargets, clampLimit(limit, 100))
}

// FilterNewURLs drops urls that already have a target row, keeping input order.
func (s *Store) FilterNewURLs(ctx context.Context, urls []string) ([]string, error) {
	unique := dedupeStrings(urls)
	if len(unique) == 0 {
		return []string{}, nil
	}
	known, err := s.collectStrings(ctx, sqlKnownTargetURL, unique)
	if err != nil {
		return nil, fmt.Errorf("failed to check known target urls: %w", err)
	}
	return without(unique, known), nil
}

// DeleteTarget removes the target (dependent rows cascade) and every job whose
// payload url is the target's url, in one transaction.
func (s *Store) DeleteTarget(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var url string
		if err := tx.QueryRow(ctx, sqlTargetURLLock, id).Scan(&url); err != nil {
			return fmt.Errorf("failed to lock target %d: %w", id, notFound(err))
		}
		if _, err := tx.Exec(ctx, sqlDeleteTarget, id); err != nil {
			return fmt.Errorf("failed to delete target %d: %w", id, err)
		}
		if _, err := tx.Exec(ctx, sqlDeleteJobsByURL, url); err != nil {
			return fmt.Errorf("failed to delete jobs for target %d: %w", id, err)
		}
		return nil
	})
}
