package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// -- Pivots --

// ErrUnsupportedField is returned for a pivot on a column outside pivotFields.
var ErrUnsupportedField = errors.New("store: unsupported pivot field")

// pivotFields are the target columns that can be matched exactly. The names
// are interpolated into SQL, so nothing else may reach the query.
var pivotFields = map[string]bool{
	"domain":           true,
	"ip":               true,
	"jarm":             true,
	"favicon_hash":     true,
	"dom_hash":         true,
	"headers_hash":     true,
	"screenshot_ahash": true,
	"screenshot_phash": true,
	"screenshot_dhash": true,
}

const (
	pivotLimit = 200

	sqlAssetsByHash = `
        SELECT id, target_id, url, type, md5, sha256, status
        FROM assets
        WHERE md5 = $1 OR sha256 = $1
        ORDER BY id DESC
        LIMIT $2`
)

// PivotFields lists the fields FindTargetsByField accepts, sorted.
func PivotFields() []string {
	out := make([]string, 0, len(pivotFields))
	for f := range pivotFields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FindTargetsByField returns targets whose field equals value exactly, newest first.
func (s *Store) FindTargetsByField(ctx context.Context, field, value string, limit int) ([]Target, error) {
	if !pivotFields[field] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedField, field)
	}
	query := fmt.Sprintf(`SELECT %s FROM targets WHERE %s = $1 ORDER BY id DESC LIMIT $2`, targetColumns, field)
	return s.queryTargets(ctx, "pivot on "+field, query, value, clampLimit(limit, pivotLimit))
}

// FindAssetsByHash returns assets whose md5 or sha256 equals hash, newest first.
func (s *Store) FindAssetsByHash(ctx context.Context, hash string, limit int) ([]Asset, error) {
	rows, err := s.pool.Query(ctx, sqlAssetsByHash, strings.ToLower(hash), clampLimit(limit, pivotLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to pivot on asset hash: %w", err)
	}
	defer rows.Close()

	out := []Asset{}
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.TargetID, &a.URL, &a.Type, &a.MD5, &a.SHA256, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TargetSearch filters SearchTargets. Query and Domain are substring matches,
// the hash fields and IP are exact. Zero fields are ignored.
type TargetSearch struct {
	Query       string `json:"query"`
	Domain      string `json:"domain"`
	DOMHash     string `json:"dom_hash"`
	HeadersHash string `json:"headers_hash"`
	IP          string `json:"ip"`
	JARM        string `json:"jarm"`
	FaviconHash string `json:"favicon_hash"`
	Limit       int    `json:"limit"`
}

// SearchTargets is the local counterpart of a urlscan search: every set filter
// must match. With no filters it lists the newest targets.
func (s *Store) SearchTargets(ctx context.Context, f TargetSearch) ([]Target, error) {
	var conditions []string
	var args []any
	argID := 1

	add := func(clause string, v any) {
		conditions = append(conditions, strings.ReplaceAll(clause, "$?", fmt.Sprintf("$%d", argID)))
		args = append(args, v)
		argID++
	}

	if q := strings.TrimSpace(f.Query); q != "" {
		add("(url ILIKE $? OR domain ILIKE $? OR title ILIKE $?)", "%"+q+"%")
	}
	if d := strings.TrimSpace(f.Domain); d != "" {
		add("domain ILIKE $?", "%"+d+"%")
	}
	for _, exact := range []struct{ col, v string }{
		{"dom_hash", f.DOMHash},
		{"headers_hash", f.HeadersHash},
		{"ip", f.IP},
		{"jarm", f.JARM},
		{"favicon_hash", f.FaviconHash},
	} {
		if v := strings.TrimSpace(exact.v); v != "" {
			add(exact.col+" = $?", v)
		}
	}

	query := `SELECT ` + targetColumns + ` FROM targets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", argID)
	args = append(args, clampLimit(f.Limit, 100))

	return s.queryTargets(ctx, "search targets", query, args...)
}

func (s *Store) queryTargets(ctx context.Context, what, query string, args ...any) ([]Target, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	defer rows.Close()

	out := []Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target row: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
