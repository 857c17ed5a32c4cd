package store

import (
	"context"
	"fmt"
)

// -- Indicators and assets --

const (
	sqlInsertIndicator = `INSERT INTO indicators (target_id, kind, value, created_at) VALUES ($1, $2, $3, $4)`
	sqlListIndicators  = `SELECT id, target_id, kind, value FROM indicators WHERE target_id = $1 ORDER BY id ASC`
	sqlInsertAsset     = `
        INSERT INTO assets (target_id, url, type, md5, sha256, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id`
)

// InsertIndicator stores one extracted indicator.
func (s *Store) InsertIndicator(ctx context.Context, targetID int64, kind, value string) error {
	if _, err := s.pool.Exec(ctx, sqlInsertIndicator, targetID, kind, value, s.now()); err != nil {
		return fmt.Errorf("failed to insert %s indicator: %w", kind, err)
	}
	return nil
}

// ListIndicators returns a target's indicators in extraction order.
func (s *Store) ListIndicators(ctx context.Context, targetID int64) ([]Indicator, error) {
	rows, err := s.pool.Query(ctx, sqlListIndicators, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicators: %w", err)
	}
	defer rows.Close()

	out := []Indicator{}
	for rows.Next() {
		var ind Indicator
		if err := rows.Scan(&ind.ID, &ind.TargetID, &ind.Kind, &ind.Value); err != nil {
			return nil, fmt.Errorf("failed to scan indicator row: %w", err)
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

// InsertAsset stores a fetched (or failed) sub-resource and returns its id.
func (s *Store) InsertAsset(ctx context.Context, a Asset) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sqlInsertAsset, a.TargetID, a.URL, a.Type, a.MD5, a.SHA256, a.Status, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert asset %s: %w", a.URL, err)
	}
	return id, nil
}

// -- Signatures, alert rules and YARA rules --

const (
	sqlInsertSignature = `INSERT INTO signatures (name, pattern, target_field, enabled, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`
	sqlListSignatures  = `SELECT id, name, pattern, target_field, enabled FROM signatures ORDER BY id DESC`
	sqlInsertSigMatch  = `INSERT INTO signature_matches (target_id, signature_id, asset_id, verified, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	sqlCountSigMatches = `SELECT COUNT(*) FROM signature_matches WHERE target_id = $1`
	sqlInsertAlertRule = `INSERT INTO alert_rules (name, pattern, target_field, enabled, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`
	sqlListAlertRules  = `SELECT id, name, pattern, target_field, enabled FROM alert_rules ORDER BY id DESC`
	sqlInsertYaraRule  = `INSERT INTO yara_rules (name, rule_text, target_field, enabled, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`
	sqlListYaraRules   = `SELECT id, name, rule_text, target_field, enabled FROM yara_rules ORDER BY id DESC`
	sqlInsertYaraMatch = `INSERT INTO yara_matches (target_id, rule_id, asset_id, verified, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	sqlInsertAlert     = `INSERT INTO alerts (target_id, kind, message, created_at) VALUES ($1, $2, $3, $4)`
	sqlListAlerts      = `SELECT id, target_id, kind, message, created_at FROM alerts ORDER BY id DESC LIMIT $1`
)

// CreateSignature stores a regex signature.
func (s *Store) CreateSignature(ctx context.Context, sig Signature) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertSignature, sig.Name, sig.Pattern, sig.TargetField, sig.Enabled, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create signature %q: %w", sig.Name, err)
	}
	return id, nil
}

// ListSignatures returns signatures, optionally only the enabled ones.
func (s *Store) ListSignatures(ctx context.Context, enabledOnly bool) ([]Signature, error) {
	return s.listPatternRules(ctx, sqlListSignatures, enabledOnly)
}

// CreateAlertRule stores an alert rule.
func (s *Store) CreateAlertRule(ctx context.Context, rule AlertRule) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertAlertRule, rule.Name, rule.Pattern, rule.TargetField, rule.Enabled, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create alert rule %q: %w", rule.Name, err)
	}
	return id, nil
}

// ListAlertRules returns alert rules, optionally only the enabled ones.
func (s *Store) ListAlertRules(ctx context.Context, enabledOnly bool) ([]AlertRule, error) {
	return s.listPatternRules(ctx, sqlListAlertRules, enabledOnly)
}

func (s *Store) listPatternRules(ctx context.Context, sql string, enabledOnly bool) ([]Signature, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	out := []Signature{}
	for rows.Next() {
		var r Signature
		if err := rows.Scan(&r.ID, &r.Name, &r.Pattern, &r.TargetField, &r.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertSignatureMatch records a signature hit.
func (s *Store) InsertSignatureMatch(ctx context.Context, m Match) error {
	if _, err := s.pool.Exec(ctx, sqlInsertSigMatch, m.TargetID, m.RuleID, m.AssetID, m.Verified, m.Confidence, s.now()); err != nil {
		return fmt.Errorf("failed to insert signature match: %w", err)
	}
	return nil
}

// CountSignatureMatches counts signature hits for a target.
func (s *Store) CountSignatureMatches(ctx context.Context, targetID int64) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, sqlCountSigMatches, targetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count signature matches: %w", err)
	}
	return int(n), nil
}

// CreateYaraRule stores a YARA rule source.
func (s *Store) CreateYaraRule(ctx context.Context, r YaraRule) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertYaraRule, r.Name, r.RuleText, r.TargetField, r.Enabled, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create yara rule %q: %w", r.Name, err)
	}
	return id, nil
}

// ListYaraRules returns YARA rules, optionally only the enabled ones.
func (s *Store) ListYaraRules(ctx context.Context, enabledOnly bool) ([]YaraRule, error) {
	rows, err := s.pool.Query(ctx, sqlListYaraRules)
	if err != nil {
		return nil, fmt.Errorf("failed to list yara rules: %w", err)
	}
	defer rows.Close()

	out := []YaraRule{}
	for rows.Next() {
		var r YaraRule
		if err := rows.Scan(&r.ID, &r.Name, &r.RuleText, &r.TargetField, &r.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan yara rule row: %w", err)
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertYaraMatch records a YARA hit.
func (s *Store) InsertYaraMatch(ctx context.Context, m Match) error {
	if _, err := s.pool.Exec(ctx, sqlInsertYaraMatch, m.TargetID, m.RuleID, m.AssetID, m.Verified, m.Confidence, s.now()); err != nil {
		return fmt.Errorf("failed to insert yara match: %w", err)
	}
	return nil
}

// -- Alerts --

// CreateAlert stores an alert for a target.
func (s *Store) CreateAlert(ctx context.Context, targetID int64, kind, message string) error {
	if _, err := s.pool.Exec(ctx, sqlInsertAlert, targetID, kind, message, s.now()); err != nil {
		return fmt.Errorf("failed to create %s alert: %w", kind, err)
	}
	return nil
}

// ListAlerts returns the newest alerts first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, sqlListAlerts, clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := []Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.TargetID, &a.Kind, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
