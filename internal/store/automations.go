package store

import (
	"context"
	"fmt"
)

const automationColumns = `id, name, description, enabled, trigger_type, trigger_config, graph, last_run_at, created_at, updated_at`

const (
	sqlInsertAutomation = `
        INSERT INTO automations (name, description, enabled, trigger_type, trigger_config, graph, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
        RETURNING id`
	sqlUpdateAutomation = `
        UPDATE automations
        SET name = $1, description = $2, enabled = $3, trigger_type = $4, trigger_config = $5, graph = $6, updated_at = $7
        WHERE id = $8`
	sqlGetAutomation        = `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`
	sqlListAutomations      = `SELECT ` + automationColumns + ` FROM automations ORDER BY id DESC`
	sqlDeleteAutomation     = `DELETE FROM automations WHERE id = $1`
	sqlSetAutomationLastRun = `UPDATE automations SET last_run_at = $1 WHERE id = $2`

	sqlInsertAutomationRun = `
        INSERT INTO automation_runs (automation_id, status, context, created_at)
        VALUES ($1, 'RUNNING', $2, $3)
        RETURNING id`
	sqlFinishAutomationRun = `
        UPDATE automation_runs SET status = $1, log = $2, reason = $3, finished_at = $4
        WHERE id = $5`
	sqlListAutomationRuns = `
        SELECT id, automation_id, status, context, log, reason, created_at, finished_at
        FROM automation_runs
        WHERE ($1::bigint = 0 OR automation_id = $1)
        ORDER BY id DESC
        LIMIT $2`
)

func scanAutomation(row rowScanner) (*Automation, error) {
	var (
		a       Automation
		trigger []byte
		graph   []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Enabled, &a.TriggerType, &trigger, &graph, &a.LastRunAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.TriggerConfig = map[string]any{}
	a.Graph = map[string]any{}
	if err := unmarshalJSON(trigger, &a.TriggerConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(graph, &a.Graph); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAutomation stores a new automation definition.
func (s *Store) CreateAutomation(ctx context.Context, a Automation) (int64, error) {
	trigger, err := marshalJSON(a.TriggerConfig, "{}")
	if err != nil {
		return 0, err
	}
	graph, err := marshalJSON(a.Graph, "{}")
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertAutomation, a.Name, a.Description, a.Enabled, a.TriggerType, trigger, graph, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create automation %q: %w", a.Name, err)
	}
	return id, nil
}

// UpdateAutomation replaces the editable fields of an automation.
func (s *Store) UpdateAutomation(ctx context.Context, a Automation) error {
	trigger, err := marshalJSON(a.TriggerConfig, "{}")
	if err != nil {
		return err
	}
	graph, err := marshalJSON(a.Graph, "{}")
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sqlUpdateAutomation, a.Name, a.Description, a.Enabled, a.TriggerType, trigger, graph, s.now(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update automation %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAutomation loads one automation.
func (s *Store) GetAutomation(ctx context.Context, id int64) (*Automation, error) {
	a, err := scanAutomation(s.pool.QueryRow(ctx, sqlGetAutomation, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load automation %d: %w", id, notFound(err))
	}
	return a, nil
}

// ListAutomations returns every automation, newest first.
func (s *Store) ListAutomations(ctx context.Context) ([]Automation, error) {
	rows, err := s.pool.Query(ctx, sqlListAutomations)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()

	out := []Automation{}
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAutomation removes an automation and, by cascade, its runs.
func (s *Store) DeleteAutomation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, sqlDeleteAutomation, id)
	if err != nil {
		return fmt.Errorf("failed to delete automation %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAutomationLastRun stamps last_run_at with the store clock.
func (s *Store) SetAutomationLastRun(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, sqlSetAutomationLastRun, s.now(), id); err != nil {
		return fmt.Errorf("failed to set last run on automation %d: %w", id, err)
	}
	return nil
}

// CreateAutomationRun opens a RUNNING run record with the context snapshot.
func (s *Store) CreateAutomationRun(ctx context.Context, automationID int64, snapshot map[string]any) (int64, error) {
	raw, err := marshalJSON(snapshot, "{}")
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertAutomationRun, automationID, raw, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create run for automation %d: %w", automationID, err)
	}
	return id, nil
}

// FinishAutomationRun writes the final status and step log. The log is write-once.
func (s *Store) FinishAutomationRun(ctx context.Context, runID int64, status string, log any, reason *string) error {
	raw, err := marshalJSON(log, "[]")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlFinishAutomationRun, status, raw, reason, s.now(), runID); err != nil {
		return fmt.Errorf("failed to finish automation run %d: %w", runID, err)
	}
	return nil
}

// ListAutomationRuns returns recent runs, for one automation when automationID > 0.
func (s *Store) ListAutomationRuns(ctx context.Context, automationID int64, limit int) ([]AutomationRun, error) {
	rows, err := s.pool.Query(ctx, sqlListAutomationRuns, automationID, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("failed to list automation runs: %w", err)
	}
	defer rows.Close()

	out := []AutomationRun{}
	for rows.Next() {
		var (
			r        AutomationRun
			snapshot []byte
			log      []byte
		)
		if err := rows.Scan(&r.ID, &r.AutomationID, &r.Status, &snapshot, &log, &r.Reason, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan automation run row: %w", err)
		}
		r.Context = map[string]any{}
		if err := unmarshalJSON(snapshot, &r.Context); err != nil {
			return nil, err
		}
		var steps []any
		if err := unmarshalJSON(log, &steps); err != nil {
			return nil, err
		}
		r.Log = steps
		out = append(out, r)
	}
	return out, rows.Err()
}
