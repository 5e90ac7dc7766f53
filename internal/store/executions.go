package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"staqflow/internal/automation"
	apperrors "staqflow/internal/errors"
)

// InsertExecution writes a new execution row, typically in RUNNING state.
func (s *Store) InsertExecution(ctx context.Context, exec *automation.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}

	triggerJSON, err := json.Marshal(exec.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger data: %w", err)
	}

	query := `
INSERT INTO executions (id, automation_id, status, trigger_data, started_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`
	_, err = s.pool.Exec(ctx, query, exec.ID, exec.AutomationID, string(exec.Status), triggerJSON, exec.StartedAt)
	if err != nil {
		s.logger.Error("Failed to insert execution %s: %v", exec.ID, err)
	}
	return err
}

// FinalizeExecution records the outcome of a run: status, the full component
// result tree, the first error, and completion timing.
func (s *Store) FinalizeExecution(ctx context.Context, exec *automation.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}

	resultsValue := exec.ComponentResults
	if resultsValue == nil {
		resultsValue = []*automation.ComponentResult{}
	}
	resultsJSON, err := json.Marshal(resultsValue)
	if err != nil {
		return fmt.Errorf("encode component results: %w", err)
	}

	query := `
UPDATE executions
SET status = $2, component_results = $3::jsonb, error = $4, completed_at = $5, duration_ms = $6
WHERE id = $1
`
	tag, err := s.pool.Exec(ctx, query,
		exec.ID, string(exec.Status), resultsJSON, nullable(exec.Error), exec.CompletedAt, exec.DurationMs,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("execution %s not found", exec.ID))
	}
	return nil
}

// GetExecution loads one execution, accepting the legacy result shape.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*automation.Execution, error) {
	row := s.pool.QueryRow(ctx, executionSelect+` WHERE id = $1`, executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("execution %s not found", executionID))
	}
	return exec, err
}

// ListExecutions returns recent executions, newest first, optionally scoped
// to one automation.
func (s *Store) ListExecutions(ctx context.Context, automationID string, limit int) ([]*automation.Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := executionSelect
	args := []any{}
	if automationID != "" {
		query += ` WHERE automation_id = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, automationID, limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*automation.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ExecutionStats aggregates counts and mean duration for one automation.
func (s *Store) ExecutionStats(ctx context.Context, automationID string) (*automation.ExecutionStats, error) {
	query := `
SELECT count(*),
       count(*) FILTER (WHERE status = 'SUCCESS'),
       count(*) FILTER (WHERE status = 'FAILED'),
       COALESCE(avg(duration_ms), 0)
FROM executions
WHERE automation_id = $1
`
	stats := automation.ExecutionStats{AutomationID: automationID}
	err := s.pool.QueryRow(ctx, query, automationID).Scan(
		&stats.Total, &stats.Succeeded, &stats.Failed, &stats.AvgDurationMs,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

const executionSelect = `
SELECT id, automation_id, status, trigger_data, component_results, condition_result, action_results, error, started_at, completed_at, duration_ms
FROM executions`

func scanExecution(row pgx.Row) (*automation.Execution, error) {
	var (
		exec                automation.Execution
		status              string
		triggerJSON         []byte
		resultsJSON         []byte
		conditionResultJSON []byte
		actionResultsJSON   []byte
		errMsg              *string
	)
	err := row.Scan(
		&exec.ID, &exec.AutomationID, &status, &triggerJSON, &resultsJSON,
		&conditionResultJSON, &actionResultsJSON, &errMsg,
		&exec.StartedAt, &exec.CompletedAt, &exec.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = automation.ExecutionStatus(status)
	exec.Error = deref(errMsg)

	if len(triggerJSON) > 0 && string(triggerJSON) != "null" {
		if err := json.Unmarshal(triggerJSON, &exec.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger data for %s: %w", exec.ID, err)
		}
	}

	if len(resultsJSON) > 0 && string(resultsJSON) != "null" {
		if err := json.Unmarshal(resultsJSON, &exec.ComponentResults); err != nil {
			return nil, fmt.Errorf("decode component results for %s: %w", exec.ID, err)
		}
	} else {
		results, err := automation.LegacyExecutionResults(conditionResultJSON, actionResultsJSON)
		if err != nil {
			return nil, fmt.Errorf("migrate legacy results for %s: %w", exec.ID, err)
		}
		exec.ComponentResults = results
	}

	return &exec, nil
}
