package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"staqflow/internal/automation"
	apperrors "staqflow/internal/errors"
	id "staqflow/internal/utils/id"
)

// CreateAutomation validates and inserts a new automation, assigning an id
// and audit timestamps.
func (s *Store) CreateAutomation(ctx context.Context, auto *automation.Automation) error {
	if auto == nil {
		return fmt.Errorf("automation cannot be nil")
	}
	if err := auto.Validate(); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "invalid automation", err)
	}

	if auto.ID == "" {
		auto.ID = id.NewAutomationID()
	}
	now := time.Now()
	auto.CreatedAt = now
	auto.UpdatedAt = now

	triggerJSON, componentsJSON, err := encodeAutomation(auto)
	if err != nil {
		return err
	}

	query := `
INSERT INTO automations (id, name, description, workspace_id, workspace_key, enabled, trigger, components, execution_order, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12)
`
	_, err = s.pool.Exec(ctx, query,
		auto.ID, auto.Name, nullable(auto.Description), auto.WorkspaceID, nullable(auto.WorkspaceKey),
		auto.Enabled, triggerJSON, componentsJSON, auto.ExecutionOrder, nullable(auto.CreatedBy),
		auto.CreatedAt, auto.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("Failed to insert automation %s: %v", auto.ID, err)
		return err
	}
	return nil
}

// UpdateAutomation validates and rewrites an existing automation. The write
// always persists the unified components shape; legacy columns are cleared.
func (s *Store) UpdateAutomation(ctx context.Context, auto *automation.Automation) error {
	if auto == nil || auto.ID == "" {
		return fmt.Errorf("automation id is required")
	}
	if err := auto.Validate(); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "invalid automation", err)
	}
	auto.UpdatedAt = time.Now()

	triggerJSON, componentsJSON, err := encodeAutomation(auto)
	if err != nil {
		return err
	}

	query := `
UPDATE automations
SET name = $2, description = $3, workspace_id = $4, workspace_key = $5, enabled = $6,
    trigger = $7::jsonb, components = $8::jsonb, conditions = NULL, actions = NULL,
    execution_order = $9, updated_at = $10
WHERE id = $1
`
	tag, err := s.pool.Exec(ctx, query,
		auto.ID, auto.Name, nullable(auto.Description), auto.WorkspaceID, nullable(auto.WorkspaceKey),
		auto.Enabled, triggerJSON, componentsJSON, auto.ExecutionOrder, auto.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("automation %s not found", auto.ID))
	}
	return nil
}

// SetAutomationEnabled flips the enabled flag.
func (s *Store) SetAutomationEnabled(ctx context.Context, automationID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE automations SET enabled = $2, updated_at = $3 WHERE id = $1`,
		automationID, enabled, time.Now(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("automation %s not found", automationID))
	}
	return nil
}

// GetAutomation loads one automation, accepting the legacy persisted shape.
func (s *Store) GetAutomation(ctx context.Context, automationID string) (*automation.Automation, error) {
	row := s.pool.QueryRow(ctx, automationSelect+` WHERE id = $1`, automationID)
	auto, err := scanAutomation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("automation %s not found", automationID))
	}
	return auto, err
}

// ListAutomations returns all automations ordered for stable trigger sharing.
func (s *Store) ListAutomations(ctx context.Context) ([]*automation.Automation, error) {
	return s.queryAutomations(ctx, automationSelect+` ORDER BY execution_order, created_at`)
}

// ListEnabledAutomations returns the automations that should have watchers.
func (s *Store) ListEnabledAutomations(ctx context.Context) ([]*automation.Automation, error) {
	return s.queryAutomations(ctx, automationSelect+` WHERE enabled ORDER BY execution_order, created_at`)
}

// DeleteAutomation removes an automation; executions and trigger state
// cascade.
func (s *Store) DeleteAutomation(ctx context.Context, automationID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM automations WHERE id = $1`, automationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("automation %s not found", automationID))
	}
	return nil
}

const automationSelect = `
SELECT id, name, description, workspace_id, workspace_key, enabled, trigger, components, conditions, actions, execution_order, created_by, created_at, updated_at
FROM automations`

func (s *Store) queryAutomations(ctx context.Context, query string, args ...any) ([]*automation.Automation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var autos []*automation.Automation
	for rows.Next() {
		auto, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		autos = append(autos, auto)
	}
	return autos, rows.Err()
}

func scanAutomation(row pgx.Row) (*automation.Automation, error) {
	var (
		auto           automation.Automation
		description    *string
		workspaceKey   *string
		createdBy      *string
		triggerJSON    []byte
		componentsJSON []byte
		conditionsJSON []byte
		actionsJSON    []byte
	)
	err := row.Scan(
		&auto.ID, &auto.Name, &description, &auto.WorkspaceID, &workspaceKey,
		&auto.Enabled, &triggerJSON, &componentsJSON, &conditionsJSON, &actionsJSON,
		&auto.ExecutionOrder, &createdBy, &auto.CreatedAt, &auto.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	auto.Description = deref(description)
	auto.WorkspaceKey = deref(workspaceKey)
	auto.CreatedBy = deref(createdBy)

	if err := json.Unmarshal(triggerJSON, &auto.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger for %s: %w", auto.ID, err)
	}

	if len(componentsJSON) > 0 && string(componentsJSON) != "null" {
		if err := json.Unmarshal(componentsJSON, &auto.Components); err != nil {
			return nil, fmt.Errorf("decode components for %s: %w", auto.ID, err)
		}
	} else {
		components, err := automation.ComponentsFromLegacy(conditionsJSON, actionsJSON)
		if err != nil {
			return nil, fmt.Errorf("migrate legacy shape for %s: %w", auto.ID, err)
		}
		auto.Components = components
	}

	return &auto, nil
}

func encodeAutomation(auto *automation.Automation) (trigger, components []byte, err error) {
	trigger, err = json.Marshal(auto.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	componentsValue := auto.Components
	if componentsValue == nil {
		componentsValue = []automation.Component{}
	}
	components, err = json.Marshal(componentsValue)
	if err != nil {
		return nil, nil, fmt.Errorf("encode components: %w", err)
	}
	return trigger, components, nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
