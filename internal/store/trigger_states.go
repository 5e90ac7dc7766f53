package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"staqflow/internal/automation"
	id "staqflow/internal/utils/id"
)

// GetTriggerState loads the poll bookmark for an automation, or nil when the
// automation has never polled.
func (s *Store) GetTriggerState(ctx context.Context, automationID string) (*automation.TriggerState, error) {
	query := `
SELECT id, automation_id, last_checked_at, last_seen_data, checksum, updated_at
FROM trigger_states
WHERE automation_id = $1
`
	var (
		state        automation.TriggerState
		lastSeenJSON []byte
		checksum     *string
	)
	err := s.pool.QueryRow(ctx, query, automationID).Scan(
		&state.ID, &state.AutomationID, &state.LastCheckedAt, &lastSeenJSON, &checksum, &state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state.Checksum = deref(checksum)
	if len(lastSeenJSON) > 0 {
		if err := json.Unmarshal(lastSeenJSON, &state.LastSeenData); err != nil {
			return nil, fmt.Errorf("decode last seen data for %s: %w", automationID, err)
		}
	}
	if state.LastSeenData == nil {
		state.LastSeenData = map[string]any{}
	}
	return &state, nil
}

// SaveTriggerState upserts the bookmark. last_checked_at never moves
// backwards, even if a stale writer races the upsert.
func (s *Store) SaveTriggerState(ctx context.Context, state *automation.TriggerState) error {
	if state == nil || state.AutomationID == "" {
		return fmt.Errorf("trigger state automationId is required")
	}
	if state.ID == "" {
		state.ID = id.NewTriggerStateID()
	}
	state.UpdatedAt = time.Now()

	dataValue := state.LastSeenData
	if dataValue == nil {
		dataValue = map[string]any{}
	}
	lastSeenJSON, err := json.Marshal(dataValue)
	if err != nil {
		return fmt.Errorf("encode last seen data: %w", err)
	}

	query := `
INSERT INTO trigger_states (id, automation_id, last_checked_at, last_seen_data, checksum, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT (automation_id) DO UPDATE SET
    last_checked_at = GREATEST(trigger_states.last_checked_at, EXCLUDED.last_checked_at),
    last_seen_data = EXCLUDED.last_seen_data,
    checksum = EXCLUDED.checksum,
    updated_at = EXCLUDED.updated_at
`
	_, err = s.pool.Exec(ctx, query,
		state.ID, state.AutomationID, state.LastCheckedAt, lastSeenJSON, nullable(state.Checksum), state.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("Failed to save trigger state for %s: %v", state.AutomationID, err)
	}
	return err
}

// DeleteTriggerState removes the bookmark, used when a trigger kind changes.
func (s *Store) DeleteTriggerState(ctx context.Context, automationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM trigger_states WHERE automation_id = $1`, automationID)
	return err
}
