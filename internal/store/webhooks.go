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

// CreateWebhookSubscription registers an outbound webhook destination.
func (s *Store) CreateWebhookSubscription(ctx context.Context, sub *automation.WebhookSubscription) error {
	if sub == nil || sub.URL == "" {
		return apperrors.New(apperrors.KindValidation, "webhook subscription url is required")
	}
	if sub.ID == "" {
		sub.ID = id.NewWebhookSubscriptionID()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	eventsValue := sub.Events
	if eventsValue == nil {
		eventsValue = []string{}
	}
	eventsJSON, err := json.Marshal(eventsValue)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	var metadataJSON []byte
	if len(sub.Metadata) > 0 {
		metadataJSON, err = json.Marshal(sub.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	query := `
INSERT INTO webhook_subscriptions (id, url, events, secret, active, metadata, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6::jsonb, $7, $8)
`
	_, err = s.pool.Exec(ctx, query,
		sub.ID, sub.URL, eventsJSON, nullable(sub.Secret), sub.Active, metadataJSON, sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

// GetWebhookSubscription loads one subscription.
func (s *Store) GetWebhookSubscription(ctx context.Context, subscriptionID string) (*automation.WebhookSubscription, error) {
	row := s.pool.QueryRow(ctx, webhookSelect+` WHERE id = $1`, subscriptionID)
	sub, err := scanWebhookSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("webhook subscription %s not found", subscriptionID))
	}
	return sub, err
}

// ListWebhookSubscriptions returns every registered subscription.
func (s *Store) ListWebhookSubscriptions(ctx context.Context) ([]*automation.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, webhookSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*automation.WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhookSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteWebhookSubscription removes a subscription.
func (s *Store) DeleteWebhookSubscription(ctx context.Context, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, subscriptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("webhook subscription %s not found", subscriptionID))
	}
	return nil
}

const webhookSelect = `
SELECT id, url, events, secret, active, metadata, created_at, updated_at
FROM webhook_subscriptions`

func scanWebhookSubscription(row pgx.Row) (*automation.WebhookSubscription, error) {
	var (
		sub          automation.WebhookSubscription
		eventsJSON   []byte
		secret       *string
		metadataJSON []byte
	)
	err := row.Scan(&sub.ID, &sub.URL, &eventsJSON, &secret, &sub.Active, &metadataJSON, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Secret = deref(secret)
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, fmt.Errorf("decode events for %s: %w", sub.ID, err)
		}
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", sub.ID, err)
		}
	}
	return &sub, nil
}
