package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"enrollment-service/internal/models"
)

// RecordWebhookEvent stores the raw notification. It reports true when the
// same provider event was already recorded.
func (q *Queries) RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now()
	}

	query := q.rebind(`
		INSERT INTO webhook_events (
			id, provider, event_key, event_type, reference, payload, signature_valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_key) DO NOTHING
		RETURNING id`)

	var id string
	err := q.ext.QueryRowxContext(ctx, query,
		ev.ID, ev.Provider, ev.EventKey, ev.EventType, ev.Reference, ev.Payload, ev.SignatureValid,
		ev.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || IsUniqueViolation(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return false, nil
}

// MarkWebhookProcessed stamps the event with its processing outcome
func (q *Queries) MarkWebhookProcessed(ctx context.Context, provider, eventKey, processingError string) error {
	_, err := q.ext.ExecContext(ctx,
		q.rebind("UPDATE webhook_events SET processed_at = ?, processing_error = ? WHERE provider = ? AND event_key = ?"),
		now(), processingError, provider, eventKey)
	return err
}

// GetWebhookEvent retrieves a recorded event
func (q *Queries) GetWebhookEvent(ctx context.Context, provider, eventKey string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := sqlxGet(ctx, q, &ev,
		"SELECT * FROM webhook_events WHERE provider = ? AND event_key = ?", provider, eventKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %s/%s: %w", provider, eventKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
