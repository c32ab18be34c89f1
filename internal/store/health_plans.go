package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"enrollment-service/internal/models"
)

// FindHealthPlanByEnrollment returns nil when the enrollment has no plan
func (q *Queries) FindHealthPlanByEnrollment(ctx context.Context, enrollmentID string) (*models.HealthPlan, error) {
	var hp models.HealthPlan
	err := sqlxGet(ctx, q, &hp, "SELECT * FROM health_plans WHERE enrollment_id = ?", enrollmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hp, nil
}

// ClaimHealthPlan marks the enrollment's plan as pending, with its coverage
// dates, in a single statement. A new row is inserted, or an existing one is
// taken over when it is failed or a pending claim older than staleBefore. It reports false when another
// activation holds the plan or the plan is already active. On success hp.ID
// holds the row's id.
func (q *Queries) ClaimHealthPlan(ctx context.Context, hp *models.HealthPlan, staleBefore time.Time) (bool, error) {
	ts := now()
	hp.Status = models.HealthPlanStatusPending
	hp.SyncError = ""
	hp.CreatedAt, hp.UpdatedAt = ts, ts

	query := q.rebind(`
		INSERT INTO health_plans (
			id, enrollment_id, user_id, plan_id, provider, status, start_date, end_date,
			expiration_date, renewal_date, activation_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (enrollment_id) DO UPDATE SET
			status = excluded.status,
			plan_id = excluded.plan_id,
			provider = excluded.provider,
			sync_error = '',
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			expiration_date = excluded.expiration_date,
			renewal_date = excluded.renewal_date,
			activation_date = excluded.activation_date,
			updated_at = excluded.updated_at
		WHERE health_plans.status = 'failed'
			OR (health_plans.status = 'pending' AND health_plans.updated_at < ?)
		RETURNING id`)

	var id string
	err := q.ext.QueryRowxContext(ctx, query,
		hp.ID, hp.EnrollmentID, hp.UserID, hp.PlanID, hp.Provider, hp.Status, hp.StartDate, hp.EndDate,
		hp.ExpirationDate, hp.RenewalDate, hp.ActivationDate, hp.CreatedAt, hp.UpdatedAt,
		staleBefore.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim health plan: %w", err)
	}
	hp.ID = id
	return true, nil
}

// MarkHealthPlanActive records a confirmed policy with its coverage dates
func (q *Queries) MarkHealthPlanActive(ctx context.Context, hp *models.HealthPlan) error {
	hp.Status = models.HealthPlanStatusActive
	hp.SyncError = ""
	hp.UpdatedAt = now()

	query := q.rebind(`
		UPDATE health_plans SET
			status = ?, mycover_reference_id = ?, sync_error = ?, start_date = ?, end_date = ?,
			expiration_date = ?, renewal_date = ?, activation_date = ?, updated_at = ?
		WHERE id = ?`)

	_, err := q.ext.ExecContext(ctx, query,
		hp.Status, hp.MyCoverReferenceID, hp.SyncError, hp.StartDate, hp.EndDate,
		hp.ExpirationDate, hp.RenewalDate, hp.ActivationDate, hp.UpdatedAt, hp.ID)
	if err != nil {
		return fmt.Errorf("failed to activate health plan: %w", err)
	}
	return nil
}

// MarkHealthPlanFailed keeps the row for a later retry with the sync error attached
func (q *Queries) MarkHealthPlanFailed(ctx context.Context, hp *models.HealthPlan, syncError string) error {
	hp.Status = models.HealthPlanStatusFailed
	hp.SyncError = syncError
	hp.UpdatedAt = now()

	_, err := q.ext.ExecContext(ctx,
		q.rebind("UPDATE health_plans SET status = ?, sync_error = ?, updated_at = ? WHERE id = ?"),
		hp.Status, hp.SyncError, hp.UpdatedAt, hp.ID)
	if err != nil {
		return fmt.Errorf("failed to mark health plan failed: %w", err)
	}
	return nil
}

// UpsertActiveHealthPlan creates the plan as active, or activates the existing
// one for the enrollment. It reports whether a new row was created.
func (q *Queries) UpsertActiveHealthPlan(ctx context.Context, hp *models.HealthPlan) (bool, error) {
	existing, err := q.FindHealthPlanByEnrollment(ctx, hp.EnrollmentID)
	if err != nil {
		return false, err
	}

	if existing != nil {
		hp.ID = existing.ID
		hp.CreatedAt = existing.CreatedAt
		if hp.Provider == "" {
			hp.Provider = existing.Provider
		}
		return false, q.MarkHealthPlanActive(ctx, hp)
	}

	ts := now()
	hp.Status = models.HealthPlanStatusActive
	hp.CreatedAt, hp.UpdatedAt = ts, ts

	query := q.rebind(`
		INSERT INTO health_plans (
			id, enrollment_id, user_id, plan_id, provider, status, mycover_reference_id, sync_error,
			start_date, end_date, expiration_date, renewal_date, activation_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?)`)

	_, err = q.ext.ExecContext(ctx, query,
		hp.ID, hp.EnrollmentID, hp.UserID, hp.PlanID, hp.Provider, hp.Status, hp.MyCoverReferenceID,
		hp.StartDate, hp.EndDate, hp.ExpirationDate, hp.RenewalDate, hp.ActivationDate, hp.CreatedAt, hp.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert health plan: %w", err)
	}
	return true, nil
}
