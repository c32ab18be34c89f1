package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"enrollment-service/internal/models"
)

// CreateEnrollment inserts a new enrollment
func (q *Queries) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	ts := now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ts
	}
	e.UpdatedAt = ts
	if e.Status == "" {
		e.Status = models.EnrollmentStatusPending
	}
	if e.PaymentStatus == "" {
		e.PaymentStatus = models.PaymentStatusPending
	}

	query := q.rebind(`
		INSERT INTO enrollments (
			id, user_id, first_name, last_name, email, phone, date_of_birth, gender,
			marital_status, address, plan_id, duration, amount, status, payment_status,
			mycover_sync_status, mycover_reference_id, mycover_sync_error, reference,
			last_payment_date, last_payment_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.ext.ExecContext(ctx, query,
		e.ID, e.UserID, e.FirstName, e.LastName, e.Email, e.Phone, e.DateOfBirth, e.Gender,
		e.MaritalStatus, e.Address, e.PlanID, e.Duration, e.Amount, e.Status, e.PaymentStatus,
		e.MyCoverSyncStatus, e.MyCoverReferenceID, e.MyCoverSyncError, e.Reference,
		e.LastPaymentDate, e.LastPaymentError, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	return nil
}

// GetEnrollment retrieves an enrollment by ID
func (q *Queries) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	return q.getEnrollment(ctx, id, "")
}

// GetEnrollmentForUpdate retrieves an enrollment and locks its row until the
// surrounding transaction ends.
func (q *Queries) GetEnrollmentForUpdate(ctx context.Context, id string) (*models.Enrollment, error) {
	return q.getEnrollment(ctx, id, q.forUpdate())
}

func (q *Queries) getEnrollment(ctx context.Context, id, suffix string) (*models.Enrollment, error) {
	var e models.Enrollment
	err := sqlxGet(ctx, q, &e, "SELECT * FROM enrollments WHERE id = ?"+suffix, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEnrollmentLifecycle persists the fields owned by the payment and
// policy-sync state machine.
func (q *Queries) UpdateEnrollmentLifecycle(ctx context.Context, e *models.Enrollment) error {
	e.UpdatedAt = now()
	query := q.rebind(`
		UPDATE enrollments SET
			status = ?, payment_status = ?, reference = ?, last_payment_date = ?,
			last_payment_error = ?, mycover_sync_status = ?, mycover_reference_id = ?,
			mycover_sync_error = ?, updated_at = ?
		WHERE id = ?`)

	res, err := q.ext.ExecContext(ctx, query,
		e.Status, e.PaymentStatus, e.Reference, e.LastPaymentDate,
		e.LastPaymentError, e.MyCoverSyncStatus, e.MyCoverReferenceID,
		e.MyCoverSyncError, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enrollment %s: %w", e.ID, ErrNotFound)
	}
	return nil
}
