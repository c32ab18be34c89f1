package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"enrollment-service/internal/models"
)

// CreatePendingPayment inserts a new checkout session record
func (q *Queries) CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error {
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts
	if p.Status == "" {
		p.Status = models.LedgerStatusPending
	}

	query := q.rebind(`
		INSERT INTO pending_payments (
			id, reference, user_id, enrollment_id, provider, type, amount, status,
			plan_code, payment_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.ext.ExecContext(ctx, query,
		p.ID, p.Reference, p.UserID, p.EnrollmentID, p.Provider, p.Type, p.Amount, p.Status,
		p.PlanCode, p.PaymentID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending payment: %w", err)
	}
	return nil
}

// FindPendingPaymentByReference returns nil when no pending payment matches
func (q *Queries) FindPendingPaymentByReference(ctx context.Context, reference string) (*models.PendingPayment, error) {
	var p models.PendingPayment
	err := sqlxGet(ctx, q, &p, "SELECT * FROM pending_payments WHERE reference = ?", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ResolvePendingPayment mirrors the ledger outcome onto the pending payment
func (q *Queries) ResolvePendingPayment(ctx context.Context, reference, status, paymentID string) error {
	_, err := q.ext.ExecContext(ctx,
		q.rebind("UPDATE pending_payments SET status = ?, payment_id = ?, updated_at = ? WHERE reference = ?"),
		status, paymentID, now(), reference)
	return err
}

// InsertPaymentIfAbsent inserts p unless a payment with the same reference
// already exists. It reports whether this call created the row.
func (q *Queries) InsertPaymentIfAbsent(ctx context.Context, p *models.Payment) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}

	query := q.rebind(`
		INSERT INTO payments (
			id, reference, enrollment_id, user_id, provider, amount, currency, status,
			channel, authorization_data, metadata, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference) DO NOTHING
		RETURNING id`)

	var id string
	err := q.ext.QueryRowxContext(ctx, query,
		p.ID, p.Reference, p.EnrollmentID, p.UserID, p.Provider, p.Amount, p.Currency, p.Status,
		p.Channel, p.AuthorizationData, p.Metadata, p.PaidAt, p.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return true, nil
}

// FindPaymentByReference returns nil when the reference is not in the ledger
func (q *Queries) FindPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	var p models.Payment
	err := sqlxGet(ctx, q, &p, "SELECT * FROM payments WHERE reference = ?", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPaymentForEnrollment returns the most recent ledger entry, or nil
func (q *Queries) LatestPaymentForEnrollment(ctx context.Context, enrollmentID string) (*models.Payment, error) {
	var payments []models.Payment
	err := sqlxSelect(ctx, q, &payments,
		"SELECT * FROM payments WHERE enrollment_id = ? ORDER BY created_at DESC LIMIT 1", enrollmentID)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return &payments[0], nil
}

// CountPayments returns how many ledger entries carry the reference
func (q *Queries) CountPayments(ctx context.Context, reference string) (int, error) {
	var n int
	err := sqlxGet(ctx, q, &n, "SELECT COUNT(*) FROM payments WHERE reference = ?", reference)
	return n, err
}

// CreateTransaction inserts t unless the payment already has a transaction.
func (q *Queries) CreateTransaction(ctx context.Context, t *models.Transaction) (bool, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}

	query := q.rebind(`
		INSERT INTO transactions (
			id, payment_id, enrollment_id, user_id, amount, commission, status, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING id`)

	var id string
	err := q.ext.QueryRowxContext(ctx, query,
		t.ID, t.PaymentID, t.EnrollmentID, t.UserID, t.Amount, t.Commission, t.Status, t.Type,
		t.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return true, nil
}

// ListTransactionsForEnrollment retrieves transactions for an enrollment
func (q *Queries) ListTransactionsForEnrollment(ctx context.Context, enrollmentID string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := sqlxSelect(ctx, q, &txs,
		"SELECT * FROM transactions WHERE enrollment_id = ? ORDER BY created_at", enrollmentID)
	return txs, err
}
