// Package ledger records provider payments exactly once per reference.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the subset of the persistence layer the ledger writes through.
// Callers pass transaction-bound queries so the ledger write commits with the
// enrollment update.
type Store interface {
	InsertPaymentIfAbsent(ctx context.Context, p *models.Payment) (bool, error)
	FindPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	ResolvePendingPayment(ctx context.Context, reference, status, paymentID string) error
}

// Entry is a provider-reported payment awaiting its ledger row.
type Entry struct {
	Reference      string
	EnrollmentID   string
	UserID         string
	Provider       string
	Amount         decimal.Decimal
	Currency       string
	ProviderStatus string
	Channel        string
	Authorization  string
	Metadata       string
	PaidAt         *time.Time
	OccurredAt     time.Time
}

// NormalizeStatus maps provider vocabularies onto ledger statuses.
func NormalizeStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "success", "successful", "completed":
		return models.LedgerStatusCompleted
	case "failed":
		return models.LedgerStatusFailed
	}
	return models.LedgerStatusPending
}

// Record creates the payment for entry.Reference unless it already exists.
// When the reference is known the stored payment is returned unchanged and
// created is false; no other side effect happens in that case.
func Record(ctx context.Context, s Store, entry Entry) (payment *models.Payment, created bool, err error) {
	if entry.Reference == "" {
		return nil, false, fmt.Errorf("ledger entry has no reference")
	}

	currency := entry.Currency
	if currency == "" {
		currency = "NGN"
	}
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	p := &models.Payment{
		ID:                uuid.NewString(),
		Reference:         entry.Reference,
		EnrollmentID:      entry.EnrollmentID,
		UserID:            entry.UserID,
		Provider:          entry.Provider,
		Amount:            entry.Amount,
		Currency:          currency,
		Status:            NormalizeStatus(entry.ProviderStatus),
		Channel:           entry.Channel,
		AuthorizationData: entry.Authorization,
		Metadata:          entry.Metadata,
		PaidAt:            entry.PaidAt,
		CreatedAt:         occurred.UTC(),
	}

	created, err = s.InsertPaymentIfAbsent(ctx, p)
	if err != nil {
		return nil, false, err
	}

	if !created {
		existing, err := s.FindPaymentByReference(ctx, entry.Reference)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing payment: %w", err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("payment %s vanished after conflict", entry.Reference)
		}
		util.DuplicatePaymentsTotal.WithLabelValues(entry.Provider).Inc()
		return existing, false, nil
	}

	if err := s.ResolvePendingPayment(ctx, entry.Reference, p.Status, p.ID); err != nil {
		return nil, false, fmt.Errorf("failed to resolve pending payment: %w", err)
	}

	util.PaymentsRecordedTotal.WithLabelValues(entry.Provider, p.Status).Inc()
	return p, true, nil
}
