// Package lifecycle holds the enrollment state machine. Functions here are
// pure: they mutate the passed structs and never touch storage.
package lifecycle

import (
	"time"

	"enrollment-service/internal/commission"
	"enrollment-service/internal/models"

	"github.com/google/uuid"
)

// Flow identifies which kind of notification produced a payment outcome.
type Flow int

const (
	// FlowCharge is a direct charge reported by a payment processor.
	FlowCharge Flow = iota
	// FlowPolicyPurchase is a purchase confirmed by the policy provider.
	FlowPolicyPurchase
)

// Outcome is a normalized payment result.
type Outcome struct {
	Flow      Flow
	Success   bool
	Reference string
	At        time.Time
	Error     string
}

// Change describes what ApplyPaymentOutcome did.
type Change int

const (
	Unchanged Change = iota
	Applied
	ErrorRecorded
)

func (c Change) String() string {
	switch c {
	case Applied:
		return "applied"
	case ErrorRecorded:
		return "error_recorded"
	}
	return "unchanged"
}

// ApplyPaymentOutcome advances e for a payment result. Transitions are
// monotonic: a paid enrollment is never moved back to failed, and a repeated
// success for the reference already applied changes nothing. A failed
// enrollment becomes paid again only through a success.
func ApplyPaymentOutcome(e *models.Enrollment, o Outcome) Change {
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if !o.Success {
		if e.PaymentStatus == models.PaymentStatusPaid {
			e.LastPaymentError = o.Error
			return ErrorRecorded
		}
		e.PaymentStatus = models.PaymentStatusFailed
		e.Status = models.EnrollmentStatusPaymentFailed
		e.LastPaymentError = o.Error
		if o.Reference != "" {
			e.Reference = o.Reference
		}
		return Applied
	}

	if e.PaymentStatus == models.PaymentStatusPaid && e.Reference == o.Reference {
		return Unchanged
	}

	e.PaymentStatus = models.PaymentStatusPaid
	e.LastPaymentDate = &at
	e.LastPaymentError = ""
	if o.Reference != "" {
		e.Reference = o.Reference
	}

	switch o.Flow {
	case FlowPolicyPurchase:
		if e.Status != models.EnrollmentStatusCompleted {
			e.Status = models.EnrollmentStatusActive
		}
	default:
		e.Status = models.EnrollmentStatusCompleted
	}
	return Applied
}

// ReadyForActivation reports whether the enrollment may get a health plan.
func ReadyForActivation(e *models.Enrollment) bool {
	if e.PaymentStatus != models.PaymentStatusPaid {
		return false
	}
	return e.Status == models.EnrollmentStatusActive || e.Status == models.EnrollmentStatusCompleted
}

// MarkPolicySynced records a confirmed policy.
func MarkPolicySynced(e *models.Enrollment, referenceID string) {
	e.Status = models.EnrollmentStatusCompleted
	e.MyCoverSyncStatus = models.SyncStatusSuccess
	e.MyCoverReferenceID = referenceID
	e.MyCoverSyncError = ""
}

// MarkPolicySyncFailed records a rejected sync. The enrollment status is left
// alone so the payment outcome stays visible.
func MarkPolicySyncFailed(e *models.Enrollment, reason string) {
	e.MyCoverSyncStatus = models.SyncStatusFailed
	e.MyCoverSyncError = reason
}

// NewTransaction derives the commission-bearing transaction for a completed payment.
func NewTransaction(p *models.Payment, e *models.Enrollment, calc commission.Calculator) *models.Transaction {
	userID := p.UserID
	if userID == "" {
		userID = e.UserID
	}
	return &models.Transaction{
		ID:           uuid.NewString(),
		PaymentID:    p.ID,
		EnrollmentID: e.ID,
		UserID:       userID,
		Amount:       p.Amount,
		Commission:   calc.Calculate(p.Amount),
		Status:       models.TransactionStatusSuccess,
		Type:         models.TransactionTypeOneTime,
		CreatedAt:    time.Now().UTC(),
	}
}
