package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Enrollment statuses
const (
	EnrollmentStatusPending       = "pending"
	EnrollmentStatusActive        = "active"
	EnrollmentStatusCompleted     = "completed"
	EnrollmentStatusPaymentFailed = "payment_failed"
)

// Enrollment payment statuses
const (
	PaymentStatusPending = "PENDING"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

// Policy sync statuses. An empty value means no sync was attempted yet.
const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// Payment providers
const (
	ProviderPaystack = "paystack"
	ProviderEtegram  = "etegram"
	ProviderMyCover  = "mycover"
)

// Ledger payment statuses
const (
	LedgerStatusCompleted = "completed"
	LedgerStatusFailed    = "failed"
	LedgerStatusPending   = "pending"
)

// Pending payment types
const (
	PendingTypeSubscription = "subscription"
	PendingTypeOneTime      = "onetime"
)

// Transaction statuses and types
const (
	TransactionStatusSuccess = "Success"
	TransactionStatusPending = "Pending"
	TransactionStatusFailed  = "Failed"

	TransactionTypeOneTime = "OneTime"
	TransactionTypeRenewal = "Renewal"
)

// Health plan statuses
const (
	HealthPlanStatusPending = "pending"
	HealthPlanStatusActive  = "active"
	HealthPlanStatusFailed  = "failed"
)

// Enrollment is a user's application for a health plan.
type Enrollment struct {
	ID                 string          `db:"id" json:"id"`
	UserID             string          `db:"user_id" json:"userId"`
	FirstName          string          `db:"first_name" json:"firstName"`
	LastName           string          `db:"last_name" json:"lastName"`
	Email              string          `db:"email" json:"email"`
	Phone              string          `db:"phone" json:"phone"`
	DateOfBirth        string          `db:"date_of_birth" json:"dateOfBirth"`
	Gender             string          `db:"gender" json:"gender"`
	MaritalStatus      string          `db:"marital_status" json:"maritalStatus"`
	Address            string          `db:"address" json:"address"`
	PlanID             string          `db:"plan_id" json:"planId"`
	Duration           int             `db:"duration" json:"duration"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	Status             string          `db:"status" json:"status"`
	PaymentStatus      string          `db:"payment_status" json:"paymentStatus"`
	MyCoverSyncStatus  string          `db:"mycover_sync_status" json:"myCoverSyncStatus,omitempty"`
	MyCoverReferenceID string          `db:"mycover_reference_id" json:"myCoverReferenceId,omitempty"`
	MyCoverSyncError   string          `db:"mycover_sync_error" json:"myCoverSyncError,omitempty"`
	Reference          string          `db:"reference" json:"reference,omitempty"`
	LastPaymentDate    *time.Time      `db:"last_payment_date" json:"lastPaymentDate,omitempty"`
	LastPaymentError   string          `db:"last_payment_error" json:"lastPaymentError,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

// PendingPayment is a checkout session awaiting a provider notification.
type PendingPayment struct {
	ID           string          `db:"id" json:"id"`
	Reference    string          `db:"reference" json:"reference"`
	UserID       string          `db:"user_id" json:"userId"`
	EnrollmentID string          `db:"enrollment_id" json:"enrollmentId"`
	Provider     string          `db:"provider" json:"provider"`
	Type         string          `db:"type" json:"type"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Status       string          `db:"status" json:"status"`
	PlanCode     string          `db:"plan_code" json:"planCode,omitempty"`
	PaymentID    string          `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updatedAt"`
}

// Payment is the ledger record of a provider-reported payment. Reference is unique.
type Payment struct {
	ID                string          `db:"id" json:"id"`
	Reference         string          `db:"reference" json:"reference"`
	EnrollmentID      string          `db:"enrollment_id" json:"enrollmentId"`
	UserID            string          `db:"user_id" json:"userId"`
	Provider          string          `db:"provider" json:"provider"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Status            string          `db:"status" json:"status"`
	Channel           string          `db:"channel" json:"channel,omitempty"`
	AuthorizationData string          `db:"authorization_data" json:"-"`
	Metadata          string          `db:"metadata" json:"-"`
	PaidAt            *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
}

// Transaction is the commission-bearing record derived from a completed payment.
type Transaction struct {
	ID           string          `db:"id" json:"id"`
	PaymentID    string          `db:"payment_id" json:"paymentId"`
	EnrollmentID string          `db:"enrollment_id" json:"enrollmentId"`
	UserID       string          `db:"user_id" json:"userId"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Commission   decimal.Decimal `db:"commission" json:"commission"`
	Status       string          `db:"status" json:"status"`
	Type         string          `db:"type" json:"type"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}

// HealthPlan is the activated policy for an enrollment. One per enrollment.
type HealthPlan struct {
	ID                 string     `db:"id" json:"id"`
	EnrollmentID       string     `db:"enrollment_id" json:"enrollmentId"`
	UserID             string     `db:"user_id" json:"userId"`
	PlanID             string     `db:"plan_id" json:"planId"`
	Provider           string     `db:"provider" json:"provider"`
	Status             string     `db:"status" json:"status"`
	MyCoverReferenceID string     `db:"mycover_reference_id" json:"myCoverReferenceId,omitempty"`
	SyncError          string     `db:"sync_error" json:"syncError,omitempty"`
	StartDate          *time.Time `db:"start_date" json:"startDate,omitempty"`
	EndDate            *time.Time `db:"end_date" json:"endDate,omitempty"`
	ExpirationDate     *time.Time `db:"expiration_date" json:"expirationDate,omitempty"`
	RenewalDate        *time.Time `db:"renewal_date" json:"renewalDate,omitempty"`
	ActivationDate     *time.Time `db:"activation_date" json:"activationDate,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// WebhookEvent is the raw audit trail of an inbound provider notification.
type WebhookEvent struct {
	ID              string     `db:"id" json:"id"`
	Provider        string     `db:"provider" json:"provider"`
	EventKey        string     `db:"event_key" json:"eventKey"`
	EventType       string     `db:"event_type" json:"eventType"`
	Reference       string     `db:"reference" json:"reference,omitempty"`
	Payload         string     `db:"payload" json:"-"`
	SignatureValid  bool       `db:"signature_valid" json:"signatureValid"`
	ProcessedAt     *time.Time `db:"processed_at" json:"processedAt,omitempty"`
	ProcessingError string     `db:"processing_error" json:"processingError,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}
