package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentRecorded      = "PAYMENT_RECORDED"
	EventTypePolicySyncRequested  = "POLICY_SYNC_REQUESTED"
	EventTypeHealthPlanActivated  = "HEALTH_PLAN_ACTIVATED"
	EventTypePolicySyncFailed     = "POLICY_SYNC_FAILED"
	EventTypeEnrollmentPaymentErr = "ENROLLMENT_PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// PaymentRecordedEvent published when a new payment lands in the ledger
type PaymentRecordedEvent struct {
	BaseEvent
	PaymentID    string          `json:"payment_id"`
	EnrollmentID string          `json:"enrollment_id"`
	Reference    string          `json:"reference"`
	Provider     string          `json:"provider"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
}

// PolicySyncRequestedEvent asks a worker to activate the health plan
type PolicySyncRequestedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	Reference    string `json:"reference"`
}

// HealthPlanActivatedEvent published after the provider confirmed the policy
type HealthPlanActivatedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	HealthPlanID string `json:"health_plan_id"`
	ReferenceID  string `json:"reference_id"`
	Provider     string `json:"provider"`
}

// PolicySyncFailedEvent published when the provider rejected the enrollment
type PolicySyncFailedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	Provider     string `json:"provider"`
	Reason       string `json:"reason"`
}

// EnrollmentPaymentFailedEvent published when a provider reports a failed charge
type EnrollmentPaymentFailedEvent struct {
	BaseEvent
	EnrollmentID string `json:"enrollment_id"`
	Reference    string `json:"reference"`
	Reason       string `json:"reason"`
}
