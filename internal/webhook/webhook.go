// Package webhook verifies and normalizes provider notifications. It has no
// storage dependencies: handlers pass raw bodies in and get typed events out.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"enrollment-service/internal/apperr"

	"github.com/shopspring/decimal"
)

// ChargeEvent is a normalized payment notification from a payment processor.
type ChargeEvent struct {
	Provider  string
	EventType string
	EventID   string
	// Actionable is false for events the pipeline acknowledges without acting on.
	Actionable bool
	// Final is false for in-flight statuses that must not reach the ledger.
	Final          bool
	Success        bool
	Reference      string
	EnrollmentID   string
	UserID         string
	Email          string
	Amount         decimal.Decimal
	Currency       string
	Channel        string
	ProviderStatus string
	Message        string
	Authorization  string
	Metadata       string
	PaidAt         *time.Time
	OccurredAt     time.Time
}

// PolicyPurchaseEvent is a normalized MyCover purchase notification.
type PolicyPurchaseEvent struct {
	EventType      string
	Actionable     bool
	PolicyID       string
	Reference      string
	Status         string
	EnrollmentID   string
	UserID         string
	PlanID         string
	ProviderID     string
	Amount         decimal.Decimal
	StartDate      *time.Time
	ActivationDate *time.Time
	RenewalDate    *time.Time
	ExpirationDate *time.Time
	OccurredAt     time.Time
	Raw            string
}

// LedgerReference is the unique payment reference for the purchase.
func (e *PolicyPurchaseEvent) LedgerReference() string {
	if e.Reference != "" {
		return e.Reference
	}
	return e.PolicyID
}

// VerifyPaystackSignature checks the hex HMAC-SHA512 of body against signature
// in constant time. An empty secret never verifies.
func VerifyPaystackSignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// SignPaystack returns the signature Paystack would send for body.
func SignPaystack(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// EventKey identifies a delivery for the webhook audit trail: the provider's
// event id when present, otherwise a hash of the payload.
func EventKey(eventID string, body []byte) string {
	if eventID != "" {
		return eventID
	}
	sum := sha256.Sum256(body)
	return "hash:" + hex.EncodeToString(sum[:])
}

// classifyStatus maps a provider payment status onto the ledger outcome.
// Statuses other than success or failure are still in flight.
func classifyStatus(status string) (final, success bool) {
	switch status {
	case "successful", "success", "completed":
		return true, true
	case "failed":
		return true, false
	}
	return false, false
}

func decodeBody(body []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.MalformedPayload("invalid JSON payload", err)
	}
	if doc == nil {
		return nil, apperr.MalformedPayload("empty JSON payload", nil)
	}
	return doc, nil
}

func timePtr(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &t
}

func rawJSON(v interface{}, ok bool) string {
	if !ok {
		return ""
	}
	if s, isString := v.(string); isString {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
