package webhook

import (
	"strings"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/models"
	"enrollment-service/internal/nested"
)

// ParseEtegram normalizes an Etegram virtual-account notification. reference,
// amount and status are required.
func ParseEtegram(body []byte) (*ChargeEvent, error) {
	doc, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	ev := &ChargeEvent{
		Provider:   models.ProviderEtegram,
		Actionable: true,
		Reference:  nested.Get(doc, "reference", "", nested.String),
		EventID:    nested.Get(doc, "id|_id|transactionId", "", nested.String),
		Email:      nested.Get(doc, "email", "", nested.String),
		Currency:   nested.Get(doc, "currency", "NGN", nested.String),
		Channel:    nested.Get(doc, "channel|type", "bank_transfer", nested.String),
	}

	amount, hasAmount := nested.Find(doc, "amount", nested.Decimal)
	status := strings.ToLower(nested.Get(doc, "status", "", nested.String))

	var missing []string
	if ev.Reference == "" {
		missing = append(missing, "reference")
	}
	if !hasAmount {
		missing = append(missing, "amount")
	}
	if status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return nil, apperr.MalformedPayload("missing required fields: "+strings.Join(missing, ", "), nil)
	}

	ev.Amount = amount
	ev.ProviderStatus = status
	ev.EventType = "payment." + status
	ev.Final, ev.Success = classifyStatus(status)
	if ev.Final && !ev.Success {
		ev.Message = nested.Get(doc, "message|reason", "payment failed", nested.String)
	}

	ev.Metadata = string(body)
	ev.OccurredAt = nested.Get(doc, "updatedAt|createdAt|updated_at", time.Now().UTC(), nested.Time)
	if ev.Success {
		paid := ev.OccurredAt
		ev.PaidAt = &paid
	}
	return ev, nil
}
