package checkout

import (
	"context"
	"fmt"

	"enrollment-service/internal/models"
	"enrollment-service/internal/nested"
)

// Paystack opens sessions through /transaction/initialize.
type Paystack struct {
	client      httpClient
	callbackURL string
}

func NewPaystack(baseURL, secretKey, callbackURL string) *Paystack {
	return &Paystack{
		client:      newHTTPClient(models.ProviderPaystack, baseURL, secretKey),
		callbackURL: callbackURL,
	}
}

func (p *Paystack) Initialize(ctx context.Context, req Request) (*Session, error) {
	payload := map[string]interface{}{
		"email":     req.Email,
		"amount":    req.Amount.Shift(2).Round(0).IntPart(),
		"reference": req.Reference,
		"currency":  "NGN",
		"metadata": map[string]interface{}{
			"enrollment_id":   req.EnrollmentID,
			"user_id":         req.UserID,
			"plan_code":       req.PlanCode,
			"is_subscription": req.Subscription,
		},
	}
	if p.callbackURL != "" {
		payload["callback_url"] = p.callbackURL
	}
	if req.Subscription && req.PlanCode != "" {
		payload["plan"] = req.PlanCode
	}

	resp, err := p.client.postJSON(ctx, "initialize", "/transaction/initialize", payload)
	if err != nil {
		return nil, err
	}

	url := nested.Get(resp, "data.authorization_url", "", nested.String)
	if url == "" {
		return nil, fmt.Errorf("paystack initialize: response has no authorization_url")
	}
	return &Session{
		Provider:         models.ProviderPaystack,
		Reference:        nested.Get(resp, "data.reference", req.Reference, nested.String),
		AuthorizationURL: url,
		AccessCode:       nested.Get(resp, "data.access_code", "", nested.String),
	}, nil
}
