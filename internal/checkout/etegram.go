package checkout

import (
	"context"
	"fmt"

	"enrollment-service/internal/models"
	"enrollment-service/internal/nested"
)

// Etegram opens virtual-account checkouts for a project.
type Etegram struct {
	client    httpClient
	projectID string
}

func NewEtegram(baseURL, projectID, publicKey string) *Etegram {
	return &Etegram{
		client:    newHTTPClient(models.ProviderEtegram, baseURL, publicKey),
		projectID: projectID,
	}
}

func (e *Etegram) Initialize(ctx context.Context, req Request) (*Session, error) {
	payload := map[string]interface{}{
		"amount":    req.Amount.StringFixed(2),
		"email":     req.Email,
		"phone":     req.Phone,
		"firstname": req.FirstName,
		"lastname":  req.LastName,
		"reference": req.Reference,
	}

	resp, err := e.client.postJSON(ctx, "initialize", "/api/transaction/initialize/"+e.projectID, payload)
	if err != nil {
		return nil, err
	}

	url := nested.Get(resp, "data.authorization_url|authorizationUrl|checkout_url", "", nested.String)
	if url == "" {
		return nil, fmt.Errorf("etegram initialize: response has no checkout url")
	}
	return &Session{
		Provider:         models.ProviderEtegram,
		Reference:        nested.Get(resp, "data.reference", req.Reference, nested.String),
		AuthorizationURL: url,
		AccessCode:       nested.Get(resp, "data.access_code|accessCode", "", nested.String),
	}, nil
}
