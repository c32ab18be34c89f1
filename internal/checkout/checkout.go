// Package checkout opens hosted payment sessions with the payment processors.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"enrollment-service/internal/nested"
	"enrollment-service/internal/util"

	"github.com/shopspring/decimal"
)

// Request describes one payment attempt.
type Request struct {
	Reference    string
	EnrollmentID string
	UserID       string
	Email        string
	Phone        string
	FirstName    string
	LastName     string
	PlanCode     string
	Amount       decimal.Decimal
	Subscription bool
}

// Session is the hosted checkout the customer is redirected to.
type Session struct {
	Provider         string `json:"provider"`
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode,omitempty"`
}

// Initializer opens checkout sessions for a single provider.
type Initializer interface {
	Initialize(ctx context.Context, req Request) (*Session, error)
}

// ProviderError is returned when the processor refuses to open a session.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s checkout: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

type httpClient struct {
	service string
	baseURL string
	token   string
	http    *http.Client
}

func newHTTPClient(service, baseURL, token string) httpClient {
	return httpClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// postJSON sends payload and returns the decoded response body.
func (c httpClient) postJSON(ctx context.Context, endpoint, path string, payload interface{}) (interface{}, error) {
	start := time.Now()
	status := "error"
	defer func() {
		util.UpstreamRequestsTotal.WithLabelValues(c.service, endpoint, status).Inc()
		util.UpstreamRequestDuration.WithLabelValues(c.service, endpoint).Observe(time.Since(start).Seconds())
	}()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", c.service, err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", c.service, err)
	}

	var decoded interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, &ProviderError{Provider: c.service, StatusCode: resp.StatusCode, Message: "invalid JSON response"}
		}
	}

	ok := nested.Get(decoded, "status", resp.StatusCode < 300, nested.Bool)
	if resp.StatusCode >= 300 || !ok {
		msg := nested.Get(decoded, "message|error", http.StatusText(resp.StatusCode), nested.String)
		return nil, &ProviderError{Provider: c.service, StatusCode: resp.StatusCode, Message: msg}
	}
	return decoded, nil
}
