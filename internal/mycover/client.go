// Package mycover is the client for the MyCover policy-issuance API.
package mycover

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

	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/models"
	"enrollment-service/internal/nested"
	"enrollment-service/internal/util"

	"go.uber.org/zap"
)

const serviceName = "mycover"

// Config holds MyCover client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// ProductIDs overrides the default product per insurer.
	ProductIDs map[Provider]string
}

// Result is a successful enrollment with an insurer.
type Result struct {
	Provider    Provider `json:"provider"`
	ReferenceID string   `json:"referenceId"`
	Success     bool     `json:"success"`
}

// SyncError is returned when the insurer rejects or never answers the request.
// StatusCode is zero for transport failures.
type SyncError struct {
	Provider   Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("mycover %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("mycover %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Client enrolls customers with insurers. It never retries.
type Client struct {
	baseURL    string
	apiKey     string
	productIDs map[Provider]string
	http       *http.Client
	audit      *auditlog.Logger
	logger     *zap.Logger
}

// NewClient creates a new MyCover client
func NewClient(cfg Config, audit *auditlog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		productIDs: cfg.ProductIDs,
		http:       &http.Client{Timeout: timeout},
		audit:      audit,
		logger:     util.GetLogger().With(zap.String("component", serviceName)),
	}
}

// BuildPayload returns the insurer and request body for an enrollment.
func (c *Client) BuildPayload(e *models.Enrollment) (Provider, string, map[string]interface{}, error) {
	provider, err := ResolveProvider(e.PlanID)
	if err != nil {
		return "", "", nil, err
	}
	spec := providerSpecs[provider]
	productID := spec.productID
	if override := c.productIDs[provider]; override != "" {
		productID = override
	}
	return provider, spec.path, spec.build(e, productID), nil
}

// Enroll purchases the policy for e with its insurer.
func (c *Client) Enroll(ctx context.Context, e *models.Enrollment) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "MyCover.Enroll")
	defer span.End()

	provider, path, payload, err := c.BuildPayload(e)
	if err != nil {
		return nil, &SyncError{Message: err.Error(), Err: err}
	}

	fields := auditlog.Fields{"provider": string(provider), "enrollment_id": e.ID, "path": path}
	c.audit.Info(ctx, "mycover.request", "sending enrollment to insurer", withPayload(fields, payload))

	body, status, err := c.post(ctx, provider, path, payload)
	if err != nil {
		syncErr := &SyncError{Provider: provider, Message: err.Error(), Err: err}
		c.audit.Error(ctx, "mycover.response", "insurer request failed", err, fields)
		return nil, syncErr
	}

	var decoded interface{}
	_ = json.Unmarshal(body, &decoded)

	if status < 200 || status >= 300 {
		msg, ok := nested.Find(decoded, "responseText|message|error", nested.String)
		if !ok {
			msg = nested.Get(decoded, "errors.0.message", http.StatusText(status), nested.String)
		}
		syncErr := &SyncError{Provider: provider, StatusCode: status, Message: msg}
		c.audit.Error(ctx, "mycover.response", "insurer rejected enrollment", syncErr, withStatus(fields, status, body))
		return nil, syncErr
	}

	ref := nested.Get(decoded, "data.id|reference|policy_id|purchase_id", "", nested.String)
	if ref == "" {
		ref = nested.Get(decoded, "reference|id", "", nested.String)
	}

	c.audit.Info(ctx, "mycover.response", "insurer accepted enrollment", withStatus(fields, status, body))
	c.logger.Info("Policy purchased",
		zap.String("enrollment_id", e.ID),
		zap.String("provider", string(provider)),
		zap.String("reference_id", ref))

	return &Result{Provider: provider, ReferenceID: ref, Success: true}, nil
}

func (c *Client) post(ctx context.Context, provider Provider, path string, payload interface{}) ([]byte, int, error) {
	start := time.Now()
	status := "error"
	defer func() {
		util.UpstreamRequestsTotal.WithLabelValues(serviceName, string(provider), status).Inc()
		util.UpstreamRequestDuration.WithLabelValues(serviceName, string(provider)).Observe(time.Since(start).Seconds())
	}()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	status = strconv.Itoa(resp.StatusCode)
	return body, resp.StatusCode, nil
}

func withPayload(fields auditlog.Fields, payload map[string]interface{}) auditlog.Fields {
	out := auditlog.Fields{"payload": payload}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func withStatus(fields auditlog.Fields, status int, body []byte) auditlog.Fields {
	out := auditlog.Fields{"status": status, "response": string(body)}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
