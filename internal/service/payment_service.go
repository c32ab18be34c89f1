package service

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/checkout"
	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentService opens checkout sessions for enrollments
type PaymentService struct {
	store        *store.Store
	initializers map[string]checkout.Initializer
	audit        *auditlog.Logger
	logger       *zap.Logger
}

// NewPaymentService creates a new payment service keyed by provider name
func NewPaymentService(store *store.Store, initializers map[string]checkout.Initializer, audit *auditlog.Logger) *PaymentService {
	return &PaymentService{
		store:        store,
		initializers: initializers,
		audit:        audit,
		logger:       util.Named("payments"),
	}
}

// InitiateRequest represents a request to pay for an enrollment
type InitiateRequest struct {
	EnrollmentID string `json:"enrollmentId" binding:"required"`
	UserID       string `json:"userId"`
	Provider     string `json:"provider" binding:"required"`
	Type         string `json:"type"`
	Email        string `json:"email"`
	PlanCode     string `json:"planCode"`
}

// Initiate records a pending payment and opens the provider checkout for it.
// Each attempt gets its own reference.
func (s *PaymentService) Initiate(ctx context.Context, req *InitiateRequest) (*checkout.Session, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate",
		attribute.String("enrollment_id", req.EnrollmentID))
	defer span.End()

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	initializer, ok := s.initializers[provider]
	if !ok {
		return nil, apperr.MalformedPayload("unsupported payment provider: "+req.Provider, nil)
	}

	e, err := s.store.GetEnrollment(ctx, req.EnrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("enrollment not found")
	}
	if err != nil {
		return nil, apperr.Persistence("failed to load enrollment", err)
	}
	if e.PaymentStatus == models.PaymentStatusPaid {
		return nil, apperr.AlreadyPaid("enrollment is already paid")
	}

	paymentType := models.PendingTypeOneTime
	if req.Type == models.PendingTypeSubscription {
		paymentType = models.PendingTypeSubscription
	}

	pending := &models.PendingPayment{
		ID:           uuid.NewString(),
		Reference:    "ENR-" + uuid.NewString(),
		UserID:       firstNonEmpty(req.UserID, e.UserID),
		EnrollmentID: e.ID,
		Provider:     provider,
		Type:         paymentType,
		Amount:       e.Amount,
		Status:       models.LedgerStatusPending,
		PlanCode:     req.PlanCode,
	}
	if err := s.store.CreatePendingPayment(ctx, pending); err != nil {
		return nil, apperr.Persistence("failed to create pending payment", err)
	}

	logger := util.LoggerFromContext(ctx, s.logger).With(
		zap.String("enrollment_id", e.ID),
		zap.String("provider", provider),
		zap.String("reference", pending.Reference))

	session, err := initializer.Initialize(ctx, checkout.Request{
		Reference:    pending.Reference,
		EnrollmentID: e.ID,
		UserID:       pending.UserID,
		Email:        firstNonEmpty(req.Email, e.Email),
		Phone:        e.Phone,
		FirstName:    e.FirstName,
		LastName:     e.LastName,
		PlanCode:     req.PlanCode,
		Amount:       e.Amount,
		Subscription: paymentType == models.PendingTypeSubscription,
	})
	if err != nil {
		if rerr := s.store.ResolvePendingPayment(ctx, pending.Reference, models.LedgerStatusFailed, ""); rerr != nil {
			logger.Error("Failed to mark pending payment failed", zap.Error(rerr))
		}
		logger.Error("Checkout initialization failed", zap.Error(err))
		s.audit.Error(ctx, "payment.initiate", "checkout initialization failed", err, auditlog.Fields{
			"enrollment_id": e.ID,
			"provider":      provider,
			"reference":     pending.Reference,
		})
		return nil, apperr.UpstreamSync(apperr.CodeCheckoutFailed, "could not open checkout session", http.StatusBadGateway, err)
	}

	logger.Info("Checkout session opened")
	s.audit.Info(ctx, "payment.initiate", "checkout session opened", auditlog.Fields{
		"enrollment_id": e.ID,
		"provider":      provider,
		"reference":     pending.Reference,
	})
	return session, nil
}

// EnrollmentDetails is the read model served to the portal
type EnrollmentDetails struct {
	Enrollment    *models.Enrollment   `json:"enrollment"`
	HealthPlan    *models.HealthPlan   `json:"healthPlan,omitempty"`
	LatestPayment *models.Payment      `json:"latestPayment,omitempty"`
	Transactions  []models.Transaction `json:"transactions"`
}

// GetEnrollmentDetails retrieves an enrollment with its plan and payments
func (s *PaymentService) GetEnrollmentDetails(ctx context.Context, enrollmentID string) (*EnrollmentDetails, error) {
	e, err := s.store.GetEnrollment(ctx, enrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("enrollment not found")
	}
	if err != nil {
		return nil, apperr.Persistence("failed to load enrollment", err)
	}

	hp, err := s.store.FindHealthPlanByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, apperr.Persistence("failed to load health plan", err)
	}
	latest, err := s.store.LatestPaymentForEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, apperr.Persistence("failed to load payments", err)
	}
	txs, err := s.store.ListTransactionsForEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, apperr.Persistence("failed to load transactions", err)
	}
	if txs == nil {
		txs = []models.Transaction{}
	}

	return &EnrollmentDetails{Enrollment: e, HealthPlan: hp, LatestPayment: latest, Transactions: txs}, nil
}
