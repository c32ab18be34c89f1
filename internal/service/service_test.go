package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/checkout"
	"enrollment-service/internal/commission"
	"enrollment-service/internal/models"
	"enrollment-service/internal/mycover"
	"enrollment-service/internal/store"
	"enrollment-service/internal/store/storetest"
	"enrollment-service/internal/webhook"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	ref      string
	err      error
	onEnroll func()
}

func (g *fakeGateway) Enroll(_ context.Context, _ *models.Enrollment) (*mycover.Result, error) {
	if g.onEnroll != nil {
		g.onEnroll()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &mycover.Result{Provider: mycover.ProviderBastion, ReferenceID: g.ref, Success: true}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingPublisher struct {
	broker.NoopPublisher
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) record(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) PublishPaymentRecorded(_ context.Context, e *models.PaymentRecordedEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishPolicySyncRequested(_ context.Context, e *models.PolicySyncRequestedEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishHealthPlanActivated(_ context.Context, e *models.HealthPlanActivatedEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishPolicySyncFailed(_ context.Context, e *models.PolicySyncFailedEvent) error {
	p.record(e.EventType)
	return nil
}

func (p *recordingPublisher) PublishEnrollmentPaymentFailed(_ context.Context, e *models.EnrollmentPaymentFailedEvent) error {
	p.record(e.EventType)
	return nil
}

type fixture struct {
	store      *store.Store
	gateway    *fakeGateway
	publisher  *recordingPublisher
	activation *ActivationService
	webhooks   *WebhookService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	gw := &fakeGateway{ref: "POL-1"}
	pub := &recordingPublisher{}
	audit := auditlog.New(zap.NewNop(), nil)

	activation := NewActivationService(s, gw, nil, pub, audit, ActivationConfig{})
	webhooks := NewWebhookService(s, NewInlineSyncer(activation), pub, commission.NewCalculator(0.10, 10000), nil, audit)
	return &fixture{store: s, gateway: gw, publisher: pub, activation: activation, webhooks: webhooks}
}

func (f *fixture) seed(t *testing.T, e *models.Enrollment) *models.Enrollment {
	t.Helper()
	if e.UserID == "" {
		e.UserID = "U1"
	}
	if e.PlanID == "" {
		e.PlanID = "bastion-basic"
	}
	require.NoError(t, f.store.CreateEnrollment(context.Background(), e))
	return e
}

func (f *fixture) seedPaid(t *testing.T, id string) *models.Enrollment {
	t.Helper()
	paidAt := time.Now().UTC()
	e := f.seed(t, &models.Enrollment{ID: id, Duration: 1, Amount: decimal.NewFromInt(50000)})
	e.Status = models.EnrollmentStatusCompleted
	e.PaymentStatus = models.PaymentStatusPaid
	e.LastPaymentDate = &paidAt
	require.NoError(t, f.store.UpdateEnrollmentLifecycle(context.Background(), e))
	return e
}

const chargeSuccessR1 = `{"event":"charge.success","data":{"id":1001,"reference":"R1","amount":5000000,
	"currency":"NGN","status":"success","channel":"card","paid_at":"2024-02-01T10:15:00Z",
	"metadata":{"enrollment_id":"E1"}}}`

func parseCharge(t *testing.T, body string) *webhook.ChargeEvent {
	t.Helper()
	ev, err := webhook.ParsePaystack([]byte(body))
	require.NoError(t, err)
	return ev
}

func TestProcessChargeRecordsPaymentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})

	res, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, chargeSuccessR1))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.LedgerStatusCompleted, res.Status)
	assert.NotEmpty(t, res.TransactionID)
	require.NotNil(t, res.Sync)
	assert.Equal(t, SyncStatusSuccess, res.Sync.Status)
	assert.Equal(t, "POL-1", res.Sync.ReferenceID)

	again, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, chargeSuccessR1))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.PaymentID, again.PaymentID)
	assert.Nil(t, again.Sync)

	n, err := f.store.CountPayments(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	txs, err := f.store.ListTransactionsForEnrollment(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(50000)))
	assert.True(t, txs[0].Commission.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, models.TransactionTypeOneTime, txs[0].Type)

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, e.PaymentStatus)
	assert.Equal(t, models.EnrollmentStatusCompleted, e.Status)
	assert.Equal(t, "R1", e.Reference)
	assert.Equal(t, models.SyncStatusSuccess, e.MyCoverSyncStatus)

	assert.Equal(t, 1, f.gateway.Calls())
}

func TestProcessChargeIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})

	_, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, chargeSuccessR1))
	require.NoError(t, err)

	// Opposite outcome for the same reference is a ledger duplicate.
	sameRef := `{"event":"charge.failed","data":{"reference":"R1","amount":5000000,"gateway_response":"Declined",
		"metadata":{"enrollment_id":"E1"}}}`
	res, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, sameRef))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// A failure for another attempt only records the error.
	otherRef := `{"event":"charge.failed","data":{"reference":"R2","amount":5000000,"gateway_response":"Declined",
		"metadata":{"enrollment_id":"E1"}}}`
	res, err = f.webhooks.ProcessCharge(ctx, parseCharge(t, otherRef))
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, res.Status)
	assert.Empty(t, res.TransactionID)

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, e.PaymentStatus)
	assert.Equal(t, models.EnrollmentStatusCompleted, e.Status)
	assert.Equal(t, "Declined", e.LastPaymentError)

	txs, err := f.store.ListTransactionsForEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestProcessChargeFailureThenRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})

	failed := `{"event":"charge.failed","data":{"reference":"R0","amount":5000000,"gateway_response":"Insufficient funds",
		"metadata":{"enrollment_id":"E1"}}}`
	_, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, failed))
	require.NoError(t, err)

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPaymentFailed, e.Status)
	assert.Equal(t, models.PaymentStatusFailed, e.PaymentStatus)
	assert.Contains(t, f.publisher.events, models.EventTypeEnrollmentPaymentErr)

	_, err = f.webhooks.ProcessCharge(ctx, parseCharge(t, chargeSuccessR1))
	require.NoError(t, err)

	e, err = f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, e.Status)
	assert.Equal(t, models.PaymentStatusPaid, e.PaymentStatus)
	assert.Empty(t, e.LastPaymentError)
}

func TestProcessChargeSyncFailureIsDegradedSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})
	f.gateway.err = &mycover.SyncError{Provider: mycover.ProviderBastion, StatusCode: 500, Message: "insurer down"}

	res, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, chargeSuccessR1))
	require.NoError(t, err)
	assert.NotEmpty(t, res.PaymentID)
	require.NotNil(t, res.Sync)
	assert.Equal(t, SyncStatusFailed, res.Sync.Status)
	assert.Contains(t, res.Sync.Error, "insurer down")

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, e.PaymentStatus)
	assert.Equal(t, models.SyncStatusFailed, e.MyCoverSyncStatus)
	assert.Contains(t, e.MyCoverSyncError, "insurer down")

	hp, err := f.store.FindHealthPlanByEnrollment(ctx, "E1")
	require.NoError(t, err)
	require.NotNil(t, hp)
	assert.Equal(t, models.HealthPlanStatusFailed, hp.Status)

	// The failed plan stays claimable.
	f.gateway.err = nil
	result, err := f.activation.Activate(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, hp.ID, result.HealthPlan.ID)
	assert.Equal(t, models.HealthPlanStatusActive, result.HealthPlan.Status)

	e, err = f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, e.MyCoverSyncStatus)
	assert.Empty(t, e.MyCoverSyncError)
}

func TestProcessChargeEtegramRequiresPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(20000)})

	ev, err := webhook.ParseEtegram([]byte(`{"reference":"ET-1","amount":20000,"status":"successful"}`))
	require.NoError(t, err)

	_, err = f.webhooks.ProcessCharge(ctx, ev)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperr.From(err).Status)

	require.NoError(t, f.store.CreatePendingPayment(ctx, &models.PendingPayment{
		ID:           uuid.NewString(),
		Reference:    "ET-1",
		UserID:       "U1",
		EnrollmentID: "E1",
		Provider:     models.ProviderEtegram,
		Type:         models.PendingTypeOneTime,
		Amount:       decimal.NewFromInt(20000),
	}))

	inFlight, err := webhook.ParseEtegram([]byte(`{"reference":"ET-1","amount":20000,"status":"processing"}`))
	require.NoError(t, err)
	res, err := f.webhooks.ProcessCharge(ctx, inFlight)
	require.NoError(t, err)
	assert.Empty(t, res.PaymentID)
	n, err := f.store.CountPayments(ctx, "ET-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err = f.webhooks.ProcessCharge(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "E1", res.EnrollmentID)
	assert.Equal(t, models.LedgerStatusCompleted, res.Status)

	pending, err := f.store.FindPendingPaymentByReference(ctx, "ET-1")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusCompleted, pending.Status)
	assert.Equal(t, res.PaymentID, pending.PaymentID)
}

func TestProcessChargeIgnoresNonActionable(t *testing.T) {
	f := newFixture(t)
	res, err := f.webhooks.ProcessCharge(context.Background(), &webhook.ChargeEvent{Provider: models.ProviderPaystack})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

const myCoverPurchase42 = `{
	"event": "purchase.successful",
	"data": {
		"id": "POL-77",
		"status": "successful",
		"amount": 45000,
		"reference": "MC-REF-1",
		"created_at": "2024-04-01T09:00:00Z",
		"meta": {
			"policy": {
				"meta": {
					"mca_payload": {"meta": {"enrollment_id": 42, "user_id": "U9"}},
					"payload": {"plan_id": "hygeia-family"}
				},
				"start_date": "2024-04-01",
				"activation_date": "2024-04-02"
			}
		},
		"policy_expiry_date": "2025-04-01"
	}
}`

func TestProcessPolicyPurchaseActivatesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "42", UserID: "U9", PlanID: "hygeia-family", Duration: 12, Amount: decimal.NewFromInt(45000)})

	ev, err := webhook.ParseMyCover([]byte(myCoverPurchase42))
	require.NoError(t, err)

	res, err := f.webhooks.ProcessPolicyPurchase(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, res.Action)
	assert.False(t, res.Duplicate)

	hp, err := f.store.FindHealthPlanByEnrollment(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, hp)
	assert.Equal(t, res.HealthPlanID, hp.ID)
	assert.Equal(t, models.HealthPlanStatusActive, hp.Status)
	assert.Equal(t, "hygeia", hp.Provider)
	assert.Equal(t, "POL-77", hp.MyCoverReferenceID)
	require.NotNil(t, hp.ExpirationDate)
	assert.Equal(t, 2025, hp.ExpirationDate.Year())

	e, err := f.store.GetEnrollment(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, e.Status)
	assert.Equal(t, models.PaymentStatusPaid, e.PaymentStatus)
	assert.Equal(t, models.SyncStatusSuccess, e.MyCoverSyncStatus)

	again, err := f.webhooks.ProcessPolicyPurchase(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, again.Action)
	assert.True(t, again.Duplicate)
	assert.Equal(t, hp.ID, again.HealthPlanID)

	n, err := f.store.CountPayments(ctx, "MC-REF-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	txs, err := f.store.ListTransactionsForEnrollment(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Zero(t, f.gateway.Calls())
}

func TestProcessPolicyPurchaseUnknownEnrollment(t *testing.T) {
	f := newFixture(t)
	ev, err := webhook.ParseMyCover([]byte(myCoverPurchase42))
	require.NoError(t, err)

	_, err = f.webhooks.ProcessPolicyPurchase(context.Background(), ev)
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.KindMalformedPayload, ae.Kind)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
}

func TestProcessPolicyPurchaseForPaidEnrollmentAddsNoCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "42", UserID: "U9", PlanID: "hygeia-family", Duration: 12, Amount: decimal.NewFromInt(45000)})

	charge := `{"event":"charge.success","data":{"id":2001,"reference":"R42","amount":4500000,"status":"success",
		"paid_at":"2024-03-30T10:00:00Z","metadata":{"enrollment_id":"42"}}}`
	_, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, charge))
	require.NoError(t, err)

	ev, err := webhook.ParseMyCover([]byte(myCoverPurchase42))
	require.NoError(t, err)
	_, err = f.webhooks.ProcessPolicyPurchase(ctx, ev)
	require.NoError(t, err)

	n, err := f.store.CountPayments(ctx, "MC-REF-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	txs, err := f.store.ListTransactionsForEnrollment(ctx, "42")
	require.NoError(t, err)
	require.Len(t, txs, 1, "commission is paid once per customer payment")
	assert.True(t, txs[0].Commission.Equal(decimal.NewFromInt(4500)))
}

func TestActivatePendingEnrollmentIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})

	_, err := f.activation.Activate(ctx, "E1")
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeInvalidState, ae.Code)
	assert.Equal(t, http.StatusBadRequest, ae.Status)

	hp, err := f.store.FindHealthPlanByEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Nil(t, hp)
	assert.Zero(t, f.gateway.Calls())
}

func TestActivateUnknownEnrollment(t *testing.T) {
	f := newFixture(t)

	_, err := f.activation.Activate(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperr.From(err).Status)

	_, err = f.activation.Activate(context.Background(), " ")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidID, apperr.From(err).Code)
}

func TestActivateTwiceCreatesOnePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "E1")

	first, err := f.activation.Activate(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "POL-1", first.MyCoverReference)

	_, err = f.activation.Activate(ctx, "E1")
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeAlreadyActive, ae.Code)
	assert.Equal(t, http.StatusConflict, ae.Status)

	assert.Equal(t, 1, f.gateway.Calls())
	assert.Contains(t, f.publisher.events, models.EventTypeHealthPlanActivated)

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, e.Status)
	assert.Equal(t, "POL-1", e.MyCoverReferenceID)
}

func TestActivateWhileClaimedIsInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "E1")

	claimed, err := f.store.ClaimHealthPlan(ctx, &models.HealthPlan{ID: uuid.NewString(), EnrollmentID: "E1"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.activation.Activate(ctx, "E1")
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeActivationInProgress, ae.Code)
	assert.Equal(t, http.StatusAccepted, ae.Status)
	assert.Zero(t, f.gateway.Calls())
}

func TestActivateReclaimsStalePendingPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "E1")

	_, err := f.store.ClaimHealthPlan(ctx, &models.HealthPlan{ID: uuid.NewString(), EnrollmentID: "E1"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	f.activation.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	result, err := f.activation.Activate(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthPlanStatusActive, result.HealthPlan.Status)
}

func TestActivateGatewayFailureKeepsFailedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "E1")
	f.gateway.err = errors.New("connection refused")

	_, err := f.activation.Activate(ctx, "E1")
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeActivationFailed, ae.Code)
	assert.Equal(t, http.StatusInternalServerError, ae.Status)
	hp, ok := ae.Data.(*models.HealthPlan)
	require.True(t, ok)
	assert.Equal(t, models.HealthPlanStatusFailed, hp.Status)
	assert.Contains(t, f.publisher.events, models.EventTypePolicySyncFailed)

	stored, err := f.store.FindHealthPlanByEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthPlanStatusFailed, stored.Status)
	assert.Equal(t, "connection refused", stored.SyncError)
}

type fakeLocker struct {
	held     bool
	released []string
}

func (l *fakeLocker) AcquireLock(_ context.Context, _ string, _ time.Duration) (string, error) {
	if l.held {
		return "", nil
	}
	return "token", nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, _ string) error {
	l.released = append(l.released, key)
	return nil
}

func TestActivateHonoursLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "E1")

	locker := &fakeLocker{held: true}
	f.activation.locker = locker
	_, err := f.activation.Activate(ctx, "E1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeActivationInProgress, apperr.From(err).Code)

	locker.held = false
	_, err = f.activation.Activate(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, []string{"activation:E1"}, locker.released)
}

func TestQueuedSyncerPublishesRequest(t *testing.T) {
	pub := &recordingPublisher{}
	res := NewQueuedSyncer(pub).RequestSync(context.Background(), "E1", "R1")
	assert.Equal(t, SyncStatusQueued, res.Status)
	assert.Equal(t, []string{models.EventTypePolicySyncRequested}, pub.events)
}

type fakeInitializer struct {
	err  error
	last checkout.Request
}

func (i *fakeInitializer) Initialize(_ context.Context, req checkout.Request) (*checkout.Session, error) {
	i.last = req
	if i.err != nil {
		return nil, i.err
	}
	return &checkout.Session{Provider: models.ProviderPaystack, Reference: req.Reference, AuthorizationURL: "https://checkout/" + req.Reference}, nil
}

func TestInitiatePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Email: "ada@example.com", Duration: 1, Amount: decimal.NewFromInt(50000)})

	init := &fakeInitializer{}
	svc := NewPaymentService(f.store, map[string]checkout.Initializer{models.ProviderPaystack: init}, auditlog.New(zap.NewNop(), nil))

	session, err := svc.Initiate(ctx, &InitiateRequest{EnrollmentID: "E1", Provider: "Paystack"})
	require.NoError(t, err)
	assert.Regexp(t, `^ENR-`, session.Reference)
	assert.Equal(t, "ada@example.com", init.last.Email)
	assert.True(t, init.last.Amount.Equal(decimal.NewFromInt(50000)))

	pending, err := f.store.FindPendingPaymentByReference(ctx, session.Reference)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, models.LedgerStatusPending, pending.Status)
	assert.Equal(t, models.PendingTypeOneTime, pending.Type)

	init.err = &checkout.ProviderError{Provider: models.ProviderPaystack, StatusCode: 400, Message: "invalid key"}
	_, err = svc.Initiate(ctx, &InitiateRequest{EnrollmentID: "E1", Provider: "paystack"})
	require.Error(t, err)
	ae := apperr.From(err)
	assert.Equal(t, apperr.CodeCheckoutFailed, ae.Code)
	assert.Equal(t, http.StatusBadGateway, ae.Status)

	failed, err := f.store.FindPendingPaymentByReference(ctx, init.last.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, failed.Status)

	_, err = svc.Initiate(ctx, &InitiateRequest{EnrollmentID: "E1", Provider: "etegram"})
	assert.True(t, apperr.Is(err, apperr.KindMalformedPayload))

	_, err = svc.Initiate(ctx, &InitiateRequest{EnrollmentID: "missing", Provider: "paystack"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestInitiatePaymentAlreadyPaid(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, "E1")
	svc := NewPaymentService(f.store, map[string]checkout.Initializer{models.ProviderPaystack: &fakeInitializer{}}, auditlog.New(zap.NewNop(), nil))

	_, err := svc.Initiate(context.Background(), &InitiateRequest{EnrollmentID: "E1", Provider: "paystack"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyPaid, apperr.From(err).Code)
}

func TestGetEnrollmentDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})
	_, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, chargeSuccessR1))
	require.NoError(t, err)

	svc := NewPaymentService(f.store, nil, auditlog.New(zap.NewNop(), nil))
	details, err := svc.GetEnrollmentDetails(ctx, "E1")
	require.NoError(t, err)
	require.NotNil(t, details.HealthPlan)
	assert.Equal(t, models.HealthPlanStatusActive, details.HealthPlan.Status)
	require.NotNil(t, details.LatestPayment)
	assert.Equal(t, "R1", details.LatestPayment.Reference)
	assert.Len(t, details.Transactions, 1)
}

func TestProcessChargeConcurrentDeliveriesRecordOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})

	const deliveries = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < deliveries; i++ {
		ev := parseCharge(t, chargeSuccessR1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.webhooks.ProcessCharge(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !res.Duplicate {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)

	n, err := f.store.CountPayments(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	txs, err := f.store.ListTransactionsForEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestProcessChargeEtegramRedeliveryRecordsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(20000)})
	require.NoError(t, f.store.CreatePendingPayment(ctx, &models.PendingPayment{
		ID:           uuid.NewString(),
		Reference:    "ET-2",
		UserID:       "U1",
		EnrollmentID: "E1",
		Provider:     models.ProviderEtegram,
		Type:         models.PendingTypeOneTime,
		Amount:       decimal.NewFromInt(20000),
	}))

	body := []byte(`{"reference":"ET-2","amount":20000,"status":"successful"}`)
	first, err := webhook.ParseEtegram(body)
	require.NoError(t, err)
	res, err := f.webhooks.ProcessCharge(ctx, first)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	second, err := webhook.ParseEtegram(body)
	require.NoError(t, err)
	again, err := f.webhooks.ProcessCharge(ctx, second)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.PaymentID, again.PaymentID)

	n, err := f.store.CountPayments(ctx, "ET-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	txs, err := f.store.ListTransactionsForEnrollment(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Commission.Equal(decimal.NewFromInt(2000)))

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, e.PaymentStatus)
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestProcessChargeFollowsPaystackDataStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "E1", Duration: 1, Amount: decimal.NewFromInt(50000)})

	inFlight := `{"event":"charge.success","data":{"reference":"R7","amount":5000000,"status":"ongoing",
		"metadata":{"enrollment_id":"E1"}}}`
	res, err := f.webhooks.ProcessCharge(ctx, parseCharge(t, inFlight))
	require.NoError(t, err)
	assert.Empty(t, res.PaymentID)

	failed := `{"event":"charge.success","data":{"reference":"R8","amount":5000000,"status":"failed",
		"gateway_response":"Declined","metadata":{"enrollment_id":"E1"}}}`
	res, err = f.webhooks.ProcessCharge(ctx, parseCharge(t, failed))
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusFailed, res.Status)

	e, err := f.store.GetEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, e.PaymentStatus)
	assert.Equal(t, models.EnrollmentStatusPaymentFailed, e.Status)

	n, err := f.store.CountPayments(ctx, "R7")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.gateway.Calls())
}

func TestProcessPolicyPurchaseConcurrentRedeliveryKeepsOnePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, &models.Enrollment{ID: "42", UserID: "U9", PlanID: "hygeia-family", Duration: 12, Amount: decimal.NewFromInt(45000)})

	const deliveries = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		planIDs = map[string]bool{}
		created int
		errs    []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := webhook.ParseMyCover([]byte(myCoverPurchase42))
			if err == nil {
				var res *PolicyPurchaseResult
				res, err = f.webhooks.ProcessPolicyPurchase(ctx, ev)
				if err == nil {
					mu.Lock()
					planIDs[res.HealthPlanID] = true
					if res.Action == ActionCreated {
						created++
					}
					mu.Unlock()
					return
				}
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)
	assert.Len(t, planIDs, 1)

	hp, err := f.store.FindHealthPlanByEnrollment(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, hp)
	assert.True(t, planIDs[hp.ID])

	n, err := f.store.CountPayments(ctx, "MC-REF-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	txs, err := f.store.ListTransactionsForEnrollment(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestActivateConcurrentCallsReachInsurerOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPaid(t, "E1")
	f.gateway.onEnroll = func() { time.Sleep(50 * time.Millisecond) }

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		codes     []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.activation.Activate(ctx, "E1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			codes = append(codes, apperr.From(err).Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	for _, code := range codes {
		assert.Contains(t, []string{apperr.CodeAlreadyActive, apperr.CodeActivationInProgress}, code)
	}
	assert.Equal(t, 1, f.gateway.Calls())

	hp, err := f.store.FindHealthPlanByEnrollment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthPlanStatusActive, hp.Status)
}

func TestActivateRecordsOutcomeAfterCallerCancels(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		f.seedPaid(t, "E1")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.gateway.onEnroll = cancel

		result, err := f.activation.Activate(ctx, "E1")
		require.NoError(t, err)
		assert.Equal(t, "POL-1", result.MyCoverReference)

		hp, err := f.store.FindHealthPlanByEnrollment(context.Background(), "E1")
		require.NoError(t, err)
		assert.Equal(t, models.HealthPlanStatusActive, hp.Status)
		assert.Equal(t, "POL-1", hp.MyCoverReferenceID)

		e, err := f.store.GetEnrollment(context.Background(), "E1")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSuccess, e.MyCoverSyncStatus)

		_, err = f.activation.Activate(context.Background(), "E1")
		assert.Equal(t, apperr.CodeAlreadyActive, apperr.From(err).Code)
		assert.Equal(t, 1, f.gateway.Calls())
	})

	t.Run("failure", func(t *testing.T) {
		f := newFixture(t)
		f.seedPaid(t, "E1")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.gateway.onEnroll = cancel
		f.gateway.err = errors.New("connection reset")

		_, err := f.activation.Activate(ctx, "E1")
		assert.Equal(t, apperr.CodeActivationFailed, apperr.From(err).Code)

		hp, err := f.store.FindHealthPlanByEnrollment(context.Background(), "E1")
		require.NoError(t, err)
		assert.Equal(t, models.HealthPlanStatusFailed, hp.Status)

		e, err := f.store.GetEnrollment(context.Background(), "E1")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusFailed, e.MyCoverSyncStatus)

		// The failed plan is immediately retryable.
		f.gateway.onEnroll = nil
		f.gateway.err = nil
		_, err = f.activation.Activate(context.Background(), "E1")
		require.NoError(t, err)
	})
}
