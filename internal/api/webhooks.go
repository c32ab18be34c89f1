package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"
	"enrollment-service/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxWebhookBody          = 1 << 20
	paystackSignatureHeader = "x-paystack-signature"
)

// paystackWebhook verifies the signature over the raw body before anything
// is parsed.
func (h *Handler) paystackWebhook(c *gin.Context) {
	const provider = models.ProviderPaystack
	start := time.Now()
	defer observeWebhook(provider, start)

	body, ok := h.readBody(c, provider)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if !webhook.VerifyPaystackSignature(body, c.GetHeader(paystackSignatureHeader), h.paystackSecret) {
		h.webhooks.TrackDelivery(ctx, service.Delivery{
			Provider: provider,
			EventKey: webhook.EventKey("", body),
			Payload:  body,
		})
		util.WebhooksReceivedTotal.WithLabelValues(provider, "rejected").Inc()
		h.respondError(c, "webhook.paystack", apperr.SignatureInvalid("invalid signature"))
		return
	}

	ev, err := webhook.ParsePaystack(body)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "malformed").Inc()
		h.respondError(c, "webhook.paystack", err)
		return
	}

	h.processCharge(c, ev, body, true)
}

// etegramWebhook carries no signature; the pending payment lookup gates it.
func (h *Handler) etegramWebhook(c *gin.Context) {
	const provider = models.ProviderEtegram
	start := time.Now()
	defer observeWebhook(provider, start)

	body, ok := h.readBody(c, provider)
	if !ok {
		return
	}

	ev, err := webhook.ParseEtegram(body)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "malformed").Inc()
		h.respondError(c, "webhook.etegram", err)
		return
	}

	h.processCharge(c, ev, body, false)
}

func (h *Handler) processCharge(c *gin.Context, ev *webhook.ChargeEvent, body []byte, signed bool) {
	ctx := c.Request.Context()
	stage := "webhook." + ev.Provider

	eventID := ""
	if ev.EventID != "" {
		eventID = ev.EventType + ":" + ev.EventID
	}
	key := webhook.EventKey(eventID, body)
	if h.webhooks.TrackDelivery(ctx, service.Delivery{
		Provider:       ev.Provider,
		EventKey:       key,
		EventType:      ev.EventType,
		Reference:      ev.Reference,
		Payload:        body,
		SignatureValid: signed,
	}) {
		util.LoggerFromContext(ctx, h.logger).Info("Webhook redelivered",
			zap.String("provider", ev.Provider), zap.String("event_key", key))
	}

	result, err := h.webhooks.ProcessCharge(ctx, ev)
	h.webhooks.CompleteDelivery(ctx, ev.Provider, key, err)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "error").Inc()
		h.respondError(c, stage, err)
		return
	}

	switch {
	case result.Ignored:
		util.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "ignored").Inc()
		c.JSON(http.StatusOK, response{Success: true, Message: "event ignored"})
	case result.PaymentID == "":
		util.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "acknowledged").Inc()
		c.JSON(http.StatusOK, response{Success: true, Message: "payment status acknowledged", Data: result})
	case result.Duplicate:
		util.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "duplicate").Inc()
		c.JSON(http.StatusOK, response{Success: true, Message: "payment already processed", Data: result})
	default:
		util.WebhooksReceivedTotal.WithLabelValues(ev.Provider, "processed").Inc()
		c.JSON(http.StatusOK, response{Success: true, Message: "payment recorded", Data: result})
	}
}

func (h *Handler) myCoverWebhook(c *gin.Context) {
	const provider = models.ProviderMyCover
	start := time.Now()
	defer observeWebhook(provider, start)

	body, ok := h.readBody(c, provider)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	ev, err := webhook.ParseMyCover(body)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "malformed").Inc()
		h.respondError(c, "webhook.mycover", err)
		return
	}
	if !ev.Actionable {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "ignored").Inc()
		c.JSON(http.StatusOK, response{Success: true, Message: "event ignored"})
		return
	}

	key := webhook.EventKey(ev.EventType+":"+ev.LedgerReference(), body)
	h.webhooks.TrackDelivery(ctx, service.Delivery{
		Provider:  provider,
		EventKey:  key,
		EventType: ev.EventType,
		Reference: ev.LedgerReference(),
		Payload:   body,
	})

	result, err := h.webhooks.ProcessPolicyPurchase(ctx, ev)
	h.webhooks.CompleteDelivery(ctx, provider, key, err)
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "error").Inc()
		h.respondError(c, "webhook.mycover", err)
		return
	}

	outcome := "processed"
	if result.Duplicate {
		outcome = "duplicate"
	}
	util.WebhooksReceivedTotal.WithLabelValues(provider, outcome).Inc()
	c.JSON(http.StatusOK, response{Success: true, Message: "health plan " + result.Action, Data: result})
}

func (h *Handler) readBody(c *gin.Context, provider string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		util.WebhooksReceivedTotal.WithLabelValues(provider, "malformed").Inc()
		var tooLarge *http.MaxBytesError
		msg := "failed to read request body"
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		h.respondError(c, "webhook."+provider, apperr.MalformedPayload(msg, err))
		return nil, false
	}
	return body, true
}

func observeWebhook(provider string, start time.Time) {
	util.WebhookProcessingLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
