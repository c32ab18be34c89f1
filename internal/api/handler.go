package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"enrollment-service/internal/apperr"
	"enrollment-service/internal/auditlog"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// Pinger reports database reachability for the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	webhooks       *service.WebhookService
	activation     *service.ActivationService
	payments       *service.PaymentService
	db             Pinger
	paystackSecret string
	audit          *auditlog.Logger
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	webhooks *service.WebhookService,
	activation *service.ActivationService,
	payments *service.PaymentService,
	db Pinger,
	audit *auditlog.Logger,
	paystackSecret string,
) *Handler {
	return &Handler{
		webhooks:       webhooks,
		activation:     activation,
		payments:       payments,
		db:             db,
		paystackSecret: paystackSecret,
		audit:          audit,
		logger:         util.GetLogger(),
	}
}

// response is the JSON envelope shared by every endpoint
type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(requestIDMiddleware())
	router.Use(gin.CustomRecovery(h.recoverPanic))
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/activate-plan/:enrollmentId", h.activatePlan)

	hooks := router.Group("/api/webhooks")
	{
		hooks.POST("/paystack", h.paystackWebhook)
		hooks.POST("/etegram", h.etegramWebhook)
		hooks.POST("/mycover", h.myCoverWebhook)
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/activate-plan/:enrollmentId", h.activatePlan)
		v1.POST("/payments/initiate", h.initiatePayment)
		v1.GET("/enrollments/:id", h.getEnrollment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// activatePlan handles health plan activation
func (h *Handler) activatePlan(c *gin.Context) {
	result, err := h.activation.Activate(c.Request.Context(), c.Param("enrollmentId"))
	if err != nil {
		h.respondError(c, "activation", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"message":          "health plan activated",
		"data":             result,
		"healthPlan":       result.HealthPlan,
		"myCoverReference": result.MyCoverReference,
	})
}

// initiatePayment opens a checkout session
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiateRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, "payment.initiate", apperr.MalformedPayload("invalid request body: "+err.Error(), err))
		return
	}

	session, err := h.payments.Initiate(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "payment.initiate", err)
		return
	}

	c.JSON(http.StatusCreated, response{Success: true, Message: "checkout session created", Data: session})
}

// getEnrollment handles get enrollment by ID
func (h *Handler) getEnrollment(c *gin.Context) {
	details, err := h.payments.GetEnrollmentDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "enrollment.get", err)
		return
	}

	c.JSON(http.StatusOK, response{Success: true, Data: details})
}

// respondError writes the error envelope. Expected outcomes are warnings;
// everything else is an error mirrored to the audit sink.
func (h *Handler) respondError(c *gin.Context, stage string, err error) {
	ae := apperr.From(err)
	ctx := c.Request.Context()
	logger := util.LoggerFromContext(ctx, h.logger).With(
		zap.String("stage", stage),
		zap.String("code", ae.Code),
		zap.String("path", c.FullPath()))

	fields := auditlog.Fields{"code": ae.Code, "status": ae.Status, "path": c.FullPath()}
	if ae.Expected() {
		logger.Warn(ae.Message)
		h.audit.Warn(ctx, stage, ae.Message, fields)
	} else {
		logger.Error(ae.Message, zap.Error(err))
		h.audit.Error(ctx, stage, ae.Message, err, fields)
	}

	c.JSON(ae.Status, response{Success: false, Message: ae.Message, Data: ae.Data, Code: ae.Code})
}

func (h *Handler) recoverPanic(c *gin.Context, recovered interface{}) {
	ctx := c.Request.Context()
	util.LoggerFromContext(ctx, h.logger).Error("Recovered from panic",
		zap.Any("panic", recovered),
		zap.String("path", c.Request.URL.Path),
		zap.Stack("stack"))
	h.audit.Panic(ctx, "http", recovered)

	c.AbortWithStatusJSON(http.StatusInternalServerError, response{
		Success: false,
		Message: "internal error",
		Code:    apperr.CodeInternal,
	})
}

// requestIDMiddleware attaches a correlation id to the request context
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(util.WithRequestID(c.Request.Context(), id))
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
