package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of provider webhooks received, by outcome",
	}, []string{"provider", "outcome"})

	WebhookProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_processing_latency_seconds",
		Help:    "Latency of webhook processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	PaymentsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_recorded_total",
		Help: "Total number of payments written to the ledger",
	}, []string{"provider", "status"})

	DuplicatePaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_duplicate_total",
		Help: "Total number of notifications for references already in the ledger",
	}, []string{"provider"})

	CommissionAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commission_amount_total",
		Help: "Sum of commissions booked on transactions",
	})

	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "health_plan_activations_total",
		Help: "Total number of health plan activation attempts, by outcome",
	}, []string{"outcome"})

	ActivationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "health_plan_activation_latency_seconds",
		Help:    "Latency of health plan activation including the provider call",
		Buckets: prometheus.DefBuckets,
	})

	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_requests_total",
		Help: "Total number of requests to external providers",
	}, []string{"service", "endpoint", "status"})

	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Latency of requests to external providers",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "endpoint"})

	AuditSinkFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_sink_failures_total",
		Help: "Total number of audit entries the remote sink rejected or never received",
	})

	AuditEntriesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_dropped_total",
		Help: "Total number of audit entries dropped because the delivery queue was full",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
