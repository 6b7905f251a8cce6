package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/pkg/db"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonStoreUnavailable     = "store_unavailable"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

const (
	DeliveryOutcomeDelivered   = "delivered"
	DeliveryOutcomeRetry       = "retry"
	DeliveryOutcomeFailed      = "failed"
	DeliveryOutcomeCancelled   = "cancelled"
	DeliveryOutcomeBreakerOpen = "breaker_open"
	DeliveryOutcomeSuperseded  = "superseded"
	DeliveryOutcomeThrottled   = "throttled"
)

// BillingMetrics captures operational signals of the background process:
// job health and webhook delivery outcomes. Scraped from /metrics.
type BillingMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobErrors        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	deactivations    prometheus.Counter
	breakerChanges   *prometheus.CounterVec
	outboxRelayed    prometheus.Counter
	pendingTimers    prometheus.Gauge
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// NewBillingMetricsForTest builds an isolated registry-backed instance.
func NewBillingMetricsForTest(registerer prometheus.Registerer) *BillingMetrics {
	return newBillingMetrics(registerer, Config{ServiceName: "subchain", Environment: "test"})
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "subchain"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &BillingMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subchain_job_runs_total",
			Help:        "Background job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "subchain_job_duration_seconds",
			Help:        "Background job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subchain_job_errors_total",
			Help:        "Background job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subchain_webhook_deliveries_total",
			Help:        "Webhook delivery attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "subchain_webhook_delivery_duration_seconds",
			Help:        "Outbound webhook call latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}),
		deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "subchain_webhook_deactivations_total",
			Help:        "Webhooks automatically deactivated after consecutive failures.",
			ConstLabels: constLabels,
		}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "subchain_webhook_breaker_state_changes_total",
			Help:        "Per-host circuit breaker transitions by target state.",
			ConstLabels: constLabels,
		}, []string{"to"}),
		outboxRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "subchain_outbox_relayed_total",
			Help:        "Domain events handed to the webhook dispatcher.",
			ConstLabels: constLabels,
		}),
		pendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subchain_webhook_pending_retries",
			Help:        "Delivery attempts armed in this process.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.deliveries,
		m.deliveryDuration,
		m.deactivations,
		m.breakerChanges,
		m.outboxRelayed,
		m.pendingTimers,
	)
	return m
}

func (m *BillingMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *BillingMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *BillingMetrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) ObserveDeliveryDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.Observe(d.Seconds())
}

func (m *BillingMetrics) IncDeactivation() {
	if m == nil {
		return
	}
	m.deactivations.Inc()
}

func (m *BillingMetrics) IncBreakerChange(to string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(to).Inc()
}

func (m *BillingMetrics) AddOutboxRelayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxRelayed.Add(float64(n))
}

func (m *BillingMetrics) SetPendingTimers(n int) {
	if m == nil {
		return
	}
	m.pendingTimers.Set(float64(n))
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case errors.Is(err, errs.ErrStoreUnavailable), db.IsUnavailable(err):
		return JobReasonStoreUnavailable
	case db.IsLockTimeout(err):
		return JobReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return JobReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return JobReasonUniqueViolation
	default:
		return JobReasonUnknown
	}
}
