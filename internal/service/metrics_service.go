package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the
// billing workers.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	deductionAttempts  *prometheus.CounterVec
	remindersSent      *prometheus.CounterVec
	installmentsMissed prometheus.Counter
	shiftsApplied      prometheus.Counter
	dropoutsEscalated  prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	deductionAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_wallet_deductions_total",
		Help: "Wallet auto-deduction attempts by outcome",
	}, []string{"outcome"})

	remindersSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reminders_sent_total",
		Help: "Installment reminders sent by days-out bucket",
	}, []string{"days"})

	installmentsMissed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_installments_missed_total",
		Help: "Installments flipped to MISSED by the compliance sweep",
	})

	shiftsApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cohort_timeline_shifts_applied_total",
		Help: "Cohort timeline shifts applied",
	})

	dropoutsEscalated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_dropout_escalations_total",
		Help: "Enrollments escalated for repeated missed installments",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses,
		deductionAttempts, remindersSent, installmentsMissed, shiftsApplied, dropoutsEscalated, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		deductionAttempts:  deductionAttempts,
		remindersSent:      remindersSent,
		installmentsMissed: installmentsMissed,
		shiftsApplied:      shiftsApplied,
		dropoutsEscalated:  dropoutsEscalated,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordDeduction counts an auto-deduction attempt by outcome
// (success, insufficient_balance, error).
func (m *MetricsService) RecordDeduction(outcome string) {
	if m == nil {
		return
	}
	m.deductionAttempts.WithLabelValues(outcome).Inc()
}

// RecordReminder counts a reminder send for the given days-out bucket.
func (m *MetricsService) RecordReminder(days int) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(fmt.Sprintf("%d", days)).Inc()
}

// RecordInstallmentsMissed counts installments flipped to MISSED.
func (m *MetricsService) RecordInstallmentsMissed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.installmentsMissed.Add(float64(count))
}

// RecordShiftApplied counts an applied timeline shift.
func (m *MetricsService) RecordShiftApplied() {
	if m == nil {
		return
	}
	m.shiftsApplied.Inc()
}

// RecordDropoutEscalation counts a missed-installment escalation.
func (m *MetricsService) RecordDropoutEscalation() {
	if m == nil {
		return
	}
	m.dropoutsEscalated.Inc()
}
