// Package observability holds the Prometheus collectors shared by the
// settlement client components.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Metrics wraps collectors tracking payment and settlement health.
type Metrics struct {
	attempts        *prometheus.CounterVec
	attemptsActive  prometheus.Gauge
	transferLatency *prometheus.HistogramVec
	transferErrors  *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	channelDropped  prometheus.Counter
}

// Default exposes the process-wide metrics registered with the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics builds a metrics set and registers it with reg. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "coordinator",
			Name:      "attempts_total",
			Help:      "Settlement attempts by purpose and terminal outcome.",
		}, []string{"purpose", "outcome"}),
		attemptsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settle",
			Subsystem: "coordinator",
			Name:      "attempts_active",
			Help:      "Settlement attempts currently in a non-terminal state.",
		}),
		transferLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settle",
			Subsystem: "transfer",
			Name:      "confirmation_seconds",
			Help:      "Time from submission to confirmation for direct transfers.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"program"}),
		transferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "transfer",
			Name:      "errors_total",
			Help:      "Direct transfer failures by error code.",
		}, []string{"code"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "ledger",
			Name:      "withdrawals_total",
			Help:      "Withdrawal results observed by status.",
		}, []string{"status"}),
		channelDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settle",
			Subsystem: "channel",
			Name:      "dropped_responses_total",
			Help:      "Responses that matched no pending request (late or unknown).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.attemptsActive, m.transferLatency, m.transferErrors, m.withdrawals, m.channelDropped)
	}
	return m
}

// RecordAttempt counts a terminal attempt outcome.
func (m *Metrics) RecordAttempt(purpose, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(label(purpose), label(outcome)).Inc()
}

// AttemptStarted increments the active attempts gauge.
func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.attemptsActive.Inc()
}

// AttemptFinished decrements the active attempts gauge.
func (m *Metrics) AttemptFinished() {
	if m == nil {
		return
	}
	m.attemptsActive.Dec()
}

// ObserveTransfer records confirmation latency for a token program.
func (m *Metrics) ObserveTransfer(program string, d time.Duration) {
	if m == nil {
		return
	}
	m.transferLatency.WithLabelValues(label(program)).Observe(d.Seconds())
}

// RecordTransferError counts a transfer failure.
func (m *Metrics) RecordTransferError(code string) {
	if m == nil {
		return
	}
	m.transferErrors.WithLabelValues(label(code)).Inc()
}

// RecordWithdrawal counts a withdrawal status observed by the client.
func (m *Metrics) RecordWithdrawal(status string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(label(status)).Inc()
}

// RecordDroppedResponse counts an uncorrelated channel response.
func (m *Metrics) RecordDroppedResponse() {
	if m == nil {
		return
	}
	m.channelDropped.Inc()
}

func label(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unspecified"
	}
	return strings.ToLower(v)
}
