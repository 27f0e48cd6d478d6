package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contact_unlock"

type LedgerMetrics struct {
	mutations      *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	insufficient   *prometheus.CounterVec
	verifyFailures prometheus.Counter
}

type ConnectionMetrics struct {
	transitions *prometheus.CounterVec
	sweepRuns   *prometheus.CounterVec
	sweepItems  *prometheus.CounterVec
	sweepTime   prometheus.Histogram
}

type MessageMetrics struct {
	sent     *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	connectionOnce sync.Once
	connectionReg  *ConnectionMetrics

	messageOnce sync.Once
	messageReg  *MessageMetrics

	httpOnce sync.Once
	httpReg  *HTTPMetrics
)

// Ledger returns the lazily-registered ledger metrics.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Ledger transactions appended, by kind.",
			}, []string{"kind"}),
			tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "tokens_total",
				Help:      "Tokens moved through the ledger, by direction.",
			}, []string{"direction"}),
			insufficient: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "insufficient_balance_total",
				Help:      "Deductions rejected for insufficient balance, by kind.",
			}, []string{"kind"}),
			verifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "verify_failures_total",
				Help:      "Accounts whose transaction log did not replay to the stored balance.",
			}),
		}
		prometheus.MustRegister(
			ledgerReg.mutations,
			ledgerReg.tokens,
			ledgerReg.insufficient,
			ledgerReg.verifyFailures,
		)
	})
	return ledgerReg
}

// RecordTransaction counts one committed ledger row.
func (m *LedgerMetrics) RecordTransaction(kind string, amount int64) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind).Inc()
	if amount < 0 {
		m.tokens.WithLabelValues("debit").Add(float64(-amount))
		return
	}
	m.tokens.WithLabelValues("credit").Add(float64(amount))
}

func (m *LedgerMetrics) RecordInsufficient(kind string) {
	if m == nil {
		return
	}
	m.insufficient.WithLabelValues(kind).Inc()
}

func (m *LedgerMetrics) RecordVerifyFailure() {
	if m == nil {
		return
	}
	m.verifyFailures.Inc()
}

// Connections returns the lazily-registered connection and sweep metrics.
func Connections() *ConnectionMetrics {
	connectionOnce.Do(func() {
		connectionReg = &ConnectionMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "transitions_total",
				Help:      "Connection state transitions, by kind and target status.",
			}, []string{"kind", "from", "to"}),
			sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Expiry sweep runs, by outcome.",
			}, []string{"outcome"}),
			sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "connections_total",
				Help:      "Overdue connections handled by the sweep, by result.",
			}, []string{"result"}),
			sweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Wall time of one expiry sweep.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			connectionReg.transitions,
			connectionReg.sweepRuns,
			connectionReg.sweepItems,
			connectionReg.sweepTime,
		)
	})
	return connectionReg
}

func (m *ConnectionMetrics) RecordTransition(kind, from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(kind, from, to).Inc()
}

// RecordSweep records one sweep run. result counts are refunded, skipped and failed.
func (m *ConnectionMetrics) RecordSweep(refunded, skipped, failed int, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if failed > 0 {
		outcome = "partial"
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
	m.sweepItems.WithLabelValues("refunded").Add(float64(refunded))
	m.sweepItems.WithLabelValues("skipped").Add(float64(skipped))
	m.sweepItems.WithLabelValues("failed").Add(float64(failed))
	m.sweepTime.Observe(took.Seconds())
}

// Messages returns the lazily-registered conversation gate metrics.
func Messages() *MessageMetrics {
	messageOnce.Do(func() {
		messageReg = &MessageMetrics{
			sent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "conversation",
				Name:      "messages_total",
				Help:      "Messages written, by conversation kind.",
			}, []string{"kind"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "conversation",
				Name:      "rejected_total",
				Help:      "Message sends refused by the gate, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(messageReg.sent, messageReg.rejected)
	})
	return messageReg
}

func (m *MessageMetrics) RecordSent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

func (m *MessageMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// HTTP returns the lazily-registered API request metrics.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests, by method, route and status.",
			}, []string{"method", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "API request latency, by method and route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
		prometheus.MustRegister(httpReg.requests, httpReg.latency)
	})
	return httpReg
}

func (m *HTTPMetrics) Observe(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(took.Seconds())
}
