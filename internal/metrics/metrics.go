package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campaign_delivery"

// Metrics holds the delivery pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	rateDenied      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	dequeued        prometheus.Counter
	requeued        prometheus.Counter
	halted          *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Provider dispatch results by channel and outcome.",
		}, []string{"channel", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		rateDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Jobs released because the sending identity had no tokens.",
		}, []string{"channel"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_transitions_total",
			Help:      "Message state transitions by target status and result.",
		}, []string{"status", "result"}),
		dequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dequeued_total",
			Help:      "Send jobs leased by workers.",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_lease_expired_total",
			Help:      "Send jobs reclaimed after their lease expired.",
		}),
		halted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_halted_total",
			Help:      "Campaigns halted by the worker.",
		}, []string{"channel"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider callbacks by channel and result.",
		}, []string{"channel", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.dispatchLatency, m.rateDenied, m.transitions,
			m.dequeued, m.requeued, m.halted, m.webhooks)
	}
	return m
}

func (m *Metrics) Dispatch(channel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(channel, outcome).Inc()
	m.dispatchLatency.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) RateDenied(channel string) {
	if m == nil {
		return
	}
	m.rateDenied.WithLabelValues(channel).Inc()
}

// Transition records a tracker result; applied is false for ignored events.
func (m *Metrics) Transition(status string, applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "ignored"
	}
	m.transitions.WithLabelValues(status, result).Inc()
}

func (m *Metrics) Dequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dequeued.Add(float64(n))
}

func (m *Metrics) LeaseExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.requeued.Add(float64(n))
}

func (m *Metrics) Halted(channel string) {
	if m == nil {
		return
	}
	m.halted.WithLabelValues(channel).Inc()
}

func (m *Metrics) Webhook(channel, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(channel, result).Inc()
}
