package activitypub

import (
	"context"

	"github.com/deemkeen/fedcore/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the federation core's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	inbound          *prometheus.CounterVec
	verifyFailures   *prometheus.CounterVec
	verifyDuration   prometheus.Histogram
	actorFetches     *prometheus.CounterVec
	storeFailOpen    prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	jobs             *prometheus.GaugeVec
	events           *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedcore",
			Name:      "inbox_activities_total",
			Help:      "Inbound activities by final status and reason.",
		}, []string{"status", "reason"}),
		verifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedcore",
			Name:      "signature_failures_total",
			Help:      "Signature verification failures by reason.",
		}, []string{"reason"}),
		verifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedcore",
			Name:      "signature_verify_seconds",
			Help:      "Time spent verifying HTTP signatures.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		actorFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedcore",
			Name:      "actor_fetches_total",
			Help:      "Remote actor document fetches by result.",
		}, []string{"result"}),
		storeFailOpen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fedcore",
			Name:      "rate_limit_fail_open_total",
			Help:      "Rate limit checks allowed because the counter store failed.",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedcore",
			Name:      "delivery_attempts_total",
			Help:      "Outbound delivery attempts by result.",
		}, []string{"result"}),
		deliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedcore",
			Name:      "delivery_seconds",
			Help:      "Duration of outbound delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		jobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fedcore",
			Name:      "delivery_jobs",
			Help:      "Delivery jobs by status.",
		}, []string{"status"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedcore",
			Name:      "events_total",
			Help:      "Committed federation events by type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) observeInbound(out Outcome) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(out.Status.String(), string(out.Reason)).Inc()
}

func (m *Metrics) observeVerifyFailure(reason Reason) {
	if m == nil {
		return
	}
	m.verifyFailures.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) observeVerify(seconds float64) {
	if m == nil {
		return
	}
	m.verifyDuration.Observe(seconds)
}

func (m *Metrics) observeActorFetch(result string) {
	if m == nil {
		return
	}
	m.actorFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) observeFailOpen() {
	if m == nil {
		return
	}
	m.storeFailOpen.Inc()
}

func (m *Metrics) observeDelivery(result string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.deliveryDuration.Observe(seconds)
}

func (m *Metrics) setJobCounts(counts map[domain.JobStatus]int64) {
	if m == nil {
		return
	}
	for _, status := range []domain.JobStatus{domain.JobPending, domain.JobInFlight, domain.JobDelivered, domain.JobDead} {
		m.jobs.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Emit counts committed events so Metrics can sit in a FanoutEmitter.
func (m *Metrics) Emit(_ context.Context, ev domain.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Type)).Inc()
}
