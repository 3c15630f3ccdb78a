// Package metrics provides Prometheus instrumentation for the mesh core.
//
// Every collector carries a constant "node" label so several in-process
// nodes (simulation mode, tests) can share one registry. All methods are
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

// Metrics holds the collectors of one mesh node.
type Metrics struct {
	poolSlots       *prometheus.GaugeVec
	admissions      *prometheus.CounterVec
	peers           *prometheus.GaugeVec
	routes          prometheus.Gauge
	electionTerm    prometheus.Gauge
	isLeader        prometheus.Gauge
	elections       prometheus.Counter
	messages        *prometheus.CounterVec
	stale           *prometheus.CounterVec
	trustScore      *prometheus.GaugeVec
	averageLatency  prometheus.Gauge
	tickDuration    prometheus.Histogram
	recommendations prometheus.Gauge
}

// New registers the collectors for node with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer, node string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{"node": node}

	return &Metrics{
		poolSlots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_slots",
			Help:        "Slots per pool by state.",
			ConstLabels: labels,
		}, []string{"pool", "state"}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "admissions_total",
			Help:        "Slot requests by pool and outcome.",
			ConstLabels: labels,
		}, []string{"pool", "outcome"}),
		peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "peers",
			Help:        "Known peers by state (connected/available).",
			ConstLabels: labels,
		}, []string{"state"}),
		routes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "routes",
			Help:        "Destinations reachable through a relay.",
			ConstLabels: labels,
		}),
		electionTerm: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "election_term",
			Help:        "Current election term.",
			ConstLabels: labels,
		}),
		isLeader: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "is_leader",
			Help:        "1 when this node leads its component.",
			ConstLabels: labels,
		}),
		elections: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "elections_started_total",
			Help:        "Elections started by this node.",
			ConstLabels: labels,
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_total",
			Help:        "Protocol messages by direction and kind.",
			ConstLabels: labels,
		}, []string{"direction", "kind"}),
		stale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "discarded_messages_total",
			Help:        "Inbound messages discarded without effect, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		trustScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "peer_trust_score",
			Help:        "Trust score per peer.",
			ConstLabels: labels,
		}, []string{"peer"}),
		averageLatency: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "average_latency_ms",
			Help:        "Mean latency EWMA across connected peers.",
			ConstLabels: labels,
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "tick_duration_seconds",
			Help:        "Duration of one coordination tick.",
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1},
			ConstLabels: labels,
		}),
		recommendations: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "recommendations",
			Help:        "Number of active recommendations.",
			ConstLabels: labels,
		}),
	}
}

// PoolStatus records slot counts for a pool.
func (m *Metrics) PoolStatus(pool string, occupied, reserved, available int) {
	if m == nil {
		return
	}
	m.poolSlots.WithLabelValues(pool, "occupied").Set(float64(occupied))
	m.poolSlots.WithLabelValues(pool, "reserved").Set(float64(reserved))
	m.poolSlots.WithLabelValues(pool, "available").Set(float64(available))
}

// Admission counts one slot request outcome.
func (m *Metrics) Admission(pool, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(pool, outcome).Inc()
}

// Peers records the registry partition sizes.
func (m *Metrics) Peers(connected, available int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("connected").Set(float64(connected))
	m.peers.WithLabelValues("available").Set(float64(available))
}

// Routes records the routing table size.
func (m *Metrics) Routes(n int) {
	if m == nil {
		return
	}
	m.routes.Set(float64(n))
}

// Election records the term and leadership.
func (m *Metrics) Election(term uint64, leader bool) {
	if m == nil {
		return
	}
	m.electionTerm.Set(float64(term))
	if leader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}

// ElectionStarted counts an election started by this node.
func (m *Metrics) ElectionStarted() {
	if m == nil {
		return
	}
	m.elections.Inc()
}

// Message counts a protocol message. direction is "in" or "out".
func (m *Metrics) Message(direction, kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, kind).Inc()
}

// Discarded counts an inbound message dropped without effect.
func (m *Metrics) Discarded(reason string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(reason).Inc()
}

// TrustScore records one peer's score.
func (m *Metrics) TrustScore(peer string, score float64) {
	if m == nil || peer == "" {
		return
	}
	m.trustScore.WithLabelValues(peer).Set(score)
}

// AverageLatency records the mean latency in milliseconds.
func (m *Metrics) AverageLatency(ms float64) {
	if m == nil {
		return
	}
	m.averageLatency.Set(ms)
}

// Tick observes the duration of a coordination tick.
func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// Recommendations records how many recommendations are active.
func (m *Metrics) Recommendations(n int) {
	if m == nil {
		return
	}
	m.recommendations.Set(float64(n))
}

// Handler returns an HTTP handler exposing the collectors registered in g.
// A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
