// Package metrics exposes Prometheus instruments for the API. A zero Metrics is
// usable; its recorders are no-ops until Register is called.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	votes            *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	referrals        *prometheus.CounterVec
	liftedPostponed  prometheus.Counter
	storeUnavailable prometheus.Counter

	registerOnce sync.Once
}

// Register creates the instruments on registry. Later calls are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)
		m.requests = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"})
		m.requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"})
		m.votes = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_votes_total",
			Help: "Ballots by choice and whether they were counted",
		}, []string{"choice", "counted"})
		m.decisions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_decisions_total",
			Help: "Recorded decisions by resulting status",
		}, []string{"status"})
		m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_status_transitions_total",
			Help: "Explicit motion status transitions",
		}, []string{"from", "to"})
		m.referrals = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_referrals_total",
			Help: "Referral delivery attempts by result",
		}, []string{"result"})
		m.liftedPostponed = factory.NewCounter(prometheus.CounterOpts{
			Name: "quorum_postponements_lifted_total",
			Help: "Postponed motions returned to consideration",
		})
		m.storeUnavailable = factory.NewCounter(prometheus.CounterOpts{
			Name: "quorum_store_unavailable_total",
			Help: "Requests that failed because storage was unavailable",
		})
	})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) Vote(choice string, counted bool) {
	if m == nil || m.votes == nil {
		return
	}
	m.votes.WithLabelValues(choice, strconv.FormatBool(counted)).Inc()
}

func (m *Metrics) Decision(status string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.WithLabelValues(status).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Referral records a delivery attempt; result is "delivered", "duplicate" or "failed".
func (m *Metrics) Referral(result string) {
	if m == nil || m.referrals == nil {
		return
	}
	m.referrals.WithLabelValues(result).Inc()
}

func (m *Metrics) Lifted(n int) {
	if m == nil || m.liftedPostponed == nil || n <= 0 {
		return
	}
	m.liftedPostponed.Add(float64(n))
}

func (m *Metrics) StoreUnavailable() {
	if m == nil || m.storeUnavailable == nil {
		return
	}
	m.storeUnavailable.Inc()
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
