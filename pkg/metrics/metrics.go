// Package metrics exposes Prometheus metrics for the backstage broker and
// the site agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Broker holds the backstage broker's metrics.
type Broker struct {
	registry *prometheus.Registry

	AuthorisationsTotal   *prometheus.CounterVec
	AuthorisationDuration prometheus.Histogram
	PendingRequests       prometheus.GaugeFunc
	OutcomesDropped       prometheus.Counter
}

// NewBroker creates and registers the broker metrics. pendingCount is
// sampled on scrape.
func NewBroker(pendingCount func() float64) *Broker {
	m := &Broker{
		registry: prometheus.NewRegistry(),

		AuthorisationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backstage_authorisations_total",
				Help: "Completed guest authorisations by outcome",
			},
			[]string{"outcome"},
		),

		AuthorisationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backstage_authorisation_duration_seconds",
				Help:    "Time from consent submission to outcome delivery",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
		),

		PendingRequests: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "backstage_pending_requests",
				Help: "Authorisation requests registered but not yet resolved",
			},
			pendingCount,
		),

		OutcomesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "backstage_outcomes_dropped_total",
				Help: "Outcome notifications for requests no longer tracked",
			},
		),
	}

	m.registry.MustRegister(
		m.AuthorisationsTotal,
		m.AuthorisationDuration,
		m.PendingRequests,
		m.OutcomesDropped,
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Broker) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Agent holds the site agent's metrics.
type Agent struct {
	registry *prometheus.Registry

	PollCycles      prometheus.Counter
	PollErrors      prometheus.Counter
	ExecutionsTotal *prometheus.CounterVec
	InFlight        prometheus.GaugeFunc
	PoolSessions    prometheus.GaugeFunc
	CacheEntries    prometheus.GaugeFunc
	ResolveDuration prometheus.Histogram
}

// NewAgent creates and registers the agent metrics. The gauge callbacks are
// sampled on scrape.
func NewAgent(inFlight, poolSessions, cacheEntries func() float64) *Agent {
	m := &Agent{
		registry: prometheus.NewRegistry(),

		PollCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_poll_cycles_total",
				Help: "Completed backstage poll cycles",
			},
		),

		PollErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_poll_errors_total",
				Help: "Poll cycles abandoned due to an error",
			},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_executions_total",
				Help: "Completed gateway authorisation executions by outcome",
			},
			[]string{"outcome"},
		),

		InFlight: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "agent_inflight_requests",
				Help: "Authorisation requests currently being executed",
			},
			inFlight,
		),

		PoolSessions: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "agent_pool_sessions",
				Help: "Live gateway admin sessions in the pool",
			},
			poolSessions,
		),

		CacheEntries: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "agent_cached_devices",
				Help: "Authorised devices currently cached",
			},
			cacheEntries,
		),

		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_device_resolve_duration_seconds",
				Help:    "Time spent resolving device identity against the gateway",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
	}

	m.registry.MustRegister(
		m.PollCycles,
		m.PollErrors,
		m.ExecutionsTotal,
		m.InFlight,
		m.PoolSessions,
		m.CacheEntries,
		m.ResolveDuration,
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Agent) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
