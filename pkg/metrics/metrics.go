// Package metrics exposes the daemon's Prometheus instruments and the
// readiness endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus instruments of the reconcile loop on an
// isolated registry, so nothing else running in the process leaks into
// the scrape output.
type Metrics struct {
	registry         *prometheus.Registry
	eventsTotal      *prometheus.CounterVec
	flowChangesTotal *prometheus.CounterVec
	rendersTotal     prometheus.Counter
	commitsTotal     prometheus.Counter
	commitFailures   prometheus.Counter
	reloadsLaunched  prometheus.Counter
	decodeErrors     prometheus.Counter
	trackedFlows     prometheus.Gauge
	exposedListeners prometheus.Gauge
}

// NewMetrics constructs a Metrics instance with an isolated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "events_total",
		Help:      "Total number of decoded conntrack events by kind.",
	}, []string{"kind"})

	flowChangesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "flow_changes_total",
		Help:      "Total number of flow table mutations by operation.",
	}, []string{"op"})

	rendersTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "renders_total",
		Help:      "Total number of config render passes.",
	})

	commitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "commits_total",
		Help:      "Total number of config files committed.",
	})

	commitFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "commit_failures_total",
		Help:      "Total number of config commits that failed.",
	})

	reloadsLaunched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "reloads_launched_total",
		Help:      "Total number of reload commands launched.",
	})

	decodeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fullcone",
		Name:      "decode_errors_total",
		Help:      "Total number of conntrack records that failed to decode.",
	})

	trackedFlows := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fullcone",
		Name:      "tracked_flows",
		Help:      "Number of flows currently held in the flow table.",
	})

	exposedListeners := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fullcone",
		Name:      "exposed_listeners",
		Help:      "Number of listener blocks in the last rendered config.",
	})

	registry.MustRegister(eventsTotal, flowChangesTotal, rendersTotal,
		commitsTotal, commitFailures, reloadsLaunched, decodeErrors,
		trackedFlows, exposedListeners)

	return &Metrics{
		registry:         registry,
		eventsTotal:      eventsTotal,
		flowChangesTotal: flowChangesTotal,
		rendersTotal:     rendersTotal,
		commitsTotal:     commitsTotal,
		commitFailures:   commitFailures,
		reloadsLaunched:  reloadsLaunched,
		decodeErrors:     decodeErrors,
		trackedFlows:     trackedFlows,
		exposedListeners: exposedListeners,
	}
}

// IncrementEvents counts one decoded event of the given kind.
func (m *Metrics) IncrementEvents(kind string) {
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// IncrementFlowChanges counts one flow table mutation for the given op.
func (m *Metrics) IncrementFlowChanges(op string) {
	m.flowChangesTotal.WithLabelValues(op).Inc()
}

// IncrementRenders counts one render pass.
func (m *Metrics) IncrementRenders() {
	m.rendersTotal.Inc()
}

// IncrementCommits counts one successfully committed config.
func (m *Metrics) IncrementCommits() {
	m.commitsTotal.Inc()
}

// IncrementCommitFailures counts one failed commit.
func (m *Metrics) IncrementCommitFailures() {
	m.commitFailures.Inc()
}

// IncrementReloadsLaunched counts one launched reload command.
func (m *Metrics) IncrementReloadsLaunched() {
	m.reloadsLaunched.Inc()
}

// IncrementDecodeErrors counts one record that failed to decode.
func (m *Metrics) IncrementDecodeErrors() {
	m.decodeErrors.Inc()
}

// SetTrackedFlows records the current flow table size.
func (m *Metrics) SetTrackedFlows(count int) {
	m.trackedFlows.Set(float64(count))
}

// SetExposedListeners records how many listener blocks the last render
// produced.
func (m *Metrics) SetExposedListeners(count int) {
	m.exposedListeners.Set(float64(count))
}

// Handler exposes the Prometheus scrape handler bound to the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
