package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts job lifecycle events. A nil *Metrics is a no-op.
type Metrics struct {
	statuses       *prometheus.CounterVec
	failures       *prometheus.CounterVec
	finalizeStates *prometheus.CounterVec
	lookups        *prometheus.CounterVec
	lines          *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	statuses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_packer_job_status_total",
		Help: "Job status transitions by status.",
	}, []string{"status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_packer_failures_total",
		Help: "Failures by kind.",
	}, []string{"kind"})
	finalizeStates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_packer_finalize_states_total",
		Help: "Finalizer state entries by state.",
	}, []string{"state"})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_packer_remote_lookups_total",
		Help: "Remote metadata lookups by source and result.",
	}, []string{"source", "result"})
	lines := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depot_packer_tool_lines_total",
		Help: "Lines read from the download tool by stream.",
	}, []string{"stream"})

	return &Metrics{
		statuses:       registerCounterVec(registerer, statuses),
		failures:       registerCounterVec(registerer, failures),
		finalizeStates: registerCounterVec(registerer, finalizeStates),
		lookups:        registerCounterVec(registerer, lookups),
		lines:          registerCounterVec(registerer, lines),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncStatus(status string) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(status).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncFinalizeState(state string) {
	if m == nil {
		return
	}
	m.finalizeStates.WithLabelValues(state).Inc()
}

func (m *Metrics) IncLookup(source string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.lookups.WithLabelValues(source, result).Inc()
}

func (m *Metrics) IncLine(stream string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(stream).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
