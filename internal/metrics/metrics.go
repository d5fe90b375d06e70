// Package metrics exposes Prometheus counters for spends, generations and the
// gateway retry layer.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/gateway"
	"github.com/digkill/adcraft/internal/orchestrator"
)

// Metrics implements the observer interfaces of credits, gateway and orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	spends         *prometheus.CounterVec
	spentCredits   *prometheus.CounterVec
	stages         *prometheus.CounterVec
	actions        *prometheus.CounterVec
	recordFailures *prometheus.CounterVec
	retries        *prometheus.CounterVec
	gatewayErrors  *prometheus.CounterVec
	sessions       prometheus.Gauge
}

var (
	_ credits.Observer      = (*Metrics)(nil)
	_ gateway.Observer      = (*Metrics)(nil)
	_ orchestrator.Observer = (*Metrics)(nil)
)

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		// Every resolved spend, by outcome, to watch fast rejects against ledger failures.
		spends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_spend_total",
			Help: "Spend attempts by action and outcome.",
		}, []string{"reason", "outcome"}),
		spentCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_credits_spent_total",
			Help: "Credits debited from accounts by action.",
		}, []string{"reason"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_action_stage_total",
			Help: "Orchestrator stage entries by action.",
		}, []string{"action", "stage"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_action_total",
			Help: "Finished generation actions by outcome.",
		}, []string{"action", "outcome"}),
		// Paid artifacts that never reached history.
		recordFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_record_failures_total",
			Help: "History writes that failed after a successful charge.",
		}, []string{"action"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_gateway_retries_total",
			Help: "Gateway calls retried after a transient failure.",
		}, []string{"op", "reason"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adcraft_gateway_errors_total",
			Help: "Gateway calls that failed after retries, by class.",
		}, []string{"op", "class"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adcraft_sessions_active",
			Help: "Client sessions currently held in memory.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.spends,
		m.spentCredits,
		m.stages,
		m.actions,
		m.recordFailures,
		m.retries,
		m.gatewayErrors,
		m.sessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SpendResolved(reason string, outcome credits.Outcome, amount int) {
	label := reasonLabel(reason)
	m.spends.WithLabelValues(label, string(outcome)).Inc()
	if outcome == credits.OutcomeCharged {
		m.spentCredits.WithLabelValues(label).Add(float64(amount))
	}
}

// reasonLabel keeps the kind of a "kind:detail" reason so per-purchase and
// per-operator details do not become label values.
func reasonLabel(reason string) string {
	kind, _, _ := strings.Cut(reason, ":")
	if kind == "" {
		return "unknown"
	}
	return kind
}

func (m *Metrics) StageEntered(action string, stage orchestrator.Stage) {
	m.stages.WithLabelValues(action, string(stage)).Inc()
}

func (m *Metrics) ActionFinished(action string, outcome orchestrator.Outcome) {
	m.actions.WithLabelValues(action, string(outcome)).Inc()
}

func (m *Metrics) RecordFailed(action string) {
	m.recordFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) CallRetried(op string, reason gateway.Reason) {
	m.retries.WithLabelValues(op, string(reason)).Inc()
}

func (m *Metrics) CallFailed(op string, class gateway.Class) {
	m.gatewayErrors.WithLabelValues(op, class.String()).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.sessions.Set(float64(n))
}
