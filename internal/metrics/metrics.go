// Package metrics holds the counters and gauges the core itself requires
// (spec.md §4.2/§4.4/§7: the persistent escalation metric, the integrity
// counter, and risk-mode/drawdown observability). No exporter is wired —
// "observability exporters" are an explicit spec.md §1 non-goal — but the
// instruments themselves are real, on a private prometheus.Registry an
// operator tool can scrape if one is later attached.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every instrument spotguard's core updates directly.
type Registry struct {
	registry *prometheus.Registry

	UnknownOrderEscalations prometheus.Counter
	IntegrityViolations     *prometheus.CounterVec
	RiskMode                prometheus.Gauge
	DrawdownRatio           prometheus.Gauge
	RealizedPnLToday        prometheus.Gauge
	CyclesRun               prometheus.Counter
	CycleErrors             *prometheus.CounterVec
	OrdersSubmitted         *prometheus.CounterVec
	OrdersRejected          *prometheus.CounterVec
	ActionDedupeHits        prometheus.Counter
}

// New constructs a Registry with every instrument registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		registry: reg,
		UnknownOrderEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_unknown_order_escalations_total",
			Help: "Orders that reached UNKNOWN_CLOSED after exhausting reconciliation.",
		}),
		IntegrityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_integrity_violations_total",
			Help: "Integrity errors by kind (oversell, non_monotonic_ledger, illegal_transition).",
		}, []string{"kind"}),
		RiskMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotguard_risk_mode",
			Help: "Current risk mode: 0=OBSERVE_ONLY 1=REDUCE_RISK_ONLY 2=NORMAL.",
		}),
		DrawdownRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotguard_drawdown_ratio",
			Help: "1 - equity / peak_equity.",
		}),
		RealizedPnLToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotguard_realized_pnl_today_try",
			Help: "Realized PnL delta since day-start baseline, in TRY.",
		}),
		CyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_cycles_total",
			Help: "Cycles that completed and were persisted.",
		}),
		CycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_cycle_errors_total",
			Help: "Cycles aborted, by failing sub-step marker.",
		}, []string{"stage"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_orders_submitted_total",
			Help: "Orders submitted, by symbol and side.",
		}, []string{"symbol", "side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_orders_rejected_total",
			Help: "Orders the exchange rejected on submit, by exchange error code.",
		}, []string{"reason"}),
		ActionDedupeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_action_dedupe_hits_total",
			Help: "Submit/cancel calls short-circuited by the action dedupe table.",
		}),
	}

	reg.MustRegister(
		m.UnknownOrderEscalations,
		m.IntegrityViolations,
		m.RiskMode,
		m.DrawdownRatio,
		m.RealizedPnLToday,
		m.CyclesRun,
		m.CycleErrors,
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.ActionDedupeHits,
	)

	return m
}

// Gatherer exposes the underlying registry for an operator tool to
// attach an exporter to, without this package owning one itself.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}
