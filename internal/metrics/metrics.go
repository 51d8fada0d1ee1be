// Package metrics exposes the engine's Prometheus collectors and keeps them
// current from the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every engine collector on a private Prometheus registry, so
// tests and embedded deployments never collide with the global default.
type Registry struct {
	reg *prometheus.Registry

	SignalsGenerated   *prometheus.CounterVec
	TradesOpened       *prometheus.CounterVec
	TradesClosed       *prometheus.CounterVec
	SlippagePips       *prometheus.HistogramVec
	ExecutionLatency   *prometheus.HistogramVec
	BreakerActivations *prometheus.CounterVec
	RiskBreaches       *prometheus.CounterVec
	DrawdownAlerts     prometheus.Counter

	ActiveTrades prometheus.Gauge
	Equity       prometheus.Gauge
	DrawdownPct  prometheus.Gauge
	Sessions     prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		SignalsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_signals_generated_total",
				Help: "Signals produced by the coordinator, by broker and decision state",
			},
			[]string{"broker", "state"},
		),
		TradesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trades_opened_total",
				Help: "Trades accepted by the execution engine",
			},
			[]string{"broker", "direction"},
		),
		TradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trades_closed_total",
				Help: "Trades closed, by broker and close reason",
			},
			[]string{"broker", "reason"},
		),
		SlippagePips: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_execution_slippage_pips",
				Help:    "Fill slippage per trade in pips",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20},
			},
			[]string{"broker"},
		),
		ExecutionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_execution_latency_ms",
				Help:    "Broker round-trip latency per order in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"broker"},
		),
		BreakerActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_quality_breaker_activations_total",
				Help: "Data-quality circuit breaker activations, by reason",
			},
			[]string{"reason"},
		),
		RiskBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_risk_exposure_breaches_total",
				Help: "Portfolio exposure limit breaches, by currency",
			},
			[]string{"currency"},
		),
		DrawdownAlerts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_drawdown_alerts_total",
				Help: "Drawdown threshold crossings reported by the execution engine",
			},
		),

		ActiveTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_active_trades",
				Help: "Currently open trades under supervision",
			},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_account_equity",
				Help: "Last reported account equity",
			},
		),
		DrawdownPct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_account_drawdown_pct",
				Help: "Current drawdown from the equity peak, in percent",
			},
		),
		Sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_agent_sessions",
				Help: "Connected broker agent sessions",
			},
		),
	}

	r.reg.MustRegister(
		r.SignalsGenerated,
		r.TradesOpened,
		r.TradesClosed,
		r.SlippagePips,
		r.ExecutionLatency,
		r.BreakerActivations,
		r.RiskBreaches,
		r.DrawdownAlerts,
		r.ActiveTrades,
		r.Equity,
		r.DrawdownPct,
		r.Sessions,
	)
	return r
}

// SetAccount refreshes the account-level gauges. Called from the status
// poller in the server binary.
func (r *Registry) SetAccount(equity, drawdownPct float64, openTrades, sessions int) {
	r.Equity.Set(equity)
	r.DrawdownPct.Set(drawdownPct)
	r.ActiveTrades.Set(float64(openTrades))
	r.Sessions.Set(float64(sessions))
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
