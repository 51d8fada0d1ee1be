package metrics

import (
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

// Attach subscribes the registry to the event bus so trade, signal, and
// quality events keep the counters current. The returned subscription can be
// passed to Bus.Unsubscribe on shutdown.
func (r *Registry) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(r.handleEvent,
		events.TypeSignal,
		events.TypeTradeOpened,
		events.TypeTradeClosed,
		events.TypeCircuitBreaker,
		events.TypeDrawdown,
		events.TypeRiskExposure,
	)
}

func (r *Registry) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeSignal:
		sig, ok := ev.Payload.(*types.Signal)
		if !ok || sig == nil {
			return
		}
		state := "none"
		if sig.Decision != nil {
			state = string(sig.Decision.State)
		}
		r.SignalsGenerated.WithLabelValues(ev.Broker, state).Inc()

	case events.TypeTradeOpened:
		trade, ok := ev.Payload.(types.Trade)
		if !ok {
			return
		}
		r.TradesOpened.WithLabelValues(ev.Broker, string(trade.Direction)).Inc()
		r.SlippagePips.WithLabelValues(ev.Broker).Observe(trade.Execution.SlippagePips)
		if trade.Execution.Latency > 0 {
			r.ExecutionLatency.WithLabelValues(ev.Broker).Observe(float64(trade.Execution.Latency.Milliseconds()))
		}

	case events.TypeTradeClosed:
		body, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		reason, _ := body["reason"].(string)
		if reason == "" {
			reason = "unspecified"
		}
		r.TradesClosed.WithLabelValues(ev.Broker, reason).Inc()

	case events.TypeCircuitBreaker:
		entry, ok := ev.Payload.(types.CircuitBreakerEntry)
		if !ok {
			return
		}
		r.BreakerActivations.WithLabelValues(entry.Reason).Inc()

	case events.TypeDrawdown:
		r.DrawdownAlerts.Inc()

	case events.TypeRiskExposure:
		body, ok := ev.Payload.(map[string]interface{})
		if !ok {
			return
		}
		currency, _ := body["currency"].(string)
		if currency == "" {
			currency = "unknown"
		}
		r.RiskBreaches.WithLabelValues(currency).Inc()
	}
}
