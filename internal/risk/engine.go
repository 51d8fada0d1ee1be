// Package risk implements Kelly-bounded position sizing, currency exposure
// limits, correlation clustering, and historical value-at-risk.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

// TradesProvider exposes the open-trade blotter; the execution engine
// satisfies it. Set after construction to break the wiring cycle.
type TradesProvider interface {
	ActiveTrades() []*types.Trade
}

// Engine owns sizing and portfolio risk state.
type Engine struct {
	mu      sync.RWMutex
	cfg     config.RiskConfig
	logger  *zap.Logger
	catalog *catalog.Catalog
	bus     *events.Bus

	trades TradesProvider

	dailyRisk     float64
	dailyRiskDate string

	returns []float64
	varM    types.VaRMetrics

	explicitCorr      map[string]float64 // "EURUSD|GBPUSD" -> coefficient
	lastExposureAlert map[string]time.Time

	now func() time.Time
}

// New builds the risk engine.
func New(cfg config.RiskConfig, cat *catalog.Catalog, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:               cfg,
		logger:            logger.Named("risk"),
		catalog:           cat,
		bus:               bus,
		explicitCorr:      make(map[string]float64),
		lastExposureAlert: make(map[string]time.Time),
		varM: types.VaRMetrics{
			LimitPct:   cfg.VaRMaxLossPct,
			Confidence: cfg.VaRConfidence,
			Lookback:   cfg.VaRLookback,
		},
		now: time.Now,
	}
}

// SetTradesProvider wires the execution engine's blotter.
func (e *Engine) SetTradesProvider(p TradesProvider) {
	e.mu.Lock()
	e.trades = p
	e.mu.Unlock()
}

// SetExplicitCorrelation registers a configured pairwise correlation.
func (e *Engine) SetExplicitCorrelation(pairA, pairB string, coeff float64) {
	e.mu.Lock()
	e.explicitCorr[corrKey(pairA, pairB)] = coeff
	e.mu.Unlock()
}

func corrKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (e *Engine) activeTrades() []*types.Trade {
	e.mu.RLock()
	p := e.trades
	e.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.ActiveTrades()
}

// CalculateRiskManagement sizes a signal against the account balance and the
// current portfolio. A NEUTRAL direction or missing entry short-circuits to
// canTrade=false.
func (e *Engine) CalculateRiskManagement(signal *types.Signal, balance decimal.Decimal) *types.RiskManagement {
	rm := &types.RiskManagement{}
	if signal.Direction == types.DirectionNeutral || signal.Entry == nil {
		rm.Reason = "no directional entry"
		return rm
	}
	entry := signal.Entry
	if entry.StopLossPips <= 0 || entry.RiskReward <= 0 {
		rm.Reason = "entry missing stop distance or risk reward"
		return rm
	}

	p := signal.EstimatedWinRate / 100
	if p <= 0 || p >= 1 {
		p = 0.5
	}
	kelly := p - (1-p)/entry.RiskReward
	kelly = clamp(kelly, e.cfg.MinKellyFraction, e.cfg.MaxKellyFraction)
	rm.Kelly = kelly

	volMult := e.volatilityMultiplier(entry.VolatilityState)
	corrPenalty := e.correlationPenalty(signal.Pair)
	rm.CorrelationPenalty = corrPenalty

	riskFraction := clamp(kelly*volMult*corrPenalty, e.cfg.MinKellyFraction, e.cfg.MaxKellyFraction)
	if riskFraction > e.cfg.RiskPerTrade {
		riskFraction = e.cfg.RiskPerTrade
		rm.Guardrails = append(rm.Guardrails, "riskPerTrade cap")
	}
	rm.RiskFraction = riskFraction

	info, _ := e.catalog.Lookup(signal.Pair)
	riskAmount := balance.Mul(decimal.NewFromFloat(riskFraction))
	perPip := pipValuePerLot(info)
	denom := decimal.NewFromFloat(entry.StopLossPips * perPip)
	if denom.IsZero() {
		rm.Reason = "zero pip value"
		return rm
	}
	rm.PositionSize = riskAmount.Div(denom).Round(2)

	rm.StressTests = e.stressTests(entry, riskFraction)
	if !rm.StressTests.Passed {
		rm.Guardrails = append(rm.Guardrails, "stress tests failed")
	}

	rm.ExposureImpact = e.exposurePreview(info, riskFraction)
	breached := e.monitorExposure(signal.Pair, rm.ExposureImpact)
	if breached {
		rm.Guardrails = append(rm.Guardrails, "currency exposure limit")
	}

	daily, dailyOK := e.dailyRiskHeadroom(riskFraction)
	if !dailyOK {
		rm.Guardrails = append(rm.Guardrails, fmt.Sprintf("daily risk %.2f%% would exceed %.2f%%",
			(daily+riskFraction)*100, e.cfg.MaxDailyRisk*100))
	}
	open := e.activeTrades()
	concurrentOK := len(open) < e.cfg.MaxConcurrentTrades

	rm.CanTrade = rm.StressTests.Passed && dailyOK && concurrentOK && !breached
	if !rm.CanTrade && rm.Reason == "" {
		switch {
		case !concurrentOK:
			rm.Reason = "max concurrent trades reached"
		case !dailyOK:
			rm.Reason = "daily risk limit"
		case breached:
			rm.Reason = "currency exposure limit"
		default:
			rm.Reason = "stress tests failed"
		}
	}
	return rm
}

func (e *Engine) volatilityMultiplier(state string) float64 {
	if m, ok := e.cfg.VolatilityMultipliers[state]; ok && m > 0 {
		return m
	}
	return 1.0
}

// correlationPenalty multiplies the configured penalties over all open trades
// sharing the pair or a currency leg.
func (e *Engine) correlationPenalty(pair string) float64 {
	penalty := 1.0
	info, _ := e.catalog.Lookup(pair)
	for _, t := range e.activeTrades() {
		if t.Status != types.TradeOpen {
			continue
		}
		if t.Pair == pair {
			penalty *= e.cfg.SamePairPenalty
			continue
		}
		other, _ := e.catalog.Lookup(t.Pair)
		if catalog.SharesCurrency(info, other) {
			penalty *= e.cfg.SharedCurrencyPenalty
		}
	}
	return penalty
}

// pipValuePerLot approximates the account-currency value of one pip for one
// standard lot.
func pipValuePerLot(info catalog.PairInfo) float64 {
	switch info.AssetClass {
	case catalog.ClassForex, catalog.ClassMetals:
		return 10.0
	default:
		return 1.0
	}
}

func (e *Engine) stressTests(entry *types.Entry, riskFraction float64) types.StressTests {
	st := types.StressTests{}
	if entry.StopLossPips > 0 {
		// loss amplification if the spread doubles or slippage hits the cap
		st.SpreadWidening = riskFraction * (1 + 2.0/entry.StopLossPips)
		st.Slippage = riskFraction * (1 + e.cfg.MaxSlippagePips/entry.StopLossPips)
	}
	daily, _ := e.dailyRiskHeadroom(0)
	st.MaxDrawdown = daily + riskFraction
	st.Passed = st.Slippage <= riskFraction*1.75 &&
		st.SpreadWidening <= riskFraction*1.75 &&
		st.MaxDrawdown <= e.cfg.MaxDailyRisk
	return st
}

// exposurePreview returns the added risk fraction per currency leg.
func (e *Engine) exposurePreview(info catalog.PairInfo, riskFraction float64) map[string]float64 {
	base, quote := info.Base, info.Quote
	if base == "" {
		base = info.Pair
	}
	if quote == "" {
		quote = "USD"
	}
	return map[string]float64{base: riskFraction, quote: riskFraction}
}

// CurrentExposures sums open-trade risk fractions per currency.
func (e *Engine) CurrentExposures() map[string]float64 {
	out := make(map[string]float64)
	for _, t := range e.activeTrades() {
		if t.Status != types.TradeOpen {
			continue
		}
		info, _ := e.catalog.Lookup(t.Pair)
		base, quote := info.Base, info.Quote
		if base == "" {
			base = t.Pair
		}
		if quote == "" {
			quote = "USD"
		}
		out[base] += t.RiskFraction
		out[quote] += t.RiskFraction
	}
	return out
}

// monitorExposure publishes risk_exposure alerts with a cooldown and reports
// whether any currency would breach its limit.
func (e *Engine) monitorExposure(pair string, preview map[string]float64) bool {
	limit := e.cfg.MaxExposurePerCurrency
	if limit <= 0 {
		return false
	}
	current := e.CurrentExposures()
	now := e.now()
	breached := false
	for ccy, added := range preview {
		total := current[ccy] + added
		severity := ""
		switch {
		case total >= limit:
			severity = "critical"
			breached = true
		case total >= 0.9*limit:
			severity = "warning"
		}
		if severity == "" {
			continue
		}
		e.mu.Lock()
		last := e.lastExposureAlert[ccy]
		cooled := now.Sub(last) >= e.cfg.VolatilityCooldown
		if cooled {
			e.lastExposureAlert[ccy] = now
		}
		e.mu.Unlock()
		if cooled {
			e.bus.Publish(events.New(events.TypeRiskExposure, "", pair, map[string]interface{}{
				"currency": ccy,
				"exposure": total,
				"limit":    limit,
				"severity": severity,
			}))
			e.logger.Warn("currency exposure alert",
				zap.String("currency", ccy),
				zap.Float64("exposure", total),
				zap.String("severity", severity))
		}
	}
	return breached
}

// ---- daily risk counter ----

func (e *Engine) dayKey() string { return e.now().UTC().Format("2006-01-02") }

func (e *Engine) resetDayLocked() {
	key := e.dayKey()
	if e.dailyRiskDate != key {
		e.dailyRiskDate = key
		e.dailyRisk = 0
	}
}

// dailyRiskHeadroom reports the current counter and whether adding delta
// stays within maxDailyRisk.
func (e *Engine) dailyRiskHeadroom(delta float64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDayLocked()
	return e.dailyRisk, e.dailyRisk+delta <= e.cfg.MaxDailyRisk
}

// CommitDailyRisk adds an accepted order's risk fraction to today's counter.
func (e *Engine) CommitDailyRisk(fraction float64) {
	e.mu.Lock()
	e.resetDayLocked()
	e.dailyRisk += fraction
	e.mu.Unlock()
}

// RefundDailyRisk rolls back a committed fraction after a broker failure.
func (e *Engine) RefundDailyRisk(fraction float64) {
	e.mu.Lock()
	e.resetDayLocked()
	e.dailyRisk -= fraction
	if e.dailyRisk < 0 {
		e.dailyRisk = 0
	}
	e.mu.Unlock()
}

// DailyRisk returns today's committed risk fraction.
func (e *Engine) DailyRisk() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDayLocked()
	return e.dailyRisk
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ---- VaR ----

// RecordRealizedReturn appends one realized trade return (fraction of
// balance) to the VaR sample window.
func (e *Engine) RecordRealizedReturn(ret float64) {
	e.mu.Lock()
	e.returns = append(e.returns, ret)
	if lb := e.cfg.VaRLookback; lb > 0 && len(e.returns) > lb {
		e.returns = e.returns[len(e.returns)-lb:]
	}
	e.mu.Unlock()
	e.UpdateVaRMetrics()
}

// UpdateVaRMetrics recomputes historical VaR at the configured confidence.
func (e *Engine) UpdateVaRMetrics() types.VaRMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := types.VaRMetrics{
		LimitPct:    e.cfg.VaRMaxLossPct,
		Confidence:  e.cfg.VaRConfidence,
		Lookback:    e.cfg.VaRLookback,
		SampleCount: len(e.returns),
		LastUpdated: e.now(),
	}
	if len(e.returns) < e.cfg.VaRMinSamples {
		e.varM = m
		return m
	}
	sorted := make([]float64, len(e.returns))
	copy(sorted, e.returns)
	sort.Float64s(sorted)
	idx := int(math.Floor(float64(len(sorted)) * (1 - e.cfg.VaRConfidence)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	loss := -sorted[idx] * 100 // worst-tail return as positive loss pct
	if loss < 0 {
		loss = 0
	}
	m.Ready = true
	m.ValuePct = loss
	m.Breach = loss > m.LimitPct
	e.varM = m
	return m
}

// VaR returns the last computed metrics.
func (e *Engine) VaR() types.VaRMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.varM
}
