package orchestrator

import (
	"fmt"
	"math"
	"time"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/pkg/types"
)

// directionThreshold is the minimum absolute combined score before a signal
// leaves NEUTRAL.
const directionThreshold = 12.0

// analysis weights: technical carries half the vote, macro and news split the
// rest.
const (
	weightTechnical = 0.50
	weightEconomic  = 0.25
	weightNews      = 0.25
)

// combine folds the analyzer reports into one raw signal. A neutral direction
// zeroes strength, final score, and the entry plan. Confidence is the weighted
// analyzer blend; the quality guard's confidence floor is enforced later as an
// execution minimum, never as a cap.
func (c *Coordinator) combine(pair string, price float64, tech analyzers.TechnicalReport,
	econ analyzers.EconomicReport, news analyzers.NewsReport,
	now time.Time, notes []string) *types.Signal {

	combined := weightTechnical*tech.Score + weightEconomic*econ.Score + weightNews*news.Score

	dir := types.DirectionNeutral
	switch {
	case combined >= directionThreshold:
		dir = types.DirectionBuy
	case combined <= -directionThreshold:
		dir = types.DirectionSell
	}

	confidence := clampRange(
		weightTechnical*tech.Confidence+weightEconomic*econ.Confidence+weightNews*news.Confidence, 0, 100)

	strength := clampRange(math.Abs(combined), 0, 100)
	finalScore := clampRange(0.6*strength+0.4*confidence, 0, 100)
	winRate := clampRange(42+0.25*strength+0.15*confidence, 35, 85)
	if dir == types.DirectionNeutral {
		strength, finalScore, winRate = 0, 0, 0
	}

	sig := &types.Signal{
		Pair:       pair,
		Timestamp:  now,
		Direction:  dir,
		Strength:   strength,
		Confidence: confidence,
		FinalScore: finalScore,
		Components: types.SignalComponents{
			Economic:  econ.Score,
			News:      news.Score,
			Technical: tech.Score,
		},
		EstimatedWinRate: winRate,
		Reasoning:        notes,
	}

	if dir != types.DirectionNeutral {
		sig.Entry = c.buildEntry(pair, dir, price, tech)
		sig.TradePlan = fmt.Sprintf("%s %s @ %.5f, SL %.5f, TP %.5f (RR %.1f, %s volatility)",
			dir, pair, sig.Entry.Price, sig.Entry.StopLoss, sig.Entry.TakeProfit,
			sig.Entry.RiskReward, sig.Entry.VolatilityState)
		sig.Reasoning = append(sig.Reasoning,
			fmt.Sprintf("combined score %.1f (tech %.1f, econ %.1f, news %.1f)",
				combined, tech.Score, econ.Score, news.Score))
	} else {
		sig.Reasoning = append(sig.Reasoning,
			fmt.Sprintf("combined score %.1f below directional threshold %.0f", combined, directionThreshold))
	}
	return sig
}

// buildEntry derives the ATR-based entry plan for a directional signal.
func (c *Coordinator) buildEntry(pair string, dir types.Direction, price float64,
	tech analyzers.TechnicalReport) *types.Entry {

	info, _ := c.catalog.Lookup(pair)
	pip := info.PipSize
	if pip <= 0 {
		pip = 0.0001
	}
	atr := tech.ATR
	if atr <= 0 {
		atr = price * 0.002
	}

	volState := tech.Volatility.State
	if volState == "" {
		volState = "normal"
	}
	stopMult := 1.0
	switch volState {
	case "calm":
		stopMult = 0.9
	case "volatile":
		stopMult = 1.3
	case "extreme":
		stopMult = 1.5
	}

	rr := 2.2
	if types.AssetClass(info.AssetClass) == types.AssetCrypto {
		rr = 2.5
	}

	slDist := atr * stopMult
	tpDist := slDist * rr
	sl, tp := price-slDist, price+tpDist
	activation := price + tpDist*0.6
	if dir == types.DirectionSell {
		sl, tp = price+slDist, price-tpDist
		activation = price - tpDist*0.6
	}

	return &types.Entry{
		Price:              price,
		Direction:          dir,
		StopLoss:           sl,
		TakeProfit:         tp,
		ATR:                atr,
		RiskReward:         rr,
		StopMultiple:       stopMult,
		TakeProfitMultiple: stopMult * rr,
		VolatilityState:    volState,
		StopLossPips:       slDist / pip,
		TakeProfitPips:     tpDist / pip,
		TrailingStop: types.TrailingStop{
			Enabled:              true,
			BreakevenAtFraction:  0.5,
			ActivationAtFraction: 0.6,
			ActivationLevel:      activation,
			TrailingDistance:     slDist * 0.6,
			StepDistance:         slDist * 0.15,
		},
	}
}

// quoteSpreadPips derives the spread in pips from the live quote, falling
// back to the EA-reported point spread.
func (c *Coordinator) quoteSpreadPips(pair string, q *types.Quote) float64 {
	pip := c.catalog.PipSize(pair)
	if pip <= 0 {
		pip = 0.0001
	}
	if q.Ask > q.Bid && q.Bid > 0 {
		return (q.Ask - q.Bid) / pip
	}
	if q.SpreadPoints > 0 && q.Point > 0 {
		return q.SpreadPoints * q.Point / pip
	}
	return 0
}

// enrichMarketData fills components.marketData from the EA quote.
func (c *Coordinator) enrichMarketData(sig *types.Signal, q *types.Quote, now time.Time) {
	spread := c.quoteSpreadPips(sig.Pair, q)

	maxSpread := c.cfg.Signal.MaxSpreadPips
	if maxSpread <= 0 {
		maxSpread = 2.4
	}
	status := "ok"
	switch {
	case spread > maxSpread:
		status = "critical"
	case spread > 0.66*maxSpread:
		status = "elevated"
	}

	received := q.ReceivedAt
	if received.IsZero() {
		received = q.Timestamp
	}
	ageMs := 0.0
	if !received.IsZero() {
		ageMs = float64(now.Sub(received).Milliseconds())
	}

	sig.Components.MarketData = types.MarketDataComponent{
		SpreadPips:   spread,
		SpreadStatus: status,
		QuoteAgeMs:   ageMs,
		Bid:          q.Bid,
		Ask:          q.Ask,
		Timestamp:    q.Timestamp,
	}
	if status == "critical" {
		sig.Reasoning = append(sig.Reasoning,
			fmt.Sprintf("spread %.1f pips exceeds max %.1f", spread, maxSpread))
	}
}

// coerceNeutral strips the tradeable payload off a blocked signal. Blocked
// signals never carry an entry plan or sizing. Re-applying the coercion to an
// already-coerced signal is a no-op.
func coerceNeutral(sig *types.Signal, dec *types.Decision) {
	sig.Direction = types.DirectionNeutral
	sig.Strength = 0
	sig.FinalScore = 0
	sig.Entry = nil
	sig.RiskManagement = nil
	reason := dec.Reason
	if reason == "" && len(dec.Blockers) > 0 {
		reason = dec.Blockers[0]
	}
	note := "blocked: " + reason
	if n := len(sig.Reasoning); n == 0 || sig.Reasoning[n-1] != note {
		sig.Reasoning = append(sig.Reasoning, note)
	}
}

// validityVerdict decides whether the signal may be executed right now.
// confidenceFloor is the quality guard's minimum confidence for the pair; a
// directional signal below it never clears for execution.
func validityVerdict(sig *types.Signal, confidenceFloor float64) *types.Validity {
	dec := sig.Decision
	switch {
	case dec == nil:
		return &types.Validity{IsValid: false, Reason: "no gate decision"}
	case dec.Blocked || dec.State == types.StateBlocked:
		return &types.Validity{IsValid: false, Reason: "blocked: " + dec.Reason}
	case dec.State != types.StateEnter:
		return &types.Validity{IsValid: false, Reason: fmt.Sprintf("decision %s: %s", dec.State, dec.Reason)}
	case confidenceFloor > 0 && sig.Confidence < confidenceFloor:
		return &types.Validity{IsValid: false,
			Reason: fmt.Sprintf("confidence %.1f below quality floor %.1f", sig.Confidence, confidenceFloor)}
	case sig.RiskManagement == nil:
		return &types.Validity{IsValid: false, Reason: "sizing unavailable"}
	case !sig.RiskManagement.CanTrade:
		return &types.Validity{IsValid: false, Reason: "sizing: " + sig.RiskManagement.Reason}
	default:
		return &types.Validity{IsValid: true}
	}
}

// applyValidity computes the signal's TTL and lifecycle status. Base TTL is
// three bars of the primary timeframe, scaled by the configured multiplier
// and a decision-dependent factor, clamped to the configured window.
func (c *Coordinator) applyValidity(sig *types.Signal, tech analyzers.TechnicalReport, now time.Time) {
	primary := tech.PrimaryTimeframe
	if primary == "" {
		primary = types.TimeframeH1
	}
	base := time.Duration(primary.Minutes()*3) * time.Minute

	mult := c.cfg.Signal.ValidityMultiplier
	if mult <= 0 {
		mult = 1
	}
	ttl := time.Duration(float64(base) * mult * decisionMultiplier(sig))

	minTTL := c.cfg.Signal.MinValidity
	if minTTL <= 0 {
		minTTL = 30 * time.Second
	}
	maxTTL := c.cfg.Signal.MaxValidity
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	sig.ExpiresAt = now.Add(ttl)
	sig.SignalStatus = statusFor(sig, now)
}

func decisionMultiplier(sig *types.Signal) float64 {
	dec := sig.Decision
	switch {
	case dec == nil:
		if sig.Direction == types.DirectionNeutral {
			return 0.2
		}
		return 0.5
	case dec.Blocked || dec.State == types.StateBlocked:
		return 0.2
	case dec.State == types.StateEnter && sig.IsValid != nil && sig.IsValid.IsValid:
		return 1.0
	case dec.State == types.StateWaitMonitor:
		return 0.6
	case sig.Direction == types.DirectionNeutral:
		return 0.2
	default:
		return 0.5
	}
}

func statusFor(sig *types.Signal, now time.Time) types.SignalStatus {
	if !sig.ExpiresAt.IsZero() && !sig.ExpiresAt.After(now) {
		return types.SignalExpired
	}
	if sig.Decision != nil && (sig.Decision.Blocked || sig.Decision.State == types.StateBlocked) {
		return types.SignalBlocked
	}
	if sig.Direction == types.DirectionNeutral {
		return types.SignalNeutral
	}
	if sig.Decision != nil {
		switch sig.Decision.State {
		case types.StateEnter:
			if sig.IsValid != nil && sig.IsValid.IsValid {
				return types.SignalActive
			}
			return types.SignalPending
		case types.StateWaitMonitor:
			return types.SignalWatch
		}
	}
	return types.SignalPending
}

func capReasons(reasons []string) []string {
	if len(reasons) <= maxReasoning {
		return reasons
	}
	return reasons[:maxReasoning]
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
