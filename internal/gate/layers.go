package gate

import (
	"fmt"
	"math"

	"github.com/fluxtrade/engine/pkg/types"
)

// layerOut is what every layer evaluator returns. Layers never error; missing
// inputs map to SKIP.
type layerOut struct {
	Status  types.LayerStatus
	Reason  string
	Metrics map[string]float64
}

func pass(reason string) layerOut { return layerOut{Status: types.LayerPass, Reason: reason} }
func fail(reason string) layerOut { return layerOut{Status: types.LayerFail, Reason: reason} }
func skip(reason string) layerOut { return layerOut{Status: types.LayerSkip, Reason: reason} }

func (o layerOut) with(metrics map[string]float64) layerOut {
	o.Metrics = metrics
	return o
}

// layerSpec is one row of the ordered confluence table. Hard layers downgrade
// ENTER to WAIT_MONITOR on FAIL regardless of score; kill layers feed the
// strict-mode kill-switch. Advisory layers (smart_/smc_/htf_ prefix) have
// their FAILs scored as SKIP outside strict mode.
type layerSpec struct {
	ID       string
	Label    string
	Weight   float64
	Category string
	Hard     bool
	Kill     bool
	Eval     func(c *evalCtx) layerOut
}

// overridableLayers are the price-location layers a confirmed breakout may
// promote from FAIL to PASS.
var overridableLayers = map[string]bool{
	"price_location_day":   true,
	"price_location_week":  true,
	"smc_discount_premium": true,
	"monthly_location":     true,
}

func layerTable() []layerSpec {
	return []layerSpec{
		{ID: "htf_alignment_d1_h4", Label: "HTF D1/H4 alignment", Weight: 1.4, Category: "htf", Eval: evalHTFAlignment},
		{ID: "htf_alignment_w1", Label: "Weekly alignment", Weight: 0.8, Category: "htf", Eval: evalWeeklyAlignment},
		{ID: "htf_d1_rsi_lock", Label: "D1 RSI lock", Weight: 1.0, Category: "htf", Eval: evalD1RSILock},
		{ID: "htf_d1_macd_lock", Label: "D1 MACD lock", Weight: 1.0, Category: "htf", Eval: evalD1MACDLock},
		{ID: "htf_rsi_extreme", Label: "HTF RSI extreme", Weight: 1.2, Category: "htf", Eval: evalHTFRSIExtreme},
		{ID: "price_location_day", Label: "Day-range location", Weight: 1.0, Category: "location", Eval: evalDayLocation},
		{ID: "price_location_week", Label: "Week-range location", Weight: 0.8, Category: "location", Eval: evalWeekLocation},
		{ID: "pivot_avoidance", Label: "Pivot avoidance", Weight: 0.7, Category: "location", Eval: evalPivotAvoidance},
		{ID: "decisive_candle", Label: "Decisive candle", Weight: 1.2, Category: "candle", Eval: evalDecisiveCandle},
		{ID: "session_authority", Label: "Session authority", Weight: 1.0, Category: "session", Kill: true, Eval: evalSessionAuthority},
		{ID: "failure_cost", Label: "Failure cost (SL/ATR)", Weight: 1.3, Category: "risk", Kill: true, Eval: evalFailureCost},
		{ID: "dynamic_rr_floor", Label: "Dynamic RR floor", Weight: 1.4, Category: "risk", Hard: true, Eval: evalDynamicRRFloor},
		{ID: "event_risk_governor", Label: "Event-risk governor", Weight: 1.3, Category: "news", Kill: true, Eval: evalEventGovernor},
		{ID: "post_news_regime", Label: "Post-news regime", Weight: 1.1, Category: "news", Kill: true, Eval: evalPostNewsRegime},
		{ID: "data_completeness", Label: "Data completeness", Weight: 0.9, Category: "data", Kill: true, Eval: evalDataCompleteness},
		{ID: "correlation_stability", Label: "Correlation stability", Weight: 0.9, Category: "risk", Eval: evalCorrelationStability},
		{ID: "liquidity_execution_risk", Label: "Liquidity/execution risk", Weight: 1.2, Category: "execution", Kill: true, Eval: evalLiquidityRisk},
		{ID: "slippage_risk", Label: "Slippage risk", Weight: 1.1, Category: "execution", Kill: true, Eval: evalSlippageRisk},
		{ID: "distribution_filter", Label: "Distribution filter", Weight: 0.8, Category: "structure", Eval: evalDistributionFilter},
		{ID: "false_continuation", Label: "False continuation", Weight: 1.0, Category: "structure", Eval: evalFalseContinuation},
		{ID: "execution_edge", Label: "Execution edge", Weight: 1.4, Category: "risk", Hard: true, Eval: evalExecutionEdge},
		{ID: "structure_cleanliness", Label: "Structure cleanliness", Weight: 0.9, Category: "structure", Eval: evalStructureCleanliness},
		{ID: "volatility_tradeability", Label: "Volatility tradeability", Weight: 1.0, Category: "volatility", Eval: evalVolatilityTradeability},
		{ID: "volume_confirmation", Label: "Volume confirmation", Weight: 0.8, Category: "volume", Eval: evalVolumeConfirmation},
		{ID: "smc_liquidity_sweep", Label: "Liquidity sweep + acceptance", Weight: 1.1, Category: "smc", Eval: evalLiquiditySweep},
		{ID: "smc_order_block_fvg", Label: "Order block / FVG zone", Weight: 1.0, Category: "smc", Eval: evalOrderBlockFVG},
		{ID: "smc_liquidity_event", Label: "Liquidity event present", Weight: 0.8, Category: "smc", Eval: evalLiquidityEvent},
		{ID: "smc_discount_premium", Label: "Discount/premium zone", Weight: 1.0, Category: "smc", Eval: evalDiscountPremium},
		{ID: "monthly_location", Label: "Monthly-range location", Weight: 0.7, Category: "location", Eval: evalMonthlyLocation},
		{ID: "signal_ttl", Label: "Setup TTL", Weight: 1.0, Category: "timing", Kill: true, Eval: evalSignalTTL},
		{ID: "htf_narrative", Label: "HTF narrative", Weight: 0.9, Category: "htf", Eval: evalHTFNarrative},
		{ID: "smart_phase_timing", Label: "Phase timing", Weight: 0.9, Category: "timing", Eval: evalPhaseTiming},
		{ID: "liquidity_pool_target", Label: "Liquidity pool target", Weight: 0.9, Category: "smc", Eval: evalLiquidityPoolTarget},
		{ID: "smart_breakout_confirmation", Label: "Breakout confirmation", Weight: 0.8, Category: "candle", Eval: evalBreakoutConfirmation},
		{ID: "smart_psychology", Label: "Market psychology", Weight: 0.8, Category: "smart", Eval: evalPsychology},
		{ID: "cross_layer_conflicts", Label: "Cross-layer conflicts", Weight: 1.2, Category: "meta", Hard: true, Eval: evalCrossLayerConflicts},
		{ID: "smart_validation", Label: "Signal validation", Weight: 0.9, Category: "smart", Eval: evalValidationScore},
		{ID: "smart_context", Label: "Context awareness", Weight: 0.8, Category: "smart", Eval: evalContextScore},
		{ID: "smart_killer_question", Label: "Killer question", Weight: 0.7, Category: "smart", Eval: evalKillerQuestion},
		{ID: "data_quality_soft", Label: "Data quality", Weight: 0.9, Category: "data", Eval: evalDataQualitySoft},
		{ID: "quote_integrity", Label: "Quote integrity", Weight: 1.0, Category: "data", Kill: true, Eval: evalQuoteIntegrity},
		{ID: "trading_window_hard", Label: "Trading window", Weight: 1.0, Category: "session", Kill: true, Eval: evalTradingWindowLayer},
		{ID: "market_data_fresh_soft", Label: "Market data freshness", Weight: 0.8, Category: "data", Eval: evalMarketDataFreshSoft},
		{ID: "spread_efficiency_soft", Label: "Spread efficiency", Weight: 0.8, Category: "execution", Eval: evalSpreadEfficiencySoft},
		{ID: "risk_sizing_ready", Label: "Risk sizing ready", Weight: 0.9, Category: "risk", Eval: evalRiskSizingReady},
	}
}

// isAdvisory reports whether a layer's FAIL is scored as SKIP outside strict
// mode.
func isAdvisory(id string) bool {
	for _, prefix := range []string{"smart_", "smc_", "htf_"} {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// ---- higher-timeframe layers ----

func (c *evalCtx) tfDirection(tf types.Timeframe) (types.Direction, bool) {
	ind, ok := c.tech.Timeframes[tf]
	if !ok || ind.Direction == "" {
		return types.DirectionNeutral, false
	}
	return types.Direction(ind.Direction), true
}

func (c *evalCtx) tfIndicators(tf types.Timeframe) (types.TimeframeIndicators, bool) {
	ind, ok := c.tech.Timeframes[tf]
	return ind, ok
}

func opposes(a, b types.Direction) bool {
	return (a == types.DirectionBuy && b == types.DirectionSell) ||
		(a == types.DirectionSell && b == types.DirectionBuy)
}

func evalHTFAlignment(c *evalCtx) layerOut {
	d1, okD1 := c.tfDirection(types.TimeframeD1)
	h4, okH4 := c.tfDirection(types.TimeframeH4)
	if !okD1 && !okH4 {
		return skip("no D1/H4 direction data")
	}
	dir := c.sig.Direction
	if (okD1 && opposes(dir, d1)) || (okH4 && opposes(dir, h4)) {
		return fail(fmt.Sprintf("higher timeframe opposes %s", dir))
	}
	if (okD1 && d1 == dir) || (okH4 && h4 == dir) {
		return pass("higher timeframe agrees")
	}
	return pass("higher timeframe neutral")
}

func evalWeeklyAlignment(c *evalCtx) layerOut {
	w1, ok := c.tfDirection(types.TimeframeW1)
	if !ok {
		return skip("no W1 direction data")
	}
	if opposes(c.sig.Direction, w1) {
		return fail("weekly direction opposes signal")
	}
	return pass("weekly direction compatible")
}

func evalD1RSILock(c *evalCtx) layerOut {
	ind, ok := c.tfIndicators(types.TimeframeD1)
	if !ok || ind.RSI == 0 {
		return skip("no D1 RSI")
	}
	m := map[string]float64{"d1Rsi": ind.RSI}
	switch c.sig.Direction {
	case types.DirectionBuy:
		if ind.RSI < 42 {
			return fail(fmt.Sprintf("D1 RSI %.1f below buy lock", ind.RSI)).with(m)
		}
	case types.DirectionSell:
		if ind.RSI > 58 {
			return fail(fmt.Sprintf("D1 RSI %.1f above sell lock", ind.RSI)).with(m)
		}
	}
	return pass("D1 RSI compatible").with(m)
}

func evalD1MACDLock(c *evalCtx) layerOut {
	ind, ok := c.tfIndicators(types.TimeframeD1)
	if !ok {
		return skip("no D1 indicators")
	}
	eps := c.scfg.MACDFlatEps
	m := map[string]float64{"d1MacdHist": ind.MACDHist}
	switch c.sig.Direction {
	case types.DirectionBuy:
		if ind.MACDHist < -eps {
			return fail("D1 MACD histogram negative on BUY").with(m)
		}
	case types.DirectionSell:
		if ind.MACDHist > eps {
			return fail("D1 MACD histogram positive on SELL").with(m)
		}
	}
	return pass("D1 MACD compatible").with(m)
}

func evalHTFRSIExtreme(c *evalCtx) layerOut {
	h4, okH4 := c.tfIndicators(types.TimeframeH4)
	d1, okD1 := c.tfIndicators(types.TimeframeD1)
	if !okH4 && !okD1 {
		return skip("no HTF RSI data")
	}
	switch c.sig.Direction {
	case types.DirectionBuy:
		if (okH4 && h4.RSI > 70) || (okD1 && d1.RSI > 70) {
			return fail("HTF RSI overbought on BUY")
		}
	case types.DirectionSell:
		if (okH4 && h4.RSI > 0 && h4.RSI < 30) || (okD1 && d1.RSI > 0 && d1.RSI < 30) {
			return fail("HTF RSI oversold on SELL")
		}
	}
	return pass("no HTF RSI extreme")
}

// ---- location layers ----

func rangePosition(price float64, r types.RangeLevels) (float64, bool) {
	if r.High <= r.Low || price <= 0 {
		return 0, false
	}
	return (price - r.Low) / (r.High - r.Low), true
}

func evalDayLocation(c *evalCtx) layerOut {
	pos, ok := rangePosition(c.price, c.tech.DayRange)
	if !ok {
		return skip("no day range")
	}
	m := map[string]float64{"dayPos": pos}
	if c.sig.Direction == types.DirectionBuy && pos > 0.78 {
		return fail(fmt.Sprintf("buying at %.0f%% of day range", pos*100)).with(m)
	}
	if c.sig.Direction == types.DirectionSell && pos < 0.22 {
		return fail(fmt.Sprintf("selling at %.0f%% of day range", pos*100)).with(m)
	}
	return pass("acceptable day-range location").with(m)
}

func evalWeekLocation(c *evalCtx) layerOut {
	pos, ok := rangePosition(c.price, c.tech.WeekRange)
	if !ok {
		return skip("no week range")
	}
	m := map[string]float64{"weekPos": pos}
	if c.sig.Direction == types.DirectionBuy && pos > 0.82 {
		return fail("buying at top of week range").with(m)
	}
	if c.sig.Direction == types.DirectionSell && pos < 0.18 {
		return fail("selling at bottom of week range").with(m)
	}
	return pass("acceptable week-range location").with(m)
}

func evalPivotAvoidance(c *evalCtx) layerOut {
	p := c.tech.Pivots
	if p.Pivot == 0 || c.info.PipSize == 0 {
		return skip("no pivot data")
	}
	nearest := math.Inf(1)
	for _, lvl := range []float64{p.Pivot, p.R1, p.R2, p.S1, p.S2} {
		if lvl == 0 {
			continue
		}
		if d := math.Abs(c.price-lvl) / c.info.PipSize; d < nearest {
			nearest = d
		}
	}
	minDist := math.Max(2, 0.15*c.atrPips)
	m := map[string]float64{"nearestPivotPips": nearest, "minDistancePips": minDist}
	if nearest < minDist {
		return fail(fmt.Sprintf("entry %.1f pips from pivot level", nearest)).with(m)
	}
	return pass("clear of pivot levels").with(m)
}

func evalMonthlyLocation(c *evalCtx) layerOut {
	pos, ok := rangePosition(c.price, c.tech.MonthRange)
	if !ok {
		return skip("no month range")
	}
	m := map[string]float64{"monthPos": pos}
	if c.sig.Direction == types.DirectionBuy && pos > 0.85 {
		return fail("buying at monthly extreme").with(m)
	}
	if c.sig.Direction == types.DirectionSell && pos < 0.15 {
		return fail("selling at monthly extreme").with(m)
	}
	return pass("acceptable monthly location").with(m)
}

// ---- candle and session layers ----

func evalDecisiveCandle(c *evalCtx) layerOut {
	if c.in.Candle == nil {
		return skip("no candle report")
	}
	cr := c.in.Candle
	m := map[string]float64{"bodyRatio": cr.BodyRatio}
	wantNear := "high"
	if c.sig.Direction == types.DirectionSell {
		wantNear = "low"
	}
	if cr.Decisive && cr.BodyRatio >= 0.55 && cr.CloseNear == wantNear {
		return pass("decisive candle in trade direction").with(m)
	}
	return fail("latest candle not decisive").with(m)
}

func evalSessionAuthority(c *evalCtx) layerOut {
	if c.class == types.AssetCrypto || c.class == types.AssetCFD || c.class == types.AssetOther {
		return pass("session-agnostic instrument")
	}
	if c.session == sessionLondon || c.session == sessionNewYork {
		return pass(c.session + " session open")
	}
	return fail("outside London/NY authority hours")
}

func evalFailureCost(c *evalCtx) layerOut {
	if c.slPips <= 0 || c.atrPips <= 0 {
		return skip("no stop or ATR data")
	}
	ratio := c.slPips / c.atrPips
	m := map[string]float64{"slAtrRatio": ratio, "max": c.scfg.MaxSLATRRatio}
	if ratio > c.scfg.MaxSLATRRatio {
		return fail(fmt.Sprintf("SL at %.2fx ATR exceeds %.2fx", ratio, c.scfg.MaxSLATRRatio)).with(m)
	}
	return pass("failure cost acceptable").with(m)
}

func evalDynamicRRFloor(c *evalCtx) layerOut {
	if c.sig.Entry == nil {
		return skip("no entry plan")
	}
	floor := 1.6
	if c.class == types.AssetCrypto {
		floor = 2.0
	}
	if c.profile.MinRiskReward > floor {
		floor = c.profile.MinRiskReward
	}
	if p := c.winProb; p > 0 && p < 1 {
		if dyn := (1-p)/p + 0.4; dyn > floor {
			floor = dyn
		}
	}
	m := map[string]float64{"riskReward": c.rr, "floor": floor}
	if c.rr < floor {
		return fail(fmt.Sprintf("RR %.2f below dynamic floor %.2f", c.rr, floor)).with(m)
	}
	return pass("RR above dynamic floor").with(m)
}

// ---- news and regime layers ----

func evalEventGovernor(c *evalCtx) layerOut {
	pre := c.cfg.EventGovernorPreMinutes
	post := c.cfg.EventGovernorPostMinutes
	impact := c.cfg.EventGovernorImpact
	for _, n := range c.relevantNews {
		if n.Impact < impact {
			continue
		}
		dtMin := n.Time.Sub(c.now).Minutes()
		if dtMin >= -post && dtMin <= pre {
			return fail(fmt.Sprintf("%s within governor window (%.0f min)", n.Title, dtMin)).
				with(map[string]float64{"minutesToEvent": dtMin, "impact": n.Impact})
		}
	}
	return pass("no governed event in window")
}

func evalPostNewsRegime(c *evalCtx) layerOut {
	switch c.regime {
	case "":
		return skip("no recent high-impact event")
	case regimeChoppy:
		return fail("post-news regime is choppy")
	default:
		return pass("post-news regime " + c.regime)
	}
}

func evalDataCompleteness(c *evalCtx) layerOut {
	if c.in.News == nil && c.in.Quality == nil {
		return fail("no calendar or quality context available")
	}
	return pass("analysis context complete")
}

func evalCorrelationStability(c *evalCtx) layerOut {
	if c.in.Correlation == nil {
		return skip("no correlation snapshot")
	}
	if c.in.Correlation.Blocked {
		return fail("correlated cluster at capacity")
	}
	return pass("correlation clusters stable")
}

// ---- execution risk layers ----

func evalLiquidityRisk(c *evalCtx) layerOut {
	score := 0.0
	if max := c.scfg.MaxSpreadPips; max > 0 && c.spreadPips >= 0.8*max {
		score += 40
	}
	if c.tech.Volatility.State == "extreme" {
		score += 35
	}
	if c.session == sessionOff && c.class != types.AssetCrypto {
		score += 15
	}
	score += 10 * math.Min(2, float64(c.upcomingEvents))
	m := map[string]float64{"riskScore": score}
	if score >= 60 {
		return fail(fmt.Sprintf("liquidity risk score %.0f", score)).with(m)
	}
	return pass("liquidity risk acceptable").with(m)
}

func evalSlippageRisk(c *evalCtx) layerOut {
	score := c.spreadToAtr * 180
	switch c.tech.Volatility.State {
	case "extreme":
		score += 40
	case "volatile":
		score += 15
	}
	if c.highImpactSoon {
		score += 25
	}
	m := map[string]float64{"slippageScore": score}
	if score >= 70 {
		return fail(fmt.Sprintf("slippage risk score %.0f", score)).with(m)
	}
	return pass("slippage risk acceptable").with(m)
}

func evalDistributionFilter(c *evalCtx) layerOut {
	s := c.tech.Structure
	if s.Trend == "" {
		return skip("no structure data")
	}
	if s.Trend == "range" && s.Strength < 25 {
		return fail("directionless distribution conditions")
	}
	return pass("no distribution signature")
}

func evalFalseContinuation(c *evalCtx) layerOut {
	vols := c.m15Volumes()
	if len(vols) < 20 {
		return skip("insufficient volume history")
	}
	recent := meanFloat(vols[len(vols)-5:])
	prior := meanFloat(vols[len(vols)-20 : len(vols)-5])
	m := map[string]float64{"recentVolume": recent, "priorVolume": prior}
	if prior > 0 && recent < 0.6*prior && c.tech.Structure.Trend != "range" {
		return fail("trend continuation on fading volume").with(m)
	}
	return pass("no false-continuation signature").with(m)
}

func evalExecutionEdge(c *evalCtx) layerOut {
	if c.sig.Entry == nil || c.winProb <= 0 {
		return skip("no entry or win-rate estimate")
	}
	edge := c.winProb*c.rr - (1 - c.winProb)
	m := map[string]float64{"expectancy": edge}
	if edge <= 0 {
		return fail(fmt.Sprintf("negative expectancy %.2f", edge)).with(m)
	}
	return pass(fmt.Sprintf("expectancy %.2f", edge)).with(m)
}

func evalStructureCleanliness(c *evalCtx) layerOut {
	s := c.tech.Structure
	if s.Trend == "" && s.CleanScore == 0 {
		return skip("no structure data")
	}
	m := map[string]float64{"cleanScore": s.CleanScore}
	if s.CleanScore < 45 {
		return fail("structure too noisy").with(m)
	}
	return pass("structure clean enough").with(m)
}

func evalVolatilityTradeability(c *evalCtx) layerOut {
	switch c.tech.Volatility.State {
	case "":
		return skip("no volatility data")
	case "extreme":
		return fail("extreme volatility untradeable")
	default:
		return pass("volatility " + c.tech.Volatility.State)
	}
}

func evalVolumeConfirmation(c *evalCtx) layerOut {
	vols := c.m15Volumes()
	if len(vols) < 21 {
		return skip("insufficient volume history")
	}
	last := vols[len(vols)-1]
	avg := meanFloat(vols[len(vols)-21 : len(vols)-1])
	m := map[string]float64{"lastVolume": last, "avgVolume": avg}
	if avg > 0 && last >= 1.4*avg {
		return pass("volume spike confirms move").with(m)
	}
	return fail("no confirming volume spike").with(m)
}

// ---- SMC layers ----

// sweepResult: 1 = accepted sweep, 0 = sweep without acceptance, -1 = none.
func (c *evalCtx) sweepResult() (int, float64) {
	bars := c.in.BarsByTimeframe[types.TimeframeM15]
	if len(bars) < 13 || c.info.PipSize == 0 {
		return -1, 0
	}
	buffer := c.cfg.SweepAcceptBufferPips * c.info.PipSize
	recent := bars[len(bars)-3:]
	prior := bars[len(bars)-13 : len(bars)-3]
	if c.sig.Direction == types.DirectionBuy {
		floor := math.Inf(1)
		for _, b := range prior {
			floor = math.Min(floor, b.Low)
		}
		for _, b := range recent {
			if b.Low < floor {
				rng := b.High - b.Low
				follow := 0.0
				if rng > 0 {
					follow = (b.Close - b.Low) / rng
				}
				if b.Close > floor+buffer && follow >= 0.55 {
					return 1, follow
				}
				return 0, follow
			}
		}
	} else if c.sig.Direction == types.DirectionSell {
		ceil := math.Inf(-1)
		for _, b := range prior {
			ceil = math.Max(ceil, b.High)
		}
		for _, b := range recent {
			if b.High > ceil {
				rng := b.High - b.Low
				follow := 0.0
				if rng > 0 {
					follow = (b.High - b.Close) / rng
				}
				if b.Close < ceil-buffer && follow >= 0.55 {
					return 1, follow
				}
				return 0, follow
			}
		}
	}
	return -1, 0
}

func evalLiquiditySweep(c *evalCtx) layerOut {
	res, follow := c.sweepResult()
	m := map[string]float64{"followThrough": follow}
	switch res {
	case 1:
		return pass("liquidity sweep with acceptance").with(m)
	case 0:
		return fail("sweep without acceptance").with(m)
	default:
		return skip("no liquidity sweep detected")
	}
}

// fvgNear reports whether a fair value gap in the trade direction sits within
// one ATR of the current price.
func (c *evalCtx) fvgNear() (bool, bool) {
	bars := c.in.BarsByTimeframe[types.TimeframeM15]
	if len(bars) < 12 {
		return false, false
	}
	atr := c.atrPips * c.info.PipSize
	if atr <= 0 {
		atr = c.price * 0.002
	}
	window := bars[len(bars)-12:]
	for i := 2; i < len(window); i++ {
		if c.sig.Direction == types.DirectionBuy && window[i-2].High < window[i].Low {
			zoneTop := window[i].Low
			if math.Abs(c.price-zoneTop) <= atr {
				return true, true
			}
			return true, false
		}
		if c.sig.Direction == types.DirectionSell && window[i-2].Low > window[i].High {
			zoneBottom := window[i].High
			if math.Abs(c.price-zoneBottom) <= atr {
				return true, true
			}
			return true, false
		}
	}
	return false, false
}

func evalOrderBlockFVG(c *evalCtx) layerOut {
	found, near := c.fvgNear()
	if !found {
		return skip("no imbalance zone detected")
	}
	if near {
		return pass("entry inside imbalance zone")
	}
	return fail("imbalance zone too far from entry")
}

func evalLiquidityEvent(c *evalCtx) layerOut {
	bars := c.in.BarsByTimeframe[types.TimeframeM15]
	if len(bars) < 13 {
		return skip("insufficient bars for liquidity scan")
	}
	sweep, _ := c.sweepResult()
	fvg, _ := c.fvgNear()
	if sweep >= 0 || fvg {
		return pass("liquidity event present")
	}
	return fail("no preceding liquidity event")
}

func evalDiscountPremium(c *evalCtx) layerOut {
	r := c.tech.DayRange
	if r.High <= r.Low {
		r = c.tech.WeekRange
	}
	pos, ok := rangePosition(c.price, r)
	if !ok {
		return skip("no range for discount/premium")
	}
	m := map[string]float64{"rangePos": pos}
	if c.sig.Direction == types.DirectionBuy && pos > 0.5 {
		return fail("buying in premium").with(m)
	}
	if c.sig.Direction == types.DirectionSell && pos < 0.5 {
		return fail("selling in discount").with(m)
	}
	return pass("confirmed discount/premium entry").with(m)
}

func evalLiquidityPoolTarget(c *evalCtx) layerOut {
	if c.sig.Entry == nil || c.info.PipSize == 0 {
		return skip("no entry plan")
	}
	r := c.tech.DayRange
	if r.High <= r.Low {
		return skip("no range for pool distance")
	}
	var poolPips float64
	if c.sig.Direction == types.DirectionBuy {
		poolPips = (r.High - c.price) / c.info.PipSize
	} else {
		poolPips = (c.price - r.Low) / c.info.PipSize
	}
	if poolPips <= 0 {
		return skip("price beyond range extreme")
	}
	ratio := c.tpPips / poolPips
	m := map[string]float64{"tpToPool": ratio, "poolPips": poolPips}
	if ratio < c.scfg.MinTPFractionToLiquidity {
		return fail(fmt.Sprintf("TP captures %.0f%% of pool distance", ratio*100)).with(m)
	}
	return pass("target aligned with liquidity pool").with(m)
}

// ---- timing and narrative layers ----

func evalSignalTTL(c *evalCtx) layerOut {
	if c.sig.Timestamp.IsZero() {
		return skip("no signal timestamp")
	}
	ttlMin := c.scfg.SetupTTLMinutesFX
	if c.class == types.AssetCrypto {
		ttlMin = c.scfg.SetupTTLMinutesCrypto
	}
	ageMin := c.now.Sub(c.sig.Timestamp).Minutes()
	m := map[string]float64{"ageMinutes": ageMin, "ttlMinutes": ttlMin}
	if ttlMin > 0 && ageMin > ttlMin {
		return fail(fmt.Sprintf("setup aged %.0f min past %.0f min TTL", ageMin, ttlMin)).with(m)
	}
	return pass("setup within TTL").with(m)
}

func evalHTFNarrative(c *evalCtx) layerOut {
	d1, okD1 := c.tfDirection(types.TimeframeD1)
	trend := c.tech.Structure.Trend
	if !okD1 && trend == "" {
		return skip("no narrative inputs")
	}
	dir := c.sig.Direction
	trendDir := types.DirectionNeutral
	switch trend {
	case "up":
		trendDir = types.DirectionBuy
	case "down":
		trendDir = types.DirectionSell
	}
	if okD1 && opposes(dir, d1) && opposes(dir, trendDir) {
		return fail("trading against the HTF narrative")
	}
	if trendDir == dir {
		return pass("continuation narrative")
	}
	return pass("pullback narrative")
}

func evalPhaseTiming(c *evalCtx) layerOut {
	bars := c.in.BarsByTimeframe[types.TimeframeM15]
	if len(bars) < 5 || c.info.PipSize == 0 || c.atrPips <= 0 {
		return skip("insufficient bars for phase timing")
	}
	last4 := bars[len(bars)-4:]
	movedPips := math.Abs(last4[3].Close-last4[0].Open) / c.info.PipSize
	m := map[string]float64{"recentMovePips": movedPips, "atrPips": c.atrPips}
	directional := last4[3].Close > last4[0].Open
	chasing := (c.sig.Direction == types.DirectionBuy && directional) ||
		(c.sig.Direction == types.DirectionSell && !directional)
	if chasing && movedPips > 1.2*c.atrPips {
		return fail("entering late after extended move").with(m)
	}
	return pass("entry timing acceptable").with(m)
}

func evalBreakoutConfirmation(c *evalCtx) layerOut {
	cr := c.in.Candle
	if cr == nil {
		return skip("no candle report")
	}
	wantNear := "high"
	wantTrend := "up"
	if c.sig.Direction == types.DirectionSell {
		wantNear, wantTrend = "low", "down"
	}
	if cr.Decisive && cr.CloseNear == wantNear && c.tech.Structure.Trend == wantTrend {
		return pass("confirmed breakout candle")
	}
	return skip("no breakout confirmation")
}

// ---- composite smart layers ----

func (c *evalCtx) psychologyScore() float64 {
	s := 40 + c.sig.Confidence*0.25 + c.sig.Strength*0.15 +
		c.tech.Structure.CleanScore*0.15 - c.spreadToAtr*60
	return clampF(s, 0, 100)
}

func (c *evalCtx) validationScore() float64 {
	s := 25 + c.sig.Confidence*0.45 + c.sig.Strength*0.30 + c.sig.EstimatedWinRate*0.25
	return clampF(s, 0, 100)
}

func (c *evalCtx) contextScore() float64 {
	s := 50.0
	if c.session == sessionLondon || c.session == sessionNewYork {
		s += 15
	}
	if c.in.Quality != nil {
		s += c.in.Quality.Score * 0.2
	} else {
		s += 10
	}
	switch c.tech.Volatility.State {
	case "normal", "calm":
		s += 10
	}
	return clampF(s, 0, 100)
}

func evalPsychology(c *evalCtx) layerOut {
	s := c.psychologyScore()
	m := map[string]float64{"psychologyScore": s}
	if s < 60 {
		return fail(fmt.Sprintf("psychology score %.0f below 60", s)).with(m)
	}
	return pass("psychology supportive").with(m)
}

func evalValidationScore(c *evalCtx) layerOut {
	s := c.validationScore()
	m := map[string]float64{"validationScore": s}
	if s < 90 {
		return fail(fmt.Sprintf("validation score %.0f below 90", s)).with(m)
	}
	return pass("validation score met").with(m)
}

func evalContextScore(c *evalCtx) layerOut {
	s := c.contextScore()
	m := map[string]float64{"contextScore": s}
	if s < 70 {
		return fail(fmt.Sprintf("context score %.0f below 70", s)).with(m)
	}
	return pass("context supportive").with(m)
}

func evalKillerQuestion(c *evalCtx) layerOut {
	s := 0.4*c.validationScore() + 0.3*c.contextScore() + 0.3*c.psychologyScore()
	m := map[string]float64{"killerScore": s}
	if s < 90 {
		return fail(fmt.Sprintf("killer-question score %.0f below 90", s)).with(m)
	}
	return pass("killer question answered").with(m)
}

// conflictSet is inspected by the cross-layer conflict check; two or more
// FAILs among these indicate an unstable setup even if the score survives.
var conflictSet = []string{
	"session_authority", "failure_cost", "event_risk_governor",
	"slippage_risk", "volatility_tradeability",
}

func evalCrossLayerConflicts(c *evalCtx) layerOut {
	fails := 0
	for _, id := range conflictSet {
		if c.results[id] == types.LayerFail {
			fails++
		}
	}
	m := map[string]float64{"conflictingFails": float64(fails)}
	if fails >= 2 {
		return fail("multiple risk layers in conflict").with(m)
	}
	return pass("no cross-layer conflicts").with(m)
}

// ---- data layers ----

func evalDataQualitySoft(c *evalCtx) layerOut {
	q := c.in.Quality
	if q == nil {
		return skip("no quality report")
	}
	m := map[string]float64{"qualityScore": q.Score}
	if q.Score < 55 {
		return fail(fmt.Sprintf("quality score %.0f", q.Score)).with(m)
	}
	return pass("data quality acceptable").with(m)
}

func evalQuoteIntegrity(c *evalCtx) layerOut {
	md := c.sig.Components.MarketData
	if md.Bid == 0 && md.Ask == 0 {
		return skip("no quote attached")
	}
	if md.Bid <= 0 || md.Ask <= md.Bid {
		return fail("inverted or zero quote")
	}
	return pass("quote integrity ok")
}

func evalTradingWindowLayer(c *evalCtx) layerOut {
	if !c.cfg.EnforceTradingWindows || c.class != types.AssetForex {
		return skip("trading windows not enforced")
	}
	if c.inTradingWindow() {
		return pass("inside trading window")
	}
	return fail("outside configured trading window")
}

func evalMarketDataFreshSoft(c *evalCtx) layerOut {
	md := c.sig.Components.MarketData
	if md.Timestamp.IsZero() && md.QuoteAgeMs == 0 {
		return skip("no quote freshness data")
	}
	ageMs := md.QuoteAgeMs
	if ageMs == 0 {
		ageMs = float64(c.now.Sub(md.Timestamp).Milliseconds())
	}
	m := map[string]float64{"quoteAgeMs": ageMs}
	if ageMs > 120_000 {
		return fail("quote older than 2 minutes").with(m)
	}
	return pass("quote fresh").with(m)
}

func evalSpreadEfficiencySoft(c *evalCtx) layerOut {
	if c.spreadPips <= 0 || c.atrPips <= 0 {
		return skip("no spread or ATR data")
	}
	eff := c.spreadEfficiency()
	m := map[string]float64{"spreadEfficiency": eff}
	if eff < 0.35 {
		return fail(fmt.Sprintf("spread efficiency %.2f", eff)).with(m)
	}
	return pass("spread efficient").with(m)
}

func evalRiskSizingReady(c *evalCtx) layerOut {
	rm := c.sig.RiskManagement
	if rm == nil {
		return skip("sizing not yet computed")
	}
	if !rm.CanTrade {
		return fail("risk engine vetoed sizing: " + rm.Reason)
	}
	return pass("sizing ready")
}

func (c *evalCtx) m15Volumes() []float64 {
	bars := c.in.BarsByTimeframe[types.TimeframeM15]
	var vols []float64
	for _, b := range bars {
		if b.Volume > 0 {
			vols = append(vols, b.Volume)
		}
	}
	return vols
}

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
