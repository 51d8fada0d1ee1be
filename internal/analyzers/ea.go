package analyzers

import (
	"context"
	"math"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/pkg/types"
)

// timeframe weights for the direction vote; higher frames carry more weight.
var voteWeights = map[types.Timeframe]float64{
	types.TimeframeM15: 1.0,
	types.TimeframeM30: 1.2,
	types.TimeframeH1:  1.6,
	types.TimeframeH4:  2.2,
	types.TimeframeD1:  2.6,
	types.TimeframeW1:  1.4,
}

// BuildEATechnical assembles a TechnicalReport from EA bars and the agent
// snapshot. When bars are missing it returns a neutral scaffold anchored at
// the best available price.
func BuildEATechnical(ctx context.Context, mc MarketContext, cat *catalog.Catalog, candle CandleAnalyzer) TechnicalReport {
	price := mc.LatestPrice()
	bars := pickSeries(mc.BarsByTimeframe)
	if len(bars) < 15 {
		rep := NeutralTechnical(price)
		rep.Synthetic = true
		hydrateFromSnapshot(&rep, mc.Snapshot)
		return rep
	}

	rep := TechnicalReport{
		LatestPrice:      price,
		PrimaryTimeframe: primaryTimeframe(mc.BarsByTimeframe),
		Timeframes:       make(map[types.Timeframe]types.TimeframeIndicators),
	}

	cr, err := candle.AnalyzeCandles(ctx, mc)
	if err == nil {
		rep.Momentum = cr.Momentum
		rep.Volatility = cr.Volatility
		rep.Structure = cr.Structure
	} else {
		rep.Volatility = VolatilitySummary{State: "normal"}
		rep.Structure = StructureSummary{Trend: "range"}
	}

	// per-timeframe indicators from bars
	for tf, series := range mc.BarsByTimeframe {
		if len(series) < 15 {
			continue
		}
		closes := make([]float64, len(series))
		for i, b := range series {
			closes[i] = b.Close
		}
		ti := types.TimeframeIndicators{
			RSI:      RSI(closes, 14),
			MACDHist: MACDHistogram(closes),
			ATR:      ATR(series, 14),
		}
		switch {
		case ti.RSI > 55 && ti.MACDHist > 0:
			ti.Direction = string(types.DirectionBuy)
		case ti.RSI < 45 && ti.MACDHist < 0:
			ti.Direction = string(types.DirectionSell)
		default:
			ti.Direction = string(types.DirectionNeutral)
		}
		rep.Timeframes[tf] = ti
	}
	hydrateFromSnapshot(&rep, mc.Snapshot)

	// direction vote across timeframes
	var vote, weightSum float64
	for tf, ti := range rep.Timeframes {
		w := voteWeights[tf]
		if w == 0 {
			w = 1
		}
		weightSum += w
		switch types.Direction(ti.Direction) {
		case types.DirectionBuy:
			vote += w
		case types.DirectionSell:
			vote -= w
		}
	}
	score := rep.Momentum.Score * 0.5
	if weightSum > 0 {
		score += (vote / weightSum) * 100 * 0.5
	}
	rep.Score = clampF(score, -100, 100)
	switch {
	case rep.Score > 12:
		rep.Direction = types.DirectionBuy
	case rep.Score < -12:
		rep.Direction = types.DirectionSell
	default:
		rep.Direction = types.DirectionNeutral
	}
	rep.Confidence = clampF(35+math.Abs(rep.Score)*0.5+rep.Structure.Strength*0.15, 0, 100)

	if primary, ok := rep.Timeframes[rep.PrimaryTimeframe]; ok && primary.ATR > 0 {
		rep.ATR = primary.ATR
	} else {
		rep.ATR = rep.Volatility.ATR
	}
	pip := cat.PipSize(mc.Pair)
	if pip > 0 {
		rep.ATRPips = rep.ATR / pip
	}
	return rep
}

// hydrateFromSnapshot overlays agent-pushed indicator values and levels; the
// agent's numbers win over locally derived ones when both exist.
func hydrateFromSnapshot(rep *TechnicalReport, snap *types.Snapshot) {
	if snap == nil {
		return
	}
	if rep.Timeframes == nil {
		rep.Timeframes = make(map[types.Timeframe]types.TimeframeIndicators)
	}
	for tf, ti := range snap.Timeframes {
		cur := rep.Timeframes[tf]
		if ti.RSI > 0 {
			cur.RSI = ti.RSI
		}
		if ti.MACDHist != 0 {
			cur.MACDHist = ti.MACDHist
		}
		if ti.ATR > 0 {
			cur.ATR = ti.ATR
		}
		if ti.Direction != "" {
			cur.Direction = ti.Direction
		}
		cur.Score = ti.Score
		rep.Timeframes[tf] = cur
	}
	rep.DayRange = snap.DayRange
	rep.WeekRange = snap.WeekRange
	rep.MonthRange = snap.MonthRange
	rep.Pivots = snap.Pivots
}

// primaryTimeframe prefers H1 when populated, else the highest-resolution
// series with enough bars.
func primaryTimeframe(byTF map[types.Timeframe][]types.Bar) types.Timeframe {
	if len(byTF[types.TimeframeH1]) >= 15 {
		return types.TimeframeH1
	}
	order := []types.Timeframe{types.TimeframeM15, types.TimeframeM30, types.TimeframeH4, types.TimeframeD1, types.TimeframeM5, types.TimeframeM1}
	for _, tf := range order {
		if len(byTF[tf]) >= 15 {
			return tf
		}
	}
	return types.TimeframeH1
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
