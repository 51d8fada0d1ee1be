package analyzers

import (
	"context"
	"fmt"
	"math"

	"github.com/fluxtrade/engine/pkg/types"
)

// CandleEngine implements CandleAnalyzer over EA bars. It prefers the M15
// series and falls back to whatever timeframe carries the most bars.
type CandleEngine struct{}

// NewCandleEngine returns the default candle analyzer.
func NewCandleEngine() *CandleEngine { return &CandleEngine{} }

// AnalyzeCandles computes momentum, volatility, and structure from the best
// available bar series in mc.
func (e *CandleEngine) AnalyzeCandles(_ context.Context, mc MarketContext) (CandleReport, error) {
	bars := pickSeries(mc.BarsByTimeframe)
	if len(bars) < 15 {
		return CandleReport{}, types.WrapError(types.ErrorAnalyzer,
			fmt.Errorf("insufficient bars for candle analysis: %d", len(bars)))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	rsi := RSI(closes, 14)
	macd := MACDHistogram(closes)
	atr := ATR(bars, 14)
	price := closes[len(closes)-1]

	rep := CandleReport{}
	rep.Momentum = momentumFrom(rsi, macd)
	rep.Volatility = volatilityFrom(atr, price)
	rep.Structure = structureFrom(bars)

	last := bars[len(bars)-1]
	fullRange := last.High - last.Low
	if fullRange > 0 {
		rep.BodyRatio = math.Abs(last.Close-last.Open) / fullRange
		edge := 0.25 * fullRange
		switch {
		case last.High-last.Close <= edge:
			rep.CloseNear = "high"
		case last.Close-last.Low <= edge:
			rep.CloseNear = "low"
		default:
			rep.CloseNear = "middle"
		}
	}
	rep.Decisive = rep.BodyRatio >= 0.55 && rep.CloseNear != "middle"
	return rep, nil
}

func pickSeries(byTF map[types.Timeframe][]types.Bar) []types.Bar {
	if bars, ok := byTF[types.TimeframeM15]; ok && len(bars) >= 15 {
		return bars
	}
	var best []types.Bar
	for _, bars := range byTF {
		if len(bars) > len(best) {
			best = bars
		}
	}
	return best
}

func momentumFrom(rsi, macdHist float64) MomentumSummary {
	score := (rsi - 50) * 2 // -100..100
	dir := types.DirectionNeutral
	switch {
	case score > 8 && macdHist > 0:
		dir = types.DirectionBuy
	case score < -8 && macdHist < 0:
		dir = types.DirectionSell
	}
	return MomentumSummary{Score: score, RSI: rsi, MACDHist: macdHist, Direction: dir}
}

func volatilityFrom(atr, price float64) VolatilitySummary {
	vs := VolatilitySummary{State: "normal", ATR: atr}
	if price > 0 {
		vs.AverageScore = atr / price * 100
	}
	switch {
	case vs.AverageScore >= 2.2:
		vs.State = "extreme"
	case vs.AverageScore >= 1.2:
		vs.State = "volatile"
	case vs.AverageScore < 0.25:
		vs.State = "calm"
	}
	return vs
}

// structureFrom grades higher-high/higher-low progression over the last
// swings. Clean trends score high; overlapping chop scores low.
func structureFrom(bars []types.Bar) StructureSummary {
	n := len(bars)
	window := 30
	if n < window {
		window = n
	}
	recent := bars[n-window:]

	up, down := 0, 0
	for i := 1; i < len(recent); i++ {
		if recent[i].High > recent[i-1].High && recent[i].Low > recent[i-1].Low {
			up++
		} else if recent[i].High < recent[i-1].High && recent[i].Low < recent[i-1].Low {
			down++
		}
	}
	total := len(recent) - 1
	st := StructureSummary{Trend: "range"}
	if total == 0 {
		return st
	}
	upFrac := float64(up) / float64(total)
	downFrac := float64(down) / float64(total)
	switch {
	case upFrac >= 0.4 && upFrac > downFrac*1.5:
		st.Trend = "up"
		st.Strength = clamp01(upFrac/0.7) * 100
	case downFrac >= 0.4 && downFrac > upFrac*1.5:
		st.Trend = "down"
		st.Strength = clamp01(downFrac/0.7) * 100
	default:
		st.Strength = 25
	}
	// cleanliness penalizes bars that move against the dominant direction
	dominant := math.Max(upFrac, downFrac)
	st.CleanScore = clamp01(dominant+0.3) * 100
	return st
}

// RSI computes a Wilder-smoothed relative strength index over closes.
func RSI(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDHistogram computes the 12/26/9 MACD histogram at the last close.
func MACDHistogram(closes []float64) float64 {
	if len(closes) < 35 {
		return 0
	}
	fast := emaSeries(closes, 12)
	slow := emaSeries(closes, 26)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	signal := emaSeries(macd, 9)
	return macd[len(macd)-1] - signal[len(signal)-1]
}

func emaSeries(vals []float64, period int) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = vals[0]
	for i := 1; i < len(vals); i++ {
		out[i] = vals[i]*k + out[i-1]*(1-k)
	}
	return out
}

// ATR computes a Wilder average true range over bars.
func ATR(bars []types.Bar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		h, l, pc := bars[i].High, bars[i].Low, bars[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		trs = append(trs, tr)
	}
	if len(trs) < period {
		sum := 0.0
		for _, tr := range trs {
			sum += tr
		}
		return sum / float64(len(trs))
	}
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
