// Package filters holds the post-gate secondary reviewers: a historical
// replay validator and a regime-alignment filter. Both can demote an ENTER
// decision to WAIT_MONITOR, never upgrade one.
package filters

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/pkg/types"
)

// BarLookup fetches recent ascending bars for a pair. Wired to the bridge at
// startup; nil or empty results disable the filter for that signal.
type BarLookup func(pair string) []types.Bar

const (
	replayMinSamples = 12
	replayHorizon    = 12
	replayMinWinRate = 0.40
	replayATRPeriod  = 14
	replayStopATR    = 1.5
	replayTargetATR  = 2.25
	trendWindow      = 48
	counterTrendBand = 0.35
	chopAutocorrBand = -0.30
	confidenceWaiver = 70.0
)

// BacktestValidator replays the signal's direction over recent history: each
// sample enters at a past close with ATR-derived stop and target and walks
// forward until one side is hit. A poor hit rate demotes the decision.
type BacktestValidator struct {
	lookup     BarLookup
	minWinRate float64
	logger     *zap.Logger
}

func NewBacktestValidator(lookup BarLookup, logger *zap.Logger) *BacktestValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacktestValidator{
		lookup:     lookup,
		minWinRate: replayMinWinRate,
		logger:     logger.Named("backtest_validator"),
	}
}

func (v *BacktestValidator) Name() string { return "backtest_validator" }

func (v *BacktestValidator) Review(sig *types.Signal) (bool, string) {
	if sig.Direction == types.DirectionNeutral || v.lookup == nil {
		return false, ""
	}
	bars := v.lookup(sig.Pair)
	need := replayATRPeriod + replayMinSamples + replayHorizon + 1
	if len(bars) < need {
		return false, ""
	}

	atr := averageTrueRange(bars, replayATRPeriod)
	if atr <= 0 {
		return false, ""
	}

	wins, samples := 0, 0
	first := replayATRPeriod
	last := len(bars) - replayHorizon - 1
	for i := first; i <= last; i++ {
		outcome, decided := replayEntry(bars, i, sig.Direction, atr)
		if !decided {
			continue
		}
		samples++
		if outcome {
			wins++
		}
	}
	if samples < replayMinSamples {
		return false, ""
	}

	winRate := float64(wins) / float64(samples)
	if winRate >= v.minWinRate {
		return false, ""
	}
	v.logger.Debug("historical replay demotion",
		zap.String("pair", sig.Pair),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("winRate", winRate),
		zap.Int("samples", samples))
	return true, fmt.Sprintf("historical replay win rate %.0f%% over %d samples below %.0f%%",
		winRate*100, samples, v.minWinRate*100)
}

// replayEntry walks forward from bars[i] until stop or target is hit. A bar
// touching both sides counts as a loss. Undecided windows are skipped.
func replayEntry(bars []types.Bar, i int, dir types.Direction, atr float64) (win, decided bool) {
	entry := bars[i].Close
	var stop, target float64
	if dir == types.DirectionBuy {
		stop = entry - replayStopATR*atr
		target = entry + replayTargetATR*atr
	} else {
		stop = entry + replayStopATR*atr
		target = entry - replayTargetATR*atr
	}

	for j := i + 1; j <= i+replayHorizon && j < len(bars); j++ {
		b := bars[j]
		if dir == types.DirectionBuy {
			hitStop := b.Low <= stop
			hitTarget := b.High >= target
			if hitStop {
				return false, true
			}
			if hitTarget {
				return true, true
			}
		} else {
			hitStop := b.High >= stop
			hitTarget := b.Low <= target
			if hitStop {
				return false, true
			}
			if hitTarget {
				return true, true
			}
		}
	}
	return false, false
}

func averageTrueRange(bars []types.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	sum := 0.0
	start := len(bars) - period
	for i := start; i < len(bars); i++ {
		tr := bars[i].High - bars[i].Low
		if prev := bars[i-1].Close; prev > 0 {
			tr = math.Max(tr, math.Abs(bars[i].High-prev))
			tr = math.Max(tr, math.Abs(bars[i].Low-prev))
		}
		sum += tr
	}
	return sum / float64(period)
}

// RegimeFilter scores the recent return series for trend direction and
// choppiness. Counter-trend entries and low-confidence entries into a
// mean-reverting chop are demoted; high confidence waives the trend check.
type RegimeFilter struct {
	lookup BarLookup
	logger *zap.Logger
}

func NewRegimeFilter(lookup BarLookup, logger *zap.Logger) *RegimeFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegimeFilter{lookup: lookup, logger: logger.Named("regime_filter")}
}

func (f *RegimeFilter) Name() string { return "advanced_signal_filter" }

func (f *RegimeFilter) Review(sig *types.Signal) (bool, string) {
	if sig.Direction == types.DirectionNeutral || f.lookup == nil {
		return false, ""
	}
	bars := f.lookup(sig.Pair)
	returns := closeReturns(bars, trendWindow)
	if len(returns) < trendWindow/2 {
		return false, ""
	}

	trend := trendScore(returns)
	autocorr := lag1Autocorr(returns)

	counterTrend := (sig.Direction == types.DirectionBuy && trend < -counterTrendBand) ||
		(sig.Direction == types.DirectionSell && trend > counterTrendBand)
	if counterTrend && sig.Confidence < confidenceWaiver {
		return true, fmt.Sprintf("%s entry against prevailing trend (trend score %.2f)",
			sig.Direction, trend)
	}
	if autocorr < chopAutocorrBand && math.Abs(trend) < counterTrendBand &&
		sig.Confidence < confidenceWaiver {
		return true, fmt.Sprintf("mean-reverting chop regime (autocorrelation %.2f, trend score %.2f)",
			autocorr, trend)
	}
	return false, ""
}

func closeReturns(bars []types.Bar, window int) []float64 {
	if len(bars) < 2 {
		return nil
	}
	start := len(bars) - window - 1
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(bars)-start-1)
	for i := start + 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		out = append(out, (bars[i].Close-prev)/prev)
	}
	return out
}

// trendScore is the return sum normalized by volatility, clamped to [-1, 1].
func trendScore(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	vol := stdDev(returns)
	if vol == 0 {
		return 0
	}
	t := sum / (vol * math.Sqrt(float64(len(returns))))
	return math.Max(-1, math.Min(1, t))
}

func stdDev(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)-1))
}

// lag1Autocorr is negative for mean-reverting series.
func lag1Autocorr(returns []float64) float64 {
	n := len(returns)
	if n < 3 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	autocov, variance := 0.0, 0.0
	for i := 1; i < n; i++ {
		autocov += (returns[i] - mean) * (returns[i-1] - mean)
		variance += (returns[i] - mean) * (returns[i] - mean)
	}
	if variance == 0 {
		return 0
	}
	return autocov / variance
}
