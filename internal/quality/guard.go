// Package quality scores per-pair market data health across timeframes,
// assesses spreads and weekend gaps, and drives the per-pair circuit breaker.
package quality

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

// spikeThresholdPct is the max allowed close-to-close move per timeframe.
var spikeThresholdPct = map[types.Timeframe]float64{
	types.TimeframeM1:  2.4,
	types.TimeframeM5:  2.0,
	types.TimeframeM15: 1.7,
	types.TimeframeM30: 1.5,
	types.TimeframeH1:  1.3,
	types.TimeframeH4:  1.0,
	types.TimeframeD1:  0.6,
	types.TimeframeW1:  0.6,
}

// spreadBand holds warn/block pips per pair category.
type spreadBand struct{ warn, block float64 }

var spreadBands = map[string]spreadBand{
	"majors":  {2.5, 4.5},
	"yen":     {3.0, 5.5},
	"minors":  {3.5, 6.0},
	"crosses": {4.0, 7.0},
	"metals":  {35, 60},
	"crypto":  {40, 90},
	"other":   {5.0, 9.0},
}

// weekend gap pips grading
const (
	gapMinorPips    = 5.0
	gapElevatedPips = 12.0
	gapCriticalPips = 20.0
)

// BarSource supplies bars and quotes; the market data bridge satisfies it.
type BarSource interface {
	GetBarsAscending(broker, symbol string, tf types.Timeframe, limit int) []types.Bar
	GetQuote(broker, symbol string) (types.Quote, bool)
}

// MetricSink receives finished reports for persistence.
type MetricSink interface {
	RecordQualityReport(report types.QualityReport) error
}

// Config tunes the guard. Zero values fall back to defaults.
type Config struct {
	DefaultTimeframes      []types.Timeframe `json:"defaultTimeframes"`
	DefaultBars            int               `json:"defaultBars"`
	CircuitBreakerDuration time.Duration     `json:"circuitBreakerDurationMs"`
	AutoReenable           bool              `json:"autoReenable"`
	AutoReenableMinScore   float64           `json:"autoReenableMinScore"`
	AutoReenableMinHealthy int               `json:"autoReenableMinHealthyCount"`
	AutoReenableWindow     time.Duration     `json:"autoReenableWindowMs"`
}

// DefaultConfig returns the guard defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeframes:      []types.Timeframe{types.TimeframeM15, types.TimeframeH1, types.TimeframeH4},
		DefaultBars:            240,
		CircuitBreakerDuration: 10 * time.Minute,
		AutoReenable:           true,
		AutoReenableMinScore:   78,
		AutoReenableMinHealthy: 2,
		AutoReenableWindow:     4 * time.Minute,
	}
}

// AssessOptions shapes one assessment.
type AssessOptions struct {
	Broker             string
	Timeframes         []types.Timeframe
	Bars               int
	AllowSyntheticData bool
	SyntheticContext   string
	SpreadPips         float64 // > 0 overrides the quote-derived spread
}

type healthyStreak struct {
	count int
	since time.Time
}

// Guard is the per-pair data quality assessor and breaker owner.
type Guard struct {
	mu       sync.RWMutex
	cfg      Config
	logger   *zap.Logger
	source   BarSource
	catalog  *catalog.Catalog
	bus      *events.Bus
	sink     MetricSink
	breakers map[string]types.CircuitBreakerEntry
	streaks  map[string]*healthyStreak
	now      func() time.Time
}

// New builds the guard. sink may be nil.
func New(cfg Config, source BarSource, cat *catalog.Catalog, bus *events.Bus, sink MetricSink, logger *zap.Logger) *Guard {
	if len(cfg.DefaultTimeframes) == 0 {
		cfg.DefaultTimeframes = DefaultConfig().DefaultTimeframes
	}
	if cfg.DefaultBars <= 0 {
		cfg.DefaultBars = 240
	}
	if cfg.CircuitBreakerDuration <= 0 {
		cfg.CircuitBreakerDuration = 10 * time.Minute
	}
	return &Guard{
		cfg:      cfg,
		logger:   logger.Named("quality"),
		source:   source,
		catalog:  cat,
		bus:      bus,
		sink:     sink,
		breakers: make(map[string]types.CircuitBreakerEntry),
		streaks:  make(map[string]*healthyStreak),
		now:      time.Now,
	}
}

// Assess produces the quality report for pair and updates breaker state.
func (g *Guard) Assess(pair string, opts AssessOptions) types.QualityReport {
	now := g.now()
	tfs := opts.Timeframes
	if len(tfs) == 0 {
		tfs = g.cfg.DefaultTimeframes
	}
	barCount := opts.Bars
	if barCount <= 0 {
		barCount = g.cfg.DefaultBars
	}
	info, _ := g.catalog.Lookup(pair)

	report := types.QualityReport{
		Pair:             pair,
		AssessedAt:       now,
		TimeframeReports: make(map[types.Timeframe]types.TimeframeReport, len(tfs)),
		SyntheticRelaxed: opts.AllowSyntheticData,
		SyntheticContext: opts.SyntheticContext,
		WeekendGap:       types.WeekendGapAssessment{Severity: types.GapNone},
	}

	total := 0.0
	counted := 0
	for _, tf := range tfs {
		bars := g.source.GetBarsAscending(opts.Broker, pair, tf, barCount)
		tr, gap := g.assessTimeframe(pair, tf, bars, opts.AllowSyntheticData, now)
		report.TimeframeReports[tf] = tr
		total += tr.Score
		counted++
		if severityRank(gap.Severity) > severityRank(report.WeekendGap.Severity) ||
			(gap.Severity == report.WeekendGap.Severity && gap.MaxPips > report.WeekendGap.MaxPips) {
			report.WeekendGap = gap
		}
		if tr.SpikeCount > 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %d price spikes", tf, tr.SpikeCount))
		}
		if tr.GapCount > 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %d time gaps", tf, tr.GapCount))
		}
		if tr.Stale {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: stale data", tf))
		}
		if tr.SanityFailed {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: price sanity failed", tf))
		}
	}
	score := 100.0
	if counted > 0 {
		score = total / float64(counted)
	}

	report.Spread = g.assessSpread(opts.Broker, pair, info, opts.SpreadPips)
	switch report.Spread.Status {
	case "elevated":
		score -= 8
		report.Issues = append(report.Issues, "spread elevated")
	case "critical":
		score -= 18
		report.Issues = append(report.Issues, "spread critical")
	}
	if opts.AllowSyntheticData {
		score += 8
	}
	score = clamp(score, 0, 100)
	report.Score = score

	switch {
	case score >= 75:
		report.Status = types.QualityHealthy
	case score >= 55:
		report.Status = types.QualityDegraded
	default:
		report.Status = types.QualityCritical
	}

	report.Recommendation = g.recommend(report)
	report.ConfidenceFloor = confidenceFloor(report)

	g.updateBreakerState(&report, now)
	g.updateStreak(&report, now)

	if g.sink != nil {
		if err := g.sink.RecordQualityReport(report); err != nil {
			g.logger.Warn("quality report sink failed", zap.String("pair", pair), zap.Error(err))
		}
	}
	return report
}

func (g *Guard) recommend(r types.QualityReport) types.QualityRecommendation {
	blockWorthy := r.Status == types.QualityCritical || r.Spread.Status == "critical" ||
		r.WeekendGap.Severity == types.GapCritical
	switch {
	case blockWorthy && r.Spread.Status == "critical":
		return types.RecommendBlock
	case blockWorthy && r.SyntheticRelaxed:
		// relaxed synthetic data never blocks on its own
		return types.RecommendMonitor
	case blockWorthy:
		return types.RecommendBlock
	case r.Status == types.QualityDegraded || r.Spread.Status == "elevated" ||
		r.WeekendGap.Severity == types.GapElevated:
		return types.RecommendCaution
	default:
		return types.RecommendProceed
	}
}

// confidenceFloor maps spread and gap severity to the minimum confidence a
// signal must clear before execution.
func confidenceFloor(r types.QualityReport) float64 {
	floor := 50.0
	if r.SyntheticRelaxed {
		floor = math.Max(floor, 60)
	}
	switch r.Spread.Status {
	case "critical":
		floor = math.Max(floor, 65)
	case "elevated":
		floor = math.Max(floor, 55)
	}
	switch r.WeekendGap.Severity {
	case types.GapCritical:
		floor = math.Max(floor, 62)
	case types.GapElevated:
		floor = math.Max(floor, 52)
	}
	return floor
}

func (g *Guard) assessTimeframe(pair string, tf types.Timeframe, bars []types.Bar, relaxed bool, now time.Time) (types.TimeframeReport, types.WeekendGapAssessment) {
	tr := types.TimeframeReport{Timeframe: tf, Bars: len(bars), Score: 100}
	gap := types.WeekendGapAssessment{Severity: types.GapNone}
	if len(bars) == 0 {
		tr.Score = 0
		tr.Stale = true
		return tr, gap
	}

	expected := tf.Duration()
	spikeLimit := spikeThresholdPct[tf]
	if spikeLimit == 0 {
		spikeLimit = 1.5
	}
	pip := g.catalog.PipSize(pair)
	if pip <= 0 {
		pip = 0.0001
	}

	var maxWeekendPips float64
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		if prev.Close > 0 {
			movePct := math.Abs(cur.Close-prev.Close) / prev.Close * 100
			if movePct > spikeLimit {
				tr.SpikeCount++
			}
		}
		dt := cur.Time.Sub(prev.Time)
		if dt >= 6*expected && likelyWeekend(prev.Time, cur.Time) {
			pips := math.Abs(cur.Open-prev.Close) / pip
			if pips > maxWeekendPips {
				maxWeekendPips = pips
			}
			continue // weekend gaps are graded separately, not as feed gaps
		}
		if dt > time.Duration(1.75*float64(expected)) {
			tr.GapCount++
		} else if math.Abs(float64(dt-expected)) > 0.2*float64(expected) {
			tr.Misaligned++
		}
	}

	if maxWeekendPips > 0 {
		gap.MaxPips = maxWeekendPips
		switch {
		case maxWeekendPips >= gapCriticalPips:
			gap.Severity = types.GapCritical
		case maxWeekendPips >= gapElevatedPips:
			gap.Severity = types.GapElevated
		case maxWeekendPips >= gapMinorPips:
			gap.Severity = types.GapMinor
		}
	}

	latestAge := now.Sub(bars[len(bars)-1].Time)
	tr.LatestBarAge = float64(latestAge.Milliseconds())
	tr.Stale = latestAge > 3*expected
	tr.SanityFailed = !priceSane(bars)

	// penalties
	spikePenalty := math.Min(35, float64(tr.SpikeCount)*7)
	gapPenalty := math.Min(40, float64(tr.GapCount)*8)
	misalignPenalty := math.Min(15, float64(tr.Misaligned)*3)
	stalePenalty := 0.0
	if tr.Stale {
		stalePenalty = 20
		if relaxed {
			stalePenalty = 8
		}
	}
	sanityPenalty := 0.0
	if tr.SanityFailed {
		sanityPenalty = 15
	}
	if relaxed {
		gapPenalty *= 0.35
		misalignPenalty *= 0.3
	}
	tr.Score = clamp(100-spikePenalty-gapPenalty-misalignPenalty-stalePenalty-sanityPenalty, 0, 100)
	return tr, gap
}

// likelyWeekend reports whether the interval between two bar times matches the
// Friday-close to Sunday/Monday-open pattern in UTC.
func likelyWeekend(prev, cur time.Time) bool {
	pd := prev.UTC().Weekday()
	cd := cur.UTC().Weekday()
	prevEnd := pd == time.Friday || pd == time.Saturday
	curStart := cd == time.Sunday || cd == time.Monday
	return prevEnd && curStart
}

func priceSane(bars []types.Bar) bool {
	for _, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return false
		}
		if b.High < b.Low || b.Close > b.High*1.0001 || b.Close < b.Low*0.9999 {
			return false
		}
	}
	return true
}

func (g *Guard) assessSpread(broker, pair string, info catalog.PairInfo, overridePips float64) types.SpreadAssessment {
	band := g.spreadBandFor(info)
	sa := types.SpreadAssessment{Status: "normal"}

	pips := overridePips
	provider := "override"
	var ts time.Time
	if pips <= 0 {
		q, ok := g.source.GetQuote(broker, pair)
		if !ok || q.Ask <= 0 || q.Bid <= 0 {
			return sa
		}
		pip := info.PipSize
		if pip <= 0 {
			pip = 0.0001
		}
		pips = (q.Ask - q.Bid) / pip
		provider = q.Broker
		ts = q.Timestamp
	}
	sa.Pips = pips
	sa.Provider = provider
	sa.Timestamp = ts
	switch {
	case pips >= band.block:
		sa.Status = "critical"
	case pips >= band.warn:
		sa.Status = "elevated"
	}
	return sa
}

func (g *Guard) spreadBandFor(info catalog.PairInfo) spreadBand {
	switch info.AssetClass {
	case catalog.ClassMetals:
		return spreadBands["metals"]
	case catalog.ClassCrypto:
		return spreadBands["crypto"]
	case catalog.ClassForex:
		switch {
		case info.Quote == "JPY" || info.Base == "JPY":
			return spreadBands["yen"]
		case info.Quote == "USD" && isMajorBase(info.Base), info.Base == "USD" && isMajorBase(info.Quote):
			return spreadBands["majors"]
		case info.Base != "USD" && info.Quote != "USD":
			return spreadBands["crosses"]
		default:
			return spreadBands["minors"]
		}
	default:
		return spreadBands["other"]
	}
}

func isMajorBase(c string) bool {
	switch c {
	case "EUR", "GBP", "CHF", "AUD", "NZD", "CAD", "JPY", "USD":
		return true
	}
	return false
}

func severityRank(s types.GapSeverity) int {
	switch s {
	case types.GapCritical:
		return 3
	case types.GapElevated:
		return 2
	case types.GapMinor:
		return 1
	default:
		return 0
	}
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
