// Package analyzers defines the pluggable analysis contracts and the typed
// reports they produce, plus the candle-derived aggregation used on EA data.
package analyzers

import (
	"github.com/fluxtrade/engine/pkg/types"
)

// MarketContext is the input handed to analyzers for one pair.
type MarketContext struct {
	Broker          string
	Pair            string
	Quote           *types.Quote
	BarsByTimeframe map[types.Timeframe][]types.Bar
	Snapshot        *types.Snapshot
	News            []types.NewsEvent
}

// LatestPrice picks the best available price: quote mid, then snapshot candle,
// then the newest bar close.
func (mc MarketContext) LatestPrice() float64 {
	if mc.Quote != nil {
		if mid := mc.Quote.Mid(); mid > 0 {
			return mid
		}
	}
	if mc.Snapshot != nil && mc.Snapshot.LastCandle != nil && mc.Snapshot.LastCandle.Close > 0 {
		return mc.Snapshot.LastCandle.Close
	}
	var best types.Bar
	for _, bars := range mc.BarsByTimeframe {
		if n := len(bars); n > 0 && bars[n-1].Time.After(best.Time) {
			best = bars[n-1]
		}
	}
	return best.Close
}

// EconomicReport is the macro analysis output. Score is signed -100..100;
// positive favors the base currency.
type EconomicReport struct {
	Score      float64   `json:"score"`
	Bias       types.Direction `json:"bias"`
	Confidence float64   `json:"confidence"`
	Factors    []string  `json:"factors,omitempty"`
	Neutral    bool      `json:"neutral,omitempty"`
}

// NewsReport summarizes calendar and headline pressure around the pair.
type NewsReport struct {
	Score          float64         `json:"score"`
	Bias           types.Direction `json:"bias"`
	Confidence     float64         `json:"confidence"`
	HighImpactSoon bool            `json:"highImpactSoon"`
	UpcomingEvents int             `json:"upcomingEvents"`
	ImpactSum      float64         `json:"impactSum"`
	Neutral        bool            `json:"neutral,omitempty"`
}

// MomentumSummary aggregates momentum indicators.
type MomentumSummary struct {
	Score     float64         `json:"score"` // signed -100..100
	RSI       float64         `json:"rsi"`
	MACDHist  float64         `json:"macdHist"`
	Direction types.Direction `json:"direction"`
}

// VolatilitySummary classifies current volatility.
type VolatilitySummary struct {
	State        string  `json:"state"` // calm | normal | volatile | extreme
	AverageScore float64 `json:"averageScore"` // ATR as % of price
	ATR          float64 `json:"atr"`
}

// StructureSummary grades trend structure quality.
type StructureSummary struct {
	Trend      string  `json:"trend"` // up | down | range
	Strength   float64 `json:"strength"`   // 0..100
	CleanScore float64 `json:"cleanScore"` // 0..100
}

// TechnicalReport is the technical analysis output consumed by the
// orchestrator and the decision gate.
type TechnicalReport struct {
	Direction        types.Direction                         `json:"direction"`
	Score            float64                                 `json:"score"` // signed -100..100
	Confidence       float64                                 `json:"confidence"`
	LatestPrice      float64                                 `json:"latestPrice"`
	PrimaryTimeframe types.Timeframe                         `json:"primaryTimeframe"`
	Timeframes       map[types.Timeframe]types.TimeframeIndicators `json:"timeframes,omitempty"`
	ATR              float64                                 `json:"atr"`
	ATRPips          float64                                 `json:"atrPips"`
	Momentum         MomentumSummary                         `json:"momentum"`
	Volatility       VolatilitySummary                       `json:"volatilitySummary"`
	Structure        StructureSummary                        `json:"structure"`
	DayRange         types.RangeLevels                       `json:"dayRange"`
	WeekRange        types.RangeLevels                       `json:"weekRange"`
	MonthRange       types.RangeLevels                       `json:"monthRange"`
	Pivots           types.PivotLevels                       `json:"pivots"`
	Synthetic        bool                                    `json:"synthetic,omitempty"`
	Neutral          bool                                    `json:"neutral,omitempty"`
}

// CandleReport is the candle-pattern view of the most recent bars.
type CandleReport struct {
	Momentum   MomentumSummary   `json:"momentum"`
	Volatility VolatilitySummary `json:"volatility"`
	Structure  StructureSummary  `json:"structure"`
	BodyRatio  float64           `json:"bodyRatio"` // body / full range of last candle
	CloseNear  string            `json:"closeNear"` // high | low | middle
	Decisive   bool              `json:"decisive"`
}

// NeutralEconomic is the scaffold used on analyzer failure or in EA-only mode.
func NeutralEconomic() EconomicReport {
	return EconomicReport{Bias: types.DirectionNeutral, Confidence: 30, Neutral: true}
}

// NeutralNews is the news scaffold.
func NeutralNews() NewsReport {
	return NewsReport{Bias: types.DirectionNeutral, Confidence: 30, Neutral: true}
}

// NeutralTechnical builds the technical scaffold anchored at price.
func NeutralTechnical(price float64) TechnicalReport {
	return TechnicalReport{
		Direction:        types.DirectionNeutral,
		Confidence:       30,
		LatestPrice:      price,
		PrimaryTimeframe: types.TimeframeH1,
		Volatility:       VolatilitySummary{State: "normal"},
		Structure:        StructureSummary{Trend: "range"},
		Neutral:          true,
	}
}
