package analyzers

import (
	"context"
	"math"
	"time"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/pkg/types"
)

// CalendarEconomicAnalyzer derives a macro bias from calendar events for the
// pair's currency legs. With no events it stays neutral.
type CalendarEconomicAnalyzer struct {
	catalog *catalog.Catalog
}

// NewCalendarEconomicAnalyzer builds the default economic analyzer.
func NewCalendarEconomicAnalyzer(cat *catalog.Catalog) *CalendarEconomicAnalyzer {
	return &CalendarEconomicAnalyzer{catalog: cat}
}

func (a *CalendarEconomicAnalyzer) AnalyzeEconomic(_ context.Context, mc MarketContext) (EconomicReport, error) {
	info, _ := a.catalog.Lookup(mc.Pair)
	rep := EconomicReport{Bias: types.DirectionNeutral, Confidence: 35}

	var baseWeight, quoteWeight float64
	for _, n := range mc.News {
		if n.Impact < 2 {
			continue
		}
		w := n.Impact * math.Max(0.2, n.Relevance)
		switch n.Currency {
		case info.Base:
			baseWeight += w
			rep.Factors = append(rep.Factors, n.Title)
		case info.Quote:
			quoteWeight += w
			rep.Factors = append(rep.Factors, n.Title)
		}
	}
	if baseWeight == 0 && quoteWeight == 0 {
		rep.Neutral = true
		return rep, nil
	}
	// heavier event load on one leg implies uncertainty against that currency
	rep.Score = clampF((quoteWeight-baseWeight)*6, -100, 100)
	rep.Confidence = clampF(35+math.Abs(rep.Score)*0.25, 0, 70)
	switch {
	case rep.Score > 15:
		rep.Bias = types.DirectionBuy
	case rep.Score < -15:
		rep.Bias = types.DirectionSell
	}
	return rep, nil
}

// RingNewsAnalyzer summarizes the bridge news ring around now.
type RingNewsAnalyzer struct {
	catalog         *catalog.Catalog
	blackoutWindow  time.Duration
	impactThreshold float64
}

// NewRingNewsAnalyzer builds the default news analyzer.
func NewRingNewsAnalyzer(cat *catalog.Catalog, blackout time.Duration, impactThreshold float64) *RingNewsAnalyzer {
	if blackout <= 0 {
		blackout = 30 * time.Minute
	}
	if impactThreshold <= 0 {
		impactThreshold = 2
	}
	return &RingNewsAnalyzer{catalog: cat, blackoutWindow: blackout, impactThreshold: impactThreshold}
}

func (a *RingNewsAnalyzer) AnalyzeNews(_ context.Context, mc MarketContext) (NewsReport, error) {
	info, _ := a.catalog.Lookup(mc.Pair)
	now := time.Now()
	rep := NewsReport{Bias: types.DirectionNeutral, Confidence: 40}

	for _, n := range mc.News {
		if n.Currency != "" && n.Currency != info.Base && n.Currency != info.Quote {
			continue
		}
		dt := n.Time.Sub(now)
		if dt >= -a.blackoutWindow && dt <= a.blackoutWindow {
			rep.UpcomingEvents++
			rep.ImpactSum += n.Impact
			if n.Impact >= a.impactThreshold {
				rep.HighImpactSoon = true
			}
		}
	}
	if rep.UpcomingEvents == 0 {
		rep.Neutral = true
		return rep, nil
	}
	rep.Score = -clampF(rep.ImpactSum*8, 0, 60) // event pressure lowers conviction
	rep.Confidence = clampF(40+rep.ImpactSum*4, 0, 80)
	return rep, nil
}

// BarTechnicalAnalyzer is the default technical analyzer; it reuses the EA
// aggregation over whatever bars the context carries.
type BarTechnicalAnalyzer struct {
	catalog *catalog.Catalog
	candle  CandleAnalyzer
}

// NewBarTechnicalAnalyzer builds the default technical analyzer.
func NewBarTechnicalAnalyzer(cat *catalog.Catalog, candle CandleAnalyzer) *BarTechnicalAnalyzer {
	return &BarTechnicalAnalyzer{catalog: cat, candle: candle}
}

func (a *BarTechnicalAnalyzer) AnalyzeTechnical(ctx context.Context, mc MarketContext) (TechnicalReport, error) {
	return BuildEATechnical(ctx, mc, a.catalog, a.candle), nil
}

// DefaultSet wires the built-in analyzers.
func DefaultSet(cat *catalog.Catalog, blackout time.Duration, impactThreshold float64) Set {
	candle := NewCandleEngine()
	return Set{
		Economic:  NewCalendarEconomicAnalyzer(cat),
		News:      NewRingNewsAnalyzer(cat, blackout, impactThreshold),
		Technical: NewBarTechnicalAnalyzer(cat, candle),
		Candle:    candle,
	}
}
