package analyzers

import "context"

// EconomicAnalyzer produces the macro view for a pair.
type EconomicAnalyzer interface {
	AnalyzeEconomic(ctx context.Context, mc MarketContext) (EconomicReport, error)
}

// NewsAnalyzer produces the calendar/headline view for a pair.
type NewsAnalyzer interface {
	AnalyzeNews(ctx context.Context, mc MarketContext) (NewsReport, error)
}

// TechnicalAnalyzer produces the technical view for a pair.
type TechnicalAnalyzer interface {
	AnalyzeTechnical(ctx context.Context, mc MarketContext) (TechnicalReport, error)
}

// CandleAnalyzer derives momentum/volatility/structure from recent bars.
type CandleAnalyzer interface {
	AnalyzeCandles(ctx context.Context, mc MarketContext) (CandleReport, error)
}

// Set bundles the four analyzers injected into the orchestrator.
type Set struct {
	Economic  EconomicAnalyzer
	News      NewsAnalyzer
	Technical TechnicalAnalyzer
	Candle    CandleAnalyzer
}
