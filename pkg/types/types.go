// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass categorizes a tradable instrument.
type AssetClass string

const (
	AssetForex  AssetClass = "forex"
	AssetMetals AssetClass = "metals"
	AssetCrypto AssetClass = "crypto"
	AssetCFD    AssetClass = "cfd"
	AssetOther  AssetClass = "other"
)

// Direction is the trade direction carried by a signal.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// DecisionState is the tri-state output of the decision gate.
type DecisionState string

const (
	StateEnter       DecisionState = "ENTER"
	StateWaitMonitor DecisionState = "WAIT_MONITOR"
	StateBlocked     DecisionState = "NO_TRADE_BLOCKED"
)

// SignalStatus describes where a signal sits in its validity lifecycle.
type SignalStatus string

const (
	SignalActive  SignalStatus = "ACTIVE"
	SignalWatch   SignalStatus = "WATCH"
	SignalBlocked SignalStatus = "BLOCKED"
	SignalNeutral SignalStatus = "NEUTRAL"
	SignalPending SignalStatus = "PENDING"
	SignalExpired SignalStatus = "EXPIRED"
)

// Timeframe represents chart timeframes pushed by broker agents.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
)

// Minutes returns the timeframe duration in minutes.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TimeframeM1:
		return 1
	case TimeframeM5:
		return 5
	case TimeframeM15:
		return 15
	case TimeframeM30:
		return 30
	case TimeframeH1:
		return 60
	case TimeframeH4:
		return 240
	case TimeframeD1:
		return 1440
	case TimeframeW1:
		return 10080
	default:
		return 60
	}
}

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// PairInfo is the static pair catalog entry. Immutable for the process lifetime.
type PairInfo struct {
	Pair                string     `json:"pair"`
	Base                string     `json:"base"`
	Quote               string     `json:"quote"`
	AssetClass          AssetClass `json:"assetClass"`
	PipSize             float64    `json:"pipSize"`
	PricePrecision      int        `json:"pricePrecision"`
	SyntheticVolatility float64    `json:"syntheticVolatility"`
}

// Session is a broker-scoped agent connection.
type Session struct {
	ID            string    `json:"id"`
	Broker        string    `json:"broker"`
	AccountNumber string    `json:"accountNumber"`
	AccountMode   string    `json:"accountMode"`
	Server        string    `json:"server"`
	Currency      string    `json:"currency"`
	Equity        float64   `json:"equity"`
	Balance       float64   `json:"balance"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	EA            string    `json:"ea,omitempty"`
}

// Quote is a single bid/ask observation pushed by a broker agent.
type Quote struct {
	Broker        string    `json:"broker"`
	Symbol        string    `json:"symbol"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Last          float64   `json:"last,omitempty"`
	Digits        int       `json:"digits"`
	Point         float64   `json:"point"`
	SpreadPoints  float64   `json:"spreadPoints"`
	Volume        float64   `json:"volume,omitempty"`
	LiquidityHint string    `json:"liquidityHint,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Mid returns the midpoint price, falling back to last when one side is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 {
		return q.Bid
	}
	return q.Ask
}

// Bar is one OHLCV candle for a (broker, symbol, timeframe).
type Bar struct {
	Broker    string    `json:"broker"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume,omitempty"`
	Time      time.Time `json:"time"`
	Closed    bool      `json:"closed,omitempty"`
}

// TimeframeIndicators is the per-timeframe indicator bundle inside a snapshot.
type TimeframeIndicators struct {
	RSI       float64 `json:"rsi"`
	MACDHist  float64 `json:"macdHist"`
	ATR       float64 `json:"atr"`
	Direction string  `json:"direction,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// RangeLevels carries day/week/month high-low ranges.
type RangeLevels struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
}

// PivotLevels holds classic pivot points.
type PivotLevels struct {
	Pivot float64 `json:"pivot"`
	R1    float64 `json:"r1"`
	R2    float64 `json:"r2"`
	S1    float64 `json:"s1"`
	S2    float64 `json:"s2"`
}

// Snapshot is the agent-pushed indicator bundle, canonical per (broker, symbol).
type Snapshot struct {
	Broker     string                            `json:"broker"`
	Symbol     string                            `json:"symbol"`
	Timeframes map[Timeframe]TimeframeIndicators `json:"timeframes"`
	DayRange   RangeLevels                       `json:"dayRange"`
	WeekRange  RangeLevels                       `json:"weekRange"`
	MonthRange RangeLevels                       `json:"monthRange"`
	Pivots     PivotLevels                       `json:"pivots"`
	LastCandle *Bar                              `json:"lastCandle,omitempty"`
	Direction  string                            `json:"direction,omitempty"`
	Score      float64                           `json:"score,omitempty"`
	Timestamp  time.Time                         `json:"timestamp"`
	ReceivedAt time.Time                         `json:"receivedAt"`
}

// NewsEvent is one calendar or headline item with relevance metadata.
type NewsEvent struct {
	ID        string    `json:"id"`
	Broker    string    `json:"broker,omitempty"`
	Title     string    `json:"title"`
	Currency  string    `json:"currency,omitempty"`
	Impact    float64   `json:"impact"` // 0..3
	Time      time.Time `json:"time"`
	Source    string    `json:"source,omitempty"`
	Relevance float64   `json:"relevance,omitempty"`
}

// ActiveSymbol is a TTL claim keeping a symbol hot for realtime scanning.
type ActiveSymbol struct {
	Broker    string    `json:"broker"`
	Symbol    string    `json:"symbol"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ManagementCommand is a queued trade-management action polled by the agent.
type ManagementCommand struct {
	ID        string         `json:"id"`
	Broker    string         `json:"broker"`
	Action    string         `json:"action"`
	TradeID   string         `json:"tradeId,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TrailingStop configures breakeven and trailing behavior for an entry.
type TrailingStop struct {
	Enabled              bool    `json:"enabled"`
	BreakevenAtFraction  float64 `json:"breakevenAtFraction"`
	ActivationAtFraction float64 `json:"activationAtFraction"`
	ActivationLevel      float64 `json:"activationLevel"`
	TrailingDistance     float64 `json:"trailingDistance"`
	StepDistance         float64 `json:"stepDistance"`
}

// Entry is the proposed entry plan attached to a signal.
type Entry struct {
	Price              float64      `json:"price"`
	Direction          Direction    `json:"direction"`
	StopLoss           float64      `json:"stopLoss"`
	TakeProfit         float64      `json:"takeProfit"`
	ATR                float64      `json:"atr"`
	RiskReward         float64      `json:"riskReward"`
	StopMultiple       float64      `json:"stopMultiple"`
	TakeProfitMultiple float64      `json:"takeProfitMultiple"`
	VolatilityState    string       `json:"volatilityState"`
	StopLossPips       float64      `json:"stopLossPips"`
	TakeProfitPips     float64      `json:"takeProfitPips"`
	TrailingStop       TrailingStop `json:"trailingStop"`
}

// MarketDataComponent captures EA quote context inside a signal.
type MarketDataComponent struct {
	SpreadPips   float64   `json:"spreadPips,omitempty"`
	SpreadStatus string    `json:"spreadStatus,omitempty"`
	QuoteAgeMs   float64   `json:"quoteAgeMs,omitempty"`
	Bid          float64   `json:"bid,omitempty"`
	Ask          float64   `json:"ask,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// SignalComponents groups the per-analyzer contributions.
type SignalComponents struct {
	Economic   float64             `json:"economic"`
	News       float64             `json:"news"`
	Technical  float64             `json:"technical"`
	MarketData MarketDataComponent `json:"marketData"`
}

// Validity records whether a signal may be executed and why not.
type Validity struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

// StressTests are worst-case projections computed during sizing.
type StressTests struct {
	SpreadWidening float64 `json:"spreadWidening"`
	Slippage       float64 `json:"slippage"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	Passed         bool    `json:"passed"`
}

// RiskManagement is the sizing result attached to a signal.
type RiskManagement struct {
	PositionSize       decimal.Decimal    `json:"positionSize"`
	RiskFraction       float64            `json:"riskFraction"`
	Kelly              float64            `json:"kelly"`
	CorrelationPenalty float64            `json:"correlationPenalty"`
	CanTrade           bool               `json:"canTrade"`
	Reason             string             `json:"reason,omitempty"`
	StressTests        StressTests        `json:"stressTests"`
	Guardrails         []string           `json:"guardrails,omitempty"`
	ExposureImpact     map[string]float64 `json:"exposureImpact,omitempty"`
}

// Signal is the raw signal produced by the orchestration coordinator. It is
// owned exclusively by the coordinator during one generation call, then handed
// to the execution engine by value.
type Signal struct {
	Pair             string           `json:"pair"`
	Timestamp        time.Time        `json:"timestamp"`
	Direction        Direction        `json:"direction"`
	Strength         float64          `json:"strength"`
	Confidence       float64          `json:"confidence"`
	FinalScore       float64          `json:"finalScore"`
	Components       SignalComponents `json:"components"`
	Entry            *Entry           `json:"entry,omitempty"`
	RiskManagement   *RiskManagement  `json:"riskManagement,omitempty"`
	IsValid          *Validity        `json:"isValid,omitempty"`
	ExpiresAt        time.Time        `json:"expiresAt,omitempty"`
	Reasoning        []string         `json:"reasoning,omitempty"`
	TradePlan        string           `json:"tradePlan,omitempty"`
	EstimatedWinRate float64          `json:"estimatedWinRate"`
	SignalStatus     SignalStatus     `json:"signalStatus"`
	Decision         *Decision        `json:"decision,omitempty"`
}

// LayerStatus is the outcome of one confluence layer.
type LayerStatus string

const (
	LayerPass LayerStatus = "PASS"
	LayerFail LayerStatus = "FAIL"
	LayerSkip LayerStatus = "SKIP"
)

// LayerResult is the evaluated state of one decision-gate layer.
type LayerResult struct {
	ID      string             `json:"id"`
	Label   string             `json:"label"`
	Status  LayerStatus        `json:"status"`
	Weight  float64            `json:"weight"`
	Reason  string             `json:"reason,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ConfluenceSummary aggregates the layer table outcome.
type ConfluenceSummary struct {
	Enabled   bool          `json:"enabled"`
	Strict    bool          `json:"strict"`
	Score     float64       `json:"score"`
	MinScore  float64       `json:"minScore"`
	Passed    bool          `json:"passed"`
	PassCount int           `json:"passCount"`
	FailCount int           `json:"failCount"`
	SkipCount int           `json:"skipCount"`
	HardFails []string      `json:"hardFails,omitempty"`
	Layers    []LayerResult `json:"layers"`
}

// Decision is the structured output of the decision gate.
type Decision struct {
	State           DecisionState      `json:"state"`
	Blocked         bool               `json:"blocked"`
	Category        string             `json:"category,omitempty"`
	AssetClass      AssetClass         `json:"assetClass"`
	Score           float64            `json:"score"`
	KillSwitch      bool               `json:"killSwitch"`
	Confluence      ConfluenceSummary  `json:"confluence"`
	Profile         string             `json:"profile"`
	Contributors    map[string]float64 `json:"contributors"`
	Context         map[string]any     `json:"context,omitempty"`
	Modifiers       map[string]float64 `json:"modifiers"`
	Blockers        []string           `json:"blockers,omitempty"`
	Missing         []string           `json:"missing,omitempty"`
	WhatWouldChange []string           `json:"whatWouldChange,omitempty"`
	Checks          map[string]bool    `json:"checks"`
	Reason          string             `json:"reason"`
}

// TradeStatus is an open/closed marker.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// TradeExecution records broker fill details for a trade.
type TradeExecution struct {
	RequestedPrice   float64       `json:"requestedPrice"`
	FilledPrice      float64       `json:"filledPrice"`
	SlippagePips     float64       `json:"slippagePips"`
	SlippageExceeded bool          `json:"slippageExceeded"`
	Latency          time.Duration `json:"latencyMs"`
	Broker           string        `json:"broker,omitempty"`
	OrderID          string        `json:"orderId,omitempty"`
}

// Trade is an accepted order under supervision. Created by the execution engine
// at accept time and mutated only by the engine and its supervision loops.
type Trade struct {
	ID                 string          `json:"id"`
	Pair               string          `json:"pair"`
	Direction          Direction       `json:"direction"`
	EntryPrice         float64         `json:"entryPrice"`
	StopLoss           float64         `json:"stopLoss"`
	TakeProfit         float64         `json:"takeProfit"`
	PositionSize       decimal.Decimal `json:"positionSize"`
	RiskFraction       float64         `json:"riskFraction"`
	OpenTime           time.Time       `json:"openTime"`
	Status             TradeStatus     `json:"status"`
	TrailingStop       TrailingStop    `json:"trailingStop"`
	TrailingActive     bool            `json:"trailingActive"`
	Signal             Signal          `json:"signal"`
	Broker             string          `json:"broker,omitempty"`
	BrokerOrder        string          `json:"brokerOrder,omitempty"`
	BrokerRoute        string          `json:"brokerRoute,omitempty"`
	Execution          TradeExecution  `json:"execution"`
	CurrentPnL         decimal.Decimal `json:"currentPnl"`
	MovedToBreakeven   bool            `json:"movedToBreakeven"`
	LastBrokerModifyAt time.Time       `json:"lastBrokerModifyAt,omitempty"`
	LastBrokerStopLoss float64         `json:"lastBrokerStopLossSent,omitempty"`
	ClosePrice         float64         `json:"closePrice,omitempty"`
	CloseTime          time.Time       `json:"closeTime,omitempty"`
	CloseReason        string          `json:"closeReason,omitempty"`
	FinalPnL           decimal.Decimal `json:"finalPnl,omitempty"`
	ManualCloseAck     bool            `json:"manualCloseAcknowledged,omitempty"`
}

// ExecutionResult is returned by the execution engine for an order attempt.
type ExecutionResult struct {
	Success   bool      `json:"success"`
	Trade     *Trade    `json:"trade,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QualityStatus classifies a quality report.
type QualityStatus string

const (
	QualityHealthy  QualityStatus = "healthy"
	QualityDegraded QualityStatus = "degraded"
	QualityCritical QualityStatus = "critical"
)

// QualityRecommendation is the guard's verdict.
type QualityRecommendation string

const (
	RecommendProceed QualityRecommendation = "proceed"
	RecommendCaution QualityRecommendation = "caution"
	RecommendBlock   QualityRecommendation = "block"
	RecommendMonitor QualityRecommendation = "monitor"
)

// GapSeverity grades weekend gaps.
type GapSeverity string

const (
	GapNone     GapSeverity = "none"
	GapMinor    GapSeverity = "minor"
	GapElevated GapSeverity = "elevated"
	GapCritical GapSeverity = "critical"
)

// TimeframeReport is the per-timeframe slice of a quality report.
type TimeframeReport struct {
	Timeframe    Timeframe `json:"timeframe"`
	Score        float64   `json:"score"`
	Bars         int       `json:"bars"`
	SpikeCount   int       `json:"spikeCount"`
	GapCount     int       `json:"gapCount"`
	Misaligned   int       `json:"misaligned"`
	Stale        bool      `json:"stale"`
	SanityFailed bool      `json:"sanityFailed"`
	LatestBarAge float64   `json:"latestBarAgeMs"`
}

// SpreadAssessment captures the current spread state for a pair.
type SpreadAssessment struct {
	Status    string    `json:"status"` // normal | elevated | critical
	Pips      float64   `json:"pips"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// WeekendGapAssessment captures detected weekend gaps.
type WeekendGapAssessment struct {
	Severity GapSeverity `json:"severity"`
	MaxPips  float64     `json:"maxPips"`
}

// CircuitBreakerEntry is a per-pair execution veto with reason and expiry.
type CircuitBreakerEntry struct {
	Pair        string             `json:"pair"`
	Reason      string             `json:"reason"`
	ActivatedAt time.Time          `json:"activatedAt"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	Context     map[string]float64 `json:"context,omitempty"`
}

// QualityReport is the per-pair data quality assessment.
type QualityReport struct {
	Pair             string                        `json:"pair"`
	AssessedAt       time.Time                     `json:"assessedAt"`
	Score            float64                       `json:"score"`
	Status           QualityStatus                 `json:"status"`
	Recommendation   QualityRecommendation         `json:"recommendation"`
	Issues           []string                      `json:"issues,omitempty"`
	TimeframeReports map[Timeframe]TimeframeReport `json:"timeframeReports"`
	Spread           SpreadAssessment              `json:"spread"`
	WeekendGap       WeekendGapAssessment          `json:"weekendGap"`
	SyntheticRelaxed bool                          `json:"syntheticRelaxed"`
	SyntheticContext string                        `json:"syntheticContext,omitempty"`
	ConfidenceFloor  float64                       `json:"confidenceFloor,omitempty"`
	CircuitBreaker   *CircuitBreakerEntry          `json:"circuitBreaker,omitempty"`
}

// BrokerOrderRequest is the payload handed to the broker router.
type BrokerOrderRequest struct {
	Broker         string          `json:"broker"`
	Symbol         string          `json:"symbol"`
	Pair           string          `json:"pair"`
	Direction      Direction       `json:"direction"`
	Side           string          `json:"side"`
	Units          decimal.Decimal `json:"units"`
	Volume         decimal.Decimal `json:"volume"`
	Price          float64         `json:"price"`
	TakeProfit     float64         `json:"takeProfit"`
	StopLoss       float64         `json:"stopLoss"`
	Comment        string          `json:"comment,omitempty"`
	TradeID        string          `json:"tradeId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Source         string          `json:"source,omitempty"`
	TimeInForce    string          `json:"timeInForce,omitempty"`
}

// BrokerOrderResult is the broker router's response to an order.
type BrokerOrderResult struct {
	Success     bool    `json:"success"`
	OrderID     string  `json:"orderId,omitempty"`
	FilledPrice float64 `json:"filledPrice,omitempty"`
	Route       string  `json:"route,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// VaRMetrics is the historical value-at-risk snapshot.
type VaRMetrics struct {
	Ready       bool      `json:"ready"`
	ValuePct    float64   `json:"valuePct"`
	LimitPct    float64   `json:"limitPct"`
	Breach      bool      `json:"breach"`
	Confidence  float64   `json:"confidence"`
	Lookback    int       `json:"lookback"`
	SampleCount int       `json:"sampleCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// PairCorrelation is one correlated open-trade pair.
type PairCorrelation struct {
	PairA       string  `json:"pairA"`
	PairB       string  `json:"pairB"`
	Correlation float64 `json:"correlation"`
}

// CorrelationSnapshot summarizes open-trade correlation clustering.
type CorrelationSnapshot struct {
	Enabled      bool              `json:"enabled"`
	Threshold    float64           `json:"threshold"`
	MaxCluster   int               `json:"maxCluster"`
	Correlations []PairCorrelation `json:"correlations"`
	ClusterLoad  map[string]int    `json:"clusterLoad"`
	Blocked      bool              `json:"blocked"`
}

// PnLSummary aggregates realized and unrealized PnL across the blotter.
type PnLSummary struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Net        decimal.Decimal `json:"net"`
	BestTrade  decimal.Decimal `json:"bestTrade"`
	WorstTrade decimal.Decimal `json:"worstTrade"`
}

// RiskCommandSnapshot is the portfolio-level risk view, refreshed on trade
// open/close and explicit refresh. Eventually consistent for readers.
type RiskCommandSnapshot struct {
	Exposures             map[string]float64  `json:"exposures"`
	CurrencyLimitBreaches []string            `json:"currencyLimitBreaches,omitempty"`
	Correlation           CorrelationSnapshot `json:"correlation"`
	VaR                   VaRMetrics          `json:"var"`
	PnL                   PnLSummary          `json:"pnlSummary"`
	OpenTrades            []*Trade            `json:"openTrades"`
	RecentClosed          []*Trade            `json:"recentClosed"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}
