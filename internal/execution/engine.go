// Package execution turns accepted signals into supervised trades: order
// placement through the broker router with rollback, PnL supervision,
// breakeven/trailing management, and close accounting.
package execution

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/risk"
	"github.com/fluxtrade/engine/pkg/types"
)

const (
	defaultBrokerTimeout  = 10 * time.Second
	minBrokerModifyGap    = 1500 * time.Millisecond
	defaultReconcileEvery = time.Minute
	closedHistoryMax      = 200
	defaultBaseEquity     = 10_000
)

// Router is the broker abstraction. The idempotency key on every request is
// the trade id, so a retried placement cannot double-fill.
type Router interface {
	PlaceOrder(ctx context.Context, req types.BrokerOrderRequest) (types.BrokerOrderResult, error)
	ModifyPosition(ctx context.Context, req types.BrokerOrderRequest) (types.BrokerOrderResult, error)
	ClosePosition(ctx context.Context, req types.BrokerOrderRequest) (types.BrokerOrderResult, error)
	RunReconciliation(ctx context.Context) error
}

// MarketRules validates venue constraints (min lot, session, symbol) before
// any state is mutated.
type MarketRules interface {
	ValidateOrder(req types.BrokerOrderRequest) error
}

// QuoteSource yields the freshest quote for PnL supervision.
type QuoteSource interface {
	GetQuote(broker, symbol string) (types.Quote, bool)
}

// NewsSource feeds the smart supervisor's news blackout exit.
type NewsSource interface {
	UpcomingNews(broker, pair string, window time.Duration, minImpact float64) []types.NewsEvent
}

// QualityProbe reports whether a pair's data circuit breaker is active.
type QualityProbe interface {
	IsTripped(pair string) bool
}

// HistorySink persists closed trades.
type HistorySink interface {
	AppendTrade(t types.Trade) error
}

// Engine owns the active trade blotter. Order placement and the blotter
// mutation are atomic with respect to concurrent ExecuteTrade calls.
type Engine struct {
	cfg     *config.Snapshot
	catalog *catalog.Catalog
	quotes  QuoteSource
	news    NewsSource
	guard   QualityProbe
	risk    *risk.Engine
	bus     *events.Bus
	logger  *zap.Logger

	mu            sync.Mutex
	router        Router
	rules         MarketRules
	history       HistorySink
	active        map[string]*types.Trade
	closed        []*types.Trade
	baseEquity    decimal.Decimal
	realized      decimal.Decimal
	peakEquity    decimal.Decimal
	lastDrawdown  float64
	lastAlerted   float64
	lastReconcile time.Time

	now func() time.Time
}

// New builds the engine. Router, rules, and history sink are wired separately
// so the engine can run broker-less in tests and dry mode.
func New(snap *config.Snapshot, cat *catalog.Catalog, quotes QuoteSource, news NewsSource,
	guard QualityProbe, rk *risk.Engine, bus *events.Bus, logger *zap.Logger) *Engine {
	base := decimal.NewFromInt(defaultBaseEquity)
	return &Engine{
		cfg:        snap,
		catalog:    cat,
		quotes:     quotes,
		news:       news,
		guard:      guard,
		risk:       rk,
		bus:        bus,
		logger:     logger.Named("execution"),
		active:     make(map[string]*types.Trade),
		baseEquity: base,
		peakEquity: base,
		now:        time.Now,
	}
}

func (e *Engine) SetRouter(r Router) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.router = r
}

func (e *Engine) SetMarketRules(r MarketRules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = r
}

func (e *Engine) SetHistorySink(h HistorySink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = h
}

// SetBaseEquity anchors the equity curve, typically from the broker session
// balance at connect time.
func (e *Engine) SetBaseEquity(balance decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if balance.IsPositive() {
		e.baseEquity = balance
		eq := e.equityLocked()
		if eq.GreaterThan(e.peakEquity) {
			e.peakEquity = eq
		}
	}
}

// ExecuteTrade validates, sizes, and places one order for an accepted signal.
// On broker failure every state change is rolled back; no partial state
// survives.
func (e *Engine) ExecuteTrade(ctx context.Context, broker string, sig *types.Signal) *types.ExecutionResult {
	now := e.now().UTC()

	if sig == nil || sig.Entry == nil {
		return e.reject(broker, "", "no entry plan on signal", now)
	}
	pair := sig.Pair
	if sig.IsValid == nil || !sig.IsValid.IsValid {
		reason := "signal not valid for execution"
		if sig.IsValid != nil && sig.IsValid.Reason != "" {
			reason = "signal invalid: " + sig.IsValid.Reason
		}
		return e.reject(broker, pair, reason, now)
	}
	if !sig.ExpiresAt.IsZero() && now.After(sig.ExpiresAt) {
		return e.reject(broker, pair, fmt.Sprintf("signal expired at %s", sig.ExpiresAt.Format(time.RFC3339)), now)
	}
	rm := sig.RiskManagement
	if rm == nil || !rm.CanTrade {
		reason := "sizing unavailable"
		if rm != nil && rm.Reason != "" {
			reason = "sizing rejected: " + rm.Reason
		}
		return e.reject(broker, pair, reason, now)
	}

	// a re-submitted signal observes the first trade's state instead of
	// opening a duplicate
	if existing := e.duplicateOf(sig); existing != nil {
		return &types.ExecutionResult{Success: true, Trade: existing, Timestamp: now}
	}

	tradeID := fmt.Sprintf("trade-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	req := buildOrderRequest(broker, sig, rm, tradeID)

	e.mu.Lock()
	rules, router := e.rules, e.router
	e.mu.Unlock()
	if rules != nil {
		if err := rules.ValidateOrder(req); err != nil {
			return e.reject(broker, pair, "market rules: "+err.Error(), now)
		}
	}

	trade := &types.Trade{
		ID:           tradeID,
		Pair:         pair,
		Direction:    sig.Direction,
		EntryPrice:   sig.Entry.Price,
		StopLoss:     sig.Entry.StopLoss,
		TakeProfit:   sig.Entry.TakeProfit,
		PositionSize: rm.PositionSize,
		RiskFraction: rm.RiskFraction,
		OpenTime:     now,
		Status:       types.TradeOpen,
		TrailingStop: sig.Entry.TrailingStop,
		Signal:       *sig,
		Broker:       broker,
	}

	e.mu.Lock()
	if max := e.cfg.Risk.MaxConcurrentTrades; max > 0 && len(e.active) >= max {
		e.mu.Unlock()
		return e.reject(broker, pair, fmt.Sprintf("max concurrent trades reached (%d)", max), now)
	}
	if limit := e.cfg.Risk.MaxRiskPerSymbol; limit > 0 {
		sum := rm.RiskFraction
		for _, t := range e.active {
			if t.Pair == pair {
				sum += t.RiskFraction
			}
		}
		if sum > limit {
			e.mu.Unlock()
			return e.reject(broker, pair,
				fmt.Sprintf("symbol risk %.4f would exceed limit %.4f", sum, limit), now)
		}
	}
	e.active[tradeID] = trade
	e.mu.Unlock()

	e.risk.CommitDailyRisk(rm.RiskFraction)
	e.audit(broker, pair, "execution.trade.accepted", map[string]any{
		"tradeId": tradeID, "direction": string(sig.Direction), "riskFraction": rm.RiskFraction,
	})

	if router != nil {
		if res := e.commitBrokerOrder(ctx, router, trade, req); res != nil {
			return res // rollback already performed
		}
	}

	if e.bus != nil {
		e.bus.Publish(events.New(events.TypeTradeOpened, broker, pair, snapshotTrade(trade)))
	}
	dup := snapshotTrade(trade)
	return &types.ExecutionResult{Success: true, Trade: &dup, Timestamp: now}
}

// duplicateOf returns a snapshot of the active trade originating from the
// same signal, if one exists. Signals are matched on pair, direction, and
// generation timestamp; signals without a timestamp never match.
func (e *Engine) duplicateOf(sig *types.Signal) *types.Trade {
	if sig.Timestamp.IsZero() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.active {
		if t.Pair == sig.Pair && t.Direction == sig.Direction &&
			t.Signal.Timestamp.Equal(sig.Timestamp) {
			dup := snapshotTrade(t)
			return &dup
		}
	}
	return nil
}

// commitBrokerOrder places the order with a deadline. A nil return means the
// fill was accepted; otherwise the rollback result is returned.
func (e *Engine) commitBrokerOrder(ctx context.Context, router Router, trade *types.Trade,
	req types.BrokerOrderRequest) *types.ExecutionResult {

	timeout := e.cfg.TradeManagement.BrokerCallTimeout
	if timeout <= 0 {
		timeout = defaultBrokerTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	res, err := router.PlaceOrder(cctx, req)
	latency := e.now().Sub(start)

	if err != nil || !res.Success {
		reason := "broker order rejected"
		if err != nil {
			reason = "broker order failed: " + err.Error()
		} else if res.Error != "" {
			reason = "broker order rejected: " + res.Error
		}
		e.rollback(trade, reason)
		return &types.ExecutionResult{
			Success: false, Reason: reason,
			ErrorType: string(types.ErrorExecution), Timestamp: e.now().UTC(),
		}
	}

	trade.BrokerOrder = res.OrderID
	trade.BrokerRoute = res.Route
	pip := e.catalog.PipSize(trade.Pair)
	if pip <= 0 {
		pip = 0.0001
	}
	slippage := 0.0
	if res.FilledPrice > 0 {
		slippage = math.Abs(res.FilledPrice-req.Price) / pip
		trade.EntryPrice = res.FilledPrice
	}
	maxSlip := e.cfg.Risk.MaxSlippagePips
	trade.Execution = types.TradeExecution{
		RequestedPrice:   req.Price,
		FilledPrice:      res.FilledPrice,
		SlippagePips:     slippage,
		SlippageExceeded: maxSlip > 0 && slippage > maxSlip,
		Latency:          latency,
		Broker:           trade.Broker,
		OrderID:          res.OrderID,
	}
	e.audit(trade.Broker, trade.Pair, "execution.slippage", map[string]any{
		"tradeId": trade.ID, "slippagePips": slippage, "exceeded": trade.Execution.SlippageExceeded,
		"latencyMs": latency.Milliseconds(),
	})
	return nil
}

// rollback removes the trade and refunds the committed daily risk. Ordered
// after the accept audit so the trail reads accept -> broker_failed.
func (e *Engine) rollback(trade *types.Trade, reason string) {
	e.mu.Lock()
	delete(e.active, trade.ID)
	e.mu.Unlock()
	e.risk.RefundDailyRisk(trade.RiskFraction)
	e.audit(trade.Broker, trade.Pair, "execution.trade.broker_failed", map[string]any{
		"tradeId": trade.ID, "reason": reason,
	})
	e.logger.Warn("order rolled back",
		zap.String("tradeId", trade.ID), zap.String("pair", trade.Pair), zap.String("reason", reason))
}

func (e *Engine) reject(broker, pair, reason string, now time.Time) *types.ExecutionResult {
	e.audit(broker, pair, "execution.trade.rejected", map[string]any{"reason": reason})
	errType := string(types.ErrorValidation)
	if strings.HasPrefix(reason, "market rules") || strings.HasPrefix(reason, "broker") {
		errType = string(types.ErrorExecution)
	}
	return &types.ExecutionResult{Success: false, Reason: reason, ErrorType: errType, Timestamp: now}
}

// CloseTrade finalizes one trade at price. The broker close is skipped when
// the EA already acknowledged a manual close or no broker is attached.
func (e *Engine) CloseTrade(ctx context.Context, tradeID string, price float64, reason string) error {
	e.mu.Lock()
	trade, ok := e.active[tradeID]
	router := e.router
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("trade %s not active", tradeID)
	}

	if router != nil && trade.Broker != "" && !trade.ManualCloseAck {
		timeout := e.cfg.TradeManagement.BrokerCallTimeout
		if timeout <= 0 {
			timeout = defaultBrokerTimeout
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		_, err := router.ClosePosition(cctx, types.BrokerOrderRequest{
			Broker: trade.Broker, Symbol: trade.Pair, Pair: trade.Pair,
			Direction: trade.Direction, Price: price,
			TradeID: trade.ID, IdempotencyKey: trade.ID, Source: "engine_close",
		})
		cancel()
		if err != nil {
			// recorded, close proceeds locally; reconciliation repairs drift
			e.logger.Warn("broker close failed", zap.String("tradeId", trade.ID), zap.Error(err))
		}
	}

	now := e.now().UTC()
	e.mu.Lock()
	trade.Status = types.TradeClosed
	trade.ClosePrice = price
	trade.CloseTime = now
	trade.CloseReason = reason
	trade.FinalPnL = pnlAt(trade, price)
	delete(e.active, trade.ID)
	e.closed = append(e.closed, trade)
	if len(e.closed) > closedHistoryMax {
		e.closed = e.closed[len(e.closed)-closedHistoryMax:]
	}
	history := e.history
	final := snapshotTrade(trade)
	e.mu.Unlock()

	if history != nil {
		if err := history.AppendTrade(final); err != nil {
			e.logger.Warn("trade history persist failed", zap.String("tradeId", trade.ID), zap.Error(err))
		}
	}
	e.handleTradeClosed(final)
	return nil
}

// handleTradeClosed rolls the equity curve forward and feeds the risk engine.
func (e *Engine) handleTradeClosed(trade types.Trade) {
	e.mu.Lock()
	e.realized = e.realized.Add(trade.FinalPnL)
	eq := e.equityLocked()
	if eq.GreaterThan(e.peakEquity) {
		e.peakEquity = eq
	}
	drawdown := 0.0
	if e.peakEquity.IsPositive() {
		drawdown, _ = e.peakEquity.Sub(eq).Div(e.peakEquity).Float64()
	}
	e.lastDrawdown = drawdown
	base, _ := e.baseEquity.Float64()
	alert := false
	threshold := e.cfg.Risk.DrawdownAlertThreshold
	if threshold > 0 && drawdown >= threshold && drawdown-e.lastAlerted >= 0.005 {
		alert = true
		e.lastAlerted = drawdown
	}
	e.mu.Unlock()

	ret := 0.0
	if base > 0 {
		pnl, _ := trade.FinalPnL.Float64()
		ret = pnl / base
	}
	e.risk.RecordRealizedReturn(ret)
	e.risk.UpdateVaRMetrics()

	if e.bus != nil {
		e.bus.Publish(events.New(events.TypeTradeClosed, trade.Broker, trade.Pair, map[string]any{
			"trade":        trade,
			"originSignal": trade.Signal.Pair,
			"reason":       trade.CloseReason,
		}))
		if alert {
			e.bus.Publish(events.New(events.TypeDrawdown, trade.Broker, trade.Pair, map[string]any{
				"drawdown": drawdown, "threshold": threshold,
			}))
		}
	}
}

// AcknowledgeManualClose marks a trade as closed on the broker side by the EA
// so the engine's close path skips the broker call.
func (e *Engine) AcknowledgeManualClose(tradeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[tradeID]
	if ok {
		t.ManualCloseAck = true
	}
	return ok
}

// ActiveTrades returns a snapshot of the open blotter. Implements the risk
// engine's trades provider.
func (e *Engine) ActiveTrades() []*types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Trade, 0, len(e.active))
	for _, t := range e.active {
		dup := snapshotTrade(t)
		out = append(out, &dup)
	}
	return out
}

// OpenTradeCount implements the orchestrator's blotter interface.
func (e *Engine) OpenTradeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// HasOpenTrade reports whether pair has an active trade.
func (e *Engine) HasOpenTrade(pair string) bool {
	key := catalog.Normalize(pair)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.active {
		if t.Pair == key {
			return true
		}
	}
	return false
}

// RecentClosed returns the bounded closed-trade history, newest last.
func (e *Engine) RecentClosed() []*types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Trade, 0, len(e.closed))
	for _, t := range e.closed {
		dup := snapshotTrade(t)
		out = append(out, &dup)
	}
	return out
}

// Equity returns the current equity and drawdown fraction.
func (e *Engine) Equity() (decimal.Decimal, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked(), e.lastDrawdown
}

func (e *Engine) equityLocked() decimal.Decimal {
	return e.baseEquity.Add(e.realized)
}

func (e *Engine) audit(broker, pair, event string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	body := map[string]any{"event": event}
	for k, v := range payload {
		body[k] = v
	}
	e.bus.Publish(events.New(events.TypeAudit, broker, pair, body))
}

func buildOrderRequest(broker string, sig *types.Signal, rm *types.RiskManagement, tradeID string) types.BrokerOrderRequest {
	side := "buy"
	if sig.Direction == types.DirectionSell {
		side = "sell"
	}
	return types.BrokerOrderRequest{
		Broker:         broker,
		Symbol:         sig.Pair,
		Pair:           sig.Pair,
		Direction:      sig.Direction,
		Side:           side,
		Units:          rm.PositionSize,
		Volume:         rm.PositionSize,
		Price:          sig.Entry.Price,
		TakeProfit:     sig.Entry.TakeProfit,
		StopLoss:       sig.Entry.StopLoss,
		Comment:        "fluxtrade",
		TradeID:        tradeID,
		IdempotencyKey: tradeID,
		Source:         "auto",
		TimeInForce:    "FOK",
	}
}

// pnlAt computes the signed monetary PnL of trade at price.
func pnlAt(trade *types.Trade, price float64) decimal.Decimal {
	delta := price - trade.EntryPrice
	if trade.Direction == types.DirectionSell {
		delta = trade.EntryPrice - price
	}
	return trade.PositionSize.Mul(decimal.NewFromFloat(delta))
}

func snapshotTrade(t *types.Trade) types.Trade {
	dup := *t
	return dup
}
