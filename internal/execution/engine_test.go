package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/risk"
	"github.com/fluxtrade/engine/pkg/types"
)

var execNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fakeQuotes struct {
	quotes map[string]types.Quote
}

func (f *fakeQuotes) GetQuote(_, symbol string) (types.Quote, bool) {
	q, ok := f.quotes[symbol]
	return q, ok
}

func (f *fakeQuotes) set(symbol string, mid float64) {
	f.quotes[symbol] = types.Quote{
		Symbol: symbol, Bid: mid - 0.00005, Ask: mid + 0.00005,
		Timestamp: execNow, ReceivedAt: execNow,
	}
}

type fakeNews struct {
	events []types.NewsEvent
}

func (f *fakeNews) UpcomingNews(string, string, time.Duration, float64) []types.NewsEvent {
	return f.events
}

type fakeGuard struct {
	tripped bool
}

func (f fakeGuard) IsTripped(string) bool { return f.tripped }

type fakeRouter struct {
	placed     []types.BrokerOrderRequest
	modified   []types.BrokerOrderRequest
	closedReqs []types.BrokerOrderRequest
	reconciles int
	failPlace  bool
	fill       float64
}

func (f *fakeRouter) PlaceOrder(_ context.Context, req types.BrokerOrderRequest) (types.BrokerOrderResult, error) {
	f.placed = append(f.placed, req)
	if f.failPlace {
		return types.BrokerOrderResult{}, errors.New("venue offline")
	}
	fill := f.fill
	if fill == 0 {
		fill = req.Price
	}
	return types.BrokerOrderResult{Success: true, OrderID: "ord-1", FilledPrice: fill, Route: "primary"}, nil
}

func (f *fakeRouter) ModifyPosition(_ context.Context, req types.BrokerOrderRequest) (types.BrokerOrderResult, error) {
	f.modified = append(f.modified, req)
	return types.BrokerOrderResult{Success: true}, nil
}

func (f *fakeRouter) ClosePosition(_ context.Context, req types.BrokerOrderRequest) (types.BrokerOrderResult, error) {
	f.closedReqs = append(f.closedReqs, req)
	return types.BrokerOrderResult{Success: true}, nil
}

func (f *fakeRouter) RunReconciliation(context.Context) error {
	f.reconciles++
	return nil
}

type testEngine struct {
	engine *Engine
	risk   *risk.Engine
	quotes *fakeQuotes
	news   *fakeNews
}

func newTestEngine(t *testing.T, mutate func(*config.Snapshot)) *testEngine {
	t.Helper()
	snap := config.Default()
	if mutate != nil {
		mutate(snap)
	}
	cat := catalog.New()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	rk := risk.New(snap.Risk, cat, bus, zap.NewNop())
	quotes := &fakeQuotes{quotes: make(map[string]types.Quote)}
	news := &fakeNews{}

	e := New(snap, cat, quotes, news, fakeGuard{}, rk, bus, zap.NewNop())
	e.now = func() time.Time { return execNow }
	rk.SetTradesProvider(e)
	return &testEngine{engine: e, risk: rk, quotes: quotes, news: news}
}

func execSignal(pair string) *types.Signal {
	return &types.Signal{
		Pair:       pair,
		Timestamp:  execNow,
		Direction:  types.DirectionBuy,
		Strength:   60,
		Confidence: 65,
		FinalScore: 62,
		Entry: &types.Entry{
			Price:           1.1000,
			Direction:       types.DirectionBuy,
			StopLoss:        1.0910,
			TakeProfit:      1.1198,
			ATR:             0.0090,
			RiskReward:      2.2,
			StopMultiple:    1.0,
			VolatilityState: "normal",
			StopLossPips:    90,
			TakeProfitPips:  198,
			TrailingStop: types.TrailingStop{
				Enabled:              true,
				BreakevenAtFraction:  0.5,
				ActivationAtFraction: 0.6,
				TrailingDistance:     0.0054,
				StepDistance:         0.00135,
			},
		},
		RiskManagement: &types.RiskManagement{
			PositionSize: decimal.NewFromInt(10_000),
			RiskFraction: 0.005,
			CanTrade:     true,
		},
		IsValid:   &types.Validity{IsValid: true},
		ExpiresAt: execNow.Add(3 * time.Hour),
		Decision:  &types.Decision{State: types.StateEnter},
	}
}

func TestExecuteRejectsInvalidSignal(t *testing.T) {
	te := newTestEngine(t, nil)
	sig := execSignal("EURUSD")
	sig.IsValid = &types.Validity{IsValid: false, Reason: "decision WAIT_MONITOR"}

	res := te.engine.ExecuteTrade(context.Background(), "mt5", sig)
	if res.Success {
		t.Fatal("invalid signal must be rejected")
	}
	if !strings.Contains(res.Reason, "WAIT_MONITOR") {
		t.Errorf("reason = %q, want original validity reason", res.Reason)
	}
	if te.engine.OpenTradeCount() != 0 {
		t.Error("no trade may be opened for a rejected signal")
	}
}

func TestExecuteRejectsExpiredSignal(t *testing.T) {
	te := newTestEngine(t, nil)
	sig := execSignal("EURUSD")
	sig.ExpiresAt = execNow.Add(-time.Second)

	res := te.engine.ExecuteTrade(context.Background(), "mt5", sig)
	if res.Success {
		t.Fatal("expired signal must be rejected")
	}
	if !strings.Contains(res.Reason, "expired") {
		t.Errorf("reason = %q, want expiry mention", res.Reason)
	}
}

func TestTradeIDIsIdempotencyKey(t *testing.T) {
	te := newTestEngine(t, nil)
	router := &fakeRouter{}
	te.engine.SetRouter(router)

	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !res.Success || res.Trade == nil {
		t.Fatalf("execution failed: %s", res.Reason)
	}
	if len(router.placed) != 1 {
		t.Fatalf("placed orders = %d, want 1", len(router.placed))
	}
	req := router.placed[0]
	if req.IdempotencyKey == "" || req.IdempotencyKey != res.Trade.ID {
		t.Errorf("idempotencyKey = %q, want trade id %q", req.IdempotencyKey, res.Trade.ID)
	}
	if req.TradeID != res.Trade.ID {
		t.Errorf("tradeId = %q, want %q", req.TradeID, res.Trade.ID)
	}
	if !strings.HasPrefix(res.Trade.ID, "trade-") {
		t.Errorf("trade id = %q, want trade- prefix", res.Trade.ID)
	}

	// a second attempt with the same signal observes the first trade and
	// places no new order
	again := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !again.Success || again.Trade == nil {
		t.Fatalf("re-submission failed: %s", again.Reason)
	}
	if again.Trade.ID != res.Trade.ID {
		t.Errorf("re-submission trade id = %q, want first trade %q", again.Trade.ID, res.Trade.ID)
	}
	if len(router.placed) != 1 {
		t.Errorf("placed orders = %d, want still 1 after re-submission", len(router.placed))
	}
	if te.engine.OpenTradeCount() != 1 {
		t.Errorf("open trades = %d, want 1 after re-submission", te.engine.OpenTradeCount())
	}
}

func TestBrokerFailureRollsBackCompletely(t *testing.T) {
	te := newTestEngine(t, nil)
	te.engine.SetRouter(&fakeRouter{failPlace: true})

	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if res.Success {
		t.Fatal("broker failure must fail the execution")
	}
	if res.ErrorType != string(types.ErrorExecution) {
		t.Errorf("errorType = %q, want execution", res.ErrorType)
	}
	if te.engine.OpenTradeCount() != 0 {
		t.Error("trade must be removed on rollback")
	}
	if dr := te.risk.DailyRisk(); dr != 0 {
		t.Errorf("dailyRisk = %.4f, want 0 after refund", dr)
	}
}

func TestSymbolRiskLimitEnforced(t *testing.T) {
	te := newTestEngine(t, func(s *config.Snapshot) {
		s.Risk.MaxRiskPerSymbol = 0.008
	})

	first := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !first.Success {
		t.Fatalf("first trade failed: %s", first.Reason)
	}
	// a later signal on the same symbol, not a duplicate of the first
	later := execSignal("EURUSD")
	later.Timestamp = execNow.Add(time.Minute)
	second := te.engine.ExecuteTrade(context.Background(), "mt5", later)
	if second.Success {
		t.Fatal("second trade must breach the per-symbol risk limit")
	}
	if !strings.Contains(second.Reason, "symbol risk") {
		t.Errorf("reason = %q, want symbol risk mention", second.Reason)
	}
	if te.engine.OpenTradeCount() != 1 {
		t.Errorf("open trades = %d, want 1", te.engine.OpenTradeCount())
	}
}

func TestSlippageComputedAgainstFill(t *testing.T) {
	te := newTestEngine(t, func(s *config.Snapshot) {
		s.Risk.MaxSlippagePips = 0.5
	})
	te.engine.SetRouter(&fakeRouter{fill: 1.1001}) // one pip past the request

	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Reason)
	}
	got := res.Trade.Execution.SlippagePips
	if got < 0.99 || got > 1.01 {
		t.Errorf("slippagePips = %.3f, want ~1.0", got)
	}
	if !res.Trade.Execution.SlippageExceeded {
		t.Error("slippage must be flagged above maxSlippagePips")
	}
	if res.Trade.EntryPrice != 1.1001 {
		t.Errorf("entryPrice = %.5f, want filled price", res.Trade.EntryPrice)
	}
}

func TestBreakevenMoveAtHalfwayToTarget(t *testing.T) {
	te := newTestEngine(t, nil)
	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Reason)
	}
	te.quotes.set("EURUSD", 1.1100) // ~50.5% of the way to TP

	te.engine.ManageActiveTrades(context.Background())

	trades := te.engine.ActiveTrades()
	if len(trades) != 1 {
		t.Fatalf("active trades = %d, want 1", len(trades))
	}
	if !trades[0].MovedToBreakeven {
		t.Error("stop must move to breakeven at half the target distance")
	}
	if trades[0].StopLoss != trades[0].EntryPrice {
		t.Errorf("stopLoss = %.5f, want entry %.5f", trades[0].StopLoss, trades[0].EntryPrice)
	}
}

func TestStopLossCloseAndAccounting(t *testing.T) {
	te := newTestEngine(t, nil)
	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Reason)
	}
	te.quotes.set("EURUSD", 1.0905) // through the 1.0910 stop

	te.engine.ManageActiveTrades(context.Background())

	if te.engine.OpenTradeCount() != 0 {
		t.Fatal("trade must close at the stop")
	}
	closed := te.engine.RecentClosed()
	if len(closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(closed))
	}
	if closed[0].CloseReason != "stop_loss" {
		t.Errorf("closeReason = %q, want stop_loss", closed[0].CloseReason)
	}
	if !closed[0].FinalPnL.IsNegative() {
		t.Errorf("finalPnL = %s, want negative", closed[0].FinalPnL)
	}
	eq, _ := te.engine.Equity()
	if !eq.LessThan(decimal.NewFromInt(defaultBaseEquity)) {
		t.Errorf("equity = %s, want below base after a losing trade", eq)
	}
}

func TestSmartExitOnNewsWhenProfitable(t *testing.T) {
	te := newTestEngine(t, func(s *config.Snapshot) {
		s.TradeManagement.SmartSupervisorEnabled = true
		s.TradeManagement.NewsGuard = true
	})
	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Reason)
	}
	te.quotes.set("EURUSD", 1.1050) // +0.45% profit, above the 0.35% floor
	te.news.events = []types.NewsEvent{{
		Title: "rate decision", Currency: "EUR", Impact: 3, Time: execNow.Add(10 * time.Minute),
	}}

	te.engine.ManageActiveTrades(context.Background())

	closed := te.engine.RecentClosed()
	if len(closed) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(closed))
	}
	if closed[0].CloseReason != "smart_exit_news" {
		t.Errorf("closeReason = %q, want smart_exit_news", closed[0].CloseReason)
	}
	if !closed[0].FinalPnL.IsPositive() {
		t.Errorf("finalPnL = %s, want positive", closed[0].FinalPnL)
	}
}

func TestProtectionSyncThrottledAndDeduped(t *testing.T) {
	te := newTestEngine(t, func(s *config.Snapshot) {
		s.TradeManagement.DynamicTrailingEnabled = true
	})
	router := &fakeRouter{}
	te.engine.SetRouter(router)

	res := te.engine.ExecuteTrade(context.Background(), "mt5", execSignal("EURUSD"))
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Reason)
	}
	te.quotes.set("EURUSD", 1.1150) // past trailing activation

	te.engine.ManageActiveTrades(context.Background())
	modsAfterFirst := len(router.modified)
	if modsAfterFirst != 1 {
		t.Fatalf("modify calls = %d, want 1 after the stop moved", modsAfterFirst)
	}

	// same price, same stop: dedup keeps the broker quiet
	te.engine.ManageActiveTrades(context.Background())
	if len(router.modified) != modsAfterFirst {
		t.Errorf("modify calls = %d, want unchanged on identical stop", len(router.modified))
	}
}
