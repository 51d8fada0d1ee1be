package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/orchestrator"
	"github.com/fluxtrade/engine/pkg/types"
)

var mgrNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu      sync.Mutex
	signals map[string]*types.Signal
	calls   int
}

func (f *fakeSource) GenerateSignal(_ context.Context, pair string, _ orchestrator.Options) orchestrator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return orchestrator.Result{Signal: f.signals[pair]}
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type closeRecord struct {
	id     string
	reason string
	price  float64
}

type fakeDesk struct {
	mu          sync.Mutex
	open        map[string]*types.Trade
	executed    []*types.Signal
	closes      []closeRecord
	failExecute bool
}

func newFakeDesk() *fakeDesk {
	return &fakeDesk{open: make(map[string]*types.Trade)}
}

func (d *fakeDesk) ExecuteTrade(_ context.Context, broker string, sig *types.Signal) *types.ExecutionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failExecute {
		return &types.ExecutionResult{Success: false, Reason: "broker unavailable"}
	}
	d.executed = append(d.executed, sig)
	t := &types.Trade{
		ID: fmt.Sprintf("t-%d", len(d.executed)), Pair: sig.Pair, Broker: broker,
		Direction: sig.Direction, Status: types.TradeOpen, Signal: *sig,
	}
	d.open[t.ID] = t
	return &types.ExecutionResult{Success: true, Trade: t}
}

func (d *fakeDesk) CloseTrade(_ context.Context, tradeID string, price float64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes = append(d.closes, closeRecord{id: tradeID, reason: reason, price: price})
	delete(d.open, tradeID)
	return nil
}

func (d *fakeDesk) ManageActiveTrades(context.Context) {}

func (d *fakeDesk) ActiveTrades() []*types.Trade {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Trade, 0, len(d.open))
	for _, t := range d.open {
		out = append(out, t)
	}
	return out
}

func (d *fakeDesk) HasOpenTrade(pair string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.open {
		if t.Pair == pair {
			return true
		}
	}
	return false
}

func (d *fakeDesk) OpenTradeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

func (d *fakeDesk) executedPairs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.executed))
	for _, sig := range d.executed {
		out = append(out, sig.Pair)
	}
	return out
}

func (d *fakeDesk) addOpen(id, pair string, dir types.Direction) *types.Trade {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &types.Trade{ID: id, Pair: pair, Broker: "mt5", Direction: dir,
		EntryPrice: 1.1, Status: types.TradeOpen, OpenTime: mgrNow.Add(-time.Hour)}
	d.open[id] = t
	return t
}

type fakeFeed struct {
	connected bool
	active    []string
	known     []string
	quotes    map[string]float64
}

func (f *fakeFeed) IsConnected(string) bool          { return f.connected }
func (f *fakeFeed) GetActiveSymbols(string) []string { return f.active }

func (f *fakeFeed) ListKnownSymbols(string, time.Duration, int) []string {
	return f.known
}

func (f *fakeFeed) GetQuote(_, symbol string) (types.Quote, bool) {
	mid, ok := f.quotes[symbol]
	if !ok {
		return types.Quote{}, false
	}
	return types.Quote{Symbol: symbol, Bid: mid - 0.00005, Ask: mid + 0.00005, Timestamp: mgrNow}, true
}

func enterSignal(pair string, score, confidence, strength float64) *types.Signal {
	return &types.Signal{
		Pair:       pair,
		Timestamp:  mgrNow,
		Direction:  types.DirectionBuy,
		Confidence: confidence,
		Strength:   strength,
		IsValid:    &types.Validity{IsValid: true},
		ExpiresAt:  mgrNow.Add(time.Hour),
		Decision:   &types.Decision{State: types.StateEnter, Score: score},
	}
}

func newTestManager(t *testing.T, mutate func(*config.Snapshot)) (*Manager, *fakeSource, *fakeDesk, *fakeFeed, *fakeClock) {
	t.Helper()
	snap := config.Default()
	if mutate != nil {
		mutate(snap)
	}
	src := &fakeSource{signals: make(map[string]*types.Signal)}
	desk := newFakeDesk()
	feed := &fakeFeed{connected: true, quotes: make(map[string]float64)}
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	m := New(snap, catalog.New(), feed, src, desk, bus, zap.NewNop())
	clk := &fakeClock{t: mgrNow}
	m.now = clk.Now
	t.Cleanup(m.Stop)
	return m, src, desk, feed, clk
}

func enable(m *Manager, broker string) {
	m.mu.Lock()
	m.brokers[broker] = &brokerState{enabled: true, allowDisconnected: true}
	m.mu.Unlock()
}

func TestExecutionGatePassesStrongEnter(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, nil)
	ok, reason := m.EvaluateExecutionGate("mt5", enterSignal("EURUSD", 70, 60, 50), nil)
	if !ok {
		t.Fatalf("expected gate pass, got rejection: %s", reason)
	}
}

func TestExecutionGateRejections(t *testing.T) {
	m, _, desk, _, _ := newTestManager(t, nil)
	desk.addOpen("t-open", "GBPUSD", types.DirectionBuy)

	declined := false
	waitSig := enterSignal("EURUSD", 70, 60, 50)
	waitSig.Decision.State = types.StateWaitMonitor
	invalidSig := enterSignal("EURUSD", 70, 60, 50)
	invalidSig.IsValid = &types.Validity{IsValid: false, Reason: "expired"}
	noDecision := enterSignal("EURUSD", 70, 60, 50)
	noDecision.Decision = nil

	cases := []struct {
		name string
		sig  *types.Signal
		hint *bool
	}{
		{"no decision", noDecision, nil},
		{"crypto asset class", enterSignal("BTCUSD", 70, 60, 50), nil},
		{"open trade for pair", enterSignal("GBPUSD", 70, 60, 50), nil},
		{"wait monitor state", waitSig, nil},
		{"invalid signal", invalidSig, nil},
		{"hint declined", enterSignal("EURUSD", 70, 60, 50), &declined},
		{"low confidence", enterSignal("EURUSD", 70, 40, 50), nil},
		{"low strength", enterSignal("EURUSD", 70, 60, 30), nil},
	}
	for _, tc := range cases {
		if ok, _ := m.EvaluateExecutionGate("mt5", tc.sig, tc.hint); ok {
			t.Errorf("%s: expected gate rejection", tc.name)
		}
	}
}

func TestExecutionGateWaitMonitorOptIn(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.AllowWaitMonitor = true
	})
	sig := enterSignal("EURUSD", 70, 60, 50)
	sig.Decision.State = types.StateWaitMonitor
	if ok, reason := m.EvaluateExecutionGate("mt5", sig, nil); !ok {
		t.Fatalf("expected WAIT_MONITOR pass with opt-in, got: %s", reason)
	}
}

func TestExecutionGateSmartStrongFloors(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.SmartStrong = true
	})
	if ok, _ := m.EvaluateExecutionGate("mt5", enterSignal("EURUSD", 45, 60, 50), nil); ok {
		t.Error("decision score 45 should fail the smart-strong floor of 50")
	}
	if ok, _ := m.EvaluateExecutionGate("mt5", enterSignal("EURUSD", 55, 50, 50), nil); ok {
		t.Error("confidence 50 should fail the smart-strong floor of 55")
	}
	if ok, reason := m.EvaluateExecutionGate("mt5", enterSignal("EURUSD", 55, 60, 50), nil); !ok {
		t.Errorf("expected smart-strong pass, got: %s", reason)
	}
}

func TestExecutionGateLayers18(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.RealtimeRequireLayers18 = true
	})
	bare := enterSignal("EURUSD", 70, 60, 50)
	if ok, _ := m.EvaluateExecutionGate("mt5", bare, nil); ok {
		t.Error("expected rejection with no confluence layers")
	}

	ready := enterSignal("EURUSD", 70, 60, 50)
	for i := 0; i < 18; i++ {
		ready.Decision.Confluence.Layers = append(ready.Decision.Confluence.Layers,
			types.LayerResult{ID: fmt.Sprintf("L%d", i+1), Status: types.LayerPass, Weight: 1})
	}
	if ok, reason := m.EvaluateExecutionGate("mt5", ready, nil); !ok {
		t.Errorf("expected pass with all leading layers passing, got: %s", reason)
	}
}

func TestRankingDecisionScoreThenConfidenceThenStrength(t *testing.T) {
	m, _, desk, _, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.MaxNewTradesPerCycle = 3
	})
	enable(m, "mt5")

	candidates := []*types.Signal{
		enterSignal("GBPUSD", 60, 70, 60), // lower score, higher confidence
		enterSignal("EURUSD", 70, 50, 40), // best score
		enterSignal("USDJPY", 60, 70, 80), // ties GBPUSD on score+confidence, higher strength
	}
	m.executeRanked(context.Background(), "mt5", candidates, "scheduled_scan")

	got := desk.executedPairs()
	want := []string{"EURUSD", "USDJPY", "GBPUSD"}
	if len(got) != len(want) {
		t.Fatalf("executed %d trades, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("execution order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMaxNewTradesPerCycleDefaultsToOne(t *testing.T) {
	m, _, desk, _, _ := newTestManager(t, nil)
	enable(m, "mt5")

	m.executeRanked(context.Background(), "mt5", []*types.Signal{
		enterSignal("EURUSD", 70, 60, 50),
		enterSignal("GBPUSD", 65, 60, 50),
	}, "scheduled_scan")

	got := desk.executedPairs()
	if len(got) != 1 || got[0] != "EURUSD" {
		t.Fatalf("expected only the best candidate to execute, got %v", got)
	}
}

func TestRealtimeDebounceKeepsBestPerPair(t *testing.T) {
	m, _, desk, _, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.RealtimeEnabled = true
	})
	enable(m, "mt5")

	weak := enterSignal("EURUSD", 55, 50, 40)
	strong := enterSignal("EURUSD", 75, 65, 55)
	m.EnqueueRealtimeSignal("mt5", weak)
	m.EnqueueRealtimeSignal("mt5", strong)
	m.flushRealtime(context.Background(), "mt5")

	desk.mu.Lock()
	defer desk.mu.Unlock()
	if len(desk.executed) != 1 {
		t.Fatalf("executed %d trades, want 1", len(desk.executed))
	}
	if desk.executed[0].Decision.Score != 75 {
		t.Errorf("executed score = %v, want the stronger candidate (75)", desk.executed[0].Decision.Score)
	}
}

func TestRealtimeCooldownBlocksRepeatTrades(t *testing.T) {
	m, _, desk, _, clk := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.RealtimeEnabled = true
	})
	enable(m, "mt5")

	m.EnqueueRealtimeSignal("mt5", enterSignal("EURUSD", 70, 60, 50))
	m.flushRealtime(context.Background(), "mt5")
	if n := desk.OpenTradeCount(); n != 1 {
		t.Fatalf("open trades = %d, want 1", n)
	}
	desk.mu.Lock()
	desk.open = make(map[string]*types.Trade) // simulate the trade closing
	desk.mu.Unlock()

	// within the 3-minute cooldown: dropped at enqueue
	clk.Advance(time.Minute)
	m.EnqueueRealtimeSignal("mt5", enterSignal("EURUSD", 70, 60, 50))
	m.flushRealtime(context.Background(), "mt5")
	if got := len(desk.executedPairs()); got != 1 {
		t.Fatalf("executed %d trades inside cooldown, want 1", got)
	}

	clk.Advance(3 * time.Minute)
	m.EnqueueRealtimeSignal("mt5", enterSignal("EURUSD", 70, 60, 50))
	m.flushRealtime(context.Background(), "mt5")
	if got := len(desk.executedPairs()); got != 2 {
		t.Fatalf("executed %d trades after cooldown, want 2", got)
	}
}

func TestEnqueueIgnoresDisabledBroker(t *testing.T) {
	m, _, desk, _, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.RealtimeEnabled = true
	})
	m.EnqueueRealtimeSignal("mt5", enterSignal("EURUSD", 70, 60, 50))
	m.flushRealtime(context.Background(), "mt5")
	if got := len(desk.executedPairs()); got != 0 {
		t.Fatalf("executed %d trades on a disabled broker, want 0", got)
	}
}

func TestScheduledScanIntervalPerPair(t *testing.T) {
	m, src, desk, _, clk := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.ConfiguredPairs = []string{"EURUSD"}
		s.AutoTrading.DynamicUniverseEnabled = false
	})
	enable(m, "mt5")
	src.signals["EURUSD"] = enterSignal("EURUSD", 70, 60, 50)

	m.CheckForNewSignals(context.Background())
	if got := src.callCount(); got != 1 {
		t.Fatalf("generate calls = %d, want 1", got)
	}
	if got := len(desk.executedPairs()); got != 1 {
		t.Fatalf("executed = %d, want 1", got)
	}

	// second scan before the 15-minute interval elapses skips the pair
	clk.Advance(5 * time.Minute)
	m.CheckForNewSignals(context.Background())
	if got := src.callCount(); got != 1 {
		t.Fatalf("generate calls after early rescan = %d, want 1", got)
	}

	clk.Advance(15 * time.Minute)
	m.CheckForNewSignals(context.Background())
	if got := src.callCount(); got != 2 {
		t.Fatalf("generate calls after interval = %d, want 2", got)
	}
}

func TestScheduledScanSkipsDisconnectedBroker(t *testing.T) {
	m, src, _, feed, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.ConfiguredPairs = []string{"EURUSD"}
		s.AutoTrading.DynamicUniverseEnabled = false
	})
	feed.connected = false
	m.mu.Lock()
	m.brokers["mt5"] = &brokerState{enabled: true, allowDisconnected: false}
	m.mu.Unlock()

	m.CheckForNewSignals(context.Background())
	if got := src.callCount(); got != 0 {
		t.Fatalf("generate calls on disconnected broker = %d, want 0", got)
	}
}

func TestUniverseMergesAndCaps(t *testing.T) {
	m, _, _, feed, _ := newTestManager(t, func(s *config.Snapshot) {
		s.AutoTrading.ConfiguredPairs = []string{"EURUSD", "GBPUSD"}
		s.AutoTrading.UniverseMaxSymbols = 4
	})
	feed.active = []string{"EURUSD.pro", "USDJPY", "XAUUSD", "AUDUSD"}

	got := m.universe("mt5")
	want := []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD"}
	if len(got) != len(want) {
		t.Fatalf("universe = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("universe[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSmartExitClosesOnStrongReverseSignal(t *testing.T) {
	m, src, desk, feed, _ := newTestManager(t, nil)
	enable(m, "mt5")
	desk.addOpen("t-1", "EURUSD", types.DirectionBuy)
	feed.quotes["EURUSD"] = 1.1050

	reverse := enterSignal("EURUSD", 65, 65, 55)
	reverse.Direction = types.DirectionSell
	src.signals["EURUSD"] = reverse

	m.MonitorSmartExits(context.Background())

	desk.mu.Lock()
	defer desk.mu.Unlock()
	if len(desk.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(desk.closes))
	}
	if desk.closes[0].reason != "smart_exit_reverse" {
		t.Errorf("close reason = %s, want smart_exit_reverse", desk.closes[0].reason)
	}
	if desk.closes[0].id != "t-1" {
		t.Errorf("closed trade = %s, want t-1", desk.closes[0].id)
	}
}

func TestSmartExitIgnoresWeakOrSameDirectionSignals(t *testing.T) {
	m, src, desk, feed, clk := newTestManager(t, nil)
	enable(m, "mt5")
	desk.addOpen("t-1", "EURUSD", types.DirectionBuy)
	feed.quotes["EURUSD"] = 1.1050

	// same direction: no exit
	src.signals["EURUSD"] = enterSignal("EURUSD", 80, 80, 80)
	m.MonitorSmartExits(context.Background())

	// reverse but below the exit floors (conf 55 < 60)
	clk.Advance(time.Minute)
	weak := enterSignal("EURUSD", 65, 55, 55)
	weak.Direction = types.DirectionSell
	src.signals["EURUSD"] = weak
	m.MonitorSmartExits(context.Background())

	desk.mu.Lock()
	defer desk.mu.Unlock()
	if len(desk.closes) != 0 {
		t.Fatalf("closes = %d, want 0", len(desk.closes))
	}
}

func TestSmartExitRecheckThrottled(t *testing.T) {
	m, src, desk, feed, clk := newTestManager(t, nil)
	enable(m, "mt5")
	desk.addOpen("t-1", "EURUSD", types.DirectionBuy)
	feed.quotes["EURUSD"] = 1.1050
	src.signals["EURUSD"] = enterSignal("EURUSD", 80, 80, 80)

	m.MonitorSmartExits(context.Background())
	if got := src.callCount(); got != 1 {
		t.Fatalf("generate calls = %d, want 1", got)
	}

	clk.Advance(10 * time.Second)
	m.MonitorSmartExits(context.Background())
	if got := src.callCount(); got != 1 {
		t.Fatalf("generate calls inside recheck window = %d, want 1", got)
	}

	clk.Advance(30 * time.Second)
	m.MonitorSmartExits(context.Background())
	if got := src.callCount(); got != 2 {
		t.Fatalf("generate calls after recheck window = %d, want 2", got)
	}
}

func TestLiveTradeContextPublished(t *testing.T) {
	m, _, desk, feed, _ := newTestManager(t, nil)
	desk.addOpen("t-1", "EURUSD", types.DirectionBuy)
	feed.quotes["EURUSD"] = 1.1050

	received := make(chan events.Event, 4)
	m.bus.Subscribe(func(ev events.Event) {
		received <- ev
	}, events.TypeTradeLiveContext)

	m.MonitorLiveTradeContexts()

	select {
	case ev := <-received:
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type = %T, want map", ev.Payload)
		}
		if payload["tradeId"] != "t-1" {
			t.Errorf("tradeId = %v, want t-1", payload["tradeId"])
		}
		if payload["currentPrice"].(float64) <= 0 {
			t.Error("expected a live price in the context payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trade_live_context event received")
	}
}

func TestStopAutoTradingKeepsLoopWithOpenTrades(t *testing.T) {
	m, _, desk, _, _ := newTestManager(t, nil)
	desk.addOpen("t-1", "EURUSD", types.DirectionBuy)

	m.StartAutoTrading("mt5", true)
	m.StopAutoTrading("mt5")

	st := m.Snapshot()
	if !st.Running {
		t.Error("expected monitoring loop to keep running while a trade is open")
	}
	if len(st.EnabledBrokers) != 0 {
		t.Errorf("enabled brokers = %v, want none", st.EnabledBrokers)
	}

	desk.mu.Lock()
	desk.open = make(map[string]*types.Trade)
	desk.mu.Unlock()
	m.StopAutoTrading("mt5")
	if st := m.Snapshot(); st.Running {
		t.Error("expected loops to stop with no enabled broker and no open trades")
	}
}
