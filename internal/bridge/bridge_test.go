package bridge

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

func newTestService(cfg Config) *Service {
	logger := zap.NewNop()
	bus := events.NewBus(logger, events.DefaultConfig())
	return New(cfg, catalog.New(), bus, logger)
}

func TestRecordQuotesValidation(t *testing.T) {
	s := newTestService(DefaultConfig())
	defer s.Stop()

	quotes := []types.Quote{
		{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002},
		{Symbol: "eu", Bid: 1, Ask: 1},           // too short
		{Symbol: "EUR/USD", Bid: 1, Ask: 1},      // illegal character
		{Symbol: "GBPUSD", Bid: 0, Ask: 0},       // no price
		{Symbol: "gbpusd", Bid: 1.27, Ask: 1.2702}, // normalized to uppercase
	}
	accepted, rejected := s.RecordQuotes("mt5", quotes)
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if len(rejected) != 3 {
		t.Errorf("rejected = %v, want 3 entries", rejected)
	}
	if _, ok := s.GetQuote("mt5", "GBPUSD"); !ok {
		t.Error("lowercase symbol should be stored uppercased")
	}
}

func TestQuoteHistoryBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuoteMaxPoints = 10
	s := newTestService(cfg)
	defer s.Stop()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 25; i++ {
		s.RecordQuotes("mt5", []types.Quote{{
			Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}})
	}
	hist := s.QuoteHistory("mt5", "EURUSD")
	if len(hist) != 10 {
		t.Fatalf("history length = %d, want 10", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Errorf("history out of order at %d", i)
		}
	}
	// newest points survive the cap
	if got := hist[len(hist)-1].Timestamp; !got.Equal(base.Add(24 * time.Second)) {
		t.Errorf("newest timestamp = %v, want the last recorded", got)
	}
}

func TestQuoteHistoryTimePruning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuoteRetention = time.Minute
	s := newTestService(cfg)
	defer s.Stop()

	s.RecordQuotes("mt5", []types.Quote{{
		Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002,
		Timestamp: time.Now().Add(-5 * time.Minute),
	}})
	s.RecordQuotes("mt5", []types.Quote{{
		Symbol: "EURUSD", Bid: 1.1001, Ask: 1.1003,
	}})

	hist := s.QuoteHistory("mt5", "EURUSD")
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1 after time pruning", len(hist))
	}
}

func TestHeartbeatDrivesConnectivity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	s := newTestService(cfg)
	defer s.Stop()

	s.RegisterSession(types.Session{Broker: "mt5", AccountNumber: "100234"})
	if !s.IsConnected("mt5") {
		t.Fatal("broker should be connected after register")
	}
	time.Sleep(70 * time.Millisecond)
	if s.IsConnected("mt5") {
		t.Error("broker should be disconnected after heartbeat timeout")
	}
	s.HandleHeartbeat("mt5", "100234", 10050, 10000)
	if !s.IsConnected("mt5") {
		t.Error("heartbeat should restore connectivity")
	}
}

func TestBarHistoryAscendingAndReplace(t *testing.T) {
	s := newTestService(DefaultConfig())
	defer s.Stop()

	t0 := time.Now().Truncate(time.Hour)
	bars := []types.Bar{
		{Symbol: "EURUSD", Timeframe: types.TimeframeH1, Open: 1, High: 2, Low: 0.9, Close: 1.5, Time: t0},
		{Symbol: "EURUSD", Timeframe: types.TimeframeH1, Open: 1.5, High: 2, Low: 1.4, Close: 1.6, Time: t0.Add(time.Hour)},
	}
	s.RecordMarketBars("mt5", bars)
	// re-push the in-progress bar with a new close
	s.RecordMarketBars("mt5", []types.Bar{
		{Symbol: "EURUSD", Timeframe: types.TimeframeH1, Open: 1.5, High: 2.1, Low: 1.4, Close: 1.9, Time: t0.Add(time.Hour)},
	})

	asc := s.GetBarsAscending("mt5", "EURUSD", types.TimeframeH1, 0)
	if len(asc) != 2 {
		t.Fatalf("bar count = %d, want 2", len(asc))
	}
	if asc[1].Close != 1.9 {
		t.Errorf("in-progress bar not replaced, close = %v", asc[1].Close)
	}

	desc := s.GetBars("mt5", "EURUSD", types.TimeframeH1, 1)
	if len(desc) != 1 || !desc[0].Time.Equal(t0.Add(time.Hour)) {
		t.Error("GetBars must return newest first")
	}
}

func TestClosedBarFiresTrigger(t *testing.T) {
	s := newTestService(DefaultConfig())
	defer s.Stop()

	var gotBroker string
	var gotSymbols []string
	s.SetBarTrigger(func(broker string, symbols []string) {
		gotBroker = broker
		gotSymbols = symbols
	})

	s.RecordMarketBars("mt5", []types.Bar{
		{Symbol: "EURUSD", Timeframe: types.TimeframeM15, Open: 1, High: 1, Low: 1, Close: 1, Time: time.Now(), Closed: true},
	})
	if gotBroker != "mt5" || len(gotSymbols) != 1 || gotSymbols[0] != "EURUSD" {
		t.Errorf("trigger = (%s, %v), want (mt5, [EURUSD])", gotBroker, gotSymbols)
	}

	// open bars alone must not trigger
	gotSymbols = nil
	s.RecordMarketBars("mt5", []types.Bar{
		{Symbol: "GBPUSD", Timeframe: types.TimeframeM15, Open: 1, High: 1, Low: 1, Close: 1, Time: time.Now()},
	})
	if gotSymbols != nil {
		t.Error("open bar should not fire the trigger")
	}
}

func TestSeedBatchFiresTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeedBatchTrigger = 5
	s := newTestService(cfg)
	defer s.Stop()

	var fired bool
	s.SetBarTrigger(func(string, []string) { fired = true })

	bars := make([]types.Bar, 5)
	t0 := time.Now().Truncate(time.Hour)
	for i := range bars {
		bars[i] = types.Bar{Symbol: "XAUUSD", Timeframe: types.TimeframeH1,
			Open: 1, High: 1, Low: 1, Close: 1, Time: t0.Add(time.Duration(i) * time.Hour)}
	}
	s.RecordMarketBars("mt5", bars)
	if !fired {
		t.Error("seed batch at threshold should fire the trigger")
	}
}

func TestActiveSymbolTTL(t *testing.T) {
	s := newTestService(DefaultConfig())
	defer s.Stop()

	s.SetActiveSymbols("mt5", []string{"EURUSD", "XAUUSD"}, 50*time.Millisecond)
	if got := s.GetActiveSymbols("mt5"); len(got) != 2 {
		t.Fatalf("active = %v, want 2 symbols", got)
	}
	time.Sleep(70 * time.Millisecond)
	if got := s.GetActiveSymbols("mt5"); len(got) != 0 {
		t.Errorf("active = %v, want expired empty set", got)
	}

	s.TouchActiveSymbol("mt5", "BTCUSD", time.Minute)
	if got := s.GetActiveSymbols("mt5"); len(got) != 1 || got[0] != "BTCUSD" {
		t.Errorf("active = %v, want [BTCUSD]", got)
	}
}

func TestManagementCommandFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommandQueueMax = 5
	s := newTestService(cfg)
	defer s.Stop()

	var cmds []types.ManagementCommand
	for i := 0; i < 8; i++ {
		cmds = append(cmds, types.ManagementCommand{Action: "modify_sl", Symbol: "EURUSD"})
	}
	s.EnqueueManagementCommands("mt5", cmds)

	first := s.DrainManagementCommands("mt5", 3)
	if len(first) != 3 {
		t.Fatalf("drained = %d, want 3", len(first))
	}
	rest := s.DrainManagementCommands("mt5", 0) // default limit 20
	if len(rest) != 2 {
		t.Errorf("remaining = %d, want 2 (queue capped at 5)", len(rest))
	}
	if again := s.DrainManagementCommands("mt5", 10); len(again) != 0 {
		t.Errorf("drain must be destructive, got %d", len(again))
	}
}

func TestListKnownSymbolsFreshness(t *testing.T) {
	s := newTestService(DefaultConfig())
	defer s.Stop()

	s.RecordSymbols("mt5", []string{"EURUSD", "GBPUSD", "XAUUSD", "not ok"})
	got := s.ListKnownSymbols("mt5", time.Minute, 2)
	if len(got) != 2 {
		t.Fatalf("known = %v, want 2 (max cap)", got)
	}
	if all := s.ListKnownSymbols("mt5", 0, 0); len(all) != 3 {
		t.Errorf("known = %v, want 3 valid symbols", all)
	}
}

func TestUpcomingNewsRelevance(t *testing.T) {
	s := newTestService(DefaultConfig())
	defer s.Stop()

	now := time.Now()
	s.RecordNews("mt5", []types.NewsEvent{
		{Title: "NFP", Currency: "USD", Impact: 3, Time: now.Add(10 * time.Minute)},
		{Title: "ECB presser", Currency: "EUR", Impact: 3, Time: now.Add(20 * time.Minute)},
		{Title: "BoJ minutes", Currency: "JPY", Impact: 3, Time: now.Add(5 * time.Minute)},
		{Title: "Old print", Currency: "USD", Impact: 3, Time: now.Add(-2 * time.Hour)},
		{Title: "Low impact", Currency: "USD", Impact: 1, Time: now.Add(15 * time.Minute)},
	})

	got := s.UpcomingNews("mt5", "EURUSD", 30*time.Minute, 2)
	if len(got) != 2 {
		t.Fatalf("upcoming = %d events, want 2 (USD + EUR)", len(got))
	}
	if got[0].Title != "NFP" {
		t.Errorf("nearest event = %s, want NFP", got[0].Title)
	}
}
