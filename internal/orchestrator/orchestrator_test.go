package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/internal/bridge"
	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/gate"
	"github.com/fluxtrade/engine/internal/quality"
	"github.com/fluxtrade/engine/internal/risk"
	"github.com/fluxtrade/engine/pkg/types"
)

var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, mutate func(*config.Snapshot)) *Coordinator {
	t.Helper()
	snap := config.Default()
	if mutate != nil {
		mutate(snap)
	}
	cat := catalog.New()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	br := bridge.New(bridge.DefaultConfig(), cat, bus, zap.NewNop())
	guard := quality.New(quality.DefaultConfig(), br, cat, bus, nil, zap.NewNop())
	set := analyzers.DefaultSet(cat, 30*time.Minute, 2)
	rk := risk.New(snap.Risk, cat, bus, zap.NewNop())
	g := gate.New(snap, cat, zap.NewNop())

	c := New(snap, cat, br, guard, set, rk, g, bus, zap.NewNop())
	c.now = func() time.Time { return testNow }
	return c
}

type stubProvider struct {
	mc  analyzers.MarketContext
	err error
}

func (p *stubProvider) MarketContext(context.Context, string, string) (analyzers.MarketContext, error) {
	return p.mc, p.err
}

type stubExecutor struct {
	calls int
}

func (s *stubExecutor) ExecuteTrade(context.Context, string, *types.Signal) *types.ExecutionResult {
	s.calls++
	return &types.ExecutionResult{Success: true, Timestamp: time.Now()}
}

type stubFilter struct {
	name   string
	demote bool
}

func (f stubFilter) Name() string { return f.name }
func (f stubFilter) Review(*types.Signal) (bool, string) {
	return f.demote, "historical edge below floor"
}

func trendBars(tf types.Timeframe, n int, start, step float64, end time.Time) []types.Bar {
	bars := make([]types.Bar, n)
	interval := time.Duration(tf.Minutes()) * time.Minute
	for i := 0; i < n; i++ {
		open := start + float64(i)*step
		close := open + step
		bars[i] = types.Bar{
			Symbol:    "EURUSD",
			Timeframe: tf,
			Open:      open,
			High:      close + step*0.2,
			Low:       open - step*0.2,
			Close:     close,
			Volume:    1000 + float64(i%7)*90,
			Time:      end.Add(-time.Duration(n-1-i) * interval),
			Closed:    true,
		}
	}
	return bars
}

func TestProviderFailureReturnsNeutralFallback(t *testing.T) {
	c := newTestCoordinator(t, nil)
	// empty bridge: the default provider has nothing to serve

	res := c.GenerateSignal(context.Background(), "EURUSD", Options{Broker: "mt5"})
	sig := res.Signal
	if sig == nil {
		t.Fatal("fallback signal expected")
	}
	if sig.Direction != types.DirectionNeutral {
		t.Errorf("direction = %s, want NEUTRAL", sig.Direction)
	}
	if sig.Strength != 0 || sig.FinalScore != 0 {
		t.Errorf("strength/finalScore = %.1f/%.1f, want 0/0", sig.Strength, sig.FinalScore)
	}
	if sig.Entry != nil || sig.RiskManagement != nil {
		t.Error("neutral fallback must not carry entry or sizing")
	}
	if sig.IsValid == nil || sig.IsValid.IsValid {
		t.Fatal("fallback must be invalid")
	}
	if !strings.HasPrefix(sig.IsValid.Reason, string(types.ErrorProvider)) {
		t.Errorf("reason = %q, want provider-classified prefix", sig.IsValid.Reason)
	}
	if sig.SignalStatus != types.SignalNeutral {
		t.Errorf("status = %s, want NEUTRAL", sig.SignalStatus)
	}
	// H1 scaffold: 3 bars * 60m * 0.2 neutral multiplier
	if want := testNow.Add(36 * time.Minute); !sig.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", sig.ExpiresAt, want)
	}
}

func TestNeutralSignalCarriesNoTradePayload(t *testing.T) {
	c := newTestCoordinator(t, nil)
	c.SetContextProvider(&stubProvider{mc: analyzers.MarketContext{
		Broker: "mt5",
		Pair:   "EURUSD",
		Quote: &types.Quote{
			Broker: "mt5", Symbol: "EURUSD",
			Bid: 1.1000, Ask: 1.10008,
			Timestamp: testNow, ReceivedAt: testNow,
		},
	}})

	sig := c.GenerateSignal(context.Background(), "EURUSD", Options{Broker: "mt5"}).Signal
	if sig.Direction != types.DirectionNeutral {
		t.Fatalf("direction = %s, want NEUTRAL for contextless quote", sig.Direction)
	}
	if sig.Strength != 0 || sig.FinalScore != 0 {
		t.Errorf("neutral invariant broken: strength %.1f finalScore %.1f", sig.Strength, sig.FinalScore)
	}
	if sig.Entry != nil || sig.RiskManagement != nil {
		t.Error("neutral signal must not carry entry or sizing")
	}
	if sig.Decision == nil {
		t.Fatal("gate decision must be attached")
	}
}

func TestGeneratedSignalBounds(t *testing.T) {
	mc := analyzers.MarketContext{
		Broker: "mt5",
		Pair:   "EURUSD",
		Quote: &types.Quote{
			Broker: "mt5", Symbol: "EURUSD",
			Bid: 1.0999, Ask: 1.1000,
			Timestamp: testNow, ReceivedAt: testNow,
		},
		BarsByTimeframe: map[types.Timeframe][]types.Bar{
			types.TimeframeM15: trendBars(types.TimeframeM15, 240, 1.0900, 0.0001, testNow),
			types.TimeframeH1:  trendBars(types.TimeframeH1, 120, 1.0700, 0.0004, testNow),
			types.TimeframeH4:  trendBars(types.TimeframeH4, 80, 1.0500, 0.0008, testNow),
			types.TimeframeD1:  trendBars(types.TimeframeD1, 60, 1.0200, 0.0015, testNow),
		},
		News: []types.NewsEvent{},
	}
	c := newTestCoordinator(t, nil)
	c.SetContextProvider(&stubProvider{mc: mc})

	sig := c.GenerateSignal(context.Background(), "EURUSD", Options{Broker: "mt5"}).Signal
	for name, v := range map[string]float64{
		"strength":   sig.Strength,
		"confidence": sig.Confidence,
		"finalScore": sig.FinalScore,
	} {
		if v < 0 || v > 100 {
			t.Errorf("%s = %.2f, out of [0,100]", name, v)
		}
	}
	if sig.EstimatedWinRate != 0 && (sig.EstimatedWinRate < 35 || sig.EstimatedWinRate > 85) {
		t.Errorf("estimatedWinRate = %.2f, out of [35,85]", sig.EstimatedWinRate)
	}
	if sig.Entry != nil && sig.Entry.RiskReward < 1 {
		t.Errorf("riskReward = %.2f, want >= 1", sig.Entry.RiskReward)
	}
	if sig.Decision == nil {
		t.Fatal("decision missing")
	}
	if !sig.ExpiresAt.After(testNow) {
		t.Errorf("expiresAt = %v, want after %v", sig.ExpiresAt, testNow)
	}
	if sig.Components.MarketData.SpreadStatus == "" {
		t.Error("marketData enrichment missing with a live quote")
	}
	if sig.SignalStatus == "" {
		t.Error("signalStatus not assigned")
	}
}

func TestValidityLifecycle(t *testing.T) {
	c := newTestCoordinator(t, nil)

	enter := &types.Signal{
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateEnter},
		IsValid:   &types.Validity{IsValid: true},
	}
	c.applyValidity(enter, analyzers.TechnicalReport{PrimaryTimeframe: types.TimeframeH1}, testNow)
	if want := testNow.Add(3 * time.Hour); !enter.ExpiresAt.Equal(want) {
		t.Errorf("ENTER H1 expiresAt = %v, want %v", enter.ExpiresAt, want)
	}
	if enter.SignalStatus != types.SignalActive {
		t.Errorf("ENTER status = %s, want ACTIVE", enter.SignalStatus)
	}

	wait := &types.Signal{
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateWaitMonitor},
		IsValid:   &types.Validity{IsValid: false},
	}
	c.applyValidity(wait, analyzers.TechnicalReport{PrimaryTimeframe: types.TimeframeH1}, testNow)
	if want := testNow.Add(108 * time.Minute); !wait.ExpiresAt.Equal(want) {
		t.Errorf("WAIT H1 expiresAt = %v, want %v", wait.ExpiresAt, want)
	}
	if wait.SignalStatus != types.SignalWatch {
		t.Errorf("WAIT status = %s, want WATCH", wait.SignalStatus)
	}

	blocked := &types.Signal{
		Direction: types.DirectionNeutral,
		Decision:  &types.Decision{State: types.StateBlocked, Blocked: true},
		IsValid:   &types.Validity{IsValid: false},
	}
	c.applyValidity(blocked, analyzers.TechnicalReport{PrimaryTimeframe: types.TimeframeH1}, testNow)
	if want := testNow.Add(36 * time.Minute); !blocked.ExpiresAt.Equal(want) {
		t.Errorf("BLOCKED H1 expiresAt = %v, want %v", blocked.ExpiresAt, want)
	}
	if blocked.SignalStatus != types.SignalBlocked {
		t.Errorf("BLOCKED status = %s, want BLOCKED", blocked.SignalStatus)
	}
}

func TestValidityClampedToMax(t *testing.T) {
	c := newTestCoordinator(t, func(s *config.Snapshot) {
		s.Signal.MaxValidity = time.Hour
	})
	sig := &types.Signal{
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateEnter},
		IsValid:   &types.Validity{IsValid: true},
	}
	// D1 base is 72h; the cap wins
	c.applyValidity(sig, analyzers.TechnicalReport{PrimaryTimeframe: types.TimeframeD1}, testNow)
	if want := testNow.Add(time.Hour); !sig.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want clamped %v", sig.ExpiresAt, want)
	}
}

func TestStatusExpired(t *testing.T) {
	sig := &types.Signal{
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateEnter},
		IsValid:   &types.Validity{IsValid: true},
		ExpiresAt: testNow.Add(-time.Minute),
	}
	if got := statusFor(sig, testNow); got != types.SignalExpired {
		t.Errorf("status = %s, want EXPIRED", got)
	}
}

func TestSpreadStatusThresholds(t *testing.T) {
	c := newTestCoordinator(t, nil)
	cases := []struct {
		ask    float64
		status string
	}{
		{1.10010, "ok"},       // 1.0 pips
		{1.10020, "elevated"}, // 2.0 pips > 0.66 * 2.4
		{1.10030, "critical"}, // 3.0 pips > 2.4
	}
	for _, tc := range cases {
		sig := &types.Signal{Pair: "EURUSD"}
		q := &types.Quote{Bid: 1.1000, Ask: tc.ask, Timestamp: testNow, ReceivedAt: testNow}
		c.enrichMarketData(sig, q, testNow)
		if sig.Components.MarketData.SpreadStatus != tc.status {
			t.Errorf("ask %.5f: status = %s, want %s",
				tc.ask, sig.Components.MarketData.SpreadStatus, tc.status)
		}
	}
}

func TestEAModeSyntheticQualityReport(t *testing.T) {
	c := newTestCoordinator(t, nil)
	rep := c.qualityFor("EURUSD", Options{Broker: "mt5", AnalysisMode: AnalysisModeEA}, 0.8, testNow)
	if rep.Status != types.QualityHealthy || rep.Recommendation != types.RecommendProceed {
		t.Errorf("synthetic report = %s/%s, want healthy/proceed", rep.Status, rep.Recommendation)
	}
	if !rep.SyntheticRelaxed {
		t.Error("syntheticRelaxed must be set in EA mode")
	}
	found := false
	for _, issue := range rep.Issues {
		if issue == "ea_bridge_source" {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %v, want ea_bridge_source tag", rep.Issues)
	}
}

func TestQualityReportCached(t *testing.T) {
	c := newTestCoordinator(t, nil)
	opts := Options{Broker: "mt5", QualityTTL: time.Minute}

	a := c.qualityFor("EURUSD", opts, 0, testNow)
	b := c.qualityFor("EURUSD", opts, 0, testNow.Add(30*time.Second))
	if !a.AssessedAt.Equal(b.AssessedAt) {
		t.Error("second call inside the TTL must be served from cache")
	}
	cRep := c.qualityFor("EURUSD", opts, 0, testNow.Add(2*time.Minute))
	if a.AssessedAt.Equal(cRep.AssessedAt) {
		t.Error("call past the TTL must reassess")
	}
}

func TestSecondaryFilterDowngradesEnter(t *testing.T) {
	c := newTestCoordinator(t, nil)
	c.AddSecondaryFilter(stubFilter{name: "backtest_validator", demote: true})

	sig := &types.Signal{
		Pair:      "EURUSD",
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateEnter},
	}
	c.applyFilters(sig)
	if sig.Decision.State != types.StateWaitMonitor {
		t.Errorf("state = %s, want WAIT_MONITOR after demotion", sig.Decision.State)
	}
	if len(sig.Reasoning) == 0 || !strings.Contains(sig.Reasoning[0], "backtest_validator") {
		t.Errorf("reasoning = %v, want filter attribution", sig.Reasoning)
	}
}

func TestSecondaryFilterKeepsEnter(t *testing.T) {
	c := newTestCoordinator(t, nil)
	c.AddSecondaryFilter(stubFilter{name: "advanced_filter", demote: false})

	sig := &types.Signal{
		Pair:      "EURUSD",
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateEnter},
	}
	c.applyFilters(sig)
	if sig.Decision.State != types.StateEnter {
		t.Errorf("state = %s, want ENTER preserved", sig.Decision.State)
	}
}

func TestAutoExecuteRequiresValidEnter(t *testing.T) {
	c := newTestCoordinator(t, nil)
	ex := &stubExecutor{}
	c.SetExecutor(ex)
	opts := Options{Broker: "mt5", AutoExecute: true}

	enter := &types.Signal{
		Pair:      "EURUSD",
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateEnter},
		IsValid:   &types.Validity{IsValid: true},
	}
	if res := c.maybeExecute(context.Background(), opts, enter); res == nil || !res.Success {
		t.Error("valid ENTER signal must be executed")
	}
	if ex.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", ex.calls)
	}

	wait := &types.Signal{
		Pair:      "EURUSD",
		Direction: types.DirectionBuy,
		Decision:  &types.Decision{State: types.StateWaitMonitor},
		IsValid:   &types.Validity{IsValid: false},
	}
	if res := c.maybeExecute(context.Background(), opts, wait); res != nil {
		t.Error("WAIT_MONITOR signal must not execute")
	}
	if ex.calls != 1 {
		t.Errorf("executor calls = %d, want still 1", ex.calls)
	}
}

func TestConfidenceFloorIsMinimumNotCap(t *testing.T) {
	c := newTestCoordinator(t, nil)
	tech := analyzers.TechnicalReport{Score: 40, Confidence: 66, LatestPrice: 1.1000}
	econ := analyzers.EconomicReport{Score: 40, Confidence: 66}
	news := analyzers.NewsReport{Score: 40, Confidence: 66}

	sig := c.combine("EURUSD", 1.1000, tech, econ, news, testNow, nil)
	if sig.Confidence != 66 {
		t.Fatalf("confidence = %.1f, want 66: quality never lowers analyzer confidence", sig.Confidence)
	}

	sig.Decision = &types.Decision{State: types.StateEnter}
	sig.RiskManagement = &types.RiskManagement{CanTrade: true}

	// healthy data (floor 50) clears; degraded data demands more, not less
	if v := validityVerdict(sig, 50); !v.IsValid {
		t.Errorf("confidence 66 against floor 50 invalid: %s", v.Reason)
	}
	if v := validityVerdict(sig, 70); v.IsValid {
		t.Error("confidence 66 must not clear a quality floor of 70")
	} else if !strings.Contains(v.Reason, "quality floor") {
		t.Errorf("reason = %q, want quality floor mention", v.Reason)
	}
	if v := validityVerdict(sig, 0); !v.IsValid {
		t.Errorf("zero floor must not gate: %s", v.Reason)
	}
}

func TestServedSignalSerializationIdempotent(t *testing.T) {
	mc := analyzers.MarketContext{
		Broker: "mt5",
		Pair:   "EURUSD",
		Quote: &types.Quote{
			Broker: "mt5", Symbol: "EURUSD",
			Bid: 1.0999, Ask: 1.1000,
			Timestamp: testNow, ReceivedAt: testNow,
		},
		BarsByTimeframe: map[types.Timeframe][]types.Bar{
			types.TimeframeM15: trendBars(types.TimeframeM15, 240, 1.0900, 0.0001, testNow),
			types.TimeframeH1:  trendBars(types.TimeframeH1, 120, 1.0700, 0.0004, testNow),
			types.TimeframeH4:  trendBars(types.TimeframeH4, 80, 1.0500, 0.0008, testNow),
			types.TimeframeD1:  trendBars(types.TimeframeD1, 60, 1.0200, 0.0015, testNow),
		},
	}
	c := newTestCoordinator(t, nil)
	c.SetContextProvider(&stubProvider{mc: mc})

	sig := c.GenerateSignal(context.Background(), "EURUSD", Options{Broker: "mt5"}).Signal

	first, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped types.Signal
	if err := json.Unmarshal(first, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second, err := json.Marshal(&roundTripped)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("serialization not stable under round-trip:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestCoerceNeutralIdempotent(t *testing.T) {
	dec := &types.Decision{State: types.StateBlocked, Blocked: true, Reason: "news blackout"}
	sig := &types.Signal{
		Pair:           "EURUSD",
		Direction:      types.DirectionBuy,
		Strength:       60,
		FinalScore:     58,
		Entry:          &types.Entry{Price: 1.1},
		RiskManagement: &types.RiskManagement{CanTrade: true},
	}
	coerceNeutral(sig, dec)
	reasons := len(sig.Reasoning)
	coerceNeutral(sig, dec)

	if sig.Direction != types.DirectionNeutral || sig.Entry != nil || sig.RiskManagement != nil {
		t.Error("coerced signal must stay neutral and payload-free")
	}
	if len(sig.Reasoning) != reasons {
		t.Errorf("reasoning grew from %d to %d on re-coercion", reasons, len(sig.Reasoning))
	}
}

func TestReasoningCapped(t *testing.T) {
	reasons := make([]string, 30)
	for i := range reasons {
		reasons[i] = "reason"
	}
	if got := capReasons(reasons); len(got) != maxReasoning {
		t.Errorf("len = %d, want %d", len(got), maxReasoning)
	}
}

func TestClassifiedErrorPropagatesKind(t *testing.T) {
	c := newTestCoordinator(t, nil)
	c.SetContextProvider(&stubProvider{err: errors.New("feed offline")})

	sig := c.GenerateSignal(context.Background(), "GBPUSD", Options{Broker: "mt5"}).Signal
	if sig.IsValid == nil || sig.IsValid.IsValid {
		t.Fatal("error path must produce an invalid signal")
	}
	if !strings.Contains(sig.IsValid.Reason, "feed offline") {
		t.Errorf("reason = %q, want original error message", sig.IsValid.Reason)
	}
	if !strings.HasPrefix(sig.IsValid.Reason, string(types.ErrorProvider)) {
		t.Errorf("reason = %q, want provider classification", sig.IsValid.Reason)
	}
}
