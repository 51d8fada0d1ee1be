package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

type fakeBlotter struct{ trades []*types.Trade }

func (f *fakeBlotter) ActiveTrades() []*types.Trade { return f.trades }

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade:        0.02,
		MaxDailyRisk:        0.06,
		MaxConcurrentTrades: 5,
		MaxRiskPerSymbol:    0.03,
		MaxKellyFraction:    0.25,
		MinKellyFraction:    0.005,
		VolatilityMultipliers: map[string]float64{
			"calm": 1.15, "normal": 1.0, "volatile": 0.72, "extreme": 0.55,
		},
		SamePairPenalty:        0.35,
		SharedCurrencyPenalty:  0.65,
		MaxExposurePerCurrency: 0.10,
		CorrelationThreshold:   0.80,
		MaxClusterSize:         3,
		VaRConfidence:          0.95,
		VaRLookback:            250,
		VaRMinSamples:          30,
		VaRMaxLossPct:          5.0,
		VolatilityCooldown:     2 * time.Minute,
		MaxSlippagePips:        2.0,
	}
}

func newTestEngine(blotter *fakeBlotter) *Engine {
	e := New(testRiskConfig(), catalog.New(), events.NewBus(zap.NewNop(), events.DefaultConfig()), zap.NewNop())
	if blotter != nil {
		e.SetTradesProvider(blotter)
	}
	return e
}

func buySignal(pair string, winRate, rr, slPips float64) *types.Signal {
	return &types.Signal{
		Pair:             pair,
		Direction:        types.DirectionBuy,
		EstimatedWinRate: winRate,
		Entry: &types.Entry{
			Direction:       types.DirectionBuy,
			RiskReward:      rr,
			StopLossPips:    slPips,
			VolatilityState: "normal",
		},
	}
}

func TestNeutralSignalCannotTrade(t *testing.T) {
	e := newTestEngine(nil)
	sig := &types.Signal{Pair: "EURUSD", Direction: types.DirectionNeutral}
	rm := e.CalculateRiskManagement(sig, decimal.NewFromInt(10000))
	if rm.CanTrade {
		t.Error("NEUTRAL signal must not be tradable")
	}
	if rm.Reason == "" {
		t.Error("reason must be populated")
	}
}

func TestKellyClampAndSizing(t *testing.T) {
	e := newTestEngine(&fakeBlotter{})
	rm := e.CalculateRiskManagement(buySignal("EURUSD", 60, 2.0, 20), decimal.NewFromInt(10000))
	if !rm.CanTrade {
		t.Fatalf("expected tradable, reason=%s", rm.Reason)
	}
	// kelly = 0.6 - 0.4/2 = 0.40, clamped to max 0.25, then riskPerTrade 0.02
	if rm.Kelly != 0.25 {
		t.Errorf("kelly = %v, want clamped 0.25", rm.Kelly)
	}
	if rm.RiskFraction != 0.02 {
		t.Errorf("riskFraction = %v, want riskPerTrade cap 0.02", rm.RiskFraction)
	}
	// size = 10000*0.02 / (20 pips * $10/pip) = 1.00 lot
	want := decimal.NewFromFloat(1.0)
	if !rm.PositionSize.Equal(want) {
		t.Errorf("positionSize = %s, want %s", rm.PositionSize, want)
	}
}

func TestVolatilityMultiplierShrinksRisk(t *testing.T) {
	e := newTestEngine(&fakeBlotter{})
	sig := buySignal("EURUSD", 52, 1.8, 25)
	sig.Entry.VolatilityState = "extreme"
	rm := e.CalculateRiskManagement(sig, decimal.NewFromInt(10000))

	sigNormal := buySignal("EURUSD", 52, 1.8, 25)
	rmNormal := e.CalculateRiskManagement(sigNormal, decimal.NewFromInt(10000))

	if rm.RiskFraction >= rmNormal.RiskFraction {
		t.Errorf("extreme vol risk %v should be below normal %v", rm.RiskFraction, rmNormal.RiskFraction)
	}
}

func TestCorrelationPenaltyStacking(t *testing.T) {
	blotter := &fakeBlotter{trades: []*types.Trade{
		{Pair: "EURUSD", Status: types.TradeOpen, RiskFraction: 0.01},
		{Pair: "GBPUSD", Status: types.TradeOpen, RiskFraction: 0.01},
	}}
	e := newTestEngine(blotter)

	// same pair: ×0.35
	rm := e.CalculateRiskManagement(buySignal("EURUSD", 55, 2.0, 20), decimal.NewFromInt(10000))
	// EURUSD open -> samePair 0.35; GBPUSD shares USD -> ×0.65
	want := 0.35 * 0.65
	if diff := rm.CorrelationPenalty - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("penalty = %v, want %v", rm.CorrelationPenalty, want)
	}

	// unrelated legs see no penalty
	rm2 := e.CalculateRiskManagement(buySignal("CHFJPY", 55, 2.0, 20), decimal.NewFromInt(10000))
	if rm2.CorrelationPenalty != 1.0 {
		t.Errorf("CHFJPY penalty = %v, want 1.0", rm2.CorrelationPenalty)
	}
}

func TestMaxConcurrentTradesGate(t *testing.T) {
	var trades []*types.Trade
	for _, p := range []string{"USDJPY", "AUDNZD", "XAUUSD", "BTCUSD", "EURGBP"} {
		trades = append(trades, &types.Trade{Pair: p, Status: types.TradeOpen, RiskFraction: 0.002})
	}
	e := newTestEngine(&fakeBlotter{trades: trades})
	rm := e.CalculateRiskManagement(buySignal("CADCHF", 55, 2.0, 20), decimal.NewFromInt(10000))
	if rm.CanTrade {
		t.Error("at maxConcurrentTrades the gate must close")
	}
	if rm.Reason != "max concurrent trades reached" {
		t.Errorf("reason = %q", rm.Reason)
	}
}

func TestDailyRiskCounter(t *testing.T) {
	e := newTestEngine(&fakeBlotter{})
	e.CommitDailyRisk(0.05)
	if got := e.DailyRisk(); got != 0.05 {
		t.Fatalf("dailyRisk = %v, want 0.05", got)
	}
	rm := e.CalculateRiskManagement(buySignal("EURUSD", 60, 2.0, 20), decimal.NewFromInt(10000))
	if rm.CanTrade {
		t.Error("order exceeding maxDailyRisk must be rejected")
	}
	e.RefundDailyRisk(0.05)
	if got := e.DailyRisk(); got != 0 {
		t.Errorf("dailyRisk after refund = %v, want 0", got)
	}
}

func TestDailyRiskResetsNextDay(t *testing.T) {
	e := newTestEngine(&fakeBlotter{})
	day := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return day }
	e.CommitDailyRisk(0.04)
	day = day.Add(2 * time.Hour) // crosses midnight UTC
	if got := e.DailyRisk(); got != 0 {
		t.Errorf("dailyRisk after day rollover = %v, want 0", got)
	}
}

func TestVaRLifecycle(t *testing.T) {
	e := newTestEngine(&fakeBlotter{})
	for i := 0; i < 10; i++ {
		e.RecordRealizedReturn(0.01)
	}
	if m := e.VaR(); m.Ready {
		t.Error("VaR must not be ready below minSamples")
	}
	// 40 samples with a heavy -8% tail occupying the 5% quantile
	for i := 0; i < 27; i++ {
		e.RecordRealizedReturn(0.005)
	}
	for i := 0; i < 3; i++ {
		e.RecordRealizedReturn(-0.08)
	}
	m := e.UpdateVaRMetrics()
	if !m.Ready {
		t.Fatal("VaR should be ready")
	}
	if m.ValuePct < 5.0 || !m.Breach {
		t.Errorf("valuePct = %v breach = %v, want tail loss above limit", m.ValuePct, m.Breach)
	}
}

func TestCorrelationSnapshotClustering(t *testing.T) {
	blotter := &fakeBlotter{trades: []*types.Trade{
		{Pair: "EURUSD", Status: types.TradeOpen},
		{Pair: "GBPUSD", Status: types.TradeOpen},
		{Pair: "AUDUSD", Status: types.TradeOpen},
	}}
	e := newTestEngine(blotter)
	e.SetExplicitCorrelation("EURUSD", "GBPUSD", 0.85)
	e.SetExplicitCorrelation("EURUSD", "AUDUSD", 0.85)
	e.SetExplicitCorrelation("GBPUSD", "AUDUSD", 0.85)

	snap := e.BuildCorrelationSnapshot()
	if len(snap.Correlations) != 3 {
		t.Fatalf("correlations = %d, want 3", len(snap.Correlations))
	}
	if !snap.Blocked {
		t.Error("three mutually correlated pairs should block at maxCluster 3")
	}

	// heuristic path: shared-currency pairs sit below the 0.80 threshold
	e2 := newTestEngine(blotter)
	snap2 := e2.BuildCorrelationSnapshot()
	if snap2.Blocked {
		t.Error("heuristic 0.68 must not breach the 0.80 threshold")
	}
	for _, c := range snap2.Correlations {
		if c.Correlation != corrSharedCurrency {
			t.Errorf("%s/%s = %v, want %v", c.PairA, c.PairB, c.Correlation, corrSharedCurrency)
		}
	}
}

func TestCommandSnapshotPnL(t *testing.T) {
	blotter := &fakeBlotter{trades: []*types.Trade{
		{Pair: "EURUSD", Status: types.TradeOpen, RiskFraction: 0.01, CurrentPnL: decimal.NewFromFloat(12.5)},
	}}
	e := newTestEngine(blotter)
	closed := []*types.Trade{
		{Pair: "GBPUSD", Status: types.TradeClosed, FinalPnL: decimal.NewFromFloat(40)},
		{Pair: "USDJPY", Status: types.TradeClosed, FinalPnL: decimal.NewFromFloat(-15)},
	}
	snap := e.BuildCommandSnapshot(closed)
	if !snap.PnL.Realized.Equal(decimal.NewFromFloat(25)) {
		t.Errorf("realized = %s, want 25", snap.PnL.Realized)
	}
	if !snap.PnL.Unrealized.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("unrealized = %s, want 12.5", snap.PnL.Unrealized)
	}
	if !snap.PnL.BestTrade.Equal(decimal.NewFromFloat(40)) || !snap.PnL.WorstTrade.Equal(decimal.NewFromFloat(-15)) {
		t.Errorf("best/worst = %s/%s", snap.PnL.BestTrade, snap.PnL.WorstTrade)
	}
	if len(snap.Exposures) == 0 {
		t.Error("exposures must be populated")
	}
}
