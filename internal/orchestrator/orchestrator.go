// Package orchestrator composes market context, analyzers, the data quality
// guard, risk sizing, and the decision gate into one signal per call.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
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

const (
	AnalysisModeEA       = "ea"
	AnalysisModeEAHybrid = "ea_hybrid"
	AnalysisModeHybrid   = "hybrid"
)

const (
	maxReasoning    = 20
	contextBarLimit = 240
	defaultBalance  = 10_000
)

var contextTimeframes = []types.Timeframe{
	types.TimeframeM15, types.TimeframeM30, types.TimeframeH1,
	types.TimeframeH4, types.TimeframeD1,
}

// Options tunes one GenerateSignal call.
type Options struct {
	Broker       string
	AutoExecute  bool
	AnalysisMode string // "", hybrid, ea, ea_hybrid
	QualityTTL   time.Duration
}

// Result is the outcome of one generation call. Execution is set only when
// auto-execution ran.
type Result struct {
	Signal    *types.Signal          `json:"signal"`
	Execution *types.ExecutionResult `json:"execution,omitempty"`
}

// ContextProvider supplies the market context for a pair. The default
// implementation reads from the bridge; tests and external feeds inject
// their own.
type ContextProvider interface {
	MarketContext(ctx context.Context, broker, pair string) (analyzers.MarketContext, error)
}

// Executor runs accepted signals. Wired after construction so the execution
// engine can itself depend on the coordinator-free packages.
type Executor interface {
	ExecuteTrade(ctx context.Context, broker string, sig *types.Signal) *types.ExecutionResult
}

// Blotter reports the live trade count for gate risk limits.
type Blotter interface {
	OpenTradeCount() int
}

// SecondaryFilter reviews an ENTER signal after the gate. A demotion turns
// ENTER into WAIT_MONITOR; filters can never upgrade a decision.
type SecondaryFilter interface {
	Name() string
	Review(sig *types.Signal) (demote bool, reason string)
}

type qualityEntry struct {
	report types.QualityReport
	at     time.Time
}

// Coordinator owns the per-pair signal generation pipeline.
type Coordinator struct {
	cfg      *config.Snapshot
	catalog  *catalog.Catalog
	bridge   *bridge.Service
	guard    *quality.Guard
	set      analyzers.Set
	risk     *risk.Engine
	gate     *gate.Gate
	bus      *events.Bus
	logger   *zap.Logger
	provider ContextProvider

	mu           sync.Mutex
	executor     Executor
	blotter      Blotter
	filters      []SecondaryFilter
	qualityCache map[string]qualityEntry

	now func() time.Time
}

// New builds the coordinator with a bridge-backed context provider.
func New(snap *config.Snapshot, cat *catalog.Catalog, br *bridge.Service, guard *quality.Guard,
	set analyzers.Set, rk *risk.Engine, g *gate.Gate, bus *events.Bus, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:          snap,
		catalog:      cat,
		bridge:       br,
		guard:        guard,
		set:          set,
		risk:         rk,
		gate:         g,
		bus:          bus,
		logger:       logger.Named("orchestrator"),
		qualityCache: make(map[string]qualityEntry),
		now:          time.Now,
	}
	if br != nil {
		c.provider = &bridgeProvider{svc: br}
	}
	return c
}

// SetExecutor wires the execution engine for auto-execution.
func (c *Coordinator) SetExecutor(ex Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = ex
}

// SetBlotter wires the live trade counter consulted by the gate.
func (c *Coordinator) SetBlotter(b Blotter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blotter = b
}

// SetContextProvider replaces the bridge-backed market context source.
func (c *Coordinator) SetContextProvider(p ContextProvider) {
	c.provider = p
}

// AddSecondaryFilter appends a post-gate reviewer. Filters run in
// registration order.
func (c *Coordinator) AddSecondaryFilter(f SecondaryFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
}

// GenerateSignal produces a fully populated signal for pair. Any failure
// inside the pipeline degrades to a neutral fallback signal instead of an
// error; callers always receive a signal.
func (c *Coordinator) GenerateSignal(ctx context.Context, pair string, opts Options) Result {
	now := c.now().UTC()
	sym := catalog.Normalize(pair)

	sig, err := c.buildSignal(ctx, sym, opts, now)
	if err != nil {
		kind := types.Classify(err)
		c.logger.Warn("signal generation failed, returning neutral fallback",
			zap.String("pair", sym), zap.String("kind", string(kind)), zap.Error(err))
		reason := err.Error() // classified errors already carry their kind prefix
		if kind == types.ErrorUnknown {
			reason = fmt.Sprintf("%s: %v", kind, err)
		}
		sig = c.neutralFallback(sym, now, reason)
	}

	if c.bus != nil {
		c.bus.Publish(events.New(events.TypeSignal, opts.Broker, sym, sig))
	}

	res := Result{Signal: sig}
	if opts.AutoExecute {
		res.Execution = c.maybeExecute(ctx, opts, sig)
	}
	return res
}

func (c *Coordinator) buildSignal(ctx context.Context, pair string, opts Options, now time.Time) (*types.Signal, error) {
	if c.provider == nil {
		return nil, types.WrapError(types.ErrorProvider, fmt.Errorf("no market context provider configured"))
	}
	mc, err := c.provider.MarketContext(ctx, opts.Broker, pair)
	if err != nil {
		return nil, types.WrapError(types.ErrorProvider, err)
	}

	mode := strings.ToLower(opts.AnalysisMode)
	eaMode := mode == AnalysisModeEA || mode == AnalysisModeEAHybrid
	if eaMode && mc.Quote == nil && c.bridge != nil {
		if q, ok := c.bridge.GetQuote(opts.Broker, pair); ok {
			mc.Quote = &q
		}
	}

	tech, econ, news, candle, notes := c.analyze(ctx, mc, mode)

	price := 0.0
	if mc.Quote != nil {
		price = mc.Quote.Mid()
	}
	if price <= 0 {
		price = tech.LatestPrice
	}
	if price <= 0 {
		price = mc.LatestPrice()
	}
	if price <= 0 {
		return nil, types.WrapError(types.ErrorProvider, fmt.Errorf("no market price available for %s", pair))
	}
	if tech.LatestPrice <= 0 {
		tech.LatestPrice = price
	}

	spreadPips := 0.0
	if mc.Quote != nil {
		spreadPips = c.quoteSpreadPips(pair, mc.Quote)
	}
	qr := c.qualityFor(pair, opts, spreadPips, now)

	sig := c.combine(pair, price, tech, econ, news, now, notes)
	if mc.Quote != nil {
		c.enrichMarketData(sig, mc.Quote, now)
	}

	if sig.Direction != types.DirectionNeutral && c.risk != nil {
		sig.RiskManagement = c.risk.CalculateRiskManagement(sig, c.accountBalance(opts.Broker))
	}

	dec := c.gate.Evaluate(gate.Input{
		Signal:           sig,
		Technical:        tech,
		Candle:           candle,
		Quality:          &qr,
		News:             mc.News,
		Correlation:      c.correlation(),
		BarsByTimeframe:  mc.BarsByTimeframe,
		OpenTrades:       c.openTrades(),
		RiskLimitReached: c.riskLimitReached(),
		EAOnly:           eaMode || c.cfg.Runtime.EAOnlyMode,
		Now:              now,
	})
	sig.Decision = dec
	if dec.Blocked || dec.State == types.StateBlocked {
		coerceNeutral(sig, dec)
	}

	c.applyFilters(sig)
	sig.IsValid = validityVerdict(sig, qr.ConfidenceFloor)
	sig.Reasoning = capReasons(sig.Reasoning)
	c.applyValidity(sig, tech, now)
	return sig, nil
}

// analyze runs the mode-dependent analysis fan-out. Failed analyzers degrade
// to their neutral scaffolds; the notes record each degradation.
func (c *Coordinator) analyze(ctx context.Context, mc analyzers.MarketContext, mode string) (
	analyzers.TechnicalReport, analyzers.EconomicReport, analyzers.NewsReport, *analyzers.CandleReport, []string) {

	var (
		tech  analyzers.TechnicalReport
		econ  analyzers.EconomicReport
		news  analyzers.NewsReport
		notes []string
	)

	switch mode {
	case AnalysisModeEA:
		tech = analyzers.BuildEATechnical(ctx, mc, c.catalog, c.set.Candle)
		econ = analyzers.NeutralEconomic()
		news = analyzers.NeutralNews()
	case AnalysisModeEAHybrid:
		tech = analyzers.BuildEATechnical(ctx, mc, c.catalog, c.set.Candle)
		var wg sync.WaitGroup
		var econErr, newsErr error
		wg.Add(2)
		go func() { defer wg.Done(); econ, econErr = c.set.Economic.AnalyzeEconomic(ctx, mc) }()
		go func() { defer wg.Done(); news, newsErr = c.set.News.AnalyzeNews(ctx, mc) }()
		wg.Wait()
		if econErr != nil {
			econ = analyzers.NeutralEconomic()
			notes = append(notes, "economic analyzer degraded to neutral")
		}
		if newsErr != nil {
			news = analyzers.NeutralNews()
			notes = append(notes, "news analyzer degraded to neutral")
		}
	default:
		var wg sync.WaitGroup
		var techErr, econErr, newsErr error
		wg.Add(3)
		go func() { defer wg.Done(); tech, techErr = c.set.Technical.AnalyzeTechnical(ctx, mc) }()
		go func() { defer wg.Done(); econ, econErr = c.set.Economic.AnalyzeEconomic(ctx, mc) }()
		go func() { defer wg.Done(); news, newsErr = c.set.News.AnalyzeNews(ctx, mc) }()
		wg.Wait()
		if techErr != nil {
			tech = analyzers.NeutralTechnical(mc.LatestPrice())
			notes = append(notes, "technical analyzer degraded to neutral")
		}
		if econErr != nil {
			econ = analyzers.NeutralEconomic()
			notes = append(notes, "economic analyzer degraded to neutral")
		}
		if newsErr != nil {
			news = analyzers.NeutralNews()
			notes = append(notes, "news analyzer degraded to neutral")
		}
	}

	var candle *analyzers.CandleReport
	if len(mc.BarsByTimeframe) > 0 && c.set.Candle != nil {
		if rep, err := c.set.Candle.AnalyzeCandles(ctx, mc); err == nil {
			candle = &rep
		}
	}
	return tech, econ, news, candle, notes
}

// qualityFor returns the quality report used by the gate. EA-sourced modes
// trust the bridge feed and inject a synthetic healthy report; everything
// else goes through the guard with a freshness cache.
func (c *Coordinator) qualityFor(pair string, opts Options, spreadPips float64, now time.Time) types.QualityReport {
	mode := strings.ToLower(opts.AnalysisMode)
	if mode == AnalysisModeEA || mode == AnalysisModeEAHybrid {
		return types.QualityReport{
			Pair:             pair,
			AssessedAt:       now,
			Score:            85,
			Status:           types.QualityHealthy,
			Recommendation:   types.RecommendProceed,
			Issues:           []string{"ea_bridge_source", "mode:" + mode},
			SyntheticRelaxed: true,
			SyntheticContext: mode,
		}
	}
	if c.guard == nil {
		return types.QualityReport{
			Pair: pair, AssessedAt: now, Score: 70,
			Status:         types.QualityDegraded,
			Recommendation: types.RecommendCaution,
			Issues:         []string{"quality_guard_disabled"},
		}
	}

	ttl := opts.QualityTTL
	if ttl <= 0 {
		ttl = c.cfg.Quality.FreshnessTTL
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c.mu.Lock()
	if entry, ok := c.qualityCache[pair]; ok && now.Sub(entry.at) < ttl {
		c.mu.Unlock()
		return entry.report
	}
	c.mu.Unlock()

	rep := c.guard.Assess(pair, quality.AssessOptions{
		Broker:             opts.Broker,
		AllowSyntheticData: c.cfg.Runtime.AllowSyntheticData,
		SpreadPips:         spreadPips,
	})
	c.mu.Lock()
	c.qualityCache[pair] = qualityEntry{report: rep, at: now}
	c.mu.Unlock()
	return rep
}

func (c *Coordinator) maybeExecute(ctx context.Context, opts Options, sig *types.Signal) *types.ExecutionResult {
	c.mu.Lock()
	ex := c.executor
	c.mu.Unlock()
	if ex == nil {
		return nil
	}
	if sig.Decision == nil || sig.Decision.State != types.StateEnter {
		return nil
	}
	if sig.IsValid == nil || !sig.IsValid.IsValid {
		return nil
	}
	return ex.ExecuteTrade(ctx, opts.Broker, sig)
}

func (c *Coordinator) applyFilters(sig *types.Signal) {
	if sig.Decision == nil || sig.Decision.State != types.StateEnter {
		return
	}
	c.mu.Lock()
	filters := append([]SecondaryFilter(nil), c.filters...)
	c.mu.Unlock()
	for _, f := range filters {
		demote, reason := f.Review(sig)
		if !demote {
			continue
		}
		sig.Decision.State = types.StateWaitMonitor
		sig.Reasoning = append(sig.Reasoning, fmt.Sprintf("filter %s: %s", f.Name(), reason))
	}
}

func (c *Coordinator) accountBalance(broker string) decimal.Decimal {
	if c.bridge != nil {
		if sess, ok := c.bridge.LatestSession(broker); ok && sess.Balance > 0 {
			return decimal.NewFromFloat(sess.Balance)
		}
	}
	return decimal.NewFromInt(defaultBalance)
}

func (c *Coordinator) correlation() *types.CorrelationSnapshot {
	if c.risk == nil {
		return nil
	}
	corr := c.risk.BuildCorrelationSnapshot()
	return &corr
}

func (c *Coordinator) openTrades() int {
	c.mu.Lock()
	b := c.blotter
	c.mu.Unlock()
	if b == nil {
		return 0
	}
	return b.OpenTradeCount()
}

func (c *Coordinator) riskLimitReached() bool {
	if c.risk == nil {
		return false
	}
	limit := c.cfg.Risk.MaxDailyRisk
	return limit > 0 && c.risk.DailyRisk() >= limit
}

// neutralFallback is the signal returned when the pipeline fails outright.
func (c *Coordinator) neutralFallback(pair string, now time.Time, reason string) *types.Signal {
	sig := &types.Signal{
		Pair:      pair,
		Timestamp: now,
		Direction: types.DirectionNeutral,
		Reasoning: []string{reason},
		IsValid:   &types.Validity{IsValid: false, Reason: reason},
	}
	c.applyValidity(sig, analyzers.NeutralTechnical(0), now)
	return sig
}

// bridgeProvider assembles the market context from the bridge store.
type bridgeProvider struct {
	svc *bridge.Service
}

func (p *bridgeProvider) MarketContext(_ context.Context, broker, pair string) (analyzers.MarketContext, error) {
	mc := analyzers.MarketContext{
		Broker:          broker,
		Pair:            pair,
		BarsByTimeframe: make(map[types.Timeframe][]types.Bar),
	}
	if q, ok := p.svc.GetQuote(broker, pair); ok {
		mc.Quote = &q
	}
	for _, tf := range contextTimeframes {
		if bars := p.svc.GetBarsAscending(broker, pair, tf, contextBarLimit); len(bars) > 0 {
			mc.BarsByTimeframe[tf] = bars
		}
	}
	if snap, ok := p.svc.GetSnapshot(broker, pair); ok {
		mc.Snapshot = &snap
	}
	mc.News = p.svc.GetNews(broker)

	if mc.Quote == nil && len(mc.BarsByTimeframe) == 0 && mc.Snapshot == nil {
		return mc, fmt.Errorf("no market data for %s on broker %s", pair, broker)
	}
	return mc, nil
}
