// Package manager runs the auto-trading lifecycle: per-broker enablement,
// the monitoring and signal-generation loops, scheduled and realtime signal
// intake, the execution gate in front of the order path, and smart exit
// rechecks for open trades.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/gate"
	"github.com/fluxtrade/engine/internal/orchestrator"
	"github.com/fluxtrade/engine/pkg/types"
)

const (
	defaultMonitoringInterval = 10 * time.Second
	defaultGenerationInterval = 5 * time.Minute
	defaultSignalCheckEvery   = 15 * time.Minute
	defaultRealtimeDebounce   = 500 * time.Millisecond
	defaultRealtimeCooldown   = 3 * time.Minute
	defaultSmartExitRecheck   = 30 * time.Second
	defaultUniverseCap        = 40
)

// SignalSource produces signals for a pair. Satisfied by the orchestration
// coordinator.
type SignalSource interface {
	GenerateSignal(ctx context.Context, pair string, opts orchestrator.Options) orchestrator.Result
}

// TradeDesk is the execution surface the manager drives. Satisfied by the
// execution engine.
type TradeDesk interface {
	ExecuteTrade(ctx context.Context, broker string, sig *types.Signal) *types.ExecutionResult
	CloseTrade(ctx context.Context, tradeID string, price float64, reason string) error
	ManageActiveTrades(ctx context.Context)
	ActiveTrades() []*types.Trade
	HasOpenTrade(pair string) bool
	OpenTradeCount() int
}

// MarketFeed is the slice of the bridge the manager needs: connectivity and
// the dynamic symbol universe.
type MarketFeed interface {
	IsConnected(broker string) bool
	GetActiveSymbols(broker string) []string
	ListKnownSymbols(broker string, maxAge time.Duration, max int) []string
	GetQuote(broker, symbol string) (types.Quote, bool)
}

// Status is a point-in-time view of the manager for the API layer.
type Status struct {
	Running         bool      `json:"running"`
	EnabledBrokers  []string  `json:"enabledBrokers"`
	OpenTrades      int       `json:"openTrades"`
	PendingRealtime int       `json:"pendingRealtimeSignals"`
	LastScanAt      time.Time `json:"lastScanAt,omitempty"`
}

type brokerState struct {
	enabled           bool
	allowDisconnected bool
}

// Manager owns the auto-trading loops. All mutable state is behind mu; the
// loops themselves run on a single goroutine started by the first
// StartAutoTrading call.
type Manager struct {
	cfg     *config.Snapshot
	catalog *catalog.Catalog
	feed    MarketFeed
	signals SignalSource
	desk    TradeDesk
	bus     *events.Bus
	logger  *zap.Logger

	mu            sync.Mutex
	brokers       map[string]*brokerState
	lastCheck     map[string]time.Time // broker|pair, scheduled scan gating
	lastRealtime  map[string]time.Time // broker|pair, realtime trade cooldown
	lastSmartScan map[string]time.Time // trade ID, smart exit recheck gating
	pending       map[string]map[string]*types.Signal
	flushTimers   map[string]*time.Timer
	lastScanAt    time.Time

	running  bool
	loopStop context.CancelFunc
	loopDone chan struct{}

	now func() time.Time
}

// New builds a manager. The desk and signal source are required; the feed may
// be nil when every broker runs with allowDisconnected.
func New(snap *config.Snapshot, cat *catalog.Catalog, feed MarketFeed, signals SignalSource, desk TradeDesk, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:           snap,
		catalog:       cat,
		feed:          feed,
		signals:       signals,
		desk:          desk,
		bus:           bus,
		logger:        logger.Named("manager"),
		brokers:       make(map[string]*brokerState),
		lastCheck:     make(map[string]time.Time),
		lastRealtime:  make(map[string]time.Time),
		lastSmartScan: make(map[string]time.Time),
		pending:       make(map[string]map[string]*types.Signal),
		flushTimers:   make(map[string]*time.Timer),
		now:           time.Now,
	}
}

// StartAutoTrading enables auto-trading for a broker and starts the loops if
// they are not already running. The first scheduled check runs immediately.
func (m *Manager) StartAutoTrading(broker string, allowDisconnected bool) {
	m.mu.Lock()
	st := m.brokers[broker]
	if st == nil {
		st = &brokerState{}
		m.brokers[broker] = st
	}
	st.enabled = true
	st.allowDisconnected = allowDisconnected
	start := !m.running
	if start {
		m.running = true
		ctx, cancel := context.WithCancel(context.Background())
		m.loopStop = cancel
		m.loopDone = make(chan struct{})
		go m.run(ctx, m.loopDone)
	}
	m.mu.Unlock()

	m.logger.Info("auto-trading enabled",
		zap.String("broker", broker), zap.Bool("allowDisconnected", allowDisconnected))
	go m.CheckForNewSignals(context.Background())
}

// StopAutoTrading disables one broker, or all brokers when broker is empty.
// The loops stop only once no broker is enabled and no trade remains open;
// with open trades the monitoring loop keeps supervising while signal
// generation goes idle.
func (m *Manager) StopAutoTrading(broker string) {
	m.mu.Lock()
	if broker == "" {
		for _, st := range m.brokers {
			st.enabled = false
		}
	} else if st := m.brokers[broker]; st != nil {
		st.enabled = false
	}
	stop := !m.anyEnabledLocked() && m.desk.OpenTradeCount() == 0
	var cancel context.CancelFunc
	var done chan struct{}
	if stop && m.running {
		m.running = false
		cancel = m.loopStop
		done = m.loopDone
		m.loopStop = nil
		m.loopDone = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.logger.Info("auto-trading disabled", zap.String("broker", broker))
}

// Stop shuts the loops down unconditionally.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, st := range m.brokers {
		st.enabled = false
	}
	cancel := m.loopStop
	done := m.loopDone
	m.running = false
	m.loopStop = nil
	m.loopDone = nil
	for broker, timer := range m.flushTimers {
		timer.Stop()
		delete(m.flushTimers, broker)
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// EnabledBrokers lists brokers currently enabled for auto-trading.
func (m *Manager) EnabledBrokers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.brokers))
	for b, st := range m.brokers {
		if st.enabled {
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the manager status for the API layer.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for _, byPair := range m.pending {
		pending += len(byPair)
	}
	enabled := make([]string, 0, len(m.brokers))
	for b, st := range m.brokers {
		if st.enabled {
			enabled = append(enabled, b)
		}
	}
	sort.Strings(enabled)
	return Status{
		Running:         m.running,
		EnabledBrokers:  enabled,
		OpenTrades:      m.desk.OpenTradeCount(),
		PendingRealtime: pending,
		LastScanAt:      m.lastScanAt,
	}
}

func (m *Manager) anyEnabledLocked() bool {
	for _, st := range m.brokers {
		if st.enabled {
			return true
		}
	}
	return false
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	monEvery := m.cfg.AutoTrading.MonitoringInterval
	if monEvery <= 0 {
		monEvery = defaultMonitoringInterval
	}
	genEvery := m.cfg.AutoTrading.SignalGenerationInterval
	if genEvery <= 0 {
		genEvery = defaultGenerationInterval
	}
	monitor := time.NewTicker(monEvery)
	generate := time.NewTicker(genEvery)
	defer monitor.Stop()
	defer generate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			m.desk.ManageActiveTrades(ctx)
			m.MonitorSmartExits(ctx)
			m.MonitorLiveTradeContexts()
			m.mu.Lock()
			idle := !m.anyEnabledLocked() && m.desk.OpenTradeCount() == 0
			cancel := m.loopStop
			if idle {
				m.running = false
				m.loopStop = nil
				m.loopDone = nil
			}
			m.mu.Unlock()
			if idle {
				if cancel != nil {
					cancel()
				}
				m.logger.Info("auto-trading loops idle, stopping")
				return
			}
		case <-generate.C:
			m.CheckForNewSignals(ctx)
		}
	}
}

// CheckForNewSignals runs one scheduled scan over every enabled broker's
// symbol universe, generates EA-path signals for pairs whose check interval
// has elapsed, and executes the best gate-passing candidates.
func (m *Manager) CheckForNewSignals(ctx context.Context) {
	now := m.now().UTC()
	every := m.cfg.AutoTrading.SignalCheckInterval
	if every <= 0 {
		every = defaultSignalCheckEvery
	}

	m.mu.Lock()
	m.lastScanAt = now
	type scan struct {
		broker string
		pairs  []string
	}
	scans := make([]scan, 0, len(m.brokers))
	for broker, st := range m.brokers {
		if !st.enabled {
			continue
		}
		if !st.allowDisconnected && (m.feed == nil || !m.feed.IsConnected(broker)) {
			continue
		}
		scans = append(scans, scan{broker: broker})
	}
	m.mu.Unlock()

	for i := range scans {
		scans[i].pairs = m.universe(scans[i].broker)
	}

	for _, sc := range scans {
		var candidates []*types.Signal
		for _, pair := range sc.pairs {
			if ctx.Err() != nil {
				return
			}
			key := sc.broker + "|" + pair
			m.mu.Lock()
			due := now.Sub(m.lastCheck[key]) >= every || m.lastCheck[key].IsZero()
			if due {
				m.lastCheck[key] = now
			}
			m.mu.Unlock()
			if !due {
				continue
			}

			res := m.signals.GenerateSignal(ctx, pair, orchestrator.Options{
				Broker:       sc.broker,
				AnalysisMode: orchestrator.AnalysisModeEA,
			})
			if res.Signal == nil {
				continue
			}
			if ok, reason := m.EvaluateExecutionGate(sc.broker, res.Signal, nil); ok {
				candidates = append(candidates, res.Signal)
			} else if res.Signal.Direction != types.DirectionNeutral {
				m.logger.Debug("scan candidate rejected",
					zap.String("broker", sc.broker), zap.String("pair", pair), zap.String("reason", reason))
			}
		}
		m.executeRanked(ctx, sc.broker, candidates, "scheduled_scan")
	}
}

// EnqueueRealtimeSignal queues a tick-driven signal for debounced execution.
// Within the debounce window only the best candidate per pair survives; pairs
// inside the realtime cooldown are dropped at the door.
func (m *Manager) EnqueueRealtimeSignal(broker string, sig *types.Signal) {
	if sig == nil || !m.cfg.AutoTrading.RealtimeEnabled {
		return
	}
	now := m.now().UTC()
	cooldown := m.cfg.AutoTrading.RealtimeTradeCooldown
	if cooldown <= 0 {
		cooldown = defaultRealtimeCooldown
	}
	debounce := m.cfg.AutoTrading.RealtimeExecutionDebounce
	if debounce <= 0 {
		debounce = defaultRealtimeDebounce
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.brokers[broker]
	if st == nil || !st.enabled {
		return
	}
	if last, ok := m.lastRealtime[broker+"|"+sig.Pair]; ok && now.Sub(last) < cooldown {
		return
	}
	byPair := m.pending[broker]
	if byPair == nil {
		byPair = make(map[string]*types.Signal)
		m.pending[broker] = byPair
	}
	if cur, ok := byPair[sig.Pair]; !ok || betterSignal(sig, cur) {
		byPair[sig.Pair] = sig
	}
	if _, ok := m.flushTimers[broker]; !ok {
		m.flushTimers[broker] = time.AfterFunc(debounce, func() {
			m.flushRealtime(context.Background(), broker)
		})
	}
}

// flushRealtime drains the pending realtime batch for a broker, re-ranks it
// and executes through the gate up to the per-cycle trade cap.
func (m *Manager) flushRealtime(ctx context.Context, broker string) {
	m.mu.Lock()
	byPair := m.pending[broker]
	delete(m.pending, broker)
	if timer, ok := m.flushTimers[broker]; ok {
		timer.Stop()
		delete(m.flushTimers, broker)
	}
	m.mu.Unlock()
	if len(byPair) == 0 {
		return
	}
	batch := make([]*types.Signal, 0, len(byPair))
	for _, sig := range byPair {
		batch = append(batch, sig)
	}
	m.executeRanked(ctx, broker, batch, "realtime")
}

// executeRanked orders candidates best-first and executes through the gate,
// honoring maxNewTradesPerCycle and the realtime cooldown ledger.
func (m *Manager) executeRanked(ctx context.Context, broker string, candidates []*types.Signal, source string) {
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return betterSignal(candidates[i], candidates[j])
	})
	limit := m.cfg.AutoTrading.MaxNewTradesPerCycle
	if limit <= 0 {
		limit = 1
	}
	cooldown := m.cfg.AutoTrading.RealtimeTradeCooldown
	if cooldown <= 0 {
		cooldown = defaultRealtimeCooldown
	}

	executed := 0
	for _, sig := range candidates {
		if executed >= limit || ctx.Err() != nil {
			return
		}
		if source == "realtime" {
			now := m.now().UTC()
			m.mu.Lock()
			last, seen := m.lastRealtime[broker+"|"+sig.Pair]
			m.mu.Unlock()
			if seen && now.Sub(last) < cooldown {
				continue
			}
		}
		ok, reason := m.EvaluateExecutionGate(broker, sig, nil)
		if !ok {
			m.logger.Debug("execution gate rejected candidate",
				zap.String("broker", broker), zap.String("pair", sig.Pair),
				zap.String("source", source), zap.String("reason", reason))
			continue
		}
		res := m.desk.ExecuteTrade(ctx, broker, sig)
		if res != nil && res.Success {
			executed++
			m.mu.Lock()
			m.lastRealtime[broker+"|"+sig.Pair] = m.now().UTC()
			m.mu.Unlock()
			m.logger.Info("auto trade opened",
				zap.String("broker", broker), zap.String("pair", sig.Pair),
				zap.String("source", source), zap.Float64("confidence", sig.Confidence))
		} else if res != nil {
			m.logger.Warn("auto trade execution failed",
				zap.String("broker", broker), zap.String("pair", sig.Pair), zap.String("reason", res.Reason))
		}
	}
}

// EvaluateExecutionGate decides whether a signal may be auto-executed on a
// broker. hint, when non-nil, is an upstream should-execute recommendation;
// a false hint vetoes execution. Returns the verdict and a reason on refusal.
func (m *Manager) EvaluateExecutionGate(broker string, sig *types.Signal, hint *bool) (bool, string) {
	at := m.cfg.AutoTrading
	if sig == nil || sig.Decision == nil {
		return false, "no decision attached"
	}
	pair := catalog.Normalize(sig.Pair)

	class := m.catalog.AssetClassOf(pair)
	if !classAllowed(class, at.AssetClasses) {
		return false, "asset class " + class + " not enabled for auto-trading"
	}
	if m.desk.HasOpenTrade(pair) {
		return false, "open trade exists for pair"
	}
	switch sig.Decision.State {
	case types.StateEnter:
	case types.StateWaitMonitor:
		if !at.AllowWaitMonitor {
			return false, "decision state WAIT_MONITOR"
		}
	default:
		return false, "decision state " + string(sig.Decision.State)
	}
	if sig.IsValid == nil || !sig.IsValid.IsValid {
		return false, "signal not valid"
	}
	if hint != nil && !*hint {
		return false, "upstream hint declined execution"
	}

	minConf, minStr := at.RealtimeMinConfidence, at.RealtimeMinStrength
	if minConf <= 0 {
		minConf = 45
	}
	if minStr <= 0 {
		minStr = 35
	}
	if sig.Confidence < minConf {
		return false, "confidence below floor"
	}
	if sig.Strength < minStr {
		return false, "strength below floor"
	}

	if at.SmartStrong || at.Profile == "smart_strong" {
		if sig.Confidence < at.SmartMinConfidence {
			return false, "smart-strong confidence below floor"
		}
		if sig.Strength < at.SmartMinStrength {
			return false, "smart-strong strength below floor"
		}
		if sig.Decision.Score < at.SmartMinDecisionScore {
			return false, "smart-strong decision score below floor"
		}
	}

	if at.RealtimeRequireLayers18 {
		min := at.Layers18MinConfluence
		if min <= 0 {
			min = 30
		}
		if !gate.Layers18Ready(sig.Decision, min) {
			return false, "readiness layers not confirmed"
		}
	}
	return true, ""
}

// MonitorSmartExits re-analyzes open trades on the EA path and closes a trade
// when a strong, confirmed reverse signal appears.
func (m *Manager) MonitorSmartExits(ctx context.Context) {
	at := m.cfg.AutoTrading
	recheck := at.SmartExitRecheck
	if recheck <= 0 {
		recheck = defaultSmartExitRecheck
	}
	now := m.now().UTC()

	for _, t := range m.desk.ActiveTrades() {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		due := now.Sub(m.lastSmartScan[t.ID]) >= recheck || m.lastSmartScan[t.ID].IsZero()
		if due {
			m.lastSmartScan[t.ID] = now
		}
		m.mu.Unlock()
		if !due {
			continue
		}

		res := m.signals.GenerateSignal(ctx, t.Pair, orchestrator.Options{
			Broker:       t.Broker,
			AnalysisMode: orchestrator.AnalysisModeEA,
		})
		sig := res.Signal
		if sig == nil || sig.Decision == nil || !isReverse(t.Direction, sig.Direction) {
			continue
		}
		if sig.Decision.State != types.StateEnter {
			continue
		}
		if sig.Confidence < at.SmartExitMinConfidence ||
			sig.Strength < at.SmartExitMinStrength ||
			sig.Decision.Score < at.SmartExitMinDecision {
			continue
		}
		if at.RealtimeRequireLayers18 && !gate.Layers18Ready(sig.Decision, at.Layers18MinConfluence) {
			continue
		}

		price := 0.0
		if m.feed != nil {
			if q, ok := m.feed.GetQuote(t.Broker, t.Pair); ok {
				price = q.Mid()
			}
		}
		if price <= 0 {
			continue
		}
		if err := m.desk.CloseTrade(ctx, t.ID, price, "smart_exit_reverse"); err != nil {
			m.logger.Warn("smart exit close failed", zap.String("tradeId", t.ID), zap.Error(err))
			continue
		}
		m.logger.Info("smart exit on reverse signal",
			zap.String("tradeId", t.ID), zap.String("pair", t.Pair),
			zap.Float64("reverseConfidence", sig.Confidence))
	}
}

// MonitorLiveTradeContexts publishes a live context event per open trade so
// subscribers can render trade health without polling the blotter.
func (m *Manager) MonitorLiveTradeContexts() {
	if m.bus == nil {
		return
	}
	now := m.now().UTC()
	for _, t := range m.desk.ActiveTrades() {
		price := 0.0
		if m.feed != nil {
			if q, ok := m.feed.GetQuote(t.Broker, t.Pair); ok {
				price = q.Mid()
			}
		}
		payload := map[string]any{
			"tradeId":          t.ID,
			"pair":             t.Pair,
			"direction":        t.Direction,
			"entryPrice":       t.EntryPrice,
			"currentPrice":     price,
			"currentPnl":       t.CurrentPnL,
			"stopLoss":         t.StopLoss,
			"takeProfit":       t.TakeProfit,
			"ageMs":            now.Sub(t.OpenTime).Milliseconds(),
			"entryScore":       decisionScore(&t.Signal),
			"layerPassCount":   layerPasses(t.Signal.Decision),
			"movedToBreakeven": t.MovedToBreakeven,
			"trailingActive":   t.TrailingActive,
		}
		m.bus.Publish(events.New(events.TypeTradeLiveContext, t.Broker, t.Pair, payload))
	}
}

// universe builds the deduplicated scan list for a broker: configured pairs
// first, then the dynamic EA-reported symbols, capped at the universe limit.
func (m *Manager) universe(broker string) []string {
	at := m.cfg.AutoTrading
	limit := at.UniverseMaxSymbols
	if limit <= 0 {
		limit = defaultUniverseCap
	}
	seen := make(map[string]bool)
	out := make([]string, 0, limit)
	add := func(symbols []string) {
		for _, s := range symbols {
			p := catalog.Normalize(s)
			if p == "" || seen[p] || len(out) >= limit {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	add(at.ConfiguredPairs)
	if at.DynamicUniverseEnabled && m.feed != nil {
		add(m.feed.GetActiveSymbols(broker))
		maxAge := at.UniverseMaxAge
		if maxAge <= 0 {
			maxAge = 15 * time.Minute
		}
		add(m.feed.ListKnownSymbols(broker, maxAge, limit))
	}
	return out
}

func classAllowed(class string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = []string{catalog.ClassForex, catalog.ClassMetals}
	}
	for _, a := range allowed {
		if a == class {
			return true
		}
	}
	return false
}

func isReverse(trade, signal types.Direction) bool {
	return (trade == types.DirectionBuy && signal == types.DirectionSell) ||
		(trade == types.DirectionSell && signal == types.DirectionBuy)
}

func decisionScore(sig *types.Signal) float64 {
	if sig == nil || sig.Decision == nil {
		return 0
	}
	return sig.Decision.Score
}

func layerPasses(dec *types.Decision) int {
	if dec == nil {
		return 0
	}
	return dec.Confluence.PassCount
}

// betterSignal ranks candidates: decision score, then confidence, then
// strength.
func betterSignal(a, b *types.Signal) bool {
	as, bs := decisionScore(a), decisionScore(b)
	if as != bs {
		return as > bs
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Strength > b.Strength
}
