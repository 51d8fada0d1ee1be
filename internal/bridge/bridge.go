// Package bridge is the market data bridge: broker agent sessions, quote and
// bar ingestion, snapshots, news, symbol universe tracking, and the per-broker
// command queues polled by agents.
package bridge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9_.#-]{3,20}$`)

// Config bounds bridge state growth.
type Config struct {
	HeartbeatTimeout     time.Duration `json:"heartbeatTimeoutMs"`
	QuoteRetention       time.Duration `json:"quoteRetentionMs"`
	QuoteMaxPoints       int           `json:"quoteMaxPoints"`
	BarHistoryMax        int           `json:"barHistoryMax"`
	NewsRingMax          int           `json:"newsRingMax"`
	ActiveSymbolTTL      time.Duration `json:"activeSymbolTtlMs"`
	CommandQueueMax      int           `json:"commandQueueMax"`
	SnapshotRequestMax   int           `json:"snapshotRequestMax"`
	SeedBatchTrigger     int           `json:"seedBatchTrigger"`
	StrictSymbolFilter   bool          `json:"strictSymbolFilter"`
	AllowedAssetClasses  []string      `json:"allowedAssetClasses"`
	QuoteFlushInterval   time.Duration `json:"quoteFlushIntervalMs"`
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:    2 * time.Minute,
		QuoteRetention:      30 * time.Minute,
		QuoteMaxPoints:      2400,
		BarHistoryMax:       500,
		NewsRingMax:         300,
		ActiveSymbolTTL:     12 * time.Minute,
		CommandQueueMax:     200,
		SnapshotRequestMax:  50,
		SeedBatchTrigger:    50,
		StrictSymbolFilter:  false,
		AllowedAssetClasses: []string{catalog.ClassForex, catalog.ClassMetals, catalog.ClassCrypto},
		QuoteFlushInterval:  250 * time.Millisecond,
	}
}

// BarTrigger is invoked when closed bars or large seed batches arrive; the
// realtime runner uses it to schedule recomputation.
type BarTrigger func(broker string, symbols []string)

// Service is the process-scoped bridge state. All maps are guarded by mu;
// readers get copies.
type Service struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger

	catalog  *catalog.Catalog
	bus      *events.Bus
	quoteBuf *events.QuoteBuffer

	sessions     map[string]*types.Session            // broker:account
	quotes       map[string]types.Quote               // broker:symbol
	quoteHistory map[string][]types.Quote             // broker:symbol, ascending by timestamp
	bars         map[string][]types.Bar               // broker:symbol:tf, ascending by time
	snapshots    map[string]types.Snapshot            // broker:symbol
	news         map[string][]types.NewsEvent         // broker ring
	symbols      map[string]map[string]time.Time      // broker -> symbol -> lastSeen
	active       map[string]map[string]time.Time      // broker -> symbol -> expiresAt
	snapshotReqs map[string][]string                  // broker -> symbol queue
	commands     map[string][]types.ManagementCommand // broker FIFO

	barTrigger BarTrigger
}

// New builds the bridge. bus may not be nil; the quote buffer starts its
// flush loop immediately.
func New(cfg Config, cat *catalog.Catalog, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{
		cfg:          cfg,
		logger:       logger.Named("bridge"),
		catalog:      cat,
		bus:          bus,
		quoteBuf:     events.NewQuoteBuffer(bus, cfg.QuoteFlushInterval, logger),
		sessions:     make(map[string]*types.Session),
		quotes:       make(map[string]types.Quote),
		quoteHistory: make(map[string][]types.Quote),
		bars:         make(map[string][]types.Bar),
		snapshots:    make(map[string]types.Snapshot),
		news:         make(map[string][]types.NewsEvent),
		symbols:      make(map[string]map[string]time.Time),
		active:       make(map[string]map[string]time.Time),
		snapshotReqs: make(map[string][]string),
		commands:     make(map[string][]types.ManagementCommand),
	}
}

// SetBarTrigger wires the realtime runner's trigger callback.
func (s *Service) SetBarTrigger(fn BarTrigger) {
	s.mu.Lock()
	s.barTrigger = fn
	s.mu.Unlock()
}

// Stop terminates the quote flush loop.
func (s *Service) Stop() { s.quoteBuf.Stop() }

func sessionKey(broker, account string) string { return broker + ":" + account }
func symbolKey(broker, symbol string) string   { return broker + ":" + symbol }
func barKey(broker, symbol string, tf types.Timeframe) string {
	return broker + ":" + symbol + ":" + string(tf)
}

// ---- sessions ----

// RegisterSession upserts a session keyed by (broker, accountNumber).
func (s *Service) RegisterSession(sess types.Session) types.Session {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.LastHeartbeat = time.Now()

	s.mu.Lock()
	key := sessionKey(sess.Broker, sess.AccountNumber)
	if prev, ok := s.sessions[key]; ok {
		sess.ID = prev.ID
	}
	copied := sess
	s.sessions[key] = &copied
	s.mu.Unlock()

	s.logger.Info("session registered",
		zap.String("broker", sess.Broker),
		zap.String("account", sess.AccountNumber),
		zap.String("server", sess.Server))
	return sess
}

// HandleHeartbeat refreshes lastHeartbeat and account state. Unknown sessions
// are registered implicitly.
func (s *Service) HandleHeartbeat(broker, account string, equity, balance float64) types.Session {
	s.mu.Lock()
	key := sessionKey(broker, account)
	sess, ok := s.sessions[key]
	if !ok {
		sess = &types.Session{ID: uuid.NewString(), Broker: broker, AccountNumber: account}
		s.sessions[key] = sess
	}
	sess.LastHeartbeat = time.Now()
	if equity > 0 {
		sess.Equity = equity
	}
	if balance > 0 {
		sess.Balance = balance
	}
	snapshot := *sess
	s.mu.Unlock()
	return snapshot
}

// DisconnectSession removes the session for (broker, accountNumber).
func (s *Service) DisconnectSession(broker, account string) bool {
	s.mu.Lock()
	key := sessionKey(broker, account)
	_, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if ok {
		s.logger.Info("session disconnected", zap.String("broker", broker), zap.String("account", account))
	}
	return ok
}

// IsConnected reports whether any session for broker heartbeated within the
// configured timeout.
func (s *Service) IsConnected(broker string) bool {
	cutoff := time.Now().Add(-s.cfg.HeartbeatTimeout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Broker == broker && sess.LastHeartbeat.After(cutoff) {
			return true
		}
	}
	return false
}

// Sessions returns a copy of all sessions.
func (s *Service) Sessions() []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Broker+out[i].AccountNumber < out[j].Broker+out[j].AccountNumber })
	return out
}

// LatestSession returns the most recently heartbeated session for broker.
func (s *Service) LatestSession(broker string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.Session
	for _, sess := range s.sessions {
		if sess.Broker != broker {
			continue
		}
		if best == nil || sess.LastHeartbeat.After(best.LastHeartbeat) {
			best = sess
		}
	}
	if best == nil {
		return types.Session{}, false
	}
	return *best, true
}

// ---- quotes ----

// validateSymbol enforces the sanity pattern and, when strict filtering is on,
// the asset-class allow list.
func (s *Service) validateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return types.WrapError(types.ErrorValidation, fmt.Errorf("invalid symbol %q", symbol))
	}
	if s.cfg.StrictSymbolFilter {
		class := s.catalog.AssetClassOf(symbol)
		allowed := false
		for _, c := range s.cfg.AllowedAssetClasses {
			if c == class {
				allowed = true
				break
			}
		}
		if !allowed {
			return types.WrapError(types.ErrorValidation, fmt.Errorf("symbol %q asset class %q not allowed", symbol, class))
		}
	}
	return nil
}

// RecordQuotes ingests a batch of quotes for broker. Invalid entries are
// skipped and reported; valid entries update the canonical quote and the
// bounded history, then stage a buffered broadcast.
func (s *Service) RecordQuotes(broker string, quotes []types.Quote) (accepted int, rejected []string) {
	now := time.Now()
	for _, q := range quotes {
		q.Broker = broker
		q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
		if err := s.validateSymbol(q.Symbol); err != nil {
			rejected = append(rejected, q.Symbol)
			continue
		}
		if q.Bid <= 0 && q.Ask <= 0 && q.Last <= 0 {
			rejected = append(rejected, q.Symbol)
			continue
		}
		if q.Timestamp.IsZero() {
			q.Timestamp = now
		}
		q.ReceivedAt = now

		s.mu.Lock()
		key := symbolKey(broker, q.Symbol)
		s.quotes[key] = q
		hist := append(s.quoteHistory[key], q)
		hist = pruneQuotes(hist, now.Add(-s.cfg.QuoteRetention), s.cfg.QuoteMaxPoints)
		s.quoteHistory[key] = hist
		s.touchSymbolLocked(broker, q.Symbol, now)
		s.mu.Unlock()

		s.quoteBuf.Add(broker, q.Symbol, q)
		accepted++
	}
	return accepted, rejected
}

// pruneQuotes evicts by time first, then caps by count, keeping the newest.
func pruneQuotes(hist []types.Quote, cutoff time.Time, maxPoints int) []types.Quote {
	start := 0
	for start < len(hist) && hist[start].Timestamp.Before(cutoff) {
		start++
	}
	hist = hist[start:]
	if maxPoints > 0 && len(hist) > maxPoints {
		hist = hist[len(hist)-maxPoints:]
	}
	return hist
}

// GetQuote returns the canonical quote for (broker, symbol).
func (s *Service) GetQuote(broker, symbol string) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbolKey(broker, strings.ToUpper(symbol))]
	return q, ok
}

// QuoteHistory returns a copy of the bounded quote history.
func (s *Service) QuoteHistory(broker, symbol string) []types.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.quoteHistory[symbolKey(broker, strings.ToUpper(symbol))]
	out := make([]types.Quote, len(hist))
	copy(out, hist)
	return out
}

// ---- bars ----

// RecordMarketBars appends bars per (broker, symbol, timeframe), bounded in
// length and kept ascending. Closed bars and large seed batches fire the
// realtime trigger.
func (s *Service) RecordMarketBars(broker string, bars []types.Bar) (accepted int, rejected []string) {
	now := time.Now()
	triggered := make(map[string]bool)
	perSymbolCount := make(map[string]int)

	for _, b := range bars {
		b.Broker = broker
		b.Symbol = strings.ToUpper(strings.TrimSpace(b.Symbol))
		if err := s.validateSymbol(b.Symbol); err != nil {
			rejected = append(rejected, b.Symbol)
			continue
		}
		if b.Timeframe.Minutes() <= 0 || b.Time.IsZero() {
			rejected = append(rejected, b.Symbol)
			continue
		}

		s.mu.Lock()
		key := barKey(broker, b.Symbol, b.Timeframe)
		hist := s.bars[key]
		// Replace the in-progress bar when the same open time arrives again.
		if n := len(hist); n > 0 && hist[n-1].Time.Equal(b.Time) {
			hist[n-1] = b
		} else if n > 0 && b.Time.Before(hist[n-1].Time) {
			hist = insertBar(hist, b)
		} else {
			hist = append(hist, b)
		}
		if len(hist) > s.cfg.BarHistoryMax {
			hist = hist[len(hist)-s.cfg.BarHistoryMax:]
		}
		s.bars[key] = hist
		s.touchSymbolLocked(broker, b.Symbol, now)
		s.mu.Unlock()

		accepted++
		perSymbolCount[b.Symbol]++
		if b.Closed {
			triggered[b.Symbol] = true
		}
	}

	for sym, n := range perSymbolCount {
		if n >= s.cfg.SeedBatchTrigger {
			triggered[sym] = true
		}
	}
	if len(triggered) > 0 {
		s.mu.RLock()
		fn := s.barTrigger
		s.mu.RUnlock()
		if fn != nil {
			syms := make([]string, 0, len(triggered))
			for sym := range triggered {
				syms = append(syms, sym)
			}
			sort.Strings(syms)
			fn(broker, syms)
		}
	}
	return accepted, rejected
}

func insertBar(hist []types.Bar, b types.Bar) []types.Bar {
	i := sort.Search(len(hist), func(i int) bool { return !hist[i].Time.Before(b.Time) })
	if i < len(hist) && hist[i].Time.Equal(b.Time) {
		hist[i] = b
		return hist
	}
	hist = append(hist, types.Bar{})
	copy(hist[i+1:], hist[i:])
	hist[i] = b
	return hist
}

// GetBars returns up to limit bars, newest first. limit <= 0 returns all.
func (s *Service) GetBars(broker, symbol string, tf types.Timeframe, limit int) []types.Bar {
	s.mu.RLock()
	hist := s.bars[barKey(broker, strings.ToUpper(symbol), tf)]
	out := make([]types.Bar, len(hist))
	copy(out, hist)
	s.mu.RUnlock()

	// newest first at the API boundary
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetBarsAscending returns a copy in storage order (oldest first).
func (s *Service) GetBarsAscending(broker, symbol string, tf types.Timeframe, limit int) []types.Bar {
	s.mu.RLock()
	hist := s.bars[barKey(broker, strings.ToUpper(symbol), tf)]
	s.mu.RUnlock()
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]types.Bar, len(hist))
	copy(out, hist)
	return out
}

// ---- snapshots ----

// RecordMarketSnapshot replaces the canonical snapshot and broadcasts.
func (s *Service) RecordMarketSnapshot(broker string, snap types.Snapshot) error {
	snap.Broker = broker
	snap.Symbol = strings.ToUpper(strings.TrimSpace(snap.Symbol))
	if err := s.validateSymbol(snap.Symbol); err != nil {
		return err
	}
	snap.ReceivedAt = time.Now()

	s.mu.Lock()
	s.snapshots[symbolKey(broker, snap.Symbol)] = snap
	s.touchSymbolLocked(broker, snap.Symbol, snap.ReceivedAt)
	s.mu.Unlock()

	s.bus.Publish(events.New(events.TypeSnapshot, broker, snap.Symbol, snap))
	return nil
}

// GetSnapshot returns the canonical snapshot for (broker, symbol).
func (s *Service) GetSnapshot(broker, symbol string) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[symbolKey(broker, strings.ToUpper(symbol))]
	return snap, ok
}

// ---- news ----

// RecordNews appends events to the bounded per-broker ring.
func (s *Service) RecordNews(broker string, items []types.NewsEvent) int {
	accepted := 0
	s.mu.Lock()
	ring := s.news[broker]
	for _, n := range items {
		if n.Title == "" || n.Time.IsZero() {
			continue
		}
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.Broker = broker
		ring = append(ring, n)
		accepted++
	}
	if len(ring) > s.cfg.NewsRingMax {
		ring = ring[len(ring)-s.cfg.NewsRingMax:]
	}
	s.news[broker] = ring
	s.mu.Unlock()

	if accepted > 0 {
		s.bus.Publish(events.New(events.TypeNews, broker, "", accepted))
	}
	return accepted
}

// GetNews returns a copy of the news ring, newest last.
func (s *Service) GetNews(broker string) []types.NewsEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.news[broker]
	out := make([]types.NewsEvent, len(ring))
	copy(out, ring)
	return out
}

// UpcomingNews returns events within the window around now whose currency is
// one of the pair's legs, sorted by proximity.
func (s *Service) UpcomingNews(broker, pair string, window time.Duration, minImpact float64) []types.NewsEvent {
	info, _ := s.catalog.Lookup(pair)
	now := time.Now()
	s.mu.RLock()
	ring := s.news[broker]
	s.mu.RUnlock()

	var out []types.NewsEvent
	for _, n := range ring {
		if n.Impact < minImpact {
			continue
		}
		dt := n.Time.Sub(now)
		if dt < -window || dt > window {
			continue
		}
		if n.Currency != "" && n.Currency != info.Base && n.Currency != info.Quote {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		di := out[i].Time.Sub(now)
		dj := out[j].Time.Sub(now)
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		if di != dj {
			return di < dj
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// ---- symbols ----

func (s *Service) touchSymbolLocked(broker, symbol string, at time.Time) {
	m, ok := s.symbols[broker]
	if !ok {
		m = make(map[string]time.Time)
		s.symbols[broker] = m
	}
	m[symbol] = at
}

// RecordSymbols registers a broker's symbol universe with last-seen stamps.
func (s *Service) RecordSymbols(broker string, symbols []string) int {
	now := time.Now()
	accepted := 0
	s.mu.Lock()
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if !symbolPattern.MatchString(sym) {
			continue
		}
		s.touchSymbolLocked(broker, sym, now)
		accepted++
	}
	s.mu.Unlock()
	return accepted
}

// ListKnownSymbols returns the freshest symbols for broker, bounded by maxAge
// and max. maxAge <= 0 disables the age filter; max <= 0 disables the cap.
func (s *Service) ListKnownSymbols(broker string, maxAge time.Duration, max int) []string {
	now := time.Now()
	type seen struct {
		symbol string
		at     time.Time
	}
	s.mu.RLock()
	m := s.symbols[broker]
	all := make([]seen, 0, len(m))
	for sym, at := range m {
		if maxAge > 0 && now.Sub(at) > maxAge {
			continue
		}
		all = append(all, seen{sym, at})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.After(all[j].at)
		}
		return all[i].symbol < all[j].symbol
	})
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.symbol
	}
	return out
}

// ---- active symbols ----

// SetActiveSymbols replaces the TTL set of hot symbols for broker.
func (s *Service) SetActiveSymbols(broker string, symbols []string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.ActiveSymbolTTL
	}
	expires := time.Now().Add(ttl)
	s.mu.Lock()
	m := make(map[string]time.Time, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if symbolPattern.MatchString(sym) {
			m[sym] = expires
		}
	}
	s.active[broker] = m
	s.mu.Unlock()
}

// TouchActiveSymbol extends or creates a single hot-symbol claim.
func (s *Service) TouchActiveSymbol(broker, symbol string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.ActiveSymbolTTL
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(symbol) {
		return
	}
	s.mu.Lock()
	m, ok := s.active[broker]
	if !ok {
		m = make(map[string]time.Time)
		s.active[broker] = m
	}
	m[symbol] = time.Now().Add(ttl)
	s.mu.Unlock()
}

// GetActiveSymbols returns unexpired hot symbols, evicting expired entries.
func (s *Service) GetActiveSymbols(broker string) []string {
	now := time.Now()
	s.mu.Lock()
	m := s.active[broker]
	out := make([]string, 0, len(m))
	for sym, exp := range m {
		if exp.Before(now) {
			delete(m, sym)
			continue
		}
		out = append(out, sym)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// ---- snapshot requests ----

// RequestMarketSnapshot queues a dashboard-initiated snapshot request.
func (s *Service) RequestMarketSnapshot(broker, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := s.validateSymbol(symbol); err != nil {
		return err
	}
	s.mu.Lock()
	q := s.snapshotReqs[broker]
	if len(q) < s.cfg.SnapshotRequestMax {
		q = append(q, symbol)
		s.snapshotReqs[broker] = q
	}
	s.mu.Unlock()
	return nil
}

// ConsumeMarketSnapshotRequests drains the snapshot request queue.
func (s *Service) ConsumeMarketSnapshotRequests(broker string) []string {
	s.mu.Lock()
	q := s.snapshotReqs[broker]
	s.snapshotReqs[broker] = nil
	s.mu.Unlock()
	return q
}

// ---- management commands ----

// EnqueueManagementCommands appends commands to the broker FIFO, dropping the
// oldest entries when the queue is full.
func (s *Service) EnqueueManagementCommands(broker string, cmds []types.ManagementCommand) int {
	now := time.Now()
	s.mu.Lock()
	q := s.commands[broker]
	for i := range cmds {
		if cmds[i].ID == "" {
			cmds[i].ID = uuid.NewString()
		}
		cmds[i].Broker = broker
		cmds[i].CreatedAt = now
		q = append(q, cmds[i])
	}
	if len(q) > s.cfg.CommandQueueMax {
		q = q[len(q)-s.cfg.CommandQueueMax:]
	}
	s.commands[broker] = q
	s.mu.Unlock()
	return len(cmds)
}

// DrainManagementCommands destructively removes up to limit commands in FIFO
// order. limit <= 0 uses 20.
func (s *Service) DrainManagementCommands(broker string, limit int) []types.ManagementCommand {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	q := s.commands[broker]
	n := limit
	if n > len(q) {
		n = len(q)
	}
	out := make([]types.ManagementCommand, n)
	copy(out, q[:n])
	s.commands[broker] = q[n:]
	s.mu.Unlock()
	return out
}

// Statistics summarizes bridge state for diagnostics endpoints.
func (s *Service) Statistics() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quotePoints := 0
	for _, h := range s.quoteHistory {
		quotePoints += len(h)
	}
	barCount := 0
	for _, h := range s.bars {
		barCount += len(h)
	}
	return map[string]int{
		"sessions":      len(s.sessions),
		"quotes":        len(s.quotes),
		"quotePoints":   quotePoints,
		"barSeries":     len(s.bars),
		"bars":          barCount,
		"snapshots":     len(s.snapshots),
		"newsBrokers":   len(s.news),
		"symbolBrokers": len(s.symbols),
	}
}
