// Package realtime recomputes signals for symbols as market events arrive.
// Bars, snapshots, and active-symbol updates feed IngestSymbols; repeated
// triggers for the same (broker, symbol) collapse into one debounced
// recomputation on the worker pool. Two background loops keep coverage alive
// between events: a revalidation pass over previously published symbols and
// an optional round-robin scan of the known-symbol list.
package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/orchestrator"
	"github.com/fluxtrade/engine/internal/workers"
	"github.com/fluxtrade/engine/pkg/types"
)

const (
	defaultIngestDebounce  = 1500 * time.Millisecond
	defaultRevalidateEvery = time.Minute
	defaultScanInterval    = 15 * time.Second
	defaultScanBatch       = 180
	defaultScanSymbolAge   = time.Hour
	defaultScanSymbolsMax  = 600
)

// SignalSource produces signals. Satisfied by the orchestration coordinator.
type SignalSource interface {
	GenerateSignal(ctx context.Context, pair string, opts orchestrator.Options) orchestrator.Result
}

// SignalSink receives recomputed signals for the realtime execution path.
// Satisfied by the trade manager.
type SignalSink interface {
	EnqueueRealtimeSignal(broker string, sig *types.Signal)
}

// SymbolLister exposes the known-symbol universe for the background scan.
// Satisfied by the bridge.
type SymbolLister interface {
	IsConnected(broker string) bool
	ListKnownSymbols(broker string, maxAge time.Duration, max int) []string
}

// Runner owns the debounce table, the published-symbol ledger, and the
// background loops. Recomputation itself runs on the shared worker pool.
type Runner struct {
	cfg     *config.Snapshot
	signals SignalSource
	sink    SignalSink
	feed    SymbolLister
	pool    *workers.Pool
	logger  *zap.Logger

	mu          sync.Mutex
	timers      map[string]*time.Timer
	publishedAt map[string]time.Time
	cursors     map[string]int
	brokers     map[string]bool
	running     bool
	stopLoops   context.CancelFunc
	done        chan struct{}

	debounce time.Duration
	now      func() time.Time
}

// New builds a runner on a shared worker pool. The sink may be nil when
// auto-trading is disabled; signals are still recomputed and broadcast by the
// coordinator.
func New(snap *config.Snapshot, signals SignalSource, sink SignalSink, feed SymbolLister, pool *workers.Pool, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:         snap,
		signals:     signals,
		sink:        sink,
		feed:        feed,
		pool:        pool,
		logger:      logger.Named("realtime"),
		timers:      make(map[string]*time.Timer),
		publishedAt: make(map[string]time.Time),
		cursors:     make(map[string]int),
		brokers:     make(map[string]bool),
		debounce:    defaultIngestDebounce,
		now:         time.Now,
	}
}

// Start launches the revalidation and scan loops. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, cancel := context.WithCancel(context.Background())
	r.stopLoops = cancel
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()
	go r.loop(ctx, done)
}

// Stop halts the loops and cancels pending debounce timers.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.stopLoops
	done := r.done
	r.running = false
	r.stopLoops = nil
	r.done = nil
	for key, timer := range r.timers {
		timer.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	scanEvery := r.cfg.Scan.Interval
	if scanEvery <= 0 {
		scanEvery = defaultScanInterval
	}
	scan := time.NewTicker(scanEvery)
	revalidate := time.NewTicker(defaultRevalidateEvery)
	defer scan.Stop()
	defer revalidate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scan.C:
			if r.cfg.Scan.BackgroundSignals {
				r.ScanOnce()
			}
		case <-revalidate.C:
			r.RevalidateOnce()
		}
	}
}

// IngestSymbols schedules debounced recomputation for a broker's symbols.
// A symbol already pending keeps its existing timer, so bursts collapse.
func (r *Runner) IngestSymbols(broker string, symbols []string) {
	if broker == "" || len(symbols) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[broker] = true
	for _, s := range symbols {
		pair := catalog.Normalize(s)
		if pair == "" {
			continue
		}
		key := broker + "|" + pair
		if _, pending := r.timers[key]; pending {
			continue
		}
		b, p := broker, pair
		r.timers[key] = time.AfterFunc(r.debounce, func() {
			r.fire(b, p)
		})
	}
}

// fire hands the recomputation to the pool and releases the debounce slot.
func (r *Runner) fire(broker, pair string) {
	r.mu.Lock()
	delete(r.timers, broker+"|"+pair)
	r.mu.Unlock()

	err := r.pool.Submit(func(ctx context.Context) error {
		r.recompute(ctx, broker, pair)
		return nil
	})
	if err != nil {
		r.logger.Warn("recompute dropped",
			zap.String("broker", broker), zap.String("pair", pair), zap.Error(err))
	}
}

// recompute regenerates the EA-path signal for one symbol and forwards it to
// the realtime execution sink. The coordinator broadcasts the signal itself.
func (r *Runner) recompute(ctx context.Context, broker, pair string) {
	res := r.signals.GenerateSignal(ctx, pair, orchestrator.Options{
		Broker:       broker,
		AnalysisMode: orchestrator.AnalysisModeEA,
	})
	sig := res.Signal
	if sig == nil {
		return
	}
	r.mu.Lock()
	r.publishedAt[broker+"|"+pair] = r.now().UTC()
	r.mu.Unlock()

	if r.sink != nil && sig.Direction != types.DirectionNeutral {
		r.sink.EnqueueRealtimeSignal(broker, sig)
	}
}

// RevalidateOnce re-ingests every published symbol whose last recomputation
// is older than the revalidation cadence, so expirations and downgrades
// surface without fresh market events.
func (r *Runner) RevalidateOnce() {
	now := r.now().UTC()
	r.mu.Lock()
	stale := make(map[string][]string)
	for key, at := range r.publishedAt {
		if now.Sub(at) < defaultRevalidateEvery {
			continue
		}
		if broker, pair, ok := strings.Cut(key, "|"); ok {
			stale[broker] = append(stale[broker], pair)
		}
	}
	r.mu.Unlock()
	for broker, symbols := range stale {
		r.IngestSymbols(broker, symbols)
	}
}

// ScanOnce feeds the next batch of each broker's known symbols into the
// ingest pipe, advancing a per-broker round-robin cursor.
func (r *Runner) ScanOnce() {
	if r.feed == nil {
		return
	}
	r.mu.Lock()
	brokers := make([]string, 0, len(r.brokers))
	for b := range r.brokers {
		brokers = append(brokers, b)
	}
	r.mu.Unlock()

	maxAge := r.cfg.Scan.SymbolMaxAge
	if maxAge <= 0 {
		maxAge = defaultScanSymbolAge
	}
	maxSymbols := r.cfg.Scan.SymbolsMax
	if maxSymbols <= 0 {
		maxSymbols = defaultScanSymbolsMax
	}

	for _, broker := range brokers {
		if !r.feed.IsConnected(broker) {
			continue
		}
		symbols := r.feed.ListKnownSymbols(broker, maxAge, maxSymbols)
		batch := r.nextBatch(broker, symbols)
		if len(batch) > 0 {
			r.IngestSymbols(broker, batch)
		}
	}
}

// nextBatch slices the next scan window out of symbols, wrapping the cursor.
func (r *Runner) nextBatch(broker string, symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	size := r.cfg.Scan.BatchSize
	if size <= 0 {
		size = defaultScanBatch
	}
	if size >= len(symbols) {
		return symbols
	}
	r.mu.Lock()
	cursor := r.cursors[broker] % len(symbols)
	r.cursors[broker] = (cursor + size) % len(symbols)
	r.mu.Unlock()

	batch := make([]string, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, symbols[(cursor+i)%len(symbols)])
	}
	return batch
}

// PendingRecomputes reports the number of debounce timers in flight.
func (r *Runner) PendingRecomputes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
