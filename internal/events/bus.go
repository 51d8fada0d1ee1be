// Package events routes engine events (quotes, signals, trade lifecycle,
// risk alerts) to subscribers such as the WebSocket hub and audit sinks.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type is the event category.
type Type string

const (
	TypeQuote            Type = "quote"
	TypeQuoteBatch       Type = "quote_batch"
	TypeBar              Type = "bar"
	TypeSnapshot         Type = "snapshot_updated"
	TypeNews             Type = "news"
	TypeSignal           Type = "signal"
	TypeTradeOpened      Type = "trade_opened"
	TypeTradeClosed      Type = "trade_closed"
	TypeTradeLiveContext Type = "trade_live_context"
	TypeRiskExposure     Type = "risk_exposure"
	TypeDrawdown         Type = "drawdown_alert"
	TypeCircuitBreaker   Type = "circuit_breaker"
	TypeAudit            Type = "audit"
)

// Event is a single bus message. Payload is a JSON-serializable value owned
// by the publisher; subscribers must not mutate it.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	Broker    string      `json:"broker,omitempty"`
	Pair      string      `json:"pair,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// New builds an event with a fresh id and current timestamp.
func New(t Type, broker, pair string, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Broker:    broker,
		Pair:      pair,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler processes one event. Handlers must not block for long; slow
// consumers should buffer internally.
type Handler func(Event)

// Filter selects events for a subscription.
type Filter func(Event) bool

// Subscription is a live handler registration.
type Subscription struct {
	id      string
	types   map[Type]bool
	filter  Filter
	handler Handler
	active  atomic.Bool
}

// Stats counts bus activity since start.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int64 `json:"subscribers"`
}

// Bus fans events out to subscribers through a bounded channel and a small
// worker pool. Publish never blocks; events are dropped when the buffer is
// full.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription

	ch      chan Event
	workers int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// Config sizes the bus.
type Config struct {
	Workers    int `json:"workers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, BufferSize: 8192}
}

// NewBus starts the worker pool immediately.
func NewBus(logger *zap.Logger, cfg Config) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8192
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		ch:      make(chan Event, cfg.BufferSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("events"),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic",
				zap.String("subscription", sub.id),
				zap.String("type", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
	b.delivered.Add(1)
}

// Subscribe registers handler for the given types; an empty list means all.
func (b *Bus) Subscribe(handler Handler, types ...Type) *Subscription {
	return b.SubscribeFiltered(handler, nil, types...)
}

// SubscribeFiltered registers handler with an optional filter.
func (b *Bus) SubscribeFiltered(handler Handler, filter Filter, types ...Type) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.active.Add(1)
	return sub
}

// Unsubscribe deactivates sub. The slot is reclaimed lazily.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.active.Add(-1)
	}
}

// Publish enqueues ev without blocking; full buffer drops the event.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("type", string(ev.Type)))
	}
}

// PublishSync dispatches ev inline, bypassing the worker pool. Used by tests
// and by paths that need ordering with respect to the caller.
func (b *Bus) PublishSync(ev Event) {
	b.published.Add(1)
	b.dispatch(ev)
}

// GetStats snapshots the counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.active.Load(),
	}
}

// Stop drains the workers; bounded by a 5 s grace period.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped",
			zap.Int64("published", b.published.Load()),
			zap.Int64("dropped", b.dropped.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus stop timed out")
	}
}
