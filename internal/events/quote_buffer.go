package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// QuoteBuffer coalesces per-symbol quote updates and publishes one
// quote_batch event per broker at a fixed flush interval. Ingestion paths
// call Add on every quote; dashboards see at most one batch per interval.
type QuoteBuffer struct {
	mu      sync.Mutex
	pending map[string]map[string]interface{} // broker -> symbol -> latest payload

	bus      *Bus
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewQuoteBuffer starts the flush loop. interval <= 0 defaults to 250 ms.
func NewQuoteBuffer(bus *Bus, interval time.Duration, logger *zap.Logger) *QuoteBuffer {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	qb := &QuoteBuffer{
		pending:  make(map[string]map[string]interface{}),
		bus:      bus,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger.Named("quote-buffer"),
	}
	go qb.loop()
	return qb
}

// Add stages the latest quote payload for (broker, symbol). A newer quote
// for the same symbol within the flush window replaces the staged one.
func (qb *QuoteBuffer) Add(broker, symbol string, payload interface{}) {
	qb.mu.Lock()
	defer qb.mu.Unlock()
	m, ok := qb.pending[broker]
	if !ok {
		m = make(map[string]interface{})
		qb.pending[broker] = m
	}
	m[symbol] = payload
}

func (qb *QuoteBuffer) loop() {
	ticker := time.NewTicker(qb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-qb.stopCh:
			qb.Flush()
			return
		case <-ticker.C:
			qb.Flush()
		}
	}
}

// Flush publishes one quote_batch per broker and clears the staging maps.
func (qb *QuoteBuffer) Flush() {
	qb.mu.Lock()
	staged := qb.pending
	qb.pending = make(map[string]map[string]interface{})
	qb.mu.Unlock()

	for broker, quotes := range staged {
		if len(quotes) == 0 {
			continue
		}
		qb.bus.Publish(New(TypeQuoteBatch, broker, "", quotes))
	}
}

// Stop terminates the flush loop after a final flush.
func (qb *QuoteBuffer) Stop() {
	qb.stopOnce.Do(func() { close(qb.stopCh) })
}
