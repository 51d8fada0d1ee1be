package data

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, dir
}

func TestAppendTradePersistsAcrossReopen(t *testing.T) {
	s, dir := newTestStore(t)

	trade := types.Trade{
		ID:          "t-1",
		Pair:        "EURUSD",
		Direction:   types.DirectionBuy,
		EntryPrice:  1.0850,
		ClosePrice:  1.0900,
		CloseReason: "take_profit",
		Status:      types.TradeClosed,
		OpenTime:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		CloseTime:   time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
	if err := s.AppendTrade(trade); err != nil {
		t.Fatalf("AppendTrade: %v", err)
	}

	reopened, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	hist := reopened.TradeHistory(10)
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].ID != "t-1" || hist[0].CloseReason != "take_profit" {
		t.Fatalf("unexpected trade %+v", hist[0])
	}
}

func TestTradeHistoryNewestFirstAndCapped(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.AppendTrade(types.Trade{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	hist := s.TradeHistory(3)
	if len(hist) != 3 {
		t.Fatalf("limited history length = %d, want 3", len(hist))
	}
	if hist[0].ID != "e" || hist[2].ID != "c" {
		t.Fatalf("order wrong: got %s..%s, want e..c", hist[0].ID, hist[2].ID)
	}
}

func TestQualityReportRingPerPair(t *testing.T) {
	s, dir := newTestStore(t)
	for i := 0; i < maxReports+5; i++ {
		report := types.QualityReport{
			Pair:       "EURUSD",
			Score:      float64(i),
			AssessedAt: time.Now().UTC(),
		}
		if err := s.RecordQualityReport(report); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	reports := s.QualityReports("EURUSD")
	if len(reports) != maxReports {
		t.Fatalf("ring length = %d, want %d", len(reports), maxReports)
	}
	if reports[len(reports)-1].Score != float64(maxReports+4) {
		t.Fatalf("last score = %v, want %v", reports[len(reports)-1].Score, maxReports+4)
	}

	reopened, err := NewStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := len(reopened.QualityReports("EURUSD")); got != maxReports {
		t.Fatalf("persisted ring length = %d, want %d", got, maxReports)
	}
}

func TestAppendAuditWritesJSONLines(t *testing.T) {
	s, dir := newTestStore(t)
	for i := 0; i < 3; i++ {
		err := s.AppendAudit(AuditEntry{
			Component: "execution",
			Action:    "order_rejected",
			Pair:      "GBPUSD",
			Detail:    map[string]any{"reason": "slippage"},
		})
		if err != nil {
			t.Fatalf("append audit %d: %v", i, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, auditFile))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if entry.Action != "order_rejected" || entry.Time.IsZero() {
			t.Fatalf("unexpected entry %+v", entry)
		}
		lines++
	}
	if lines != 3 {
		t.Fatalf("audit lines = %d, want 3", lines)
	}
}

func TestAttachStreamsBusAuditEvents(t *testing.T) {
	s, dir := newTestStore(t)
	bus := events.NewBus(zap.NewNop(), events.Config{Workers: 1, BufferSize: 16})
	t.Cleanup(bus.Stop)
	sub := s.Attach(bus)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	bus.PublishSync(events.New(events.TypeAudit, "mt5", "EURUSD", map[string]string{
		"component": "quality",
		"action":    "breaker_activated",
		"reason":    "stale_quotes",
	}))

	raw, err := os.ReadFile(filepath.Join(dir, auditFile))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry AuditEntry
	if err := json.Unmarshal(raw[:len(raw)-1], &entry); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if entry.Component != "quality" || entry.Action != "breaker_activated" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}
