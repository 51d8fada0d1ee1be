// Package data persists engine outcomes to disk: closed trades, data-quality
// reports, and the audit trail. Everything is plain JSON under one directory
// so operators can inspect state with standard tools.
package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/pkg/types"
)

const (
	tradesFile   = "trade_history.json"
	qualityFile  = "quality_reports.json"
	auditFile    = "audit_log.jsonl"
	fileMode     = 0644
	dirMode      = 0755
	maxTrades    = 2000
	maxReports   = 20 // per pair
	maxAuditSize = 16 << 20
)

// AuditEntry is one line of the append-only audit log.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Broker    string    `json:"broker,omitempty"`
	Pair      string    `json:"pair,omitempty"`
	Action    string    `json:"action"`
	Detail    any       `json:"detail,omitempty"`
}

// Store is the JSON-file persistence layer. It satisfies the execution
// engine's HistorySink and the quality guard's MetricSink.
type Store struct {
	mu      sync.Mutex
	logger  *zap.Logger
	dataDir string

	trades  []types.Trade
	reports map[string][]types.QualityReport
}

// NewStore opens (or creates) the data directory and loads existing state.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:  logger.Named("store"),
		dataDir: dataDir,
		reports: make(map[string][]types.QualityReport),
	}
	if err := os.MkdirAll(dataDir, dirMode); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := s.loadTrades(); err != nil {
		s.logger.Warn("trade history unreadable, starting fresh", zap.Error(err))
	}
	if err := s.loadReports(); err != nil {
		s.logger.Warn("quality reports unreadable, starting fresh", zap.Error(err))
	}
	return s, nil
}

// AppendTrade records a closed trade and rewrites the history file. The
// in-memory copy is capped at maxTrades, oldest first out.
func (s *Store) AppendTrade(t types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, t)
	if len(s.trades) > maxTrades {
		s.trades = s.trades[len(s.trades)-maxTrades:]
	}
	return s.writeJSON(tradesFile, s.trades)
}

// TradeHistory returns up to limit most recent trades, newest first.
func (s *Store) TradeHistory(limit int) []types.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.trades[i])
	}
	return out
}

// RecordQualityReport keeps a short per-pair ring of guard reports and
// persists the whole map.
func (s *Store) RecordQualityReport(report types.QualityReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.reports[report.Pair], report)
	if len(ring) > maxReports {
		ring = ring[len(ring)-maxReports:]
	}
	s.reports[report.Pair] = ring
	return s.writeJSON(qualityFile, s.reports)
}

// QualityReports returns the stored reports for a pair, oldest first.
func (s *Store) QualityReports(pair string) []types.QualityReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.QualityReport, len(s.reports[pair]))
	copy(out, s.reports[pair])
	return out
}

// AppendAudit appends one JSON line to the audit log. The log is truncated
// back to empty once it passes maxAuditSize; the audit trail is operational,
// not archival.
func (s *Store) AppendAudit(entry AuditEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, auditFile)
	if info, err := os.Stat(path); err == nil && info.Size() > maxAuditSize {
		if err := os.Truncate(path, 0); err != nil {
			s.logger.Warn("audit log truncate failed", zap.Error(err))
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadTrades() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, tradesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.trades)
}

func (s *Store) loadReports() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, qualityFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.reports)
}
