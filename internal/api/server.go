// Package api exposes the broker bridge over HTTP and WebSocket: agent
// session lifecycle, market data ingestion and reads, the EA signal path,
// auto-trading control, and diagnostics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/internal/bridge"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/execution"
	"github.com/fluxtrade/engine/internal/manager"
	"github.com/fluxtrade/engine/internal/orchestrator"
	"github.com/fluxtrade/engine/internal/quality"
)

// Options configures the HTTP listener.
type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// DefaultOptions is the standalone-server default.
func DefaultOptions() Options {
	return Options{
		Host:            "0.0.0.0",
		Port:            8090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		RateLimitMax:    rateLimitMax,
		RateLimitWindow: rateLimitWindow,
	}
}

// SignalSource is the signal generation seam, satisfied by the coordinator.
type SignalSource interface {
	GenerateSignal(ctx context.Context, pair string, opts orchestrator.Options) orchestrator.Result
}

// Server wires the bridge, coordinator, manager, and execution engine to the
// HTTP surface.
type Server struct {
	cfg     *config.Snapshot
	opts    Options
	logger  *zap.Logger
	router  *mux.Router
	http    *http.Server
	limiter *rateLimiter

	bridge  *bridge.Service
	signals SignalSource
	manager *manager.Manager
	engine  *execution.Engine
	guard   *quality.Guard
	candles analyzers.CandleAnalyzer
	hub     *Hub
}

// NewServer builds the server and registers every route. Any dependency may
// be nil; the corresponding endpoints answer 503.
func NewServer(opts Options, snap *config.Snapshot, br *bridge.Service, signals SignalSource,
	mgr *manager.Manager, eng *execution.Engine, guard *quality.Guard,
	candles analyzers.CandleAnalyzer, bus *events.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     snap,
		opts:    opts,
		logger:  logger.Named("api"),
		router:  mux.NewRouter(),
		limiter: newRateLimiter(opts.RateLimitMax, opts.RateLimitWindow),
		bridge:  br,
		signals: signals,
		manager: mgr,
		engine:  eng,
		guard:   guard,
		candles: candles,
	}
	s.hub = NewHub(bus, s.logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	b := s.router.PathPrefix("/broker/bridge").Subrouter()
	b.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	b.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	b.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	a := b.PathPrefix("/{broker}").Subrouter()
	a.HandleFunc("/session/connect", s.handleSessionConnect).Methods(http.MethodPost)
	a.HandleFunc("/session/disconnect", s.handleSessionDisconnect).Methods(http.MethodPost)
	a.HandleFunc("/agent/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	a.HandleFunc("/agent/transaction", s.handleAgentTransaction).Methods(http.MethodPost)
	a.HandleFunc("/agent/manage", s.handleAgentManage).Methods(http.MethodPost)
	a.HandleFunc("/agent/commands", s.handleAgentCommands).Methods(http.MethodGet)
	a.HandleFunc("/agent/config", s.handleAgentConfig).Methods(http.MethodGet)

	a.HandleFunc("/market/quotes", s.handleIngestQuotes).Methods(http.MethodPost)
	a.HandleFunc("/market/bars", s.handleIngestBars).Methods(http.MethodPost)
	a.HandleFunc("/market/snapshot", s.handleIngestSnapshot).Methods(http.MethodPost)
	a.HandleFunc("/market/snapshot/request", s.handleSnapshotRequest).Methods(http.MethodPost)
	a.HandleFunc("/market/news", s.handleIngestNews).Methods(http.MethodPost)
	a.HandleFunc("/market/symbols", s.handleIngestSymbols).Methods(http.MethodPost)
	a.HandleFunc("/market/active-symbols", s.handleSetActiveSymbols).Methods(http.MethodPost)

	a.HandleFunc("/market/quotes", s.handleGetQuotes).Methods(http.MethodGet)
	a.HandleFunc("/market/bars", s.handleGetBars).Methods(http.MethodGet)
	a.HandleFunc("/market/candles", s.handleGetCandles).Methods(http.MethodGet)
	a.HandleFunc("/market/snapshot", s.handleGetSnapshot).Methods(http.MethodGet)
	a.HandleFunc("/market/news", s.handleGetNews).Methods(http.MethodGet)
	a.HandleFunc("/market/symbols", s.handleGetSymbols).Methods(http.MethodGet)
	a.HandleFunc("/market/active-symbols", s.handleGetActiveSymbols).Methods(http.MethodGet)
	a.HandleFunc("/market/candle-analysis", s.handleCandleAnalysis).Methods(http.MethodGet)

	a.HandleFunc("/signal/get", s.handleSignalGet).Methods(http.MethodGet)
	a.HandleFunc("/analysis/get", s.handleAnalysisGet).Methods(http.MethodGet)

	a.HandleFunc("/auto-trading/start", s.handleAutoTradingStart).Methods(http.MethodPost)
	a.HandleFunc("/auto-trading/stop", s.handleAutoTradingStop).Methods(http.MethodPost)
	b.HandleFunc("/auto-trading/status", s.handleAutoTradingStatus).Methods(http.MethodGet)
	b.HandleFunc("/trades/active", s.handleActiveTrades).Methods(http.MethodGet)
	b.HandleFunc("/trades/history", s.handleTradeHistory).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.hub.HandleWebSocket)
}

// MountMetrics exposes a Prometheus exposition handler at /metrics. The path
// stays outside API-key auth like the other diagnostics endpoints.
func (s *Server) MountMetrics(h http.Handler) {
	s.router.Handle("/metrics", h).Methods(http.MethodGet)
}

// Handler returns the full middleware chain, usable directly by httptest.
func (s *Server) Handler() http.Handler {
	chain := s.requireAPIKey(s.limitRate(s.router))
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(chain)
}

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.hub.Start()
	s.logger.Info("api server listening", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Stop drains WebSocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---- shared helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func brokerVar(r *http.Request) string {
	return mux.Vars(r)["broker"]
}

// ---- diagnostics ----

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.bridge != nil {
		payload["sessions"] = len(s.bridge.Sessions())
	}
	if s.engine != nil {
		equity, drawdown := s.engine.Equity()
		payload["openTrades"] = s.engine.OpenTradeCount()
		payload["equity"] = equity
		payload["drawdown"] = drawdown
	}
	if s.manager != nil {
		payload["autoTrading"] = s.manager.Snapshot()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statistics": s.bridge.Statistics()})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	sessions := s.bridge.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions, "count": len(sessions)})
}
