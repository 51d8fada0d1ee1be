package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/pkg/types"
)

const (
	defaultBarRead       = 100
	maxBarRead           = 500
	defaultSymbolRead    = 200
	defaultActiveTTL     = 15 * time.Minute
	candleAnalysisLimit  = 120
	defaultSymbolReadAge = time.Hour
)

func readTimeframe(r *http.Request) types.Timeframe {
	tf := types.Timeframe(strings.ToUpper(r.URL.Query().Get("timeframe")))
	switch tf {
	case types.TimeframeM1, types.TimeframeM5, types.TimeframeM15, types.TimeframeM30,
		types.TimeframeH1, types.TimeframeH4, types.TimeframeD1, types.TimeframeW1:
		return tf
	default:
		return types.TimeframeH1
	}
}

func readLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) bridgeRequired(w http.ResponseWriter) bool {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return false
	}
	return true
}

// ---- ingestion ----

func (s *Server) handleIngestQuotes(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var body struct {
		Quotes []types.Quote `json:"quotes"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Quotes) == 0 {
		writeError(w, http.StatusBadRequest, "quotes payload is required")
		return
	}
	accepted, rejected := s.bridge.RecordQuotes(brokerVar(r), body.Quotes)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *Server) handleIngestBars(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var body struct {
		Bars []types.Bar `json:"bars"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Bars) == 0 {
		writeError(w, http.StatusBadRequest, "bars payload is required")
		return
	}
	accepted, rejected := s.bridge.RecordMarketBars(brokerVar(r), body.Bars)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *Server) handleIngestSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var snap types.Snapshot
	if err := decodeBody(r, &snap); err != nil || snap.Symbol == "" {
		writeError(w, http.StatusBadRequest, "snapshot payload with symbol is required")
		return
	}
	if err := s.bridge.RecordMarketSnapshot(brokerVar(r), snap); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSnapshotRequest(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var body struct {
		Symbol string `json:"symbol"`
	}
	if err := decodeBody(r, &body); err != nil || body.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if err := s.bridge.RequestMarketSnapshot(brokerVar(r), body.Symbol); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleIngestNews(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var body struct {
		News []types.NewsEvent `json:"news"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.News) == 0 {
		writeError(w, http.StatusBadRequest, "news payload is required")
		return
	}
	accepted := s.bridge.RecordNews(brokerVar(r), body.News)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": accepted})
}

func (s *Server) handleIngestSymbols(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var body struct {
		Symbols []string `json:"symbols"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols payload is required")
		return
	}
	accepted := s.bridge.RecordSymbols(brokerVar(r), body.Symbols)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": accepted})
}

func (s *Server) handleSetActiveSymbols(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	var body struct {
		Symbols []string `json:"symbols"`
		TTLMs   int64    `json:"ttlMs"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols payload is required")
		return
	}
	ttl := defaultActiveTTL
	if body.TTLMs > 0 {
		ttl = time.Duration(body.TTLMs) * time.Millisecond
	}
	s.bridge.SetActiveSymbols(brokerVar(r), body.Symbols, ttl)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(body.Symbols)})
}

// ---- reads ----

func (s *Server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	broker := brokerVar(r)
	quote, ok := s.bridge.GetQuote(broker, symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no quote for symbol")
		return
	}
	payload := map[string]any{"success": true, "quote": quote}
	if r.URL.Query().Get("history") == "true" {
		payload["history"] = s.bridge.QuoteHistory(broker, symbol)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGetBars(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	tf := readTimeframe(r)
	bars := s.bridge.GetBars(brokerVar(r), symbol, tf, readLimit(r, defaultBarRead, maxBarRead))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "symbol": symbol, "timeframe": tf, "bars": bars, "count": len(bars),
	})
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	tf := readTimeframe(r)
	bars := s.bridge.GetBarsAscending(brokerVar(r), symbol, tf, readLimit(r, defaultBarRead, maxBarRead))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "symbol": symbol, "timeframe": tf, "candles": bars, "count": len(bars),
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	snap, ok := s.bridge.GetSnapshot(brokerVar(r), symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for symbol")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "snapshot": snap})
}

func (s *Server) handleGetNews(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	news := s.bridge.GetNews(brokerVar(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "news": news, "count": len(news)})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	symbols := s.bridge.ListKnownSymbols(brokerVar(r), defaultSymbolReadAge, readLimit(r, defaultSymbolRead, 1000))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "symbols": symbols, "count": len(symbols)})
}

func (s *Server) handleGetActiveSymbols(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	symbols := s.bridge.GetActiveSymbols(brokerVar(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "symbols": symbols, "count": len(symbols)})
}

// handleCandleAnalysis runs the candle engine over the stored bars for one
// symbol without generating a full signal.
func (s *Server) handleCandleAnalysis(w http.ResponseWriter, r *http.Request) {
	if !s.bridgeRequired(w) {
		return
	}
	if s.candles == nil {
		writeError(w, http.StatusServiceUnavailable, "candle analyzer unavailable")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	broker := brokerVar(r)
	pair := catalog.Normalize(symbol)
	tf := readTimeframe(r)
	bars := s.bridge.GetBarsAscending(broker, symbol, tf, candleAnalysisLimit)
	if len(bars) == 0 {
		writeError(w, http.StatusNotFound, "no bars for symbol")
		return
	}
	report, err := s.candles.AnalyzeCandles(r.Context(), analyzers.MarketContext{
		Broker:          broker,
		Pair:            pair,
		BarsByTimeframe: map[types.Timeframe][]types.Bar{tf: bars},
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "pair": pair, "timeframe": tf, "analysis": report,
	})
}
