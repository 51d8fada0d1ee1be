package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/orchestrator"
)

func requestedPair(r *http.Request) string {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = r.URL.Query().Get("pair")
	}
	return catalog.Normalize(symbol)
}

// handleSignalGet runs the full pipeline on demand and returns the signal
// with the server policy attached. Execution is never triggered here; the
// agent decides based on the policy's authority block.
func (s *Server) handleSignalGet(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal coordinator unavailable")
		return
	}
	pair := requestedPair(r)
	if pair == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	broker := brokerVar(r)
	result := s.signals.GenerateSignal(r.Context(), pair, orchestrator.Options{
		Broker:       broker,
		AnalysisMode: orchestrator.AnalysisModeEA,
	})
	if result.Signal == nil {
		writeError(w, http.StatusUnprocessableEntity, "signal generation produced no result")
		return
	}
	s.logger.Debug("signal served",
		zap.String("broker", broker), zap.String("pair", pair),
		zap.String("direction", string(result.Signal.Direction)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"signal":       result.Signal,
		"serverPolicy": s.policy(),
	})
}

// handleAnalysisGet is the read-only sibling of signal/get: the same
// pipeline output, framed as analysis. Invalid or vetoed signals are still
// returned so dashboards can show why a trade was not taken.
func (s *Server) handleAnalysisGet(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal coordinator unavailable")
		return
	}
	pair := requestedPair(r)
	if pair == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}
	result := s.signals.GenerateSignal(r.Context(), pair, orchestrator.Options{
		Broker:       brokerVar(r),
		AnalysisMode: orchestrator.AnalysisModeEA,
	})
	if result.Signal == nil {
		writeError(w, http.StatusUnprocessableEntity, "analysis produced no result")
		return
	}
	payload := map[string]any{
		"success":  true,
		"pair":     pair,
		"analysis": result.Signal,
	}
	if result.Signal.Decision != nil {
		payload["decision"] = result.Signal.Decision
	}
	writeJSON(w, http.StatusOK, payload)
}
