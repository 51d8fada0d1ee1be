package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/pkg/types"
)

const defaultCommandDrain = 20

func (s *Server) autoTradingLive() bool {
	return s.manager != nil && len(s.manager.EnabledBrokers()) > 0
}

func (s *Server) policy() ServerPolicy {
	return buildServerPolicy(s.cfg, s.autoTradingLive())
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	var sess types.Session
	if err := decodeBody(r, &sess); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session payload")
		return
	}
	sess.Broker = brokerVar(r)
	if sess.AccountNumber == "" {
		writeError(w, http.StatusBadRequest, "accountNumber is required")
		return
	}
	registered := s.bridge.RegisterSession(sess)
	s.logger.Info("agent session connected",
		zap.String("broker", registered.Broker), zap.String("account", registered.AccountNumber))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"session":      registered,
		"serverPolicy": s.policy(),
	})
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	var body struct {
		AccountNumber string `json:"accountNumber"`
	}
	if err := decodeBody(r, &body); err != nil || body.AccountNumber == "" {
		writeError(w, http.StatusBadRequest, "accountNumber is required")
		return
	}
	removed := s.bridge.DisconnectSession(brokerVar(r), body.AccountNumber)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	var body struct {
		AccountNumber string  `json:"accountNumber"`
		Equity        float64 `json:"equity"`
		Balance       float64 `json:"balance"`
	}
	if err := decodeBody(r, &body); err != nil || body.AccountNumber == "" {
		writeError(w, http.StatusBadRequest, "accountNumber is required")
		return
	}
	sess := s.bridge.HandleHeartbeat(brokerVar(r), body.AccountNumber, body.Equity, body.Balance)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"session":      sess,
		"serverPolicy": s.policy(),
	})
}

// handleAgentTransaction ingests EA-reported fills and closes. A reported
// close acknowledges the broker-side exit so the engine close path skips its
// own broker call.
func (s *Server) handleAgentTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event   string  `json:"event"` // open | close | modify
		TradeID string  `json:"tradeId"`
		Symbol  string  `json:"symbol"`
		Price   float64 `json:"price"`
		Profit  float64 `json:"profit"`
		Reason  string  `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil || body.Event == "" {
		writeError(w, http.StatusBadRequest, "malformed transaction payload")
		return
	}

	handled := false
	if body.Event == "close" && body.TradeID != "" && s.engine != nil {
		if s.engine.AcknowledgeManualClose(body.TradeID) {
			reason := body.Reason
			if reason == "" {
				reason = "broker_reported_close"
			}
			if err := s.engine.CloseTrade(r.Context(), body.TradeID, body.Price, reason); err != nil {
				s.logger.Warn("agent-reported close failed",
					zap.String("tradeId", body.TradeID), zap.Error(err))
			} else {
				handled = true
			}
		}
	}
	s.logger.Info("agent transaction",
		zap.String("broker", brokerVar(r)), zap.String("event", body.Event),
		zap.String("tradeId", body.TradeID), zap.Bool("handled", handled))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "handled": handled})
}

// handleAgentManage accepts the agent's open-position report and returns the
// queued management commands in order.
func (s *Server) handleAgentManage(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	var body struct {
		Positions []map[string]any `json:"positions"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed manage payload")
		return
	}
	cmds := s.bridge.DrainManagementCommands(brokerVar(r), defaultCommandDrain)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleAgentCommands(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	limit := defaultCommandDrain
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	cmds := s.bridge.DrainManagementCommands(brokerVar(r), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"success":      true,
		"serverPolicy": s.policy(),
	}
	if s.bridge != nil {
		if sess, ok := s.bridge.LatestSession(brokerVar(r)); ok {
			payload["session"] = sess
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- auto-trading control ----

func (s *Server) handleAutoTradingStart(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager unavailable")
		return
	}
	var body struct {
		AllowDisconnected bool `json:"allowDisconnected"`
	}
	_ = decodeBody(r, &body)
	s.manager.StartAutoTrading(brokerVar(r), body.AllowDisconnected)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.manager.Snapshot()})
}

func (s *Server) handleAutoTradingStop(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager unavailable")
		return
	}
	s.manager.StopAutoTrading(brokerVar(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.manager.Snapshot()})
}

func (s *Server) handleAutoTradingStatus(w http.ResponseWriter, _ *http.Request) {
	if s.manager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.manager.Snapshot()})
}

func (s *Server) handleActiveTrades(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "execution engine unavailable")
		return
	}
	trades := s.engine.ActiveTrades()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trades": trades, "count": len(trades)})
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "execution engine unavailable")
		return
	}
	trades := s.engine.RecentClosed()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trades": trades, "count": len(trades)})
}
