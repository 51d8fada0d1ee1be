package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/internal/bridge"
	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/orchestrator"
	"github.com/fluxtrade/engine/pkg/types"
)

type stubSignalSource struct {
	sig *types.Signal
}

func (s *stubSignalSource) GenerateSignal(_ context.Context, pair string, _ orchestrator.Options) orchestrator.Result {
	if s.sig == nil {
		return orchestrator.Result{}
	}
	out := *s.sig
	out.Pair = pair
	return orchestrator.Result{Signal: &out}
}

func newTestServer(t *testing.T, mutate func(*config.Snapshot, *Options)) (*Server, *bridge.Service) {
	t.Helper()
	snap := config.Default()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(snap, &opts)
	}
	logger := zap.NewNop()
	bus := events.NewBus(logger, events.Config{Workers: 1, BufferSize: 64})
	t.Cleanup(bus.Stop)
	br := bridge.New(bridge.DefaultConfig(), catalog.New(), bus, logger)

	src := &stubSignalSource{sig: &types.Signal{
		Direction:  types.DirectionBuy,
		Strength:   60,
		Confidence: 70,
		FinalScore: 65,
		IsValid:    &types.Validity{IsValid: true},
		Decision:   &types.Decision{State: types.StateEnter, Score: 65},
	}}
	s := NewServer(opts, snap, br, src, nil, nil, nil, analyzers.NewCandleEngine(), bus, logger)
	return s, br
}

func doJSON(t *testing.T, h http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSessionConnectReturnsServerPolicy(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/broker/bridge/mt5/session/connect", "",
		map[string]any{"accountNumber": "100234", "accountMode": "demo", "equity": 10000.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	session, _ := out["session"].(map[string]any)
	if session["broker"] != "mt5" || session["accountNumber"] != "100234" {
		t.Fatalf("unexpected session %v", session)
	}
	policy, _ := out["serverPolicy"].(map[string]any)
	authority, _ := policy["authority"].(map[string]any)
	if authority["decision"] != "server" {
		t.Fatalf("decision authority = %v, want server", authority["decision"])
	}
	if authority["execution"] != "agent" {
		t.Fatalf("execution authority = %v, want agent while auto-trading is idle", authority["execution"])
	}
}

func TestSessionConnectRequiresAccountNumber(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/broker/bridge/mt5/session/connect", "",
		map[string]any{"accountMode": "demo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHeartbeatReturnsPolicy(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/broker/bridge/mt5/session/connect", "",
		map[string]any{"accountNumber": "55"})

	rec := doJSON(t, h, http.MethodPost, "/broker/bridge/mt5/agent/heartbeat", "",
		map[string]any{"accountNumber": "55", "equity": 10250.5, "balance": 10000.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	session, _ := out["session"].(map[string]any)
	if session["equity"] != 10250.5 {
		t.Fatalf("equity = %v, want 10250.5", session["equity"])
	}
	if _, ok := out["serverPolicy"]; !ok {
		t.Fatal("heartbeat response missing serverPolicy")
	}
}

func TestQuoteIngestReadback(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/broker/bridge/mt5/market/quotes", "", map[string]any{
		"quotes": []types.Quote{{
			Symbol: "EURUSD", Bid: 1.0850, Ask: 1.0852, Timestamp: time.Now(),
		}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	if out["accepted"] != float64(1) {
		t.Fatalf("accepted = %v, want 1", out["accepted"])
	}

	rec = doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/quotes?symbol=EURUSD", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readback status = %d body=%s", rec.Code, rec.Body.String())
	}
	out = decodeResponse(t, rec)
	quote, _ := out["quote"].(map[string]any)
	if quote["bid"] != 1.0850 {
		t.Fatalf("bid = %v, want 1.0850", quote["bid"])
	}
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/broker/bridge/mt5/market/bars",
		bytes.NewBufferString(`{"bars": not-json`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	out := decodeResponse(t, rec)
	if out["success"] != false {
		t.Fatalf("expected success=false, got %v", out)
	}
}

func TestAPIKeyEnforcement(t *testing.T) {
	s, _ := newTestServer(t, func(snap *config.Snapshot, _ *Options) {
		snap.APIKey = "secret"
	})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/symbols", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/symbols", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/symbols", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("good key status = %d, want 200", rec.Code)
	}
	// diagnostics stay open
	rec = doJSON(t, h, http.MethodGet, "/broker/bridge/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open status path = %d, want 200", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
}

func TestRateLimitPerCallerWindow(t *testing.T) {
	s, _ := newTestServer(t, func(_ *config.Snapshot, opts *Options) {
		opts.RateLimitMax = 2
	})
	h := s.Handler()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/symbols", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/symbols", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	// a different path has its own window
	rec = doJSON(t, h, http.MethodGet, "/broker/bridge/mt5/market/news", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("different path status = %d, want 200", rec.Code)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		if !rl.Allow("k", "1.2.3.4", "GET", "/x") {
			t.Fatalf("request %d unexpectedly limited", i)
		}
	}
	if rl.Allow("k", "1.2.3.4", "GET", "/x") {
		t.Fatal("expected limit at window max")
	}
	rl.now = func() time.Time { return base.Add(61 * time.Second) }
	if !rl.Allow("k", "1.2.3.4", "GET", "/x") {
		t.Fatal("expected fresh window after expiry")
	}
}

func TestSignalGetServesSignalWithPolicy(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/broker/bridge/mt5/signal/get?symbol=eurusd.pro", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	sig, _ := out["signal"].(map[string]any)
	if sig["pair"] != "EURUSD" {
		t.Fatalf("pair = %v, want normalized EURUSD", sig["pair"])
	}
	if sig["direction"] != "BUY" {
		t.Fatalf("direction = %v, want BUY", sig["direction"])
	}
	if _, ok := out["serverPolicy"]; !ok {
		t.Fatal("signal response missing serverPolicy")
	}
}

func TestAnalysisGetIncludesDecision(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/broker/bridge/mt5/analysis/get?symbol=GBPUSD", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	decision, _ := out["decision"].(map[string]any)
	if decision["state"] != string(types.StateEnter) {
		t.Fatalf("decision state = %v, want %s", decision["state"], types.StateEnter)
	}
}

func TestAgentCommandsDrainInOrder(t *testing.T) {
	s, br := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		br.EnqueueManagementCommands("mt5", []types.ManagementCommand{
			{Action: "modify_sl", Symbol: fmt.Sprintf("PAIR%d", i)},
		})
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/broker/bridge/mt5/agent/commands?limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	if out["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", out["count"])
	}
	cmds, _ := out["commands"].([]any)
	first, _ := cmds[0].(map[string]any)
	if first["symbol"] != "PAIR0" {
		t.Fatalf("first drained symbol = %v, want PAIR0", first["symbol"])
	}
}

func TestManagerEndpointsAnswer503WhenUnwired(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/broker/bridge/mt5/auto-trading/start", "", map[string]any{})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("auto-trading start = %d, want 503", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/broker/bridge/trades/active", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("trades active = %d, want 503", rec.Code)
	}
}

func TestCandleAnalysisOverIngestedBars(t *testing.T) {
	s, br := newTestServer(t, nil)

	bars := make([]types.Bar, 0, 30)
	base := time.Now().Add(-30 * time.Hour)
	for i := 0; i < 30; i++ {
		px := 1.08 + float64(i)*0.0004
		bars = append(bars, types.Bar{
			Symbol:    "EURUSD",
			Timeframe: types.TimeframeH1,
			Time:      base.Add(time.Duration(i) * time.Hour),
			Open:      px,
			High:      px + 0.0006,
			Low:       px - 0.0003,
			Close:     px + 0.0004,
			Volume:    1000,
		})
	}
	if accepted, _ := br.RecordMarketBars("mt5", bars); accepted != 30 {
		t.Fatalf("seed bars accepted = %d, want 30", accepted)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet,
		"/broker/bridge/mt5/market/candle-analysis?symbol=EURUSD&timeframe=H1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeResponse(t, rec)
	if out["pair"] != "EURUSD" {
		t.Fatalf("pair = %v, want EURUSD", out["pair"])
	}
	if _, ok := out["analysis"].(map[string]any); !ok {
		t.Fatalf("missing analysis block in %v", out)
	}
}
