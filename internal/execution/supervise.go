package execution

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/pkg/types"
)

const defaultSmartExitProfitPct = 0.35

// ManageActiveTrades runs one supervision pass over the open blotter:
// PnL refresh, smart supervisor exits, breakeven and trailing stops, broker
// protection sync, SL/TP closes, and periodic broker reconciliation.
func (e *Engine) ManageActiveTrades(ctx context.Context) {
	now := e.now().UTC()

	e.mu.Lock()
	trades := make([]*types.Trade, 0, len(e.active))
	for _, t := range e.active {
		trades = append(trades, t)
	}
	router := e.router
	e.mu.Unlock()

	for _, t := range trades {
		if e.quotes == nil {
			break
		}
		q, ok := e.quotes.GetQuote(t.Broker, t.Pair)
		if !ok {
			continue
		}
		price := q.Mid()
		if price <= 0 {
			continue
		}

		var closeReason string
		var slChanged bool

		e.mu.Lock()
		if t.Status != types.TradeOpen {
			e.mu.Unlock()
			continue
		}
		t.CurrentPnL = pnlAt(t, price)
		closeReason, slChanged = e.superviseLocked(t, price)
		if closeReason == "" {
			if e.manageProtectionLocked(t, price) {
				slChanged = true
			}
			closeReason = stopTargetHit(t, price)
		}
		e.mu.Unlock()

		if closeReason != "" {
			if err := e.CloseTrade(ctx, t.ID, price, closeReason); err != nil {
				e.logger.Warn("supervised close failed",
					zap.String("tradeId", t.ID), zap.String("reason", closeReason), zap.Error(err))
			}
			continue
		}
		if slChanged {
			e.syncBrokerProtection(ctx, t, now)
		}
	}

	if router != nil {
		e.runReconciliation(ctx, router, now)
	}
}

// superviseLocked applies the smart trade supervisor: exit profitable trades
// ahead of news blackouts or quality breaker trips, otherwise tighten to
// breakeven. Returns a close reason and whether the stop moved.
func (e *Engine) superviseLocked(t *types.Trade, price float64) (string, bool) {
	tm := e.cfg.TradeManagement
	if !tm.SmartSupervisorEnabled {
		return "", false
	}

	profitPct := profitPercent(t, price)
	minProfit := tm.SmartExitMinProfitPct
	if minProfit <= 0 {
		minProfit = defaultSmartExitProfitPct
	}
	slChanged := false

	if tm.NewsGuard && e.news != nil {
		window := time.Duration(tm.SmartExitNewsMinutes * float64(time.Minute))
		if window <= 0 {
			window = 30 * time.Minute
		}
		upcoming := e.news.UpcomingNews(t.Broker, t.Pair, window, e.cfg.Gates.NewsBlackoutImpactThreshold)
		if len(upcoming) > 0 {
			if profitPct >= minProfit {
				return "smart_exit_news", slChanged
			}
			slChanged = e.moveToBreakevenLocked(t, price) || slChanged
		}
	}

	if e.guard != nil && e.guard.IsTripped(t.Pair) {
		if profitPct >= minProfit {
			return "smart_exit_quality", slChanged
		}
		slChanged = e.moveToBreakevenLocked(t, price) || slChanged
	}
	return "", slChanged
}

// manageProtectionLocked advances breakeven and trailing stops. The stop only
// improves; a trailing update needs at least stepDistance of progress.
func (e *Engine) manageProtectionLocked(t *types.Trade, price float64) bool {
	ts := t.TrailingStop
	tpDist := math.Abs(t.TakeProfit - t.EntryPrice)
	if tpDist <= 0 {
		return false
	}
	progress := 0.0
	switch t.Direction {
	case types.DirectionBuy:
		progress = (price - t.EntryPrice) / tpDist
	case types.DirectionSell:
		progress = (t.EntryPrice - price) / tpDist
	}

	changed := false
	if !t.MovedToBreakeven && ts.BreakevenAtFraction > 0 && progress >= ts.BreakevenAtFraction {
		if e.moveToBreakevenLocked(t, price) {
			changed = true
		}
	}

	if !ts.Enabled || !e.cfg.TradeManagement.DynamicTrailingEnabled {
		return changed
	}
	if !t.TrailingActive && ts.ActivationAtFraction > 0 && progress >= ts.ActivationAtFraction {
		t.TrailingActive = true
	}
	if t.TrailingActive && ts.TrailingDistance > 0 {
		step := ts.StepDistance
		switch t.Direction {
		case types.DirectionBuy:
			candidate := price - ts.TrailingDistance
			if candidate > t.StopLoss && candidate-t.StopLoss >= step {
				t.StopLoss = candidate
				changed = true
			}
		case types.DirectionSell:
			candidate := price + ts.TrailingDistance
			if (t.StopLoss == 0 || candidate < t.StopLoss) && (t.StopLoss == 0 || t.StopLoss-candidate >= step) {
				t.StopLoss = candidate
				changed = true
			}
		}
	}
	return changed
}

func (e *Engine) moveToBreakevenLocked(t *types.Trade, price float64) bool {
	if t.MovedToBreakeven {
		return false
	}
	switch t.Direction {
	case types.DirectionBuy:
		if price <= t.EntryPrice || t.StopLoss >= t.EntryPrice {
			return false
		}
	case types.DirectionSell:
		if price >= t.EntryPrice || (t.StopLoss != 0 && t.StopLoss <= t.EntryPrice) {
			return false
		}
	default:
		return false
	}
	t.StopLoss = t.EntryPrice
	t.MovedToBreakeven = true
	return true
}

// stopTargetHit returns the direction-aware close reason when price crossed
// the stop or the target.
func stopTargetHit(t *types.Trade, price float64) string {
	switch t.Direction {
	case types.DirectionBuy:
		if t.StopLoss > 0 && price <= t.StopLoss {
			return "stop_loss"
		}
		if t.TakeProfit > 0 && price >= t.TakeProfit {
			return "take_profit"
		}
	case types.DirectionSell:
		if t.StopLoss > 0 && price >= t.StopLoss {
			return "stop_loss"
		}
		if t.TakeProfit > 0 && price <= t.TakeProfit {
			return "take_profit"
		}
	}
	return ""
}

// syncBrokerProtection pushes the updated stop to the broker, throttled and
// deduplicated on an unchanged stop.
func (e *Engine) syncBrokerProtection(ctx context.Context, t *types.Trade, now time.Time) {
	e.mu.Lock()
	router := e.router
	if router == nil || t.Broker == "" {
		e.mu.Unlock()
		return
	}
	throttle := e.cfg.TradeManagement.BrokerModifyThrottle
	if throttle < minBrokerModifyGap {
		throttle = minBrokerModifyGap
	}
	if !t.LastBrokerModifyAt.IsZero() && now.Sub(t.LastBrokerModifyAt) < throttle {
		e.mu.Unlock()
		return
	}
	if t.StopLoss == t.LastBrokerStopLoss {
		e.mu.Unlock()
		return
	}
	req := types.BrokerOrderRequest{
		Broker: t.Broker, Symbol: t.Pair, Pair: t.Pair,
		Direction: t.Direction, StopLoss: t.StopLoss, TakeProfit: t.TakeProfit,
		TradeID: t.ID, IdempotencyKey: t.ID, Source: "protection_sync",
	}
	sent := t.StopLoss
	e.mu.Unlock()

	timeout := e.cfg.TradeManagement.BrokerCallTimeout
	if timeout <= 0 {
		timeout = defaultBrokerTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	_, err := router.ModifyPosition(cctx, req)
	cancel()
	if err != nil {
		// trade stays active; the next supervision pass retries
		e.logger.Warn("broker protection sync failed", zap.String("tradeId", t.ID), zap.Error(err))
		return
	}
	e.mu.Lock()
	t.LastBrokerModifyAt = now
	t.LastBrokerStopLoss = sent
	e.mu.Unlock()
}

func (e *Engine) runReconciliation(ctx context.Context, router Router, now time.Time) {
	every := e.cfg.TradeManagement.ReconcileInterval
	if every <= 0 {
		every = defaultReconcileEvery
	}
	e.mu.Lock()
	due := now.Sub(e.lastReconcile) >= every
	if due {
		e.lastReconcile = now
	}
	e.mu.Unlock()
	if !due {
		return
	}
	timeout := e.cfg.TradeManagement.BrokerCallTimeout
	if timeout <= 0 {
		timeout = defaultBrokerTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := router.RunReconciliation(cctx); err != nil {
		e.logger.Warn("broker reconciliation failed", zap.Error(err))
	}
}

func profitPercent(t *types.Trade, price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	delta := price - t.EntryPrice
	if t.Direction == types.DirectionSell {
		delta = t.EntryPrice - price
	}
	return delta / t.EntryPrice * 100
}
