package quality

import (
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/pkg/types"
)

// Breaker reasons.
const (
	ReasonWideSpread   = "wide_spread"
	ReasonWeekendGap   = "weekend_gap"
	ReasonQualityScore = "quality_score"
)

// minBreakerLifetime is the lower bound on any breaker duration.
const minBreakerLifetime = 120 * time.Second

// updateBreakerState activates the breaker when warranted by the report and
// attaches the active entry (if any) to the report.
func (g *Guard) updateBreakerState(report *types.QualityReport, now time.Time) {
	if !report.SyntheticRelaxed {
		reason := ""
		switch {
		case report.Spread.Status == "critical":
			reason = ReasonWideSpread
		case report.WeekendGap.Severity == types.GapCritical:
			reason = ReasonWeekendGap
		case report.Status == types.QualityCritical && report.Score < 55:
			reason = ReasonQualityScore
		}
		if reason != "" {
			g.activate(report.Pair, reason, map[string]float64{
				"score":          report.Score,
				"spreadPips":     report.Spread.Pips,
				"weekendGapPips": report.WeekendGap.MaxPips,
			}, now)
		}
	}
	if entry, ok := g.ActiveBreaker(report.Pair); ok {
		report.CircuitBreaker = &entry
	}
}

// activate installs a breaker for pair unless one is already active.
func (g *Guard) activate(pair, reason string, ctx map[string]float64, now time.Time) {
	g.mu.Lock()
	if cur, ok := g.breakers[pair]; ok && cur.ExpiresAt.After(now) {
		g.mu.Unlock()
		return
	}
	duration := g.cfg.CircuitBreakerDuration
	if duration < minBreakerLifetime {
		duration = minBreakerLifetime
	}
	entry := types.CircuitBreakerEntry{
		Pair:        pair,
		Reason:      reason,
		ActivatedAt: now,
		ExpiresAt:   now.Add(duration),
		Context:     ctx,
	}
	g.breakers[pair] = entry
	delete(g.streaks, pair)
	g.mu.Unlock()

	g.logger.Warn("circuit breaker activated",
		zap.String("pair", pair),
		zap.String("reason", reason),
		zap.Duration("duration", duration))
	g.bus.Publish(events.New(events.TypeCircuitBreaker, "", pair, entry))
	g.audit(pair, "activated", reason)
}

// ActiveBreaker returns the breaker entry for pair, evicting it when expired.
func (g *Guard) ActiveBreaker(pair string) (types.CircuitBreakerEntry, bool) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.breakers[pair]
	if !ok {
		return types.CircuitBreakerEntry{}, false
	}
	if !entry.ExpiresAt.After(now) {
		delete(g.breakers, pair)
		return types.CircuitBreakerEntry{}, false
	}
	return entry, true
}

// IsTripped reports whether pair is currently vetoed.
func (g *Guard) IsTripped(pair string) bool {
	_, ok := g.ActiveBreaker(pair)
	return ok
}

// ClearBreaker removes the breaker explicitly (admin action).
func (g *Guard) ClearBreaker(pair string) bool {
	g.mu.Lock()
	_, ok := g.breakers[pair]
	delete(g.breakers, pair)
	g.mu.Unlock()
	if ok {
		g.audit(pair, "cleared", "manual")
	}
	return ok
}

// updateStreak maintains the per-pair healthy streak and performs the
// auto-reenable check against an active breaker.
func (g *Guard) updateStreak(report *types.QualityReport, now time.Time) {
	g.mu.Lock()
	healthy := report.Status == types.QualityHealthy && report.Score >= g.cfg.AutoReenableMinScore
	st := g.streaks[report.Pair]
	if healthy {
		if st == nil {
			st = &healthyStreak{since: now}
			g.streaks[report.Pair] = st
		}
		st.count++
	} else {
		delete(g.streaks, report.Pair)
		g.mu.Unlock()
		return
	}

	entry, tripped := g.breakers[report.Pair]
	if !tripped || !entry.ExpiresAt.After(now) {
		g.mu.Unlock()
		return
	}
	if !g.cfg.AutoReenable {
		g.mu.Unlock()
		return
	}
	if st.count >= g.cfg.AutoReenableMinHealthy && now.Sub(st.since) <= g.cfg.AutoReenableWindow {
		delete(g.breakers, report.Pair)
		delete(g.streaks, report.Pair)
		g.mu.Unlock()
		report.CircuitBreaker = nil
		g.logger.Info("circuit breaker auto-reenabled",
			zap.String("pair", report.Pair),
			zap.Float64("score", report.Score))
		g.audit(report.Pair, "auto_reenable", entry.Reason)
		return
	}
	g.mu.Unlock()
}

func (g *Guard) audit(pair, action, reason string) {
	g.bus.Publish(events.New(events.TypeAudit, "", pair, map[string]string{
		"component": "quality",
		"action":    action,
		"reason":    reason,
	}))
}
