package risk

import (
	"github.com/shopspring/decimal"

	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/pkg/types"
)

// heuristic coefficients when no explicit correlation is configured
const (
	corrSharedCurrency = 0.68
	corrUnrelated      = 0.20
)

// BuildCorrelationSnapshot derives the pairwise correlation view over the
// open-trade pairs. Explicit configuration wins over the shared-currency
// heuristic.
func (e *Engine) BuildCorrelationSnapshot() types.CorrelationSnapshot {
	snap := types.CorrelationSnapshot{
		Enabled:     true,
		Threshold:   e.cfg.CorrelationThreshold,
		MaxCluster:  e.cfg.MaxClusterSize,
		ClusterLoad: make(map[string]int),
	}

	pairs := uniqueOpenPairs(e.activeTrades())
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			coeff := e.correlationBetween(pairs[i], pairs[j])
			snap.Correlations = append(snap.Correlations, types.PairCorrelation{
				PairA: pairs[i], PairB: pairs[j], Correlation: coeff,
			})
			if coeff >= snap.Threshold {
				snap.ClusterLoad[pairs[i]]++
				snap.ClusterLoad[pairs[j]]++
			}
		}
	}
	for _, load := range snap.ClusterLoad {
		// load counts correlated partners; the cluster includes the pair itself
		if load+1 >= snap.MaxCluster {
			snap.Blocked = true
			break
		}
	}
	return snap
}

func (e *Engine) correlationBetween(a, b string) float64 {
	e.mu.RLock()
	coeff, ok := e.explicitCorr[corrKey(a, b)]
	e.mu.RUnlock()
	if ok {
		return coeff
	}
	ai, _ := e.catalog.Lookup(a)
	bi, _ := e.catalog.Lookup(b)
	if catalog.SharesCurrency(ai, bi) {
		return corrSharedCurrency
	}
	return corrUnrelated
}

func uniqueOpenPairs(trades []*types.Trade) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range trades {
		if t.Status != types.TradeOpen || seen[t.Pair] {
			continue
		}
		seen[t.Pair] = true
		out = append(out, t.Pair)
	}
	return out
}

// BuildCommandSnapshot assembles the portfolio-level risk view. recentClosed
// is the execution engine's bounded history slice.
func (e *Engine) BuildCommandSnapshot(recentClosed []*types.Trade) types.RiskCommandSnapshot {
	open := e.activeTrades()
	exposures := e.CurrentExposures()

	var breaches []string
	if limit := e.cfg.MaxExposurePerCurrency; limit > 0 {
		for ccy, exp := range exposures {
			if exp >= limit {
				breaches = append(breaches, ccy)
			}
		}
	}

	pnl := types.PnLSummary{}
	first := true
	for _, t := range open {
		pnl.Unrealized = pnl.Unrealized.Add(t.CurrentPnL)
	}
	for _, t := range recentClosed {
		pnl.Realized = pnl.Realized.Add(t.FinalPnL)
		if first || t.FinalPnL.GreaterThan(pnl.BestTrade) {
			pnl.BestTrade = t.FinalPnL
		}
		if first || t.FinalPnL.LessThan(pnl.WorstTrade) {
			pnl.WorstTrade = t.FinalPnL
		}
		first = false
	}
	pnl.Net = pnl.Realized.Add(pnl.Unrealized)
	if pnl.BestTrade.Equal(decimal.Zero) && pnl.WorstTrade.Equal(decimal.Zero) && len(recentClosed) == 0 {
		pnl.BestTrade = decimal.Zero
		pnl.WorstTrade = decimal.Zero
	}

	return types.RiskCommandSnapshot{
		Exposures:             exposures,
		CurrencyLimitBreaches: breaches,
		Correlation:           e.BuildCorrelationSnapshot(),
		VaR:                   e.VaR(),
		PnL:                   pnl,
		OpenTrades:            open,
		RecentClosed:          recentClosed,
		UpdatedAt:             e.now(),
	}
}
