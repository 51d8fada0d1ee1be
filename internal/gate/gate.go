// Package gate implements the deterministic decision gate: hard checks,
// smoothstep contributor scoring, session/news/quality modifiers, the ordered
// confluence layer table, and the strict-mode kill-switch. One Evaluate call
// is single-tasked; no I/O happens after inputs are gathered.
package gate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/pkg/types"
)

const (
	sessionLondon  = "london"
	sessionNewYork = "newyork"
	sessionAsia    = "asia"
	sessionOff     = "off"
)

const (
	regimeExpansion     = "expansion"
	regimeMeanReversion = "mean_reversion"
	regimeChoppy        = "choppy"
)

const (
	maxRejections  = 200
	memoryRingSize = 8
)

// Input is the validated bundle the orchestrator assembles for one Evaluate
// call. Missing optional fields degrade the corresponding layers to SKIP.
type Input struct {
	Signal           *types.Signal
	Technical        analyzers.TechnicalReport
	Candle           *analyzers.CandleReport
	Quality          *types.QualityReport
	News             []types.NewsEvent
	Correlation      *types.CorrelationSnapshot
	BarsByTimeframe  map[types.Timeframe][]types.Bar
	OpenTrades       int
	RiskLimitReached bool
	EAOnly           bool
	Now              time.Time
}

// Rejection is one non-ENTER outcome kept for diagnostics.
type Rejection struct {
	Pair      string              `json:"pair"`
	State     types.DecisionState `json:"state"`
	Primary   string              `json:"primary"`
	Secondary []string            `json:"secondary,omitempty"`
	At        time.Time           `json:"at"`
}

// Gate evaluates raw signals against the full gate set. Safe for concurrent
// use; per-pair decision memory and the rejection ring sit behind the mutex.
type Gate struct {
	cfg         config.GatesConfig
	scfg        config.SignalConfig
	rcfg        config.RiskConfig
	runtime     config.RuntimeConfig
	profileName string
	catalog     *catalog.Catalog
	logger      *zap.Logger

	mu           sync.Mutex
	memory       map[string][]float64
	rejections   []Rejection
	reasonCounts map[string]int
}

// New builds the gate from the frozen config snapshot.
func New(snap *config.Snapshot, cat *catalog.Catalog, logger *zap.Logger) *Gate {
	return &Gate{
		cfg:          snap.Gates,
		scfg:         snap.Signal,
		rcfg:         snap.Risk,
		runtime:      snap.Runtime,
		profileName:  snap.AutoTrading.Profile,
		catalog:      cat,
		logger:       logger.Named("gate"),
		memory:       make(map[string][]float64),
		reasonCounts: make(map[string]int),
	}
}

// evalCtx carries the derived per-call values every layer reads.
type evalCtx struct {
	now     time.Time
	in      *Input
	sig     *types.Signal
	tech    analyzers.TechnicalReport
	info    catalog.PairInfo
	class   types.AssetClass
	session string
	strict  bool
	profile Profile

	price       float64
	spreadPips  float64
	atrPips     float64
	slPips      float64
	tpPips      float64
	rr          float64
	winProb     float64
	spreadToAtr float64
	spreadToTp  float64

	relevantNews   []types.NewsEvent
	upcomingEvents int
	impactSum      float64
	highImpactSoon bool
	regime         string

	results map[string]types.LayerStatus

	cfg  config.GatesConfig
	scfg config.SignalConfig
}

// Evaluate runs the full gate and returns the structured decision. The call is
// deterministic for identical inputs: same state, score, and blockers.
func (g *Gate) Evaluate(in Input) *types.Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sig := in.Signal
	info, _ := g.catalog.Lookup(sig.Pair)
	class := types.AssetClass(info.AssetClass)

	c := &evalCtx{
		now:     now,
		in:      &in,
		sig:     sig,
		tech:    in.Technical,
		info:    info,
		class:   class,
		session: sessionOf(now),
		strict:  g.strictMode(in.EAOnly),
		profile: profileFor(g.profileName, class),
		results: make(map[string]types.LayerStatus),
		cfg:     g.cfg,
		scfg:    g.scfg,
	}
	c.deriveMarketValues()
	c.deriveNews()
	c.deriveRegime()

	checks, blockers := g.runHardChecks(c)
	contributors, weighted := g.contributors(c)
	modifiers, score := g.score(c, weighted)
	confluence := g.runLayers(c)
	checks["confluence"] = confluence.Passed

	dec := &types.Decision{
		AssetClass:   class,
		Score:        score,
		Profile:      c.profile.Name,
		Contributors: contributors,
		Modifiers:    modifiers,
		Confluence:   confluence,
		Checks:       checks,
		Context: map[string]any{
			"session":    c.session,
			"strict":     c.strict,
			"spreadPips": c.spreadPips,
			"atrPips":    c.atrPips,
			"regime":     c.regime,
		},
	}

	var killFails []string
	if c.strict {
		killFails = killSwitchFails(confluence.Layers)
	}

	switch {
	case len(blockers) > 0:
		dec.State = types.StateBlocked
		dec.Blocked = true
		dec.Category = blockers[0]
		dec.Blockers = blockers
		dec.Reason = "blocked: " + strings.Join(blockers, ", ")
	case len(killFails) > 0:
		dec.State = types.StateBlocked
		dec.Blocked = true
		dec.KillSwitch = true
		dec.Category = "killswitch"
		dec.Blockers = killFails
		dec.Reason = "blocked: kill-switch layers failed: " + strings.Join(killFails, ", ")
	case sig.Direction != types.DirectionNeutral && score >= c.profile.EnterScore:
		if confluence.Enabled && (len(confluence.HardFails) > 0 || confluence.Score < confluence.MinScore) {
			dec.State = types.StateWaitMonitor
			dec.Category = "confluence"
			g.fillWaitRationale(dec, c)
			dec.Reason = "waiting: confluence below threshold"
		} else {
			dec.State = types.StateEnter
			dec.Reason = "all gates passed"
		}
	default:
		dec.State = types.StateWaitMonitor
		g.fillWaitRationale(dec, c)
		if len(dec.Missing) > 0 {
			dec.Reason = "waiting: " + strings.Join(dec.Missing, ", ")
		} else {
			dec.Reason = "waiting: score below enter threshold"
		}
	}

	g.remember(sig.Pair, score)
	if dec.State != types.StateEnter {
		g.recordRejection(sig.Pair, dec, now)
	}
	g.logger.Debug("decision evaluated",
		zap.String("pair", sig.Pair),
		zap.String("state", string(dec.State)),
		zap.Float64("score", score),
		zap.Strings("blockers", dec.Blockers))
	return dec
}

func (g *Gate) strictMode(eaOnly bool) bool {
	if g.scfg.StrictSmartChecklist {
		return true
	}
	return g.runtime.Env == "production" && (eaOnly || g.runtime.EAOnlyMode)
}

// ---- derived inputs ----

func (c *evalCtx) deriveMarketValues() {
	c.price = c.tech.LatestPrice
	if c.sig.Entry != nil {
		e := c.sig.Entry
		if e.Price > 0 {
			c.price = e.Price
		}
		c.slPips = e.StopLossPips
		c.tpPips = e.TakeProfitPips
		c.rr = e.RiskReward
	}
	c.spreadPips = c.sig.Components.MarketData.SpreadPips
	c.atrPips = c.tech.ATRPips
	c.winProb = c.sig.EstimatedWinRate / 100
	if c.atrPips > 0 && c.spreadPips > 0 {
		c.spreadToAtr = c.spreadPips / c.atrPips
	}
	if c.tpPips > 0 && c.spreadPips > 0 {
		c.spreadToTp = c.spreadPips / c.tpPips
	}
}

func (c *evalCtx) deriveNews() {
	blackout := c.cfg.NewsBlackoutMinutes
	threshold := c.cfg.NewsBlackoutImpactThreshold
	for _, n := range c.in.News {
		if n.Currency != "" && n.Currency != c.info.Base && n.Currency != c.info.Quote {
			continue
		}
		c.relevantNews = append(c.relevantNews, n)
		dtMin := n.Time.Sub(c.now).Minutes()
		if dtMin >= -blackout && dtMin <= blackout {
			c.upcomingEvents++
			c.impactSum += n.Impact
			if n.Impact >= threshold {
				c.highImpactSoon = true
			}
		}
	}
}

func (c *evalCtx) deriveRegime() {
	window := c.cfg.PostNewsRegimeWindow
	if window <= 0 {
		return
	}
	var latest *types.NewsEvent
	for i := range c.relevantNews {
		n := &c.relevantNews[i]
		if n.Impact < c.cfg.EventGovernorImpact {
			continue
		}
		age := c.now.Sub(n.Time)
		if age <= 0 || age > window {
			continue
		}
		if latest == nil || n.Time.After(latest.Time) {
			latest = n
		}
	}
	if latest == nil {
		return
	}
	var since []types.Bar
	for _, b := range c.in.BarsByTimeframe[types.TimeframeM15] {
		if !b.Time.Before(latest.Time) {
			since = append(since, b)
		}
	}
	if len(since) >= 3 && c.info.PipSize > 0 {
		c.regime = classifyPostNewsRegime(since, c.info.PipSize, c.atrPips)
	}
}

// classifyPostNewsRegime grades the realized price action after a high-impact
// event. Choppy means four or more directional flips inside a meaningful range.
func classifyPostNewsRegime(bars []types.Bar, pipSize, atrPips float64) string {
	flips := 0
	prevUp := bars[0].Close >= bars[0].Open
	high, low := bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		up := b.Close >= b.Open
		if up != prevUp {
			flips++
		}
		prevUp = up
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	rangePips := (high - low) / pipSize
	atrFloor := atrPips
	if atrFloor <= 0 {
		atrFloor = rangePips
	}
	switch {
	case flips >= 4 && rangePips >= atrFloor*0.25:
		return regimeChoppy
	case rangePips >= atrFloor*0.8 && flips <= 2:
		return regimeExpansion
	default:
		return regimeMeanReversion
	}
}

func (c *evalCtx) inTradingWindow() bool {
	hour := c.now.UTC().Hour()
	for _, h := range c.cfg.TradingWindowsLondon {
		if h == hour {
			return true
		}
	}
	return false
}

// spreadEfficiency blends the spread-to-ATR and spread-to-TP ratios into one
// [0,1] efficiency figure.
func (c *evalCtx) spreadEfficiency() float64 {
	a := clampF(1-c.spreadToAtr/c.cfg.MaxSpreadToATRHard, 0, 1)
	if c.tpPips <= 0 {
		return a
	}
	b := clampF(1-c.spreadToTp/c.cfg.MaxSpreadToTPHard, 0, 1)
	return 0.5*a + 0.5*b
}

func sessionOf(t time.Time) string {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday:
		return sessionOff
	case time.Sunday:
		if t.Hour() < 21 {
			return sessionOff
		}
		return sessionAsia
	case time.Friday:
		if t.Hour() >= 22 {
			return sessionOff
		}
	}
	switch h := t.Hour(); {
	case h >= 7 && h < 12:
		return sessionLondon
	case h >= 12 && h < 21:
		return sessionNewYork
	default:
		return sessionAsia
	}
}

// ---- hard checks ----

type hardCheck struct {
	name string
	ok   bool
}

func (g *Gate) runHardChecks(c *evalCtx) (map[string]bool, []string) {
	md := c.sig.Components.MarketData
	fresh := true
	if md.Timestamp.IsZero() && md.QuoteAgeMs == 0 {
		fresh = !g.runtime.RequireRealtimeData
	} else {
		ageMs := md.QuoteAgeMs
		if ageMs == 0 {
			ageMs = float64(c.now.Sub(md.Timestamp).Milliseconds())
		}
		fresh = ageMs <= 120_000
	}

	spreadOk := true
	if c.spreadPips > 0 {
		if c.class == types.AssetCFD {
			if c.price > 0 && g.cfg.CFDMaxSpreadRelative > 0 {
				spreadOk = c.spreadPips*c.info.PipSize/c.price <= g.cfg.CFDMaxSpreadRelative
			}
		} else if g.scfg.MaxSpreadPips > 0 {
			spreadOk = c.spreadPips <= g.scfg.MaxSpreadPips
		}
	}

	newsOk := !c.highImpactSoon

	riskOk := !c.in.RiskLimitReached &&
		(g.rcfg.MaxConcurrentTrades <= 0 || c.in.OpenTrades < g.rcfg.MaxConcurrentTrades)

	windowOk := true
	if g.cfg.EnforceTradingWindows && c.class == types.AssetForex {
		windowOk = c.inTradingWindow()
	}

	qualityOk := c.in.Quality == nil || c.in.Quality.Recommendation != types.RecommendBlock

	fxAtrOk := true
	if c.class == types.AssetForex && g.cfg.EnforceFXATRRange && c.atrPips > 0 {
		fxAtrOk = c.atrPips >= g.cfg.FXATRPipsMin && c.atrPips <= g.cfg.FXATRPipsMax
	}

	rsiOk := true
	if rsi := c.tech.Momentum.RSI; rsi > 0 {
		if c.sig.Direction == types.DirectionBuy && rsi >= 78 {
			rsiOk = false
		}
		if c.sig.Direction == types.DirectionSell && rsi <= 22 {
			rsiOk = false
		}
	}

	macdOk := true
	eps := g.scfg.MACDFlatEps
	if hist := c.tech.Momentum.MACDHist; hist != 0 {
		if c.sig.Direction == types.DirectionBuy && hist < -eps {
			macdOk = false
		}
		if c.sig.Direction == types.DirectionSell && hist > eps {
			macdOk = false
		}
	}

	htfOk := true
	if g.cfg.RequireHTFDirection {
		for _, tf := range []types.Timeframe{types.TimeframeH4, types.TimeframeD1} {
			if dir, known := c.tfDirection(tf); known && opposes(c.sig.Direction, dir) {
				htfOk = false
			}
		}
	}

	cryptoVolOk := true
	if c.class == types.AssetCrypto && g.cfg.CryptoATRPctSpike > 0 {
		cryptoVolOk = c.tech.Volatility.AverageScore <= g.cfg.CryptoATRPctSpike
	}

	costOk := true
	if g.cfg.EnforceSpreadToATRHard && c.spreadPips > 0 && c.atrPips > 0 {
		costOk = c.spreadToAtr <= g.cfg.MaxSpreadToATRHard &&
			(c.tpPips <= 0 || c.spreadToTp <= g.cfg.MaxSpreadToTPHard)
	}

	coverageOk := true
	if g.cfg.RequireBarsCoverage && c.in.BarsByTimeframe != nil {
		coverageOk = g.coverageOk(c, types.TimeframeM15, g.cfg.BarsMinM15, g.cfg.BarsMaxAgeM15) &&
			g.coverageOk(c, types.TimeframeH1, g.cfg.BarsMinH1, g.cfg.BarsMaxAgeH1)
	}

	ordered := []hardCheck{
		{"marketDataFresh", fresh},
		{"spreadOk", spreadOk},
		{"noHighImpactNewsSoon", newsOk},
		{"withinRiskLimit", riskOk},
		{"withinTradingWindow", windowOk},
		{"dataQualityOk", qualityOk},
		{"fxAtrRangeOk", fxAtrOk},
		{"momentumRsiOk", rsiOk},
		{"momentumMacdOk", macdOk},
		{"htfAlignmentOk", htfOk},
		{"cryptoVolSpikeOk", cryptoVolOk},
		{"executionCostOk", costOk},
		{"barsCoverageOk", coverageOk},
	}
	checks := make(map[string]bool, len(ordered)+1)
	var blockers []string
	for _, hc := range ordered {
		checks[hc.name] = hc.ok
		if !hc.ok {
			blockers = append(blockers, hc.name)
		}
	}
	return checks, blockers
}

func (g *Gate) coverageOk(c *evalCtx, tf types.Timeframe, minBars int, maxAge time.Duration) bool {
	bars := c.in.BarsByTimeframe[tf]
	if len(bars) < minBars {
		return false
	}
	if maxAge > 0 {
		latest := bars[len(bars)-1].Time
		if c.now.Sub(latest) > maxAge {
			return false
		}
	}
	return true
}

// ---- contributors, modifiers, score ----

func (g *Gate) contributors(c *evalCtx) (map[string]float64, float64) {
	dirMagnitude := math.Abs(c.tech.Score)
	if dirMagnitude == 0 {
		dirMagnitude = math.Abs(c.sig.FinalScore)
	}
	rrContrib := 0.25
	if c.sig.Entry != nil {
		rrContrib = contribRiskReward(c.rr, c.profile.MinRiskReward)
	}
	spreadContrib := 0.7
	if c.spreadPips > 0 && c.atrPips > 0 {
		spreadContrib = c.spreadEfficiency()
	}
	contributors := map[string]float64{
		"direction":        contribPercent(dirMagnitude, c.profile.MinDirection),
		"strength":         contribPercent(c.sig.Strength, c.profile.MinStrength),
		"probability":      contribPercent(c.sig.EstimatedWinRate, c.profile.MinProbability),
		"confidence":       contribPercent(c.sig.Confidence, c.profile.MinConfidence),
		"riskReward":       rrContrib,
		"spreadEfficiency": spreadContrib,
	}
	weighted := weightDirection*contributors["direction"] +
		weightStrength*contributors["strength"] +
		weightProb*contributors["probability"] +
		weightConfidence*contributors["confidence"] +
		weightRR*contributors["riskReward"] +
		weightSpreadEff*contributors["spreadEfficiency"]
	return contributors, weighted
}

func (g *Gate) score(c *evalCtx, weighted float64) (map[string]float64, float64) {
	newsMod := clampF(1-math.Min(0.22, c.impactSum*0.0018+float64(c.upcomingEvents)*0.01), 0, 1)
	sessionMod := sessionModifier(c.session, c.class)
	qualityMod := 1.0
	if c.in.Quality != nil {
		qualityMod = clampF(0.35+0.65*c.in.Quality.Score/100, 0.35, 1.0)
	}
	boost := clampF(1+g.memoryMomentum(c.sig.Pair)*0.06, 0.9, 1.1)

	modifiers := map[string]float64{
		"news":          newsMod,
		"session":       sessionMod,
		"dataQuality":   qualityMod,
		"momentumBoost": boost,
	}
	score := 100 * clampF(weighted*newsMod*sessionMod*qualityMod*boost, 0, 1)
	return modifiers, score
}

func sessionModifier(session string, class types.AssetClass) float64 {
	if class == types.AssetCrypto {
		switch session {
		case sessionLondon, sessionNewYork:
			return 1.0
		case sessionAsia:
			return 0.98
		default:
			return 0.96
		}
	}
	metals := class == types.AssetMetals
	switch session {
	case sessionLondon, sessionNewYork:
		return 1.0
	case sessionAsia:
		if metals {
			return 0.90
		}
		return 0.95
	default:
		if metals {
			return 0.92
		}
		return 0.90
	}
}

// ---- layer evaluation ----

func (g *Gate) runLayers(c *evalCtx) types.ConfluenceSummary {
	table := layerTable()
	summary := types.ConfluenceSummary{
		Enabled:  g.scfg.ConfluenceEnabled,
		Strict:   c.strict,
		MinScore: g.scfg.ConfluenceMinScore,
	}
	results := make([]types.LayerResult, 0, len(table))
	var passWeight, failWeight float64
	var locationFails []int

	for i, spec := range table {
		out := spec.Eval(c)
		c.results[spec.ID] = out.Status
		res := types.LayerResult{
			ID: spec.ID, Label: spec.Label, Status: out.Status,
			Weight: spec.Weight, Reason: out.Reason, Metrics: out.Metrics,
		}
		scored := out.Status
		if scored == types.LayerFail && !c.strict && g.scfg.AdvisorySmartFails && isAdvisory(spec.ID) {
			scored = types.LayerSkip
		}
		switch scored {
		case types.LayerPass:
			summary.PassCount++
			passWeight += spec.Weight
		case types.LayerFail:
			summary.FailCount++
			failWeight += spec.Weight
		default:
			summary.SkipCount++
		}
		if out.Status == types.LayerFail {
			if spec.Hard {
				summary.HardFails = append(summary.HardFails, spec.ID)
			}
			if overridableLayers[spec.ID] {
				locationFails = append(locationFails, i)
			}
		}
		results = append(results, res)
	}

	if passWeight+failWeight > 0 {
		summary.Score = 100 * passWeight / (passWeight + failWeight)
	} else {
		summary.Score = 100
	}

	// A confirmed breakout promotes location FAILs to PASS for rationale; the
	// numeric confluence score stays as computed above.
	if len(locationFails) > 0 && c.results["smart_breakout_confirmation"] == types.LayerPass {
		for _, idx := range locationFails {
			results[idx].Status = types.LayerPass
			results[idx].Reason = "location overridden by confirmed breakout"
		}
	}

	summary.Layers = results
	summary.Passed = !summary.Enabled ||
		(summary.Score >= summary.MinScore && len(summary.HardFails) == 0)
	return summary
}

func killSwitchFails(layers []types.LayerResult) []string {
	killIDs := make(map[string]bool)
	for _, spec := range layerTable() {
		if spec.Kill {
			killIDs[spec.ID] = true
		}
	}
	var fails []string
	for _, l := range layers {
		if killIDs[l.ID] && l.Status == types.LayerFail {
			fails = append(fails, l.ID)
		}
	}
	return fails
}

// Layers18Ready evaluates the readiness of the leading 18 confluence layers,
// used by the trade manager's realtime execution gate.
func Layers18Ready(dec *types.Decision, minConfluence float64) bool {
	if dec == nil || len(dec.Confluence.Layers) == 0 {
		return false
	}
	layers := dec.Confluence.Layers
	if len(layers) > 18 {
		layers = layers[:18]
	}
	var passWeight, failWeight float64
	for _, l := range layers {
		switch l.Status {
		case types.LayerPass:
			passWeight += l.Weight
		case types.LayerFail:
			failWeight += l.Weight
		}
	}
	if passWeight+failWeight == 0 {
		return false
	}
	return 100*passWeight/(passWeight+failWeight) >= minConfluence
}

// ---- wait rationale, memory, rejections ----

func (g *Gate) fillWaitRationale(dec *types.Decision, c *evalCtx) {
	p := c.profile
	if c.sig.Direction == types.DirectionNeutral {
		dec.Missing = append(dec.Missing, "directional bias")
		dec.WhatWouldChange = append(dec.WhatWouldChange, "A directional signal (currently NEUTRAL)")
	}
	if c.sig.Strength < p.MinStrength+30 {
		dec.Missing = append(dec.Missing, "strength")
		dec.WhatWouldChange = append(dec.WhatWouldChange,
			fmt.Sprintf("Strength rising above %.0f", p.MinStrength+30))
	}
	if c.sig.Confidence < p.MinConfidence+15 {
		dec.Missing = append(dec.Missing, "confidence")
		dec.WhatWouldChange = append(dec.WhatWouldChange,
			fmt.Sprintf("Confidence rising above %.0f", p.MinConfidence+15))
	}
	if dec.Score < p.EnterScore {
		dec.Missing = append(dec.Missing, "decision score")
		dec.WhatWouldChange = append(dec.WhatWouldChange,
			fmt.Sprintf("Decision score above %.0f (currently %.0f)", p.EnterScore, dec.Score))
	}
	if dec.Confluence.Enabled && dec.Confluence.Score < dec.Confluence.MinScore {
		dec.Missing = append(dec.Missing, "confluence")
		dec.WhatWouldChange = append(dec.WhatWouldChange,
			fmt.Sprintf("Confluence score above %.0f/100 (layer alignment)", dec.Confluence.MinScore))
	}
	if boost := dec.Modifiers["momentumBoost"]; boost < 1 {
		dec.WhatWouldChange = append(dec.WhatWouldChange,
			fmt.Sprintf("Recent decision momentum above %.0f", p.MinMomentum))
	}
}

// memoryMomentum derives a signed momentum figure from the per-pair ring of
// recent decision scores.
func (g *Gate) memoryMomentum(pair string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ring := g.memory[pair]
	if len(ring) < 2 {
		return 0
	}
	return (ring[len(ring)-1] - ring[0]) / 20
}

func (g *Gate) remember(pair string, score float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ring := append(g.memory[pair], score)
	if len(ring) > memoryRingSize {
		ring = ring[len(ring)-memoryRingSize:]
	}
	g.memory[pair] = ring
}

func (g *Gate) recordRejection(pair string, dec *types.Decision, at time.Time) {
	primary := dec.Category
	if primary == "" {
		if len(dec.Missing) > 0 {
			primary = dec.Missing[0]
		} else {
			primary = string(dec.State)
		}
	}
	var secondary []string
	if len(dec.Blockers) > 1 {
		secondary = dec.Blockers[1:]
	} else if len(dec.Missing) > 1 {
		secondary = dec.Missing[1:]
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.reasonCounts[primary]++
	g.rejections = append(g.rejections, Rejection{
		Pair: pair, State: dec.State, Primary: primary, Secondary: secondary, At: at,
	})
	if len(g.rejections) > maxRejections {
		g.rejections = g.rejections[len(g.rejections)-maxRejections:]
	}
}

// RecentRejections returns a copy of the rejection ring, newest last.
func (g *Gate) RecentRejections() []Rejection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Rejection, len(g.rejections))
	copy(out, g.rejections)
	return out
}

// RejectionCounter is one primary-reason tally.
type RejectionCounter struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// RejectionCounters returns the primary-reason counters sorted by key.
func (g *Gate) RejectionCounters() []RejectionCounter {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.reasonCounts))
	for k := range g.reasonCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]RejectionCounter, 0, len(keys))
	for _, k := range keys {
		out = append(out, RejectionCounter{Reason: k, Count: g.reasonCounts[k]})
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
