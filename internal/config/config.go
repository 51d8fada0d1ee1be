// Package config builds the typed configuration snapshot for the engine.
// All environment reads happen here; components receive value copies and never
// consult the environment themselves.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SignalConfig governs signal validity and hard thresholds.
type SignalConfig struct {
	ValidityMultiplier       float64       `json:"validityMultiplier"`
	MinValidity              time.Duration `json:"minValidityMs"`
	MaxValidity              time.Duration `json:"maxValidityMs"`
	HardMinConfidence        float64       `json:"hardMinConfidence"`
	HardMinStrength          float64       `json:"hardMinStrength"`
	ConfluenceMinScore       float64       `json:"confluenceMinScore"`
	ConfluenceEnabled        bool          `json:"confluenceEnabled"`
	AdvisorySmartFails       bool          `json:"advisorySmartFails"`
	StrictSmartChecklist     bool          `json:"strictSmartChecklist"`
	SetupTTLMinutesFX        float64       `json:"setupTtlMinutesFx"`
	SetupTTLMinutesCrypto    float64       `json:"setupTtlMinutesCrypto"`
	MaxSLATRRatio            float64       `json:"maxSlAtrRatio"`
	MinTPFractionToLiquidity float64       `json:"minTpFractionToLiquidity"`
	DivergenceOpposingMin    float64       `json:"divergenceOpposingMinConf"`
	MACDFlatEps              float64       `json:"macdFlatEps"`
	MinSignalStrength        float64       `json:"minSignalStrength"`
	MaxSpreadPips            float64       `json:"maxSpreadPips"`
}

// GatesConfig carries the hard-gate thresholds of the decision gate.
type GatesConfig struct {
	NewsBlackoutMinutes         float64       `json:"newsBlackoutMinutes"`
	NewsBlackoutImpactThreshold float64       `json:"newsBlackoutImpactThreshold"`
	EnforceTradingWindows       bool          `json:"enforceTradingWindows"`
	TradingWindowsLondon        []int         `json:"tradingWindowsLondon"` // UTC hours
	EnforceSpreadToATRHard      bool          `json:"enforceSpreadToAtrHard"`
	MaxSpreadToATRHard          float64       `json:"maxSpreadToAtrHard"`
	MaxSpreadToTPHard           float64       `json:"maxSpreadToTpHard"`
	RequireBarsCoverage         bool          `json:"requireBarsCoverage"`
	BarsMinM15                  int           `json:"barsMinM15"`
	BarsMinH1                   int           `json:"barsMinH1"`
	BarsMaxAgeM15               time.Duration `json:"barsMaxAgeM15Ms"`
	BarsMaxAgeH1                time.Duration `json:"barsMaxAgeH1Ms"`
	RequireHTFDirection         bool          `json:"requireHtfDirection"`
	FXATRPipsMin                float64       `json:"fxAtrPipsMin"`
	FXATRPipsMax                float64       `json:"fxAtrPipsMax"`
	EnforceFXATRRange           bool          `json:"enforceFxAtrRange"`
	CryptoATRPctSpike           float64       `json:"cryptoAtrPctSpike"`
	CFDMaxSpreadRelative        float64       `json:"cfdMaxSpreadRelative"`
	SweepAcceptBufferPips       float64       `json:"sweepAcceptBufferPips"`
	PostNewsRegimeWindow        time.Duration `json:"postNewsRegimeWindowMinutes"`
	EventGovernorPreMinutes     float64       `json:"eventGovernorPreMinutes"`
	EventGovernorPostMinutes    float64       `json:"eventGovernorPostMinutes"`
	EventGovernorImpact         float64       `json:"eventGovernorImpact"`
}

// RiskConfig bounds sizing and portfolio exposure.
type RiskConfig struct {
	RiskPerTrade           float64            `json:"riskPerTrade"`
	MaxDailyRisk           float64            `json:"maxDailyRisk"`
	MaxConcurrentTrades    int                `json:"maxConcurrentTrades"`
	MaxRiskPerSymbol       float64            `json:"maxRiskPerSymbol"`
	MaxKellyFraction       float64            `json:"maxKellyFraction"`
	MinKellyFraction       float64            `json:"minKellyFraction"`
	VolatilityMultipliers  map[string]float64 `json:"volatilityRiskMultipliers"`
	SamePairPenalty        float64            `json:"correlationPenaltySamePair"`
	SharedCurrencyPenalty  float64            `json:"correlationPenaltySharedCurrency"`
	MaxExposurePerCurrency float64            `json:"maxExposurePerCurrency"`
	CorrelationThreshold   float64            `json:"correlationThreshold"`
	MaxClusterSize         int                `json:"maxClusterSize"`
	VaRConfidence          float64            `json:"varConfidence"`
	VaRLookback            int                `json:"varLookback"`
	VaRMinSamples          int                `json:"varMinSamples"`
	VaRMaxLossPct          float64            `json:"varMaxLossPct"`
	VolatilityCooldown     time.Duration      `json:"volatilityCooldownMs"`
	DrawdownAlertThreshold float64            `json:"drawdownAlertThreshold"`
	MaxSlippagePips        float64            `json:"maxSlippagePips"`
}

// AutoTradingConfig tunes the trade manager.
type AutoTradingConfig struct {
	Enabled                   bool          `json:"enabled"`
	Profile                   string        `json:"profile"` // balanced | aggressive | smart_strong
	RealtimeEnabled           bool          `json:"realtimeSignalExecutionEnabled"`
	RealtimeMinConfidence     float64       `json:"realtimeMinConfidence"`
	RealtimeMinStrength       float64       `json:"realtimeMinStrength"`
	RealtimeRequireLayers18   bool          `json:"realtimeRequireLayers18"`
	Layers18MinConfluence     float64       `json:"layers18MinConfluence"`
	SmartStrong               bool          `json:"smartStrong"`
	SmartMinConfidence        float64       `json:"smartMinConfidence"`
	SmartMinStrength          float64       `json:"smartMinStrength"`
	SmartMinDecisionScore     float64       `json:"smartMinDecisionScore"`
	SmartExitRecheck          time.Duration `json:"smartExitRecheckMs"`
	SmartExitMinConfidence    float64       `json:"smartExitMinConfidence"`
	SmartExitMinStrength      float64       `json:"smartExitMinStrength"`
	SmartExitMinDecision      float64       `json:"smartExitMinDecisionScore"`
	DynamicUniverseEnabled    bool          `json:"dynamicUniverseEnabled"`
	UniverseMaxAge            time.Duration `json:"universeMaxAgeMs"`
	UniverseMaxSymbols        int           `json:"universeMaxSymbols"`
	MaxNewTradesPerCycle      int           `json:"maxNewTradesPerCycle"`
	RealtimeExecutionDebounce time.Duration `json:"realtimeExecutionDebounceMs"`
	RealtimeTradeCooldown     time.Duration `json:"realtimeTradeCooldownMs"`
	SignalCheckInterval       time.Duration `json:"signalCheckIntervalMs"`
	MonitoringInterval        time.Duration `json:"monitoringIntervalMs"`
	SignalGenerationInterval  time.Duration `json:"signalGenerationIntervalMs"`
	AssetClasses              []string      `json:"assetClasses"`
	ConfiguredPairs           []string      `json:"configuredPairs"`
	AllowWaitMonitor          bool          `json:"allowWaitMonitorExecution"`
}

// QualityConfig tunes the data quality guard.
type QualityConfig struct {
	AutoReenable             bool          `json:"autoReenable"`
	AutoReenableMinScore     float64       `json:"autoReenableMinScore"`
	AutoReenableMinHealthy   int           `json:"autoReenableMinHealthyCount"`
	AutoReenableWindow       time.Duration `json:"autoReenableWindowMs"`
	CircuitBreakerDuration   time.Duration `json:"circuitBreakerDurationMs"`
	DefaultBars              int           `json:"defaultBars"`
	FreshnessTTL             time.Duration `json:"freshnessTtlMs"`
}

// RuntimeConfig holds process-wide toggles.
type RuntimeConfig struct {
	Env                 string        `json:"env"` // production | development | test
	EAOnlyMode          bool          `json:"eaOnlyMode"`
	RequireRealtimeData bool          `json:"requireRealtimeData"`
	AllowSyntheticData  bool          `json:"allowSyntheticData"`
	AllowAllSymbols     bool          `json:"allowAllSymbols"`
	QuoteRetention      time.Duration `json:"quoteTelemetryRetentionMinutes"`
	QuoteMaxPoints      int           `json:"quoteTelemetryMaxPoints"`
}

// ScanConfig tunes the realtime runner's background scan.
type ScanConfig struct {
	BackgroundSignals bool          `json:"backgroundSignals"`
	Interval          time.Duration `json:"scanIntervalMs"`
	BatchSize         int           `json:"scanBatchSize"`
	SymbolMaxAge      time.Duration `json:"scanSymbolMaxAgeMs"`
	SymbolsMax        int           `json:"scanSymbolsMax"`
	AllowAllSymbols   bool          `json:"scanAllowAllSymbols"`
}

// TradeManagementConfig reflects the server policy's tradeManagement block.
type TradeManagementConfig struct {
	DynamicTrailingEnabled bool          `json:"dynamicTrailingEnabled"`
	PartialCloseEnabled    bool          `json:"partialCloseEnabled"`
	SessionStrict          bool          `json:"sessionStrict"`
	NewsGuard              bool          `json:"newsGuard"`
	LiquidityGuard         bool          `json:"liquidityGuard"`
	SmartSupervisorEnabled bool          `json:"smartTradeSupervisorEnabled"`
	SmartExitMinProfitPct  float64       `json:"smartExitMinProfitPct"`
	SmartExitNewsMinutes   float64       `json:"smartExitNewsMinutes"`
	BrokerModifyThrottle   time.Duration `json:"brokerModifyThrottleMs"`
	ReconcileInterval      time.Duration `json:"reconcileIntervalMs"`
	BrokerCallTimeout      time.Duration `json:"brokerCallTimeoutMs"`
}

// Snapshot is the frozen process configuration. Built once at startup and on
// explicit reload; components hold value copies.
type Snapshot struct {
	Signal          SignalConfig          `json:"signal"`
	Gates           GatesConfig           `json:"gates"`
	Risk            RiskConfig            `json:"risk"`
	AutoTrading     AutoTradingConfig     `json:"autoTrading"`
	Quality         QualityConfig         `json:"dataQualityGuard"`
	Runtime         RuntimeConfig         `json:"runtime"`
	Scan            ScanConfig            `json:"scan"`
	TradeManagement TradeManagementConfig `json:"tradeManagement"`
	APIKey          string                `json:"-"`
}

// Load builds a Snapshot from defaults, an optional config file, and the
// recognized environment variables.
func Load(configFile string) (*Snapshot, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	ms := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Millisecond
	}
	minutes := func(key string) time.Duration {
		return time.Duration(v.GetFloat64(key) * float64(time.Minute))
	}

	s := &Snapshot{
		Signal: SignalConfig{
			ValidityMultiplier:       v.GetFloat64("signal.validity_multiplier"),
			MinValidity:              ms("signal.min_validity_ms"),
			MaxValidity:              ms("signal.max_validity_ms"),
			HardMinConfidence:        v.GetFloat64("signal.hard_min_confidence"),
			HardMinStrength:          v.GetFloat64("signal.hard_min_strength"),
			ConfluenceMinScore:       v.GetFloat64("signal.confluence_min_score"),
			ConfluenceEnabled:        v.GetBool("signal.confluence_enabled"),
			AdvisorySmartFails:       v.GetBool("signal.confluence_advisory_smart_fails"),
			StrictSmartChecklist:     v.GetBool("ea.strict_smart_checklist"),
			SetupTTLMinutesFX:        v.GetFloat64("signal.setup_ttl_minutes"),
			SetupTTLMinutesCrypto:    v.GetFloat64("signal.setup_ttl_minutes_crypto"),
			MaxSLATRRatio:            v.GetFloat64("signal.max_sl_atr_ratio"),
			MinTPFractionToLiquidity: v.GetFloat64("signal.min_tp_fraction_to_liquidity"),
			DivergenceOpposingMin:    v.GetFloat64("signal.divergence_opposing_min_conf"),
			MACDFlatEps:              v.GetFloat64("signal.macd_flat_eps"),
			MinSignalStrength:        v.GetFloat64("signal.min_signal_strength"),
			MaxSpreadPips:            v.GetFloat64("signal.max_spread_pips"),
		},
		Gates: GatesConfig{
			NewsBlackoutMinutes:         v.GetFloat64("gates.news_blackout_minutes"),
			NewsBlackoutImpactThreshold: v.GetFloat64("gates.news_blackout_impact_threshold"),
			EnforceTradingWindows:       v.GetBool("gates.enforce_trading_windows"),
			TradingWindowsLondon:        v.GetIntSlice("gates.trading_windows_london"),
			EnforceSpreadToATRHard:      v.GetBool("gates.enforce_spread_to_atr_hard"),
			MaxSpreadToATRHard:          v.GetFloat64("gates.max_spread_to_atr_hard"),
			MaxSpreadToTPHard:           v.GetFloat64("gates.max_spread_to_tp_hard"),
			RequireBarsCoverage:         v.GetBool("gates.require_bars_coverage"),
			BarsMinM15:                  v.GetInt("gates.bars_min_m15"),
			BarsMinH1:                   v.GetInt("gates.bars_min_h1"),
			BarsMaxAgeM15:               ms("gates.bars_max_age_m15_ms"),
			BarsMaxAgeH1:                ms("gates.bars_max_age_h1_ms"),
			RequireHTFDirection:         v.GetBool("gates.require_htf_direction"),
			FXATRPipsMin:                v.GetFloat64("fx.atr_pips_min"),
			FXATRPipsMax:                v.GetFloat64("fx.atr_pips_max"),
			EnforceFXATRRange:           v.GetBool("fx.enforce_atr_range"),
			CryptoATRPctSpike:           v.GetFloat64("crypto.atr_pct_spike"),
			CFDMaxSpreadRelative:        v.GetFloat64("cfd.max_spread_relative"),
			SweepAcceptBufferPips:       v.GetFloat64("gates.sweep_accept_buffer_pips"),
			PostNewsRegimeWindow:        minutes("gates.post_news_regime_window_minutes"),
			EventGovernorPreMinutes:     v.GetFloat64("gates.event_governor_pre_minutes"),
			EventGovernorPostMinutes:    v.GetFloat64("gates.event_governor_post_minutes"),
			EventGovernorImpact:         v.GetFloat64("gates.event_governor_impact"),
		},
		Risk: RiskConfig{
			RiskPerTrade:        v.GetFloat64("risk.risk_per_trade"),
			MaxDailyRisk:        v.GetFloat64("risk.max_daily_risk"),
			MaxConcurrentTrades: v.GetInt("risk.max_concurrent_trades"),
			MaxRiskPerSymbol:    v.GetFloat64("risk.max_risk_per_symbol"),
			MaxKellyFraction:    v.GetFloat64("risk.max_kelly_fraction"),
			MinKellyFraction:    v.GetFloat64("risk.min_kelly_fraction"),
			VolatilityMultipliers: map[string]float64{
				"calm":     v.GetFloat64("risk.vol_multiplier_calm"),
				"normal":   v.GetFloat64("risk.vol_multiplier_normal"),
				"volatile": v.GetFloat64("risk.vol_multiplier_volatile"),
				"extreme":  v.GetFloat64("risk.vol_multiplier_extreme"),
			},
			SamePairPenalty:        v.GetFloat64("risk.correlation_penalty_same_pair"),
			SharedCurrencyPenalty:  v.GetFloat64("risk.correlation_penalty_shared_currency"),
			MaxExposurePerCurrency: v.GetFloat64("risk.max_exposure_per_currency"),
			CorrelationThreshold:   v.GetFloat64("risk.correlation_threshold"),
			MaxClusterSize:         v.GetInt("risk.max_cluster_size"),
			VaRConfidence:          v.GetFloat64("risk.var_confidence"),
			VaRLookback:            v.GetInt("risk.var_lookback"),
			VaRMinSamples:          v.GetInt("risk.var_min_samples"),
			VaRMaxLossPct:          v.GetFloat64("risk.var_max_loss_pct"),
			VolatilityCooldown:     ms("risk.volatility_cooldown_ms"),
			DrawdownAlertThreshold: v.GetFloat64("risk.drawdown_alert_threshold"),
			MaxSlippagePips:        v.GetFloat64("risk.max_slippage_pips"),
		},
		AutoTrading: AutoTradingConfig{
			Enabled:                   v.GetBool("auto_trading.enabled"),
			Profile:                   v.GetString("auto_trading.profile"),
			RealtimeEnabled:           v.GetBool("auto_trading.realtime_signal_execution_enabled"),
			RealtimeMinConfidence:     v.GetFloat64("ea.signal_min_confidence"),
			RealtimeMinStrength:       v.GetFloat64("ea.signal_min_strength"),
			RealtimeRequireLayers18:   v.GetBool("auto_trading.realtime_require_layers18"),
			Layers18MinConfluence:     v.GetFloat64("ea.signal_layers18_min_confluence"),
			SmartStrong:               v.GetBool("auto_trading.smart_strong"),
			SmartMinConfidence:        v.GetFloat64("auto_trading.smart_min_confidence"),
			SmartMinStrength:          v.GetFloat64("auto_trading.smart_min_strength"),
			SmartMinDecisionScore:     v.GetFloat64("auto_trading.smart_min_decision_score"),
			SmartExitRecheck:          ms("auto_trading.smart_exit_recheck_ms"),
			SmartExitMinConfidence:    v.GetFloat64("auto_trading.smart_exit_min_confidence"),
			SmartExitMinStrength:      v.GetFloat64("auto_trading.smart_exit_min_strength"),
			SmartExitMinDecision:      v.GetFloat64("auto_trading.smart_exit_min_decision_score"),
			DynamicUniverseEnabled:    v.GetBool("auto_trading.dynamic_universe_enabled"),
			UniverseMaxAge:            ms("auto_trading.universe_max_age_ms"),
			UniverseMaxSymbols:        v.GetInt("auto_trading.universe_max_symbols"),
			MaxNewTradesPerCycle:      v.GetInt("auto_trading.max_new_trades_per_cycle"),
			RealtimeExecutionDebounce: ms("auto_trading.realtime_execution_debounce_ms"),
			RealtimeTradeCooldown:     ms("auto_trading.realtime_trade_cooldown_ms"),
			SignalCheckInterval:       ms("auto_trading.signal_check_interval_ms"),
			MonitoringInterval:        ms("auto_trading.monitoring_interval_ms"),
			SignalGenerationInterval:  ms("auto_trading.signal_generation_interval_ms"),
			AssetClasses:              v.GetStringSlice("auto_trading.asset_classes"),
			ConfiguredPairs:           v.GetStringSlice("auto_trading.pairs"),
			AllowWaitMonitor:          v.GetBool("ea.signal_allow_wait_monitor"),
		},
		Quality: QualityConfig{
			AutoReenable:           v.GetBool("data_quality_guard.auto_reenable"),
			AutoReenableMinScore:   v.GetFloat64("data_quality_guard.auto_reenable_min_score"),
			AutoReenableMinHealthy: v.GetInt("data_quality_guard.auto_reenable_min_healthy_count"),
			AutoReenableWindow:     ms("data_quality_guard.auto_reenable_window_ms"),
			CircuitBreakerDuration: ms("data_quality_guard.circuit_breaker_duration_ms"),
			DefaultBars:            v.GetInt("data_quality_guard.default_bars"),
			FreshnessTTL:           ms("data_quality_guard.freshness_ttl_ms"),
		},
		Runtime: RuntimeConfig{
			Env:                 v.GetString("node_env"),
			EAOnlyMode:          v.GetBool("ea.only_mode"),
			RequireRealtimeData: v.GetBool("require_realtime_data"),
			AllowSyntheticData:  v.GetBool("allow_synthetic_data"),
			AllowAllSymbols:     v.GetBool("allow_all_symbols"),
			QuoteRetention:      minutes("quote_telemetry.retention_minutes"),
			QuoteMaxPoints:      v.GetInt("quote_telemetry.max_points"),
		},
		Scan: ScanConfig{
			BackgroundSignals: v.GetBool("ea.background_signals"),
			Interval:          ms("ea.scan_interval_ms"),
			BatchSize:         v.GetInt("ea.scan_batch_size"),
			SymbolMaxAge:      ms("ea.scan_symbol_max_age_ms"),
			SymbolsMax:        v.GetInt("ea.scan_symbols_max"),
			AllowAllSymbols:   v.GetBool("ea.scan_allow_all_symbols"),
		},
		TradeManagement: TradeManagementConfig{
			DynamicTrailingEnabled: v.GetBool("ea.dynamic_trailing_enabled"),
			PartialCloseEnabled:    v.GetBool("ea.partial_close_enabled"),
			SessionStrict:          v.GetBool("ea.session_strict"),
			NewsGuard:              v.GetBool("trade_management.news_guard"),
			LiquidityGuard:         v.GetBool("trade_management.liquidity_guard"),
			SmartSupervisorEnabled: v.GetBool("smart_trade_supervisor_enabled"),
			SmartExitMinProfitPct:  v.GetFloat64("smart_exit.min_profit_pct"),
			SmartExitNewsMinutes:   v.GetFloat64("smart_exit.news_minutes"),
			BrokerModifyThrottle:   ms("trade_management.broker_modify_throttle_ms"),
			ReconcileInterval:      ms("trade_management.reconcile_interval_ms"),
			BrokerCallTimeout:      ms("trade_management.broker_call_timeout_ms"),
		},
		APIKey: v.GetString("api_key"),
	}
	return s, nil
}

// Default returns a Snapshot with all defaults and no file/env input applied.
func Default() *Snapshot {
	s, _ := Load("")
	return s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_env", "development")

	v.SetDefault("signal.validity_multiplier", 1.0)
	v.SetDefault("signal.min_validity_ms", 30_000)
	v.SetDefault("signal.max_validity_ms", 86_400_000)
	v.SetDefault("signal.hard_min_confidence", 0.0)
	v.SetDefault("signal.hard_min_strength", 0.0)
	v.SetDefault("signal.confluence_min_score", 62.0)
	v.SetDefault("signal.confluence_enabled", true)
	v.SetDefault("signal.confluence_advisory_smart_fails", true)
	v.SetDefault("signal.setup_ttl_minutes", 25.0)
	v.SetDefault("signal.setup_ttl_minutes_crypto", 45.0)
	v.SetDefault("signal.max_sl_atr_ratio", 1.8)
	v.SetDefault("signal.min_tp_fraction_to_liquidity", 0.45)
	v.SetDefault("signal.divergence_opposing_min_conf", 55.0)
	v.SetDefault("signal.macd_flat_eps", 1e-6)
	v.SetDefault("signal.min_signal_strength", 35.0)
	v.SetDefault("signal.max_spread_pips", 2.4)

	v.SetDefault("gates.news_blackout_minutes", 30.0)
	v.SetDefault("gates.news_blackout_impact_threshold", 2.0)
	v.SetDefault("gates.enforce_trading_windows", false)
	v.SetDefault("gates.trading_windows_london", []int{7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	v.SetDefault("gates.enforce_spread_to_atr_hard", true)
	v.SetDefault("gates.max_spread_to_atr_hard", 0.22)
	v.SetDefault("gates.max_spread_to_tp_hard", 0.12)
	v.SetDefault("gates.require_bars_coverage", true)
	v.SetDefault("gates.bars_min_m15", 60)
	v.SetDefault("gates.bars_min_h1", 20)
	v.SetDefault("gates.bars_max_age_m15_ms", 30*60_000)
	v.SetDefault("gates.bars_max_age_h1_ms", 150*60_000)
	v.SetDefault("gates.require_htf_direction", false)
	v.SetDefault("gates.sweep_accept_buffer_pips", 1.0)
	v.SetDefault("gates.post_news_regime_window_minutes", 45.0)
	v.SetDefault("gates.event_governor_pre_minutes", 45.0)
	v.SetDefault("gates.event_governor_post_minutes", 20.0)
	v.SetDefault("gates.event_governor_impact", 2.0)

	v.SetDefault("fx.atr_pips_min", 3.0)
	v.SetDefault("fx.atr_pips_max", 300.0)
	v.SetDefault("fx.enforce_atr_range", true)
	v.SetDefault("crypto.atr_pct_spike", 2.2)
	v.SetDefault("cfd.max_spread_relative", 0.0008)

	v.SetDefault("risk.risk_per_trade", 0.02)
	v.SetDefault("risk.max_daily_risk", 0.06)
	v.SetDefault("risk.max_concurrent_trades", 5)
	v.SetDefault("risk.max_risk_per_symbol", 0.03)
	v.SetDefault("risk.max_kelly_fraction", 0.25)
	v.SetDefault("risk.min_kelly_fraction", 0.005)
	v.SetDefault("risk.vol_multiplier_calm", 1.15)
	v.SetDefault("risk.vol_multiplier_normal", 1.0)
	v.SetDefault("risk.vol_multiplier_volatile", 0.72)
	v.SetDefault("risk.vol_multiplier_extreme", 0.55)
	v.SetDefault("risk.correlation_penalty_same_pair", 0.35)
	v.SetDefault("risk.correlation_penalty_shared_currency", 0.65)
	v.SetDefault("risk.max_exposure_per_currency", 0.10)
	v.SetDefault("risk.correlation_threshold", 0.80)
	v.SetDefault("risk.max_cluster_size", 3)
	v.SetDefault("risk.var_confidence", 0.95)
	v.SetDefault("risk.var_lookback", 250)
	v.SetDefault("risk.var_min_samples", 30)
	v.SetDefault("risk.var_max_loss_pct", 5.0)
	v.SetDefault("risk.volatility_cooldown_ms", 120_000)
	v.SetDefault("risk.drawdown_alert_threshold", 5.0)
	v.SetDefault("risk.max_slippage_pips", 2.0)

	v.SetDefault("auto_trading.enabled", false)
	v.SetDefault("auto_trading.profile", "balanced")
	v.SetDefault("auto_trading.realtime_signal_execution_enabled", true)
	v.SetDefault("auto_trading.realtime_require_layers18", false)
	v.SetDefault("auto_trading.smart_strong", false)
	v.SetDefault("auto_trading.smart_min_confidence", 55.0)
	v.SetDefault("auto_trading.smart_min_strength", 45.0)
	v.SetDefault("auto_trading.smart_min_decision_score", 50.0)
	v.SetDefault("auto_trading.smart_exit_recheck_ms", 30_000)
	v.SetDefault("auto_trading.smart_exit_min_confidence", 60.0)
	v.SetDefault("auto_trading.smart_exit_min_strength", 50.0)
	v.SetDefault("auto_trading.smart_exit_min_decision_score", 60.0)
	v.SetDefault("auto_trading.dynamic_universe_enabled", true)
	v.SetDefault("auto_trading.universe_max_age_ms", 15*60_000)
	v.SetDefault("auto_trading.universe_max_symbols", 40)
	v.SetDefault("auto_trading.max_new_trades_per_cycle", 1)
	v.SetDefault("auto_trading.realtime_execution_debounce_ms", 500)
	v.SetDefault("auto_trading.realtime_trade_cooldown_ms", 180_000)
	v.SetDefault("auto_trading.signal_check_interval_ms", 15*60_000)
	v.SetDefault("auto_trading.monitoring_interval_ms", 10_000)
	v.SetDefault("auto_trading.signal_generation_interval_ms", 5*60_000)
	v.SetDefault("auto_trading.asset_classes", []string{"forex", "metals"})
	v.SetDefault("auto_trading.pairs", []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD"})

	v.SetDefault("ea.only_mode", false)
	v.SetDefault("ea.strict_smart_checklist", false)
	v.SetDefault("ea.signal_min_confidence", 45.0)
	v.SetDefault("ea.signal_min_strength", 35.0)
	v.SetDefault("ea.signal_layers18_min_confluence", 30.0)
	v.SetDefault("ea.signal_allow_wait_monitor", false)
	v.SetDefault("ea.dynamic_trailing_enabled", true)
	v.SetDefault("ea.partial_close_enabled", false)
	v.SetDefault("ea.session_strict", false)
	v.SetDefault("ea.background_signals", true)
	v.SetDefault("ea.scan_interval_ms", 15_000)
	v.SetDefault("ea.scan_batch_size", 180)
	v.SetDefault("ea.scan_symbol_max_age_ms", 60*60_000)
	v.SetDefault("ea.scan_symbols_max", 600)
	v.SetDefault("ea.scan_allow_all_symbols", false)

	v.SetDefault("data_quality_guard.auto_reenable", true)
	v.SetDefault("data_quality_guard.auto_reenable_min_score", 78.0)
	v.SetDefault("data_quality_guard.auto_reenable_min_healthy_count", 2)
	v.SetDefault("data_quality_guard.auto_reenable_window_ms", 4*60_000)
	v.SetDefault("data_quality_guard.circuit_breaker_duration_ms", 10*60_000)
	v.SetDefault("data_quality_guard.default_bars", 240)
	v.SetDefault("data_quality_guard.freshness_ttl_ms", 5*60_000)

	v.SetDefault("require_realtime_data", false)
	v.SetDefault("allow_synthetic_data", true)
	v.SetDefault("allow_all_symbols", false)
	v.SetDefault("quote_telemetry.retention_minutes", 30.0)
	v.SetDefault("quote_telemetry.max_points", 2400)

	v.SetDefault("trade_management.news_guard", true)
	v.SetDefault("trade_management.liquidity_guard", true)
	v.SetDefault("trade_management.broker_modify_throttle_ms", 1500)
	v.SetDefault("trade_management.reconcile_interval_ms", 60_000)
	v.SetDefault("trade_management.broker_call_timeout_ms", 8_000)
	v.SetDefault("smart_trade_supervisor_enabled", true)
	v.SetDefault("smart_exit.min_profit_pct", 0.35)
	v.SetDefault("smart_exit.news_minutes", 15.0)
}

// bindEnv wires the recognized environment variable names onto config keys.
func bindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"node_env":                             "NODE_ENV",
		"signal.validity_multiplier":           "SIGNAL_VALIDITY_MULTIPLIER",
		"signal.min_validity_ms":               "SIGNAL_MIN_VALIDITY_MS",
		"signal.max_validity_ms":               "SIGNAL_MAX_VALIDITY_MS",
		"signal.hard_min_confidence":           "SIGNAL_HARD_MIN_CONFIDENCE",
		"signal.hard_min_strength":             "SIGNAL_HARD_MIN_STRENGTH",
		"signal.confluence_min_score":          "SIGNAL_CONFLUENCE_MIN_SCORE",
		"signal.confluence_enabled":            "SIGNAL_CONFLUENCE_ENABLED",
		"signal.confluence_advisory_smart_fails": "SIGNAL_CONFLUENCE_ADVISORY_SMART_FAILS",
		"signal.setup_ttl_minutes":             "SIGNAL_SETUP_TTL_MINUTES",
		"signal.max_sl_atr_ratio":              "SIGNAL_MAX_SL_ATR_RATIO",
		"signal.min_tp_fraction_to_liquidity":  "SIGNAL_MIN_TP_FRACTION_TO_LIQUIDITY",
		"signal.divergence_opposing_min_conf":  "SIGNAL_DIVERGENCE_OPPOSING_MIN_CONF",
		"signal.macd_flat_eps":                 "SIGNAL_MACD_FLAT_EPS",
		"ea.strict_smart_checklist":            "EA_STRICT_SMART_CHECKLIST",
		"ea.only_mode":                         "EA_ONLY_MODE",
		"ea.signal_min_confidence":             "EA_SIGNAL_MIN_CONFIDENCE",
		"ea.signal_min_strength":               "EA_SIGNAL_MIN_STRENGTH",
		"ea.signal_layers18_min_confluence":    "EA_SIGNAL_LAYERS18_MIN_CONFLUENCE",
		"ea.signal_allow_wait_monitor":         "EA_SIGNAL_ALLOW_WAIT_MONITOR",
		"ea.dynamic_trailing_enabled":          "EA_DYNAMIC_TRAILING_ENABLED",
		"ea.partial_close_enabled":             "EA_PARTIAL_CLOSE_ENABLED",
		"ea.session_strict":                    "EA_SESSION_STRICT",
		"ea.background_signals":                "EA_BACKGROUND_SIGNALS",
		"ea.scan_interval_ms":                  "EA_SCAN_INTERVAL_MS",
		"ea.scan_batch_size":                   "EA_SCAN_BATCH_SIZE",
		"ea.scan_symbol_max_age_ms":            "EA_SCAN_SYMBOL_MAX_AGE_MS",
		"ea.scan_symbols_max":                  "EA_SCAN_SYMBOLS_MAX",
		"ea.scan_allow_all_symbols":            "EA_SCAN_ALLOW_ALL_SYMBOLS",
		"allow_all_symbols":                    "ALLOW_ALL_SYMBOLS",
		"require_realtime_data":                "REQUIRE_REALTIME_DATA",
		"allow_synthetic_data":                 "ALLOW_SYNTHETIC_DATA",
		"auto_trading.profile":                 "AUTO_TRADING_PROFILE",
		"auto_trading.enabled":                 "AUTO_TRADING_ENABLED",
		"auto_trading.smart_strong":            "AUTO_TRADING_SMART_STRONG",
		"fx.atr_pips_min":                      "FX_ATR_PIPS_MIN",
		"fx.atr_pips_max":                      "FX_ATR_PIPS_MAX",
		"crypto.atr_pct_spike":                 "CRYPTO_ATR_PCT_SPIKE",
		"cfd.max_spread_relative":              "CFD_MAX_SPREAD_RELATIVE",
		"gates.sweep_accept_buffer_pips":       "SWEEP_ACCEPT_BUFFER_PIPS",
		"gates.post_news_regime_window_minutes": "POST_NEWS_REGIME_WINDOW_MINUTES",
		"gates.event_governor_pre_minutes":     "EVENT_GOVERNOR_PRE_MINUTES",
		"gates.event_governor_post_minutes":    "EVENT_GOVERNOR_POST_MINUTES",
		"gates.event_governor_impact":          "EVENT_GOVERNOR_IMPACT",
		"quote_telemetry.retention_minutes":    "QUOTE_TELEMETRY_RETENTION_MINUTES",
		"quote_telemetry.max_points":           "QUOTE_TELEMETRY_MAX_POINTS",
		"smart_trade_supervisor_enabled":       "SMART_TRADE_SUPERVISOR_ENABLED",
		"smart_exit.min_profit_pct":            "SMART_EXIT_MIN_PROFIT_PCT",
		"smart_exit.news_minutes":              "SMART_EXIT_NEWS_MINUTES",
		"api_key":                              "BRIDGE_API_KEY",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}
