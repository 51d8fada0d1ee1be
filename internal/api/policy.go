package api

import (
	"time"

	"github.com/fluxtrade/engine/internal/config"
)

// ServerPolicy is the options block returned to broker agents on heartbeat,
// agent-config, and signal responses. Agents treat it as authoritative for
// which gates and execution rules the server enforces.
type ServerPolicy struct {
	Authority       PolicyAuthority       `json:"authority"`
	Gates           PolicyGates           `json:"gates"`
	Execution       PolicyExecution       `json:"execution"`
	TradeManagement PolicyTradeManagement `json:"tradeManagement"`
	Runtime         PolicyRuntime         `json:"runtime"`
	AutoTrading     PolicyAutoTrading     `json:"autoTrading"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

type PolicyAuthority struct {
	Decision   string `json:"decision"`
	Execution  string `json:"execution"`
	Management string `json:"management"`
}

type PolicyGates struct {
	NewsBlackoutMinutes         float64 `json:"newsBlackoutMinutes"`
	NewsBlackoutImpactThreshold float64 `json:"newsBlackoutImpactThreshold"`
	EnforceTradingWindows       bool    `json:"enforceTradingWindows"`
	TradingWindowsLondon        []int   `json:"tradingWindowsLondon"`
	EnforceSpreadToATRHard      bool    `json:"enforceSpreadToAtrHard"`
	MaxSpreadToATRHard          float64 `json:"maxSpreadToAtrHard"`
	MaxSpreadToTPHard           float64 `json:"maxSpreadToTpHard"`
	RequireBarsCoverage         bool    `json:"requireBarsCoverage"`
	BarsMinM15                  int     `json:"barsMinM15"`
	BarsMinH1                   int     `json:"barsMinH1"`
	BarsMaxAgeM15Ms             int64   `json:"barsMaxAgeM15Ms"`
	BarsMaxAgeH1Ms              int64   `json:"barsMaxAgeH1Ms"`
	RequireHTFDirection         bool    `json:"requireHtfDirection"`
}

type PolicyExecution struct {
	RequiresEnterState        bool     `json:"requiresEnterState"`
	MinConfidence             float64  `json:"minConfidence"`
	MinStrength               float64  `json:"minStrength"`
	RequireLayers18           bool     `json:"requireLayers18"`
	AllowWaitMonitorExecution bool     `json:"allowWaitMonitorExecution"`
	AssetClasses              []string `json:"assetClasses"`
}

type PolicyTradeManagement struct {
	DynamicTrailingEnabled bool `json:"dynamicTrailingEnabled"`
	PartialCloseEnabled    bool `json:"partialCloseEnabled"`
	SessionStrict          bool `json:"sessionStrict"`
	NewsGuard              bool `json:"newsGuard"`
	LiquidityGuard         bool `json:"liquidityGuard"`
}

type PolicyRuntime struct {
	RequireRealtimeData bool `json:"requireRealtimeData"`
	AllowSyntheticData  bool `json:"allowSyntheticData"`
	AllowAllSymbols     bool `json:"allowAllSymbols"`
}

type PolicyAutoTrading struct {
	Enabled                        bool `json:"enabled"`
	RealtimeSignalExecutionEnabled bool `json:"realtimeSignalExecutionEnabled"`
	MaxNewTradesPerCycle           int  `json:"maxNewTradesPerCycle"`
}

// buildServerPolicy projects the frozen config snapshot into the agent-facing
// policy payload. The server always owns decision and management; execution
// authority flips to the server when auto-trading is live.
func buildServerPolicy(snap *config.Snapshot, autoTradingLive bool) ServerPolicy {
	execAuthority := "agent"
	if autoTradingLive {
		execAuthority = "server"
	}
	return ServerPolicy{
		Authority: PolicyAuthority{
			Decision:   "server",
			Execution:  execAuthority,
			Management: "server",
		},
		Gates: PolicyGates{
			NewsBlackoutMinutes:         snap.Gates.NewsBlackoutMinutes,
			NewsBlackoutImpactThreshold: snap.Gates.NewsBlackoutImpactThreshold,
			EnforceTradingWindows:       snap.Gates.EnforceTradingWindows,
			TradingWindowsLondon:        snap.Gates.TradingWindowsLondon,
			EnforceSpreadToATRHard:      snap.Gates.EnforceSpreadToATRHard,
			MaxSpreadToATRHard:          snap.Gates.MaxSpreadToATRHard,
			MaxSpreadToTPHard:           snap.Gates.MaxSpreadToTPHard,
			RequireBarsCoverage:         snap.Gates.RequireBarsCoverage,
			BarsMinM15:                  snap.Gates.BarsMinM15,
			BarsMinH1:                   snap.Gates.BarsMinH1,
			BarsMaxAgeM15Ms:             snap.Gates.BarsMaxAgeM15.Milliseconds(),
			BarsMaxAgeH1Ms:              snap.Gates.BarsMaxAgeH1.Milliseconds(),
			RequireHTFDirection:         snap.Gates.RequireHTFDirection,
		},
		Execution: PolicyExecution{
			RequiresEnterState:        true,
			MinConfidence:             snap.AutoTrading.RealtimeMinConfidence,
			MinStrength:               snap.AutoTrading.RealtimeMinStrength,
			RequireLayers18:           snap.AutoTrading.RealtimeRequireLayers18,
			AllowWaitMonitorExecution: snap.AutoTrading.AllowWaitMonitor,
			AssetClasses:              snap.AutoTrading.AssetClasses,
		},
		TradeManagement: PolicyTradeManagement{
			DynamicTrailingEnabled: snap.TradeManagement.DynamicTrailingEnabled,
			PartialCloseEnabled:    snap.TradeManagement.PartialCloseEnabled,
			SessionStrict:          snap.TradeManagement.SessionStrict,
			NewsGuard:              snap.TradeManagement.NewsGuard,
			LiquidityGuard:         snap.TradeManagement.LiquidityGuard,
		},
		Runtime: PolicyRuntime{
			RequireRealtimeData: snap.Runtime.RequireRealtimeData,
			AllowSyntheticData:  snap.Runtime.AllowSyntheticData,
			AllowAllSymbols:     snap.Runtime.AllowAllSymbols,
		},
		AutoTrading: PolicyAutoTrading{
			Enabled:                        snap.AutoTrading.Enabled || autoTradingLive,
			RealtimeSignalExecutionEnabled: snap.AutoTrading.RealtimeEnabled,
			MaxNewTradesPerCycle:           snap.AutoTrading.MaxNewTradesPerCycle,
		},
		UpdatedAt: time.Now().UTC(),
	}
}
