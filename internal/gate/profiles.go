package gate

import (
	"github.com/fluxtrade/engine/pkg/types"
)

// Profile carries the contributor floors and the enter threshold for one
// trading posture. Floors are expressed on the same 0..100 scale as the signal
// fields, except MinRiskReward which is a ratio.
type Profile struct {
	Name           string  `json:"name"`
	EnterScore     float64 `json:"enterScore"`
	MinDirection   float64 `json:"minDirection"`
	MinStrength    float64 `json:"minStrength"`
	MinProbability float64 `json:"minProbability"`
	MinConfidence  float64 `json:"minConfidence"`
	MinRiskReward  float64 `json:"minRiskReward"`
	MinMomentum    float64 `json:"minMomentumForEnter"`
}

// contributor weights, fixed across profiles
const (
	weightDirection  = 0.15
	weightStrength   = 0.20
	weightProb       = 0.20
	weightConfidence = 0.20
	weightRR         = 0.15
	weightSpreadEff  = 0.10
)

const (
	ProfileBalanced    = "balanced"
	ProfileAggressive  = "aggressive"
	ProfileSmartStrong = "smart_strong"
)

func baseProfile(class types.AssetClass) Profile {
	switch class {
	case types.AssetCrypto:
		return Profile{
			Name: ProfileBalanced, EnterScore: 60,
			MinDirection: 32, MinStrength: 45, MinProbability: 50,
			MinConfidence: 55, MinRiskReward: 2.0, MinMomentum: 55,
		}
	case types.AssetMetals:
		return Profile{
			Name: ProfileBalanced, EnterScore: 58,
			MinDirection: 30, MinStrength: 42, MinProbability: 48,
			MinConfidence: 52, MinRiskReward: 1.7, MinMomentum: 55,
		}
	default:
		return Profile{
			Name: ProfileBalanced, EnterScore: 58,
			MinDirection: 30, MinStrength: 40, MinProbability: 48,
			MinConfidence: 50, MinRiskReward: 1.6, MinMomentum: 55,
		}
	}
}

// profileFor resolves the active profile for a pair's asset class. Aggressive
// and smart_strong progressively lower the floors; smart_strong relies on the
// trade manager's own minima on top of the gate.
func profileFor(name string, class types.AssetClass) Profile {
	p := baseProfile(class)
	switch name {
	case ProfileAggressive:
		p.Name = ProfileAggressive
		p.EnterScore -= 6
		p.MinDirection *= 0.85
		p.MinStrength *= 0.85
		p.MinProbability *= 0.90
		p.MinConfidence *= 0.90
		p.MinRiskReward *= 0.90
	case ProfileSmartStrong:
		p.Name = ProfileSmartStrong
		p.EnterScore -= 10
		p.MinDirection *= 0.75
		p.MinStrength *= 0.75
		p.MinProbability *= 0.85
		p.MinConfidence *= 0.85
		p.MinRiskReward *= 0.85
	}
	if p.MinRiskReward < 1.0 {
		p.MinRiskReward = 1.0
	}
	return p
}

// smoothstep maps v onto [0,1] with zero slope at both edges.
func smoothstep(lo, hi, v float64) float64 {
	if hi <= lo {
		if v >= hi {
			return 1
		}
		return 0
	}
	t := (v - lo) / (hi - lo)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return t * t * (3 - 2*t)
}

// contribPercent normalizes a 0..100 metric against its profile floor. The
// floor sits near the lower knee so values well above it saturate smoothly.
func contribPercent(v, floor float64) float64 {
	lo := floor * 0.5
	hi := floor + 0.6*(100-floor)
	return smoothstep(lo, hi, v)
}

func contribRiskReward(rr, floor float64) float64 {
	return smoothstep(floor*0.65, floor+1.5, rr)
}
