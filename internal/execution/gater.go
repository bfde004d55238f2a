package execution

import (
	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

// GateRequest is one candidate trade's cost/benefit inputs.
type GateRequest struct {
	InstrumentID    string
	Reason          string // "hedge", "crisis", "emergency", or sleeve-level rebalance reason
	Urgency         types.Urgency
	CurrentNotional float64
	TargetNotional  float64
	NAV             float64
	Regime          types.Regime

	SlippageBps    float64
	CommissionBps  float64
	BorrowBps      float64
	DivBufferBps   float64

	GrossBreached bool
	NetBreached   bool
	FXBreached    bool
	EmergencyDerisk bool
	ReconciliationFailed bool
}

// GateDecision is the gater's verdict plus the numbers behind it, kept for
// analytics and audit trails.
type GateDecision struct {
	Trade           bool
	Overridden      bool
	OverrideReason  string
	Drift           float64
	RequiredDrift   float64
	PredictedCost   float64
	PredictedBenefit float64
	RequiredBenefit  float64
}

var overrideReasons = map[string]bool{
	"hedge":     true,
	"crisis":    true,
	"emergency": true,
}

// regimeMultiplier scales both the drift floor and the cost hurdle: calmer
// regimes trade on smaller drifts and thinner edges, stressed regimes
// require more conviction before paying the cost of trading.
func regimeMultiplier(r types.Regime) float64 {
	switch r {
	case types.RegimeCrisis:
		return 2.0
	case types.RegimeElevated:
		return 1.5
	case types.RegimeRecovery:
		return 1.25
	default:
		return 1.0
	}
}

// Gate decides whether a candidate trade clears the cost/benefit bar,
// short-circuiting to "always trade" for any override condition.
func Gate(req GateRequest, cfg config.ExecutionConfig) GateDecision {
	if req.GrossBreached {
		return overrideDecision("gross_breach")
	}
	if req.NetBreached {
		return overrideDecision("net_breach")
	}
	if req.FXBreached {
		return overrideDecision("fx_breach")
	}
	if req.EmergencyDerisk {
		return overrideDecision("emergency_derisk")
	}
	if req.ReconciliationFailed {
		return overrideDecision("reconciliation_failed")
	}
	if req.Urgency == types.UrgencyCrisis {
		return overrideDecision("crisis_urgency")
	}
	if overrideReasons[req.Reason] {
		return overrideDecision(req.Reason)
	}

	mult := regimeMultiplier(req.Regime)

	drift := 0.0
	if req.NAV > 0 {
		drift = absf(req.CurrentNotional-req.TargetNotional) / req.NAV
	}
	requiredDrift := cfg.GateMinDrift * mult
	if drift < requiredDrift {
		return GateDecision{
			Trade:         false,
			Drift:         drift,
			RequiredDrift: requiredDrift,
		}
	}

	notional := absf(req.TargetNotional - req.CurrentNotional)
	predictedCost := notional * (req.SlippageBps + req.CommissionBps + req.BorrowBps + req.DivBufferBps) / 1e4
	predictedBenefit := notional * drift
	requiredBenefit := cfg.GateCostMult * mult * predictedCost

	return GateDecision{
		Trade:            predictedBenefit >= requiredBenefit,
		Drift:            drift,
		RequiredDrift:    requiredDrift,
		PredictedCost:    predictedCost,
		PredictedBenefit: predictedBenefit,
		RequiredBenefit:  requiredBenefit,
	}
}

func overrideDecision(reason string) GateDecision {
	return GateDecision{Trade: true, Overridden: true, OverrideReason: reason}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
