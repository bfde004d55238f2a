// Package risk implements the Risk & Sizing Engine: volatility targeting
// with a burn-in prior, drawdown-driven regime classification, emergency
// de-risking, and the DV01-neutral sovereign fragility short sleeve (see
// sovereign.go).
//
// The engine is read-mostly from the scheduler's point of view: each run
// calls Evaluate once per decision loop and the allocator/strategy layers
// consume the resulting RiskDecision. Emergency de-risk events are broadcast
// on a channel so any subscriber can react without polling, the same shape
// the old per-market exposure monitor used. The sovereign sleeve's
// kill-switch state is not broadcast; it is held by SovereignEngine and read
// through its State method.
package risk

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

// RiskDecision is one evaluation of the vol-targeting/regime model.
type RiskDecision struct {
	ScalingFactor    float64
	EmergencyDerisk  bool
	Regime           types.Regime
	RealizedVol      float64
	EffectiveVol     float64
	CurrentDrawdown  float64
	MaxDrawdown      float64
	Warnings         []string
}

// KillSignal is broadcast whenever the engine forces a de-risk event.
type KillSignal struct {
	Reason string
	At     time.Time
}

// Engine evaluates portfolio-level risk decisions.
type Engine struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	killSwitchActive bool
	killSwitchUntil  time.Time
	killCh           chan KillSignal
}

// NewEngine builds a risk engine from config.
func NewEngine(cfg config.RiskConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		killCh: make(chan KillSignal, 10),
	}
}

// KillCh returns the channel subscribers can read de-risk events from.
func (e *Engine) KillCh() <-chan KillSignal {
	return e.killCh
}

// IsKillSwitchActive reports whether the engine is in an emergency-derisk
// cooldown, clearing it if the cooldown has elapsed.
func (e *Engine) IsKillSwitchActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.killSwitchActive {
		return false
	}
	if time.Now().After(e.killSwitchUntil) {
		e.killSwitchActive = false
		e.logger.Info("risk kill switch cooldown expired")
		return false
	}
	return true
}

func (e *Engine) emitKill(reason string, cooldown time.Duration) {
	e.mu.Lock()
	e.killSwitchActive = true
	e.killSwitchUntil = time.Now().Add(cooldown)
	e.mu.Unlock()

	e.logger.Warn("risk kill switch engaged", "reason", reason)
	select {
	case e.killCh <- KillSignal{Reason: reason, At: time.Now()}:
	default:
		e.logger.Warn("kill signal channel full, dropping", "reason", reason)
	}
}

// RealizedVol computes annualized realized volatility: stddev of the last
// window daily returns, scaled by sqrt(252). If fewer than window returns
// are available, it uses whatever history exists (min 1).
func RealizedVol(returns []float64, window int) float64 {
	if len(returns) == 0 {
		return 0
	}
	if window > len(returns) {
		window = len(returns)
	}
	if window < 1 {
		window = 1
	}
	sample := returns[len(returns)-window:]
	if len(sample) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range sample {
		mean += r
	}
	mean /= float64(len(sample))

	var sumSq float64
	for _, r := range sample {
		d := r - mean
		sumSq += d * d
	}
	// Sample standard deviation (n-1 denominator), matching pandas' default.
	variance := sumSq / float64(len(sample)-1)
	return math.Sqrt(variance) * math.Sqrt(252)
}

// EffectiveVol applies the burn-in prior: before burn-in days of history
// accumulate, realized vol is floored at the initial prior rather than the
// steady-state vol floor, so early-life sizing isn't driven by a handful of
// noisy daily returns.
func (e *Engine) EffectiveVol(realized float64, historyDays int) float64 {
	if historyDays < e.cfg.BurnInDays {
		return math.Max(realized, e.cfg.InitialPrior)
	}
	return math.Max(realized, e.cfg.VolFloor)
}

// ScalingFactor is target_vol / effective_vol, clamped to [f_min, f_max].
func (e *Engine) ScalingFactor(realized float64, historyDays int) float64 {
	effective := e.EffectiveVol(realized, historyDays)
	if effective <= 0 {
		return e.cfg.FMax
	}
	raw := e.cfg.TargetVol / effective
	return clamp(raw, e.cfg.FMin, e.cfg.FMax)
}

// MaxDrawdown returns min((eq-cummax(eq))/cummax(eq)) over the equity curve,
// expressed as a negative fraction (0 if the curve is empty or never above
// its own running max floor of zero).
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	runningMax := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > runningMax {
			runningMax = v
		}
		if runningMax == 0 {
			continue
		}
		dd := (v - runningMax) / runningMax
		if dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// CurrentDrawdown is the drawdown at the last point of the equity curve.
func CurrentDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	runningMax := equity[0]
	for _, v := range equity {
		if v > runningMax {
			runningMax = v
		}
	}
	if runningMax == 0 {
		return 0
	}
	return (equity[len(equity)-1] - runningMax) / runningMax
}

// DetectRegime classifies the market regime from VIX and current drawdown.
func (e *Engine) DetectRegime(vix, currentDD float64) types.Regime {
	crisisVIX, elevatedVIX, recoveryVIX := e.cfg.VIXCrisis, e.cfg.VIXElevated, e.cfg.VIXRecovery
	if crisisVIX == 0 {
		crisisVIX = 40
	}
	if elevatedVIX == 0 {
		elevatedVIX = 25
	}
	if recoveryVIX == 0 {
		recoveryVIX = 20
	}

	if vix >= crisisVIX || currentDD <= -e.cfg.MaxDDPct {
		return types.RegimeCrisis
	}
	if vix >= elevatedVIX || currentDD <= -0.05 {
		return types.RegimeElevated
	}
	if currentDD < 0 && currentDD > -0.03 && vix < recoveryVIX {
		return types.RegimeRecovery
	}
	return types.RegimeNormal
}

// Evaluate runs the full vol-targeting + regime + emergency-derisk decision
// for one loop iteration.
func (e *Engine) Evaluate(returns []float64, historyDays int, equity []float64, vix float64) RiskDecision {
	var warnings []string

	realized := RealizedVol(returns, 20)
	effective := e.EffectiveVol(realized, historyDays)
	scaling := e.ScalingFactor(realized, historyDays)

	currentDD := CurrentDrawdown(equity)
	maxDD := MaxDrawdown(equity)
	regime := e.DetectRegime(vix, currentDD)

	emergency := currentDD <= -e.cfg.MaxDDPct
	if emergency {
		warnings = append(warnings, "emergency derisk: drawdown breached max_dd_pct")
		scaling = 0.25
		e.emitKill("emergency derisk: drawdown breached max_dd_pct", 30*time.Minute)
	}

	if vix > 30 {
		warnings = append(warnings, "elevated VIX")
	}

	return RiskDecision{
		ScalingFactor:   scaling,
		EmergencyDerisk: emergency,
		Regime:          regime,
		RealizedVol:     realized,
		EffectiveVol:    effective,
		CurrentDrawdown: currentDD,
		MaxDrawdown:     maxDD,
		Warnings:        warnings,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
