// Package allocator implements the Sleeve Allocator: it blends each
// strategy sleeve's base weight with a risk-parity weight derived from
// blended (EWMA + realized) volatility, projects the result onto
// per-sleeve min/max constraints, caps total hedge-sleeve exposure, and
// decides when a rebalance is due.
package allocator

import (
	"math"
	"time"

	"macro-sleeve-engine/internal/config"
)

// Allocator computes final sleeve weights for one rebalance cycle.
type Allocator struct {
	cfg config.AllocatorConfig
}

// New builds an allocator from config.
func New(cfg config.AllocatorConfig) *Allocator {
	return &Allocator{cfg: cfg}
}

// SleeveVol blends EWMA(span 20) and 60-day realized volatility
// (0.7/0.3), clamped to [vol_floor, vol_ceiling]. Falls back to the
// sleeve's configured prior when fewer than 5 days of history exist.
func (a *Allocator) SleeveVol(returns []float64, prior float64) float64 {
	if len(returns) < 5 {
		return clamp(prior, a.cfg.VolFloor, a.cfg.VolCeiling)
	}

	ewma := ewmaVolAnnualized(returns, 20)
	realized := realizedVolAnnualized(returns, 60)
	blended := 0.7*ewma + 0.3*realized
	return clamp(blended, a.cfg.VolFloor, a.cfg.VolCeiling)
}

// ewmaVolAnnualized computes an EWMA standard deviation with the given
// span (alpha = 2/(span+1)) and annualizes it by sqrt(252).
func ewmaVolAnnualized(returns []float64, span int) float64 {
	if len(returns) == 0 {
		return 0
	}
	alpha := 2.0 / (float64(span) + 1.0)
	variance := returns[0] * returns[0]
	for _, r := range returns[1:] {
		variance = alpha*r*r + (1-alpha)*variance
	}
	return math.Sqrt(variance) * math.Sqrt(252)
}

func realizedVolAnnualized(returns []float64, window int) float64 {
	if window > len(returns) {
		window = len(returns)
	}
	if window < 2 {
		return 0
	}
	sample := returns[len(returns)-window:]
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
	variance := sumSq / float64(len(sample)-1)
	return math.Sqrt(variance) * math.Sqrt(252)
}

// InverseVolWeights computes w_i ∝ 1/max(vol_i, vol_floor), normalized to
// sum to 1.
func (a *Allocator) InverseVolWeights(vols map[string]float64) map[string]float64 {
	inv := make(map[string]float64, len(vols))
	var total float64
	for sleeve, v := range vols {
		denom := math.Max(v, a.cfg.VolFloor)
		iv := 1.0 / denom
		inv[sleeve] = iv
		total += iv
	}
	if total == 0 {
		return inv
	}
	weights := make(map[string]float64, len(inv))
	for sleeve, iv := range inv {
		weights[sleeve] = iv / total
	}
	return weights
}

// ProjectConstraints clamps each sleeve weight to [min_w, max_w],
// redistributing the resulting overflow/underflow across the sleeves that
// still have headroom (proportional to their remaining room), repeating
// until the weights sum to 1 within tolerance or no sleeve has room left.
func (a *Allocator) ProjectConstraints(weights map[string]float64) map[string]float64 {
	minW, maxW := a.cfg.MinWeight, a.cfg.MaxWeight
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = clamp(v, minW, maxW)
	}

	for pass := 0; pass < len(out)+2; pass++ {
		var sum float64
		for _, v := range out {
			sum += v
		}
		diff := 1.0 - sum
		if math.Abs(diff) < 1e-9 {
			break
		}

		adjustable := map[string]float64{}
		for k, v := range out {
			switch {
			case diff > 0 && v < maxW:
				adjustable[k] = maxW - v
			case diff < 0 && v > minW:
				adjustable[k] = v - minW
			}
		}
		var room float64
		for _, r := range adjustable {
			room += r
		}
		if room == 0 {
			break
		}
		for k, r := range adjustable {
			out[k] = clamp(out[k]+diff*(r/room), minW, maxW)
		}
	}

	return out
}

func normalize(weights map[string]float64) map[string]float64 {
	var total float64
	for _, v := range weights {
		total += v
	}
	if total == 0 {
		return weights
	}
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v / total
	}
	return out
}

// ExpectedPortfolioVol computes √(Σw_i²·vol_i² + 2·Σ_{i<j} ρ·w_i·w_j·vol_i·vol_j)
// using a single flat correlation ρ across all sleeve pairs.
func (a *Allocator) ExpectedPortfolioVol(weights, vols map[string]float64) float64 {
	rho := a.cfg.Correlation
	sleeves := make([]string, 0, len(weights))
	for s := range weights {
		sleeves = append(sleeves, s)
	}

	var variance float64
	for _, s := range sleeves {
		w, v := weights[s], vols[s]
		variance += w * w * v * v
	}
	for i := 0; i < len(sleeves); i++ {
		for j := i + 1; j < len(sleeves); j++ {
			wi, vi := weights[sleeves[i]], vols[sleeves[i]]
			wj, vj := weights[sleeves[j]], vols[sleeves[j]]
			variance += 2 * rho * wi * wj * vi * vj
		}
	}
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// ScalingFactor is target_vol / expected_vol, clamped to [scaling_min,
// scaling_max].
func (a *Allocator) ScalingFactor(expectedVol float64) float64 {
	if expectedVol <= 0 {
		return a.cfg.ScalingMax
	}
	raw := a.cfg.TargetVol / expectedVol
	return clamp(raw, a.cfg.ScalingMin, a.cfg.ScalingMax)
}

// Blend combines base strategy weights with risk-parity weights: either
// `final = (1-alpha)*base + alpha*rp` or, in override mode, rp wherever rp
// is positive (falling back to base otherwise). Result is renormalized.
func (a *Allocator) Blend(base, riskParity map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for sleeve := range union(base, riskParity) {
		b := base[sleeve]
		rp := riskParity[sleeve]
		if a.cfg.OverrideMode {
			if rp > 0 {
				out[sleeve] = rp
			} else {
				out[sleeve] = b
			}
			continue
		}
		out[sleeve] = (1-a.cfg.BlendAlpha)*b + a.cfg.BlendAlpha*rp
	}
	return normalize(out)
}

func union(a, b map[string]float64) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// ApplyHedgeCap normalizes the weight set, scales the hedge sleeve down to
// max_hedge_pct if it exceeds that cap, then renormalizes by scaling the
// other sleeves up so the set sums to 1 with the hedge sleeve held at the cap.
func (a *Allocator) ApplyHedgeCap(weights map[string]float64, hedgeSleeve string) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	out = normalize(out)
	if w, ok := out[hedgeSleeve]; !ok || w <= a.cfg.MaxHedgePct {
		return out
	}
	out[hedgeSleeve] = a.cfg.MaxHedgePct
	var rest float64
	for k, v := range out {
		if k != hedgeSleeve {
			rest += v
		}
	}
	if rest == 0 {
		return out
	}
	scale := (1 - a.cfg.MaxHedgePct) / rest
	for k, v := range out {
		if k != hedgeSleeve {
			out[k] = v * scale
		}
	}
	return out
}

// RebalanceNeeded reports whether the drift between current and target
// weights exceeds the configured threshold, or the calendar cadence has
// elapsed since lastRebalance.
func (a *Allocator) RebalanceNeeded(current, target map[string]float64, lastRebalance, now time.Time) bool {
	for sleeve, t := range target {
		c := current[sleeve]
		if math.Abs(c-t) >= a.cfg.DriftThreshold {
			return true
		}
	}
	return cadenceElapsed(a.cfg.Cadence, lastRebalance, now)
}

func cadenceElapsed(cadence string, last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	switch cadence {
	case "weekly":
		return now.Sub(last) >= 7*24*time.Hour
	case "monthly":
		return now.Year() != last.Year() || now.Month() != last.Month()
	case "quarterly":
		return quarterOf(now) != quarterOf(last) || now.Year() != last.Year()
	default: // "daily"
		return now.Format("2006-01-02") != last.Format("2006-01-02")
	}
}

func quarterOf(t time.Time) int {
	return (int(t.Month()) - 1) / 3
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
