// Package strategy maps each sleeve's target notional to concrete order
// intents. Each sleeve strategy (core index RV, sector RV, single name,
// credit & carry) produces target positions per instrument; a single
// diff-then-emit step turns target minus current quantity into BUY/SELL
// intents, skipping anything below a share or notional floor.
package strategy

import (
	"fmt"
	"math"

	"macro-sleeve-engine/pkg/types"
)

// TargetPosition is one instrument's desired signed quantity from a sleeve
// strategy, prior to diffing against the live book.
type TargetPosition struct {
	InstrumentID string
	TargetQty    float64 // signed
	Sleeve       string
	Reason       string
	Urgency      types.Urgency
}

// DiffConfig bounds order generation: diffs smaller than MinShares or
// MinNotionalUSD are skipped as noise.
type DiffConfig struct {
	MinShares     float64
	MinNotionalUSD float64
}

// GrossLeverageConfig bounds the buy-side leverage constraint: a buy that
// would push projected gross leverage (gross notional / NAV, summed across
// every current position) above MaxGrossLeverage is scaled down to the
// largest integer-share quantity that keeps it within the cap, or dropped
// entirely if even one share breaches. Sells are never constrained — they
// can only reduce gross notional or flip it through zero.
//
// EmergencyDerisk relaxes the hard cap for a buy only when doing so still
// leaves the breach strictly smaller than it was before that trade, so a
// de-risking sequence that cannot close the whole gap in one pass keeps
// making monotonic progress instead of stalling on the cap.
//
// A zero value (MaxGrossLeverage <= 0 or NAV <= 0) disables the
// constraint entirely.
type GrossLeverageConfig struct {
	MaxGrossLeverage float64
	NAV              float64
	EmergencyDerisk  bool
}

func (g GrossLeverageConfig) active() bool {
	return g.MaxGrossLeverage > 0 && g.NAV > 0
}

// GenerateOrders diffs each target against the corresponding live position
// quantity and emits an OrderIntent for anything that clears the min-share
// and min-notional floors, applying the gross-leverage cap to buys only.
func GenerateOrders(targets []TargetPosition, current map[string]types.Position, prices map[string]float64, cfg DiffConfig, lev GrossLeverageConfig) []types.OrderIntent {
	grossNotional := currentGrossNotional(current, prices)

	var intents []types.OrderIntent
	for _, t := range targets {
		currentQty := 0.0
		if pos, ok := current[t.InstrumentID]; ok {
			currentQty = pos.Quantity
		}
		diff := t.TargetQty - currentQty
		if math.Abs(diff) < cfg.MinShares {
			continue
		}
		px, hasPx := prices[t.InstrumentID]
		if hasPx && math.Abs(diff)*px < cfg.MinNotionalUSD {
			continue
		}

		side := types.Buy
		if diff < 0 {
			side = types.Sell
		}
		qty := math.Abs(diff)

		if hasPx && lev.active() {
			if side == types.Buy {
				qty = constrainBuyForLeverage(qty, currentQty, px, &grossNotional, lev)
				if qty <= 0 {
					continue
				}
			} else {
				applyNotionalDelta(&grossNotional, currentQty, currentQty+diff, px)
			}
		}

		intents = append(intents, types.OrderIntent{
			InstrumentID: t.InstrumentID,
			Side:         side,
			Quantity:     qty,
			Reason:       t.Reason,
			Sleeve:       t.Sleeve,
			Urgency:      t.Urgency,
		})
	}
	return intents
}

// currentGrossNotional sums abs(quantity*price) across every live position
// with a known price; positions with no quote are excluded rather than
// assumed flat, since an unpriced instrument's contribution is unknowable.
func currentGrossNotional(current map[string]types.Position, prices map[string]float64) float64 {
	var gross float64
	for id, pos := range current {
		if px, ok := prices[id]; ok {
			gross += math.Abs(pos.Quantity * px)
		}
	}
	return gross
}

func applyNotionalDelta(grossNotional *float64, oldQty, newQty, px float64) {
	*grossNotional += math.Abs(newQty*px) - math.Abs(oldQty*px)
}

// constrainBuyForLeverage returns the largest integer share count no
// greater than qty that keeps projected gross leverage within the cap,
// updating grossNotional in place to reflect whatever quantity is
// ultimately accepted (qty, a scaled-down amount, or zero).
//
// A buy always increases quantity, so newQty = currentQty + q is
// monotonically increasing in q. But abs(newQty) — what gross notional
// actually cares about — is only monotonic in q once newQty is
// non-negative: a buy that covers a short first shrinks abs(newQty) as q
// grows, then grows it again past the zero crossing. The full requested
// qty is always the most favorable point while newQty stays negative, so
// if that still breaches, no smaller q does better and there's nothing to
// scale down to — the intent is dropped.
func constrainBuyForLeverage(qty, currentQty, px float64, grossNotional *float64, lev GrossLeverageConfig) float64 {
	oldNotional := math.Abs(currentQty * px)
	baseGross := *grossNotional - oldNotional // gross notional excluding this instrument
	preLeverage := *grossNotional / lev.NAV

	newQty := currentQty + qty
	projectedGross := baseGross + math.Abs(newQty*px)
	projectedLeverage := projectedGross / lev.NAV

	if projectedLeverage <= lev.MaxGrossLeverage {
		*grossNotional = projectedGross
		return qty
	}
	if lev.EmergencyDerisk && projectedLeverage < preLeverage {
		*grossNotional = projectedGross
		return qty
	}

	if currentQty < 0 && qty <= -currentQty {
		return 0
	}

	room := lev.MaxGrossLeverage*lev.NAV - baseGross
	if room <= 0 || px <= 0 {
		return 0
	}
	scaledQty := math.Floor(room/px - currentQty)
	if scaledQty > math.Floor(qty) {
		scaledQty = math.Floor(qty)
	}
	if scaledQty <= 0 {
		return 0
	}
	*grossNotional = baseGross + math.Abs((currentQty+scaledQty)*px)
	return scaledQty
}

// CoreIndexRVTargets splits sleeve notional evenly: half long a US index
// proxy, half short a European proxy, with an FX future short sized to the
// EUR notional of the short leg in contract units.
func CoreIndexRVTargets(sleeveNotional float64, usProxy, euProxy types.Instrument, usPrice, euPrice float64, fxFuture types.Instrument, eurUSDRate float64) []TargetPosition {
	half := sleeveNotional / 2
	usQty := half / usPrice
	euQty := -(half / euPrice)

	euNotionalEUR := math.Abs(euQty) * euPrice
	fxContracts := 0.0
	if fxFuture.Multiplier > 0 && eurUSDRate > 0 {
		fxContracts = -math.Round(euNotionalEUR / (fxFuture.Multiplier * eurUSDRate))
	}

	targets := []TargetPosition{
		{InstrumentID: usProxy.ID, TargetQty: usQty, Sleeve: "core_index_rv", Reason: "core RV: long US leg", Urgency: types.UrgencyNormal},
		{InstrumentID: euProxy.ID, TargetQty: euQty, Sleeve: "core_index_rv", Reason: "core RV: short EU leg", Urgency: types.UrgencyNormal},
	}
	if fxContracts != 0 {
		targets = append(targets, TargetPosition{
			InstrumentID: fxFuture.ID,
			TargetQty:    fxContracts,
			Sleeve:       "core_index_rv",
			Reason:       "core RV: FX hedge on EU leg notional",
			Urgency:      types.UrgencyNormal,
		})
	}
	return targets
}

// SectorRVTargets builds an equal-weighted long/short basket across sector
// proxy pairs: longs share half the sleeve notional, shorts the other
// half, each instrument within a side equally weighted.
func SectorRVTargets(sleeveNotional float64, longs, shorts []types.Instrument, prices map[string]float64) []TargetPosition {
	var targets []TargetPosition
	half := sleeveNotional / 2

	if n := len(longs); n > 0 {
		perName := half / float64(n)
		for _, inst := range longs {
			px := prices[inst.ID]
			if px <= 0 {
				continue
			}
			targets = append(targets, TargetPosition{
				InstrumentID: inst.ID,
				TargetQty:    perName / px,
				Sleeve:       "sector_rv",
				Reason:       "sector RV: long basket",
				Urgency:      types.UrgencyNormal,
			})
		}
	}
	if n := len(shorts); n > 0 {
		perName := half / float64(n)
		for _, inst := range shorts {
			px := prices[inst.ID]
			if px <= 0 {
				continue
			}
			targets = append(targets, TargetPosition{
				InstrumentID: inst.ID,
				TargetQty:    -(perName / px),
				Sleeve:       "sector_rv",
				Reason:       "sector RV: short basket",
				Urgency:      types.UrgencyNormal,
			})
		}
	}
	return targets
}

// ScreenedName is one candidate from the external single-name screener,
// ranked by a composite score the screener already computed.
type ScreenedName struct {
	InstrumentID string
	Score        float64
}

// SingleNameTargets equal-weights the top-N longs against the top-N shorts
// (quality+momentum+size vs. zombie+weakness+sector rankings are the
// screener's concern; this only consumes its ranked output).
func SingleNameTargets(sleeveNotional float64, longCandidates, shortCandidates []ScreenedName, topN int, prices map[string]float64) []TargetPosition {
	var targets []TargetPosition
	half := sleeveNotional / 2

	longs := topNNames(longCandidates, topN)
	if n := len(longs); n > 0 {
		perName := half / float64(n)
		for _, c := range longs {
			px := prices[c.InstrumentID]
			if px <= 0 {
				continue
			}
			targets = append(targets, TargetPosition{
				InstrumentID: c.InstrumentID,
				TargetQty:    perName / px,
				Sleeve:       "single_name",
				Reason:       fmt.Sprintf("single name: long screen score=%.3f", c.Score),
				Urgency:      types.UrgencyNormal,
			})
		}
	}
	shorts := topNNames(shortCandidates, topN)
	if n := len(shorts); n > 0 {
		perName := half / float64(n)
		for _, c := range shorts {
			px := prices[c.InstrumentID]
			if px <= 0 {
				continue
			}
			targets = append(targets, TargetPosition{
				InstrumentID: c.InstrumentID,
				TargetQty:    -(perName / px),
				Sleeve:       "single_name",
				Reason:       fmt.Sprintf("single name: short screen score=%.3f", c.Score),
				Urgency:      types.UrgencyNormal,
			})
		}
	}
	return targets
}

func topNNames(candidates []ScreenedName, n int) []ScreenedName {
	if n >= len(candidates) {
		return candidates
	}
	return candidates[:n]
}

// CreditCarryTargets holds long US credit baskets at fixed intra-sleeve
// weights, with the European credit short expressed either as a reduction
// of the long allocation or an explicit short instrument.
func CreditCarryTargets(sleeveNotional float64, usLongs map[types.Instrument]float64, euShort types.Instrument, euShortFrac float64, prices map[string]float64) []TargetPosition {
	var targets []TargetPosition
	longNotional := sleeveNotional * (1 - euShortFrac)
	shortNotional := sleeveNotional * euShortFrac

	for inst, weight := range usLongs {
		px := prices[inst.ID]
		if px <= 0 {
			continue
		}
		targets = append(targets, TargetPosition{
			InstrumentID: inst.ID,
			TargetQty:    (longNotional * weight) / px,
			Sleeve:       "credit_carry",
			Reason:       "credit & carry: US long basket",
			Urgency:      types.UrgencyNormal,
		})
	}
	if shortNotional > 0 {
		px := prices[euShort.ID]
		if px > 0 {
			targets = append(targets, TargetPosition{
				InstrumentID: euShort.ID,
				TargetQty:    -(shortNotional / px),
				Sleeve:       "credit_carry",
				Reason:       "credit & carry: EU credit short",
				Urgency:      types.UrgencyNormal,
			})
		}
	}
	return targets
}
