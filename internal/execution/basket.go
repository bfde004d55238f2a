package execution

import (
	"fmt"
	"math"
	"sort"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

// ExecutionPhase groups instruments by how cautiously they should be
// worked: hedges first (FX/futures, usually most liquid and most urgent),
// then liquid names, then illiquid ones last.
type ExecutionPhase string

const (
	PhaseHedge     ExecutionPhase = "hedge"
	PhaseLiquid    ExecutionPhase = "liquid"
	PhaseIlliquid  ExecutionPhase = "illiquid"
)

// Basket is a netted, filtered, ordered, phase-split set of intents ready
// for submission, plus any validation warnings surfaced along the way.
type Basket struct {
	Phases   map[ExecutionPhase][]types.OrderIntent
	Warnings []string
	GrossQty float64
	NetQty   float64
}

// NettingSavingsPct is the fraction of gross quantity eliminated by
// netting, e.g. 80/190 ~= 0.42 for E4.
func (b Basket) NettingSavingsPct() float64 {
	if b.GrossQty == 0 {
		return 0
	}
	return (b.GrossQty - b.NetQty) / b.GrossQty
}

// NetIntents nets same-instrument intents: opposing sides partially or
// fully cancel, and the survivor carries the union of contributing
// sleeves and the max urgency among them.
func NetIntents(intents []types.OrderIntent) []types.OrderIntent {
	type agg struct {
		signedQty float64
		sleeves   map[string]bool
		urgency   types.Urgency
		reason    string
	}
	byInstrument := map[string]*agg{}
	order := []string{}

	for _, in := range intents {
		a, ok := byInstrument[in.InstrumentID]
		if !ok {
			a = &agg{sleeves: map[string]bool{}, urgency: in.Urgency, reason: in.Reason}
			byInstrument[in.InstrumentID] = a
			order = append(order, in.InstrumentID)
		}
		a.signedQty += in.SignedQuantity()
		if in.Sleeve != "" {
			a.sleeves[in.Sleeve] = true
		}
		a.urgency = types.MaxUrgency(a.urgency, in.Urgency)
	}

	var out []types.OrderIntent
	for _, id := range order {
		a := byInstrument[id]
		if a.signedQty == 0 {
			continue
		}
		side := types.Buy
		qty := a.signedQty
		if qty < 0 {
			side = types.Sell
			qty = -qty
		}
		sleeveNames := make([]string, 0, len(a.sleeves))
		for s := range a.sleeves {
			sleeveNames = append(sleeveNames, s)
		}
		sort.Strings(sleeveNames)
		out = append(out, types.OrderIntent{
			InstrumentID: id,
			Side:         side,
			Quantity:     qty,
			Reason:       a.reason,
			Sleeve:       joinSleeves(sleeveNames),
			Urgency:      a.urgency,
		})
	}
	return out
}

func joinSleeves(sleeves []string) string {
	out := ""
	for i, s := range sleeves {
		if i > 0 {
			out += "+"
		}
		out += s
	}
	return out
}

// GrossQuantity sums the absolute quantity of the pre-netting intents.
func GrossQuantity(intents []types.OrderIntent) float64 {
	var total float64
	for _, in := range intents {
		total += math.Abs(in.Quantity)
	}
	return total
}

// NetQuantity sums the absolute quantity of the post-netting intents.
func NetQuantity(intents []types.OrderIntent) float64 {
	return GrossQuantity(intents)
}

// FilterMinNotional drops intents whose notional falls below the
// configured floor.
func FilterMinNotional(intents []types.OrderIntent, prices map[string]float64, minNotionalUSD float64) []types.OrderIntent {
	var out []types.OrderIntent
	for _, in := range intents {
		px, ok := prices[in.InstrumentID]
		if ok && in.Quantity*px < minNotionalUSD {
			continue
		}
		out = append(out, in)
	}
	return out
}

// sideRank orders SELL before BUY within the priority key, since closing
// exposure frees margin before new exposure is added.
func sideRank(s types.Side) int {
	if s == types.Sell {
		return 0
	}
	return 1
}

// OrderByPriority sorts intents by (urgency desc, asset-class priority
// asc, side SELL<BUY, liquidity tier asc, notional desc).
func OrderByPriority(intents []types.OrderIntent, instruments map[string]types.Instrument, prices map[string]float64) []types.OrderIntent {
	out := append([]types.OrderIntent(nil), intents...)
	urgencyRank := func(u types.Urgency) int { return -types.UrgencyRank(u) }

	sort.SliceStable(out, func(i, j int) bool {
		ii, jj := out[i], out[j]
		ri, rj := urgencyRank(ii.Urgency), urgencyRank(jj.Urgency)
		if ri != rj {
			return ri < rj
		}
		instI, okI := instruments[ii.InstrumentID]
		instJ, okJ := instruments[jj.InstrumentID]
		if okI && okJ {
			pi, pj := types.BasketPriority(instI.AssetClass), types.BasketPriority(instJ.AssetClass)
			if pi != pj {
				return pi < pj
			}
		}
		if sideRank(ii.Side) != sideRank(jj.Side) {
			return sideRank(ii.Side) < sideRank(jj.Side)
		}
		if okI && okJ && instI.Liquidity != instJ.Liquidity {
			return instI.Liquidity < instJ.Liquidity
		}
		ni := ii.Quantity * prices[ii.InstrumentID]
		nj := jj.Quantity * prices[jj.InstrumentID]
		return ni > nj
	})
	return out
}

// BasketValidation holds the outcome of ValidateBasket.
type BasketValidation struct {
	OK               bool
	Warnings         []string
}

// ValidateBasket checks a netted, ordered intent set against turnover,
// post-trade gross, and single-order-size caps.
func ValidateBasket(intents []types.OrderIntent, prices map[string]float64, nav float64, currentGross float64, cfg config.ExecutionConfig) BasketValidation {
	var warnings []string
	var turnover float64
	for _, in := range intents {
		notional := in.Quantity * prices[in.InstrumentID]
		turnover += notional
		if nav > 0 && cfg.MaxSingleOrderPct > 0 && notional > cfg.MaxSingleOrderPct*nav {
			warnings = append(warnings, fmt.Sprintf("%s: single order notional %.2f exceeds %.2f%% of NAV", in.InstrumentID, notional, cfg.MaxSingleOrderPct*100))
		}
	}
	if nav > 0 && cfg.MaxTurnoverPct > 0 && turnover > cfg.MaxTurnoverPct*nav {
		warnings = append(warnings, fmt.Sprintf("basket turnover %.2f exceeds %.2f%% of NAV", turnover, cfg.MaxTurnoverPct*100))
	}
	postTradeGross := currentGross + turnover
	if nav > 0 && cfg.MaxPostTradeGross > 0 && postTradeGross > cfg.MaxPostTradeGross*nav {
		warnings = append(warnings, fmt.Sprintf("post-trade gross %.2f exceeds %.2fx NAV", postTradeGross, cfg.MaxPostTradeGross))
	}
	return BasketValidation{OK: len(warnings) == 0, Warnings: warnings}
}

// SplitPhases buckets ordered intents into hedge/liquid/illiquid phases by
// asset class and liquidity tier. FX futures are always the hedge phase;
// everything else is liquid unless its tier marks it illiquid.
func SplitPhases(intents []types.OrderIntent, instruments map[string]types.Instrument) map[ExecutionPhase][]types.OrderIntent {
	phases := map[ExecutionPhase][]types.OrderIntent{}
	for _, in := range intents {
		inst := instruments[in.InstrumentID]
		phase := PhaseLiquid
		switch {
		case inst.AssetClass == types.AssetFXFut:
			phase = PhaseHedge
		case inst.Liquidity == types.TierIlliquid:
			phase = PhaseIlliquid
		}
		phases[phase] = append(phases[phase], in)
	}
	return phases
}

// BuildBasket runs the full pipeline: net, filter, order, validate, split.
func BuildBasket(intents []types.OrderIntent, instruments map[string]types.Instrument, prices map[string]float64, nav, currentGross float64, cfg config.ExecutionConfig) (Basket, BasketValidation) {
	gross := GrossQuantity(intents)
	netted := NetIntents(intents)
	filtered := FilterMinNotional(netted, prices, cfg.MinTradeNotionalUSD)
	ordered := OrderByPriority(filtered, instruments, prices)
	validation := ValidateBasket(ordered, prices, nav, currentGross, cfg)
	phases := SplitPhases(ordered, instruments)

	return Basket{
		Phases:   phases,
		Warnings: validation.Warnings,
		GrossQty: gross,
		NetQty:   NetQuantity(ordered),
	}, validation
}
