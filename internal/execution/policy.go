// Package execution turns sleeve order intents into broker-facing orders:
// policy decides price/type, the order manager drives the broker-side state
// machine, the basket and pair executors batch and sequence submissions,
// and the slippage model plus gater close the loop on cost control.
package execution

import (
	"math"
	"time"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/internal/errs"
	"macro-sleeve-engine/pkg/types"
)

// SessionPhase is the current trading-session window, used to pick
// open/close-auction order types.
type SessionPhase string

const (
	PhaseContinuous   SessionPhase = "CONTINUOUS"
	PhaseOpenAuction  SessionPhase = "OPEN_AUCTION"
	PhaseCloseAuction SessionPhase = "CLOSE_AUCTION"
)

// Policy maps an OrderIntent and current quote to an OrderPlan.
type Policy struct {
	cfg config.ExecutionConfig
}

// NewPolicy builds a policy from config.
func NewPolicy(cfg config.ExecutionConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Plan computes the OrderPlan for one intent given its instrument, quote,
// session phase, and maximum acceptable slippage in bps. Returns a typed
// DataQuality error if the quote fails the freshness gate.
func (p *Policy) Plan(intent types.OrderIntent, inst types.Instrument, quote types.Quote, phase SessionPhase, now time.Time, maxSlipBps float64) (types.OrderPlan, error) {
	maxAge := p.cfg.QuoteMaxAgePricing
	if intent.Urgency == types.UrgencyCrisis {
		maxAge = p.cfg.QuoteMaxAgeLive
	}
	if !quote.Fresh(now, maxAge) {
		return types.OrderPlan{}, errs.New(errs.DataQuality, "execution.policy", "quote stale beyond bound")
	}

	ref := quote.Reference()
	if ref <= 0 {
		return types.OrderPlan{}, errs.New(errs.DataQuality, "execution.policy", "no usable reference price")
	}

	plan := types.OrderPlan{
		TIF:            types.TIFDay,
		MaxSlippageBps: maxSlipBps,
		TTLSeconds:     p.cfg.OrderTTLSeconds,
		ReplaceInterval: p.cfg.ReplaceInterval,
		MaxReplaces:    p.cfg.MaxReplaces,
	}

	switch {
	case intent.Urgency == types.UrgencyCrisis:
		plan.Kind = types.KindLimit
		plan.TIF = types.TIFIOC
		plan.TTLSeconds = 30
		plan.LimitPrice = p.marketableLimit(intent.Side, quote, ref, maxSlipBps)
	case phase == PhaseCloseAuction:
		plan.Kind = types.KindLOC
	case phase == PhaseOpenAuction:
		plan.Kind = types.KindLOO
	case inst.ADV > 0 && intent.Quantity > p.cfg.ADVFractionForAlgo*inst.ADV:
		plan.Kind = types.KindAlgo
		plan.AlgoName = "adaptive"
		plan.AlgoParams = map[string]string{"style": "vwap"}
	default:
		plan.Kind = types.KindLimit
		if plan.LimitPrice == 0 {
			plan.LimitPrice = p.marketableLimit(intent.Side, quote, ref, maxSlipBps)
		}
	}

	if plan.Kind == types.KindMarket && !p.cfg.AllowMarketOrders {
		plan.Kind = types.KindLimit
	}

	if plan.Kind == types.KindLimit || plan.Kind == types.KindAlgo {
		if plan.LimitPrice == 0 {
			plan.LimitPrice = p.marketableLimit(intent.Side, quote, ref, maxSlipBps)
		}
	}

	ceiling, floor := p.collars(intent.Side, ref, maxSlipBps)
	plan.Ceiling = ceiling
	plan.Floor = floor
	if plan.LimitPrice > 0 {
		plan.LimitPrice = p.roundAndCollar(intent.Side, plan.LimitPrice, ceiling, floor, inst.TickSize)
	}

	return plan, nil
}

// marketableLimit prices a marketable limit order: BUY limit = min(ask +
// 0.25*spread, ref*(1+max_slip)); SELL limit = max(bid - 0.25*spread,
// ref*(1-max_slip)). Without a two-sided quote, falls back to ref +/-
// 2*max_slip to maximize fill probability.
func (p *Policy) marketableLimit(side types.Side, quote types.Quote, ref, maxSlipBps float64) float64 {
	slip := maxSlipBps / 1e4
	if !quote.HasBothSides() {
		if side == types.Buy {
			return ref * (1 + 2*slip)
		}
		return ref * (1 - 2*slip)
	}

	spread := quote.Spread()
	if side == types.Buy {
		return math.Min(quote.Ask+0.25*spread, ref*(1+slip))
	}
	return math.Max(quote.Bid-0.25*spread, ref*(1-slip))
}

// collars returns the ceiling (buys) and floor (sells) bound at
// ref*(1±max_slip_bps).
func (p *Policy) collars(side types.Side, ref, maxSlipBps float64) (ceiling, floor float64) {
	slip := maxSlipBps / 1e4
	if side == types.Buy {
		return ref * (1 + slip), 0
	}
	return 0, ref * (1 - slip)
}

func (p *Policy) roundAndCollar(side types.Side, price, ceiling, floor, tick float64) float64 {
	if side == types.Buy && ceiling > 0 && price > ceiling {
		price = ceiling
	}
	if side == types.Sell && floor > 0 && price < floor {
		price = floor
	}
	return roundToTick(price, tick)
}

// ReplacePrice computes the replacement limit price for attempt k
// (1-indexed), moving toward the collar with aggression
// min(1.0, 0.5+0.1*k).
func (p *Policy) ReplacePrice(side types.Side, currentLimit, ceiling, floor, tick float64, attempt int) float64 {
	aggression := math.Min(1.0, 0.5+0.1*float64(attempt))
	var target float64
	if side == types.Buy {
		target = ceiling
	} else {
		target = floor
	}
	if target == 0 {
		return currentLimit
	}
	moved := currentLimit + aggression*(target-currentLimit)
	return p.roundAndCollar(side, moved, ceiling, floor, tick)
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
