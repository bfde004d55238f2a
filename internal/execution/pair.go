package execution

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"macro-sleeve-engine/pkg/types"
)

// LeggingAction is the response to one leg of a pair getting materially
// ahead of the other.
type LeggingAction string

const (
	LeggingNone         LeggingAction = "NONE"
	LeggingHedgeDeploy  LeggingAction = "HEDGE_DEPLOY"
	LeggingUndo         LeggingAction = "UNDO"
	LeggingAggressiveReprice LeggingAction = "AGGRESSIVE_REPRICE"
)

// PairState is the legging diagnosis computed on each poll.
type PairState struct {
	MaxFillPct   float64
	MinFillPct   float64
	Imbalance    float64
	Legged       bool
	Action       LeggingAction
	HedgeQty     float64
	LaggingIndex int // index into the pair's legs, -1 if none
}

// PairExecutor submits a pair's legs concurrently, then tracks legging and
// decides when to deploy a temporary hedge or reprice the lagging leg.
type PairExecutor struct {
	manager           *OrderManager
	logger            *slog.Logger
	triggerFillPct    float64
	laggingFillPct    float64
	maxLeggingSeconds int
	undoOptIn         bool
}

// NewPairExecutor builds a pair executor. triggerFillPct (~0.3) and
// laggingFillPct (~0.1) are the legging-imbalance thresholds;
// maxLeggingSeconds (~60) is how long imbalance is tolerated before action.
func NewPairExecutor(manager *OrderManager, logger *slog.Logger, triggerFillPct, laggingFillPct float64, maxLeggingSeconds int, undoOptIn bool) *PairExecutor {
	return &PairExecutor{
		manager:           manager,
		logger:            logger.With("component", "execution.pair"),
		triggerFillPct:    triggerFillPct,
		laggingFillPct:    laggingFillPct,
		maxLeggingSeconds: maxLeggingSeconds,
		undoOptIn:         undoOptIn,
	}
}

// SubmitLegs submits every leg of the group concurrently and fans back the
// first error, if any, after all submissions complete.
func (p *PairExecutor) SubmitLegs(ctx context.Context, group *types.PairGroup, instruments map[string]types.Instrument, plans map[string]types.OrderPlan, arrivalRefs map[string]float64) error {
	g, gctx := errgroup.WithContext(ctx)
	tickets := make([]*types.OrderTicket, len(group.Intents))

	for i, intent := range group.Intents {
		i, intent := i, intent
		g.Go(func() error {
			inst := instruments[intent.InstrumentID]
			plan := plans[intent.InstrumentID]
			ref := arrivalRefs[intent.InstrumentID]
			ticket, err := p.manager.Submit(gctx, ticketID(group.Name, i), inst, intent, plan, ref, ref)
			tickets[i] = ticket
			return err
		})
	}

	err := g.Wait()
	group.LiveTickets = tickets
	group.StartedAt = time.Now()
	return err
}

func ticketID(groupName string, legIndex int) string {
	return groupName + "#" + strconv.Itoa(legIndex)
}

// EvaluateLegging computes the pair's legging state from its live tickets'
// fill fractions: legged if max >= triggerFillPct AND min < laggingFillPct.
// Once legged and elapsed >= maxLeggingSeconds, the default response is
// hedge-and-reprice (hedge contracts = round(0.5*leading_filled_qty), the
// lagging leg flagged for aggressive reprice); undo is opt-in only.
func (p *PairExecutor) EvaluateLegging(group *types.PairGroup, now time.Time) PairState {
	if len(group.LiveTickets) == 0 {
		return PairState{LaggingIndex: -1}
	}

	maxFill, minFill := -1.0, 2.0
	maxIdx, minIdx := 0, 0
	for i, t := range group.LiveTickets {
		if t == nil {
			continue
		}
		f := t.FillFraction()
		if f > maxFill {
			maxFill = f
			maxIdx = i
		}
		if f < minFill {
			minFill = f
			minIdx = i
		}
	}

	state := PairState{
		MaxFillPct:   maxFill,
		MinFillPct:   minFill,
		Imbalance:    maxFill - minFill,
		LaggingIndex: minIdx,
	}
	state.Legged = maxFill >= p.triggerFillPct && minFill < p.laggingFillPct
	if !state.Legged {
		state.Action = LeggingNone
		return state
	}

	elapsed := now.Sub(group.StartedAt)
	if elapsed < time.Duration(p.maxLeggingSeconds)*time.Second {
		state.Action = LeggingNone
		return state
	}

	if p.undoOptIn {
		state.Action = LeggingUndo
		return state
	}

	leading := group.LiveTickets[maxIdx]
	state.HedgeQty = math.Round(0.5 * leading.FilledQty)
	state.Action = LeggingHedgeDeploy
	return state
}

// IsComplete reports whether every leg and any deployed hedge has reached
// a terminal state.
func IsComplete(group *types.PairGroup) bool {
	for _, t := range group.LiveTickets {
		if t == nil || !t.Status.Terminal() {
			return false
		}
	}
	if group.DeployedHedge != nil && !group.DeployedHedge.Status.Terminal() {
		return false
	}
	return true
}
