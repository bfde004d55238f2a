package hedge

import (
	"sort"
	"time"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

// RollAction is the outcome of evaluating one position for a roll.
type RollAction struct {
	HedgeID  string
	ShouldRoll bool
	Reason   string
	DTE      int
}

// EvaluateRolls flags every active position whose days-to-expiry has
// reached the configured roll trigger (default: DTE <= 21). The roll
// itself is close-old-then-open-new against the same budget check as
// entry; this only produces the "needs roll" diagnosis.
func (l *Ledger) EvaluateRolls(cfg config.HedgeConfig, now time.Time) []RollAction {
	rollAt := cfg.RollAtDTE
	if rollAt <= 0 {
		rollAt = 21
	}

	var ids []string
	for id := range l.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []RollAction
	for _, id := range ids {
		pos := l.Positions[id]
		if !pos.Active {
			continue
		}
		dte := pos.DaysToExpiry(now)
		if dte <= rollAt {
			out = append(out, RollAction{
				HedgeID:    id,
				ShouldRoll: true,
				Reason:     "dte_at_or_below_roll_trigger",
				DTE:        dte,
			})
		}
	}
	return out
}

// Roll closes the old leg at its current mark and books a new one,
// carrying any realized roll P&L into the budget ledger exactly as a
// normal close does. The new leg shares the old leg's hedge type and
// underlying but gets a fresh ID, strike, expiry, and premium.
func (l *Ledger) Roll(oldHedgeID string, newPos types.HedgePosition, closeValue float64, now time.Time) error {
	old, ok := l.Positions[oldHedgeID]
	if !ok {
		return nil
	}
	realized := closeValue - old.PremiumPaid
	if err := l.RecordClose(oldHedgeID, realized); err != nil {
		return err
	}
	l.RecordEntry(newPos)
	return nil
}

// MonetizationPlan is the set of ITM positions selected for partial
// profit-taking after a P&L spike.
type MonetizationPlan struct {
	Triggered     bool
	FractionSold  float64
	Positions     []types.HedgePosition
	EstimatedCash float64
}

// EvaluateMonetization checks whether today's realized P&L spike clears
// the configured threshold, and if so selects the in-the-money active
// positions to partially monetize (default fraction: ~0.6).
func (l *Ledger) EvaluateMonetization(cfg config.HedgeConfig, dailyPnL float64, markPrices map[string]float64) MonetizationPlan {
	if dailyPnL < cfg.PnLSpikeThreshold {
		return MonetizationPlan{}
	}

	frac := cfg.CrisisRedeployFrac
	if frac <= 0 {
		frac = 0.6
	}

	var ids []string
	for id := range l.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var itm []types.HedgePosition
	var estimated float64
	for _, id := range ids {
		pos := l.Positions[id]
		if !pos.Active {
			continue
		}
		mark := markPrices[pos.InstrumentID]
		if mark <= 0 {
			continue
		}
		if !isInTheMoney(pos, mark) {
			continue
		}
		itm = append(itm, pos)
		estimated += frac * mark * 100 * absContracts(pos.Contracts)
	}

	if len(itm) == 0 {
		return MonetizationPlan{}
	}

	return MonetizationPlan{
		Triggered:     true,
		FractionSold:  frac,
		Positions:     itm,
		EstimatedCash: estimated,
	}
}

// isInTheMoney treats a long put as ITM when its strike exceeds the mark,
// and a long call as ITM when the mark exceeds its strike.
func isInTheMoney(pos types.HedgePosition, mark float64) bool {
	switch pos.Type {
	case types.HedgeEUVolCall, types.HedgeUSVolCall:
		return mark > pos.Strike
	default:
		return pos.Strike > mark
	}
}

func absContracts(c float64) float64 {
	if c < 0 {
		return -c
	}
	return c
}

// ApplyMonetization books the realized gain from selling fractionSold of
// each monetized position's contracts back into the budget ledger as
// realized YTD P&L, leaving the rest of the position active.
func (l *Ledger) ApplyMonetization(plan MonetizationPlan, markPrices map[string]float64) {
	if !plan.Triggered {
		return
	}
	for _, pos := range plan.Positions {
		mark := markPrices[pos.InstrumentID]
		soldContracts := plan.FractionSold * absContracts(pos.Contracts)
		premiumPerShare := pos.PremiumPaid / (absContracts(pos.Contracts) * 100)
		gain := soldContracts * 100 * (mark - premiumPerShare)
		l.Budget.RealizedYTD += gain

		remaining := pos.Contracts * (1 - plan.FractionSold)
		pos.Contracts = remaining
		pos.PremiumPaid *= (1 - plan.FractionSold)
		l.Positions[pos.HedgeID] = pos
	}
}
