// Package hedge implements the tail-hedge ladder (budgeted put/call
// protection across the hedge types in pkg/types) and the sovereign-rates
// crisis overlay layered on top of the same budget.
package hedge

import (
	"fmt"
	"math"
	"time"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

// RejectReason is a typed option-chain validation failure.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectDTETooShort      RejectReason = "dte_too_short"
	RejectNoBid            RejectReason = "no_bid"
	RejectNoAsk            RejectReason = "no_ask"
	RejectSpreadTooWide    RejectReason = "spread_too_wide"
	RejectVolumeTooLow     RejectReason = "volume_too_low"
	RejectOpenInterestLow  RejectReason = "open_interest_too_low"
	RejectPremiumCapAbs    RejectReason = "premium_exceeds_absolute_cap"
	RejectPremiumCapBudget RejectReason = "premium_exceeds_budget_fraction"
)

// OptionQuote is one candidate contract from the broker's option chain.
type OptionQuote struct {
	Symbol       string
	Underlying   string
	Strike       float64
	Expiry       time.Time
	Bid          float64
	Ask          float64
	Volume       float64
	OpenInterest float64
}

// Mid is the quote's midpoint premium.
func (q OptionQuote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// relSpreadThresholdByType is the maximum (ask-bid)/mid fraction tolerated
// per hedge type.
var relSpreadThresholdByType = map[types.HedgeType]float64{
	types.HedgeEUEquityPut: 0.08,
	types.HedgeUSEquityPut: 0.08,
	types.HedgeEUBankPut:   0.08,
	types.HedgeEUVolCall:   0.12,
	types.HedgeUSVolCall:   0.12,
	types.HedgeCreditPut:   0.10,
	types.HedgeSovereignSpr: 0.08,
}

// volumeFloorByType and openInterestFloorByType are the minimum liquidity
// floors per hedge type; types without an explicit floor fall back to the
// generic defaults.
var volumeFloorByType = map[types.HedgeType]float64{}
var openInterestFloorByType = map[types.HedgeType]float64{}

const (
	defaultVolumeFloor       = 10
	defaultOpenInterestFloor = 50
	defaultMinDTE            = 14
)

// Validator enforces the option-chain acceptance rules before a hedge
// contract is sized and submitted.
type Validator struct {
	minDTE           int
	premiumAbsCapUSD float64
}

// NewValidator builds a validator. minDTE defaults to 14 when <= 0.
func NewValidator(minDTE int, premiumAbsCapUSD float64) *Validator {
	if minDTE <= 0 {
		minDTE = defaultMinDTE
	}
	return &Validator{minDTE: minDTE, premiumAbsCapUSD: premiumAbsCapUSD}
}

// Validate checks one candidate contract against the acceptance rules for
// its hedge type, given the dollars budgeted to the leg it would fill.
func (v *Validator) Validate(q OptionQuote, hedgeType types.HedgeType, now time.Time, budgetedDollars float64) RejectReason {
	dte := int(q.Expiry.Sub(now).Hours() / 24)
	if dte < v.minDTE {
		return RejectDTETooShort
	}
	if q.Bid <= 0 {
		return RejectNoBid
	}
	if q.Ask <= 0 {
		return RejectNoAsk
	}

	mid := q.Mid()
	threshold := relSpreadThresholdByType[hedgeType]
	if threshold == 0 {
		threshold = 0.10
	}
	if mid > 0 && (q.Ask-q.Bid)/mid > threshold {
		return RejectSpreadTooWide
	}

	volFloor := volumeFloorByType[hedgeType]
	if volFloor == 0 {
		volFloor = defaultVolumeFloor
	}
	if q.Volume < volFloor {
		return RejectVolumeTooLow
	}

	oiFloor := openInterestFloorByType[hedgeType]
	if oiFloor == 0 {
		oiFloor = defaultOpenInterestFloor
	}
	if q.OpenInterest < oiFloor {
		return RejectOpenInterestLow
	}

	if v.premiumAbsCapUSD > 0 && mid*100 > v.premiumAbsCapUSD {
		return RejectPremiumCapAbs
	}
	if budgetedDollars > 0 && mid*100 > budgetedDollars {
		return RejectPremiumCapBudget
	}

	return RejectNone
}

// SizeContracts computes floor(allocated_dollars / (premium*multiplier)).
func SizeContracts(allocatedDollars, premium, multiplier float64) int {
	if premium <= 0 || multiplier <= 0 {
		return 0
	}
	return int(math.Floor(allocatedDollars / (premium * multiplier)))
}

// Ledger tracks budget usage and active hedge positions across the ladder
// and the sovereign overlay, which share one annual budget.
type Ledger struct {
	Budget    types.HedgeBudget
	Positions map[string]types.HedgePosition // keyed by HedgeID
}

// NewLedger starts a ledger at the given year-start NAV.
func NewLedger(annualPct, navAtYearStart float64) *Ledger {
	return &Ledger{
		Budget:    types.HedgeBudget{AnnualPct: annualPct, NAVAtYearStart: navAtYearStart},
		Positions: map[string]types.HedgePosition{},
	}
}

// TargetDollars returns the dollar target for a hedge type given its
// configured fractional allocation of the total annual budget.
func (l *Ledger) TargetDollars(hedgeType types.HedgeType, cfg config.HedgeConfig) float64 {
	frac := cfg.TargetAllocations[string(hedgeType)]
	return l.Budget.Total() * frac
}

// CurrentDollars sums the premium paid for active positions of a type.
func (l *Ledger) CurrentDollars(hedgeType types.HedgeType) float64 {
	var total float64
	for _, p := range l.Positions {
		if p.Active && p.Type == hedgeType {
			total += p.PremiumPaid
		}
	}
	return total
}

// EntryCandidate is one hedge-type's sizing decision for the entry flow.
type EntryCandidate struct {
	Type             types.HedgeType
	TargetDollars    float64
	CurrentDollars   float64
	UnderAllocated   bool
	RemainingBudget  float64
	BudgetOK         bool
	AllocatedDollars float64
}

// PlanEntries computes, for every configured hedge type, whether it is
// under its target allocation and still within the remaining annual
// budget, and how many dollars it should be allocated this pass.
func (l *Ledger) PlanEntries(cfg config.HedgeConfig) []EntryCandidate {
	remaining := l.Budget.Remaining()
	var out []EntryCandidate
	for typeStr := range cfg.TargetAllocations {
		ht := types.HedgeType(typeStr)
		target := l.TargetDollars(ht, cfg)
		current := l.CurrentDollars(ht)
		under := current < target
		budgetOK := remaining > 0

		allocated := 0.0
		if under && budgetOK {
			allocated = math.Min(target-current, remaining)
		}

		out = append(out, EntryCandidate{
			Type:            ht,
			TargetDollars:   target,
			CurrentDollars:  current,
			UnderAllocated:  under,
			RemainingBudget: remaining,
			BudgetOK:        budgetOK,
			AllocatedDollars: allocated,
		})
	}
	return out
}

// RecordEntry books a newly opened hedge position's premium spend against
// the ledger's used-YTD budget.
func (l *Ledger) RecordEntry(pos types.HedgePosition) {
	l.Positions[pos.HedgeID] = pos
	l.Budget.UsedYTD += pos.PremiumPaid
}

// RecordClose books a closed position's realized P&L and deactivates it.
func (l *Ledger) RecordClose(hedgeID string, realizedPnL float64) error {
	pos, ok := l.Positions[hedgeID]
	if !ok {
		return fmt.Errorf("hedge position %s not found", hedgeID)
	}
	pos.Active = false
	l.Positions[hedgeID] = pos
	l.Budget.RealizedYTD += realizedPnL
	return nil
}
