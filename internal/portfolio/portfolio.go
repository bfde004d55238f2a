// Package portfolio owns PortfolioState: the single-writer record of cash,
// positions, NAV history, and sleeve allocations that the daily loop reads
// and mutates. Only the run's main goroutine calls the mutating methods;
// the heartbeat watchdog and metrics exposition only ever read a snapshot.
package portfolio

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"macro-sleeve-engine/internal/fxsvc"
	"macro-sleeve-engine/pkg/types"
)

// NAVPoint is one timestamped NAV observation.
type NAVPoint struct {
	At  time.Time `json:"at"`
	NAV float64   `json:"nav"`
}

// ReturnPoint is one day's realized NAV return.
type ReturnPoint struct {
	At     time.Time `json:"at"`
	Return float64   `json:"return"`
}

// state is the serializable snapshot of PortfolioState.
type state struct {
	CashByCcy          map[string]decimal.Decimal        `json:"cash_by_ccy"`
	Positions          map[string]types.Position         `json:"positions"`
	NAVHistory         []NAVPoint                        `json:"nav_history"`
	ReturnHistory      []ReturnPoint                      `json:"return_history"`
	HedgeBudgetUsedYTD float64                            `json:"hedge_budget_used_ytd"`
	HedgeRealizedYTD   float64                            `json:"hedge_realized_ytd"`
	RealizedPnLTotal   float64                            `json:"realized_pnl_total"`
	Sleeves            map[string]types.SleeveAllocation `json:"sleeves"`
	LastUpdated        time.Time                          `json:"last_updated"`
}

// PortfolioState is the single-writer record of the book: cash by currency,
// every open position keyed by instrument id, NAV/return history, and
// per-sleeve allocation bookkeeping. Mutating methods assume exclusive
// ownership by the daily loop; the read methods take a read lock and
// return copies, so they are safe for concurrent readers.
type PortfolioState struct {
	mu        sync.RWMutex
	baseCcy   string
	st        state
}

// New creates an empty PortfolioState with the given base currency.
func New(baseCurrency string) *PortfolioState {
	return &PortfolioState{
		baseCcy: baseCurrency,
		st: state{
			CashByCcy: map[string]decimal.Decimal{baseCurrency: decimal.Zero},
			Positions: map[string]types.Position{},
			Sleeves:   map[string]types.SleeveAllocation{},
		},
	}
}

// AddCash adjusts the cash balance for a currency by delta (positive credit,
// negative debit). Uses decimal arithmetic so repeated fills never drift
// from floating-point rounding.
func (p *PortfolioState) AddCash(ccy string, delta decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.CashByCcy[ccy] = p.st.CashByCcy[ccy].Add(delta)
	p.st.LastUpdated = time.Now()
}

// Cash returns the current cash balance for a currency.
func (p *PortfolioState) Cash(ccy string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.CashByCcy[ccy]
}

// ApplyFill updates the position for instrument from a fill of signedQty
// (positive for buys, negative for sells) at price, and debits/credits cash
// in the instrument's currency. Realizes P&L on the portion that reduces an
// existing position.
func (p *PortfolioState) ApplyFill(inst types.Instrument, signedQty, price float64, sleeve string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.st.Positions[inst.ID]
	if !ok {
		pos = types.Position{
			InstrumentID: inst.ID,
			Multiplier:   inst.Multiplier,
			Currency:     inst.Currency,
			Sleeve:       sleeve,
		}
	}

	sameSign := pos.Quantity == 0 || (pos.Quantity > 0) == (signedQty > 0)
	newQty := pos.Quantity + signedQty

	if sameSign {
		totalCost := pos.AvgCost*pos.Quantity + price*signedQty
		if newQty != 0 {
			pos.AvgCost = totalCost / newQty
		} else {
			pos.AvgCost = 0
		}
	} else {
		// Reducing or flipping through zero: realize P&L on the closed
		// portion against the existing cost basis.
		closing := math.Min(math.Abs(signedQty), math.Abs(pos.Quantity))
		longSign := 1.0
		if pos.Quantity < 0 {
			longSign = -1.0
		}
		realized := longSign * closing * (price - pos.AvgCost) * pos.Multiplier
		p.st.RealizedPnLTotal += realized

		switch {
		case newQty == 0:
			pos.AvgCost = 0
		case (newQty > 0) != (pos.Quantity > 0):
			// Flipped sides: the new side's cost basis starts at this fill's price.
			pos.AvgCost = price
		}
	}
	pos.Quantity = newQty

	// Cash always moves by the full notional of the fill; realized P&L
	// above only tracks cost-basis bookkeeping, it is not a separate
	// cash flow.
	cashDelta := decimal.NewFromFloat(-signedQty * price * inst.Multiplier)
	p.st.CashByCcy[inst.Currency] = p.st.CashByCcy[inst.Currency].Add(cashDelta)

	if pos.Quantity == 0 {
		delete(p.st.Positions, inst.ID)
	} else {
		p.st.Positions[inst.ID] = pos
	}
	p.st.LastUpdated = time.Now()
}

// Reconcile overwrites the cached position for an instrument with the
// broker's authoritative view. Used when broker positions disagree with
// the locally tracked book.
func (p *PortfolioState) Reconcile(pos types.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.IsFlat() {
		delete(p.st.Positions, pos.InstrumentID)
	} else {
		p.st.Positions[pos.InstrumentID] = pos
	}
	p.st.LastUpdated = time.Now()
}

// MarkToMarket updates LastMark for every position present in quotes.
func (p *PortfolioState) MarkToMarket(quotes map[string]types.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pos := range p.st.Positions {
		q, ok := quotes[id]
		if !ok {
			continue
		}
		ref := q.Reference()
		if ref == 0 {
			continue
		}
		pos.LastMark = ref
		p.st.Positions[id] = pos
	}
}

// Positions returns a copy of all open positions keyed by instrument id.
func (p *PortfolioState) Positions() map[string]types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]types.Position, len(p.st.Positions))
	for k, v := range p.st.Positions {
		out[k] = v
	}
	return out
}

// NAV computes cash_in_base + sum of market values converted to base
// currency via fx. Positions whose currency has no FX rate are skipped
// with their value omitted (the caller should treat that as a data-quality
// condition upstream).
func (p *PortfolioState) NAV(fx *fxsvc.Service) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	nav := 0.0
	for ccy, amt := range p.st.CashByCcy {
		v, _ := amt.Float64()
		if ccy == p.baseCcy {
			nav += v
			continue
		}
		if conv, ok := fx.Convert(v, ccy, p.baseCcy); ok {
			nav += conv
		}
	}
	for _, pos := range p.st.Positions {
		mv := pos.MarketValue()
		if pos.Currency == p.baseCcy {
			nav += mv
			continue
		}
		if conv, ok := fx.Convert(mv, pos.Currency, p.baseCcy); ok {
			nav += conv
		}
	}
	return nav
}

// GrossExposure returns the sum of |market_value| across positions, in
// each position's own currency (no FX conversion).
func (p *PortfolioState) GrossExposure() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var gross float64
	for _, pos := range p.st.Positions {
		gross += math.Abs(pos.MarketValue())
	}
	return gross
}

// NetFXExposure returns, for every non-base currency, the sum of position
// market values plus cash held in that currency. Base currency is omitted.
func (p *PortfolioState) NetFXExposure() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := map[string]float64{}
	for ccy, amt := range p.st.CashByCcy {
		if ccy == p.baseCcy {
			continue
		}
		v, _ := amt.Float64()
		if v != 0 {
			out[ccy] += v
		}
	}
	for _, pos := range p.st.Positions {
		if pos.Currency == p.baseCcy {
			continue
		}
		out[pos.Currency] += pos.MarketValue()
	}
	for ccy, v := range out {
		if v == 0 {
			delete(out, ccy)
		}
	}
	return out
}

// RecordNAV appends a NAV observation and, when the history is non-empty,
// a same-day return relative to the prior point.
func (p *PortfolioState) RecordNAV(at time.Time, nav float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.st.NAVHistory); n > 0 {
		prev := p.st.NAVHistory[n-1].NAV
		if prev != 0 {
			p.st.ReturnHistory = append(p.st.ReturnHistory, ReturnPoint{At: at, Return: nav/prev - 1})
		}
	}
	p.st.NAVHistory = append(p.st.NAVHistory, NAVPoint{At: at, NAV: nav})
}

// NAVHistory returns a copy of the recorded NAV series.
func (p *PortfolioState) NAVHistory() []NAVPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NAVPoint, len(p.st.NAVHistory))
	copy(out, p.st.NAVHistory)
	return out
}

// ReturnHistory returns a copy of the recorded daily return series.
func (p *PortfolioState) ReturnHistory() []ReturnPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ReturnPoint, len(p.st.ReturnHistory))
	copy(out, p.st.ReturnHistory)
	return out
}

// SetSleeveAllocation records the target/current weight and P&L for a sleeve.
func (p *PortfolioState) SetSleeveAllocation(a types.SleeveAllocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.Sleeves[a.Sleeve] = a
}

// SleeveAllocations returns a copy of all tracked sleeve allocations.
func (p *PortfolioState) SleeveAllocations() map[string]types.SleeveAllocation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]types.SleeveAllocation, len(p.st.Sleeves))
	for k, v := range p.st.Sleeves {
		out[k] = v
	}
	return out
}

// RealizedPnL returns the cumulative realized P&L across all instruments
// since inception.
func (p *PortfolioState) RealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.RealizedPnLTotal
}

// HedgeBudgetUsage returns used and realized hedge spend year-to-date.
func (p *PortfolioState) HedgeBudgetUsage() (used, realized float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.HedgeBudgetUsedYTD, p.st.HedgeRealizedYTD
}

// RecordHedgeSpend adds to used and realized hedge budget year-to-date.
func (p *PortfolioState) RecordHedgeSpend(usedDelta, realizedDelta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.HedgeBudgetUsedYTD += usedDelta
	p.st.HedgeRealizedYTD += realizedDelta
}

// Save atomically persists PortfolioState as JSON: write to a temp file in
// the same directory, then rename over the target so a crash never leaves
// a partially written state file.
func (p *PortfolioState) Save(path string) error {
	p.mu.RLock()
	data, err := json.MarshalIndent(p.st, "", "  ")
	p.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write portfolio state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores PortfolioState from a JSON file previously written by Save.
// Returns a fresh empty state if the file does not exist.
func Load(path, baseCurrency string) (*PortfolioState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(baseCurrency), nil
		}
		return nil, fmt.Errorf("read portfolio state: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio state: %w", err)
	}
	if st.CashByCcy == nil {
		st.CashByCcy = map[string]decimal.Decimal{}
	}
	if st.Positions == nil {
		st.Positions = map[string]types.Position{}
	}
	if st.Sleeves == nil {
		st.Sleeves = map[string]types.SleeveAllocation{}
	}
	return &PortfolioState{baseCcy: baseCurrency, st: st}, nil
}
