// Package paper implements a deterministic, in-memory fake satisfying
// ports.BrokerPort and ports.LiveMarketDataPort. It is not a vendor SDK
// adapter: it exists so the engine and the execution-stack tests can drive
// a full daily loop — submit, fill, reconcile — without a broker connection.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"macro-sleeve-engine/internal/execution"
	"macro-sleeve-engine/internal/ports"
	"macro-sleeve-engine/pkg/types"
)

// Broker is an in-memory broker: every submitted order fills immediately
// at its limit price (or the book mid, for market orders), with an
// optional fixed slippage/commission model layered on top so analytics and
// gating have something realistic to chew on. Submit and the market-data
// batch reads are each paced by their own rate.Limiter, a per-category
// token bucket per request type, so the paper adapter behaves like a real
// venue with request limits even though it never leaves the process.
type Broker struct {
	mu     sync.Mutex
	logger *slog.Logger

	submitLimiter *rate.Limiter
	pollLimiter   *rate.Limiter

	nextID    int
	tickets   map[string]*ticketState
	positions map[string]types.Position
	fills     []ports.Execution

	nav             float64
	cashByCurrency  map[string]float64
	buyingPower     float64
	commissionBps   float64
	slippageBps     float64
	quotes          map[string]types.Quote
}

type ticketState struct {
	inst     types.Instrument
	intent   types.OrderIntent
	plan     types.OrderPlan
	status   execution.BrokerStatus
}

// Config configures the paper broker's accounting assumptions.
type Config struct {
	StartingNAV    float64
	BaseCurrency   string
	CommissionBps  float64
	SlippageBps    float64
	// SubmitPerSecond/PollPerSecond bound submit and quote-poll request
	// rates; zero falls back to a generous default rather than disabling
	// pacing outright, since a real venue never does.
	SubmitPerSecond float64
	PollPerSecond   float64
}

// NewBroker builds a paper broker with an empty book and the given
// starting cash.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "USD"
	}
	submitRate := cfg.SubmitPerSecond
	if submitRate <= 0 {
		submitRate = 20
	}
	pollRate := cfg.PollPerSecond
	if pollRate <= 0 {
		pollRate = 50
	}
	return &Broker{
		logger:         logger.With("component", "ports.paper"),
		submitLimiter:  rate.NewLimiter(rate.Limit(submitRate), int(submitRate)),
		pollLimiter:    rate.NewLimiter(rate.Limit(pollRate), int(pollRate)),
		tickets:        make(map[string]*ticketState),
		positions:      make(map[string]types.Position),
		quotes:         make(map[string]types.Quote),
		nav:            cfg.StartingNAV,
		cashByCurrency: map[string]float64{cfg.BaseCurrency: cfg.StartingNAV},
		buyingPower:    cfg.StartingNAV,
		commissionBps:  cfg.CommissionBps,
		slippageBps:    cfg.SlippageBps,
	}
}

// SetQuote seeds or updates the book the paper broker fills against and
// the price it reports to LiveMarketDataPort callers.
func (b *Broker) SetQuote(q types.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[q.InstrumentID] = q
}

// Submit fills immediately against the seeded quote, applying the
// configured slippage as an adverse offset from the reference price.
func (b *Broker) Submit(ctx context.Context, inst types.Instrument, intent types.OrderIntent, plan types.OrderPlan) (string, error) {
	if err := b.submitLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("paper broker: submit rate limit: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.quotes[inst.ID]
	ref := plan.LimitPrice
	if ref == 0 {
		if ok {
			ref = q.Reference()
		} else {
			ref = intent.PriceHint
		}
	}
	if ref <= 0 {
		return "", fmt.Errorf("paper broker: no reference price for %s", inst.ID)
	}

	fillPrice := applySlippage(ref, intent.Side, b.slippageBps)
	commission := fillPrice * intent.Quantity * inst.Multiplier * (b.commissionBps / 1e4)

	b.nextID++
	brokerID := fmt.Sprintf("paper-%06d", b.nextID)

	b.tickets[brokerID] = &ticketState{
		inst:   inst,
		intent: intent,
		plan:   plan,
		status: execution.BrokerStatus{
			State:         types.StateFilled,
			FilledQty:     intent.Quantity,
			RemainingQty:  0,
			AvgFillPrice:  fillPrice,
			LastFillPrice: fillPrice,
			LastFillQty:   intent.Quantity,
			Commission:    commission,
		},
	}

	b.applyFill(inst, intent, fillPrice, commission, brokerID)
	b.logger.Info("paper fill", "broker_id", brokerID, "instrument", inst.ID, "side", intent.Side, "qty", intent.Quantity, "price", fillPrice)
	return brokerID, nil
}

// applyFill updates position and cash books and records the execution.
// Caller must hold b.mu.
func (b *Broker) applyFill(inst types.Instrument, intent types.OrderIntent, fillPrice, commission float64, brokerID string) {
	signed := intent.SignedQuantity()
	pos := b.positions[inst.ID]
	if pos.InstrumentID == "" {
		pos = types.Position{InstrumentID: inst.ID, Multiplier: inst.Multiplier, Currency: inst.Currency}
	}
	newQty := pos.Quantity + signed
	if newQty != 0 && pos.Quantity != 0 && sameSign(pos.Quantity, signed) {
		pos.AvgCost = (pos.AvgCost*absf(pos.Quantity) + fillPrice*absf(signed)) / absf(newQty)
	} else if pos.Quantity == 0 || !sameSign(pos.Quantity, signed) {
		pos.AvgCost = fillPrice
	}
	pos.Quantity = newQty
	pos.LastMark = fillPrice
	b.positions[inst.ID] = pos

	notional := fillPrice * intent.Quantity * inst.Multiplier
	cashDelta := -notional - commission
	if intent.Side == types.Sell {
		cashDelta = notional - commission
	}
	b.cashByCurrency[inst.Currency] += cashDelta
	b.buyingPower += cashDelta

	b.fills = append(b.fills, ports.Execution{
		TicketID:     brokerID,
		InstrumentID: inst.ID,
		Side:         intent.Side,
		Quantity:     intent.Quantity,
		Price:        fillPrice,
		Commission:   commission,
		Timestamp:    time.Now(),
	})
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func applySlippage(ref float64, side types.Side, bps float64) float64 {
	adj := ref * (bps / 1e4)
	if side == types.Sell {
		return ref - adj
	}
	return ref + adj
}

// Modify is a no-op success: paper fills are instantaneous, so there is
// never a resting order left to reprice.
func (b *Broker) Modify(ctx context.Context, brokerID string, newLimit float64) (bool, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tickets[brokerID]; !ok {
		return false, "", fmt.Errorf("paper broker: unknown ticket %s", brokerID)
	}
	return true, brokerID, nil
}

// Cancel is a no-op: everything is already filled by the time it could be
// canceled.
func (b *Broker) Cancel(ctx context.Context, brokerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tickets[brokerID]; !ok {
		return fmt.Errorf("paper broker: unknown ticket %s", brokerID)
	}
	return nil
}

// Status returns the ticket's terminal fill state.
func (b *Broker) Status(ctx context.Context, brokerID string) (execution.BrokerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[brokerID]
	if !ok {
		return execution.BrokerStatus{}, fmt.Errorf("paper broker: unknown ticket %s", brokerID)
	}
	return t.status, nil
}

// Positions returns a snapshot of every nonzero position.
func (b *Broker) Positions(ctx context.Context) ([]types.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if !p.IsFlat() {
			out = append(out, p)
		}
	}
	return out, nil
}

// AccountSummary reports cash, buying power, and NAV as marked by the
// last fill price seen per instrument.
func (b *Broker) AccountSummary(ctx context.Context) (ports.AccountSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nav := b.nav
	for cur, cash := range b.cashByCurrency {
		if cur != "" {
			nav = cash
			break
		}
	}
	for _, p := range b.positions {
		nav += p.MarketValue()
	}
	cash := make(map[string]float64, len(b.cashByCurrency))
	for k, v := range b.cashByCurrency {
		cash[k] = v
	}
	return ports.AccountSummary{
		NAV:               nav,
		CashByCurrency:    cash,
		BuyingPower:       b.buyingPower,
		MaintenanceMargin: 0,
	}, nil
}

// Executions returns every fill recorded since the given time.
func (b *Broker) Executions(ctx context.Context, since time.Time) ([]ports.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ports.Execution
	for _, e := range b.fills {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Snapshot implements ports.LiveMarketDataPort against the seeded book.
// requireQuotes rejects any quote missing either side rather than
// returning a stale or one-sided price.
func (b *Broker) Snapshot(ctx context.Context, instrumentID string, requireQuotes bool) (types.Quote, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[instrumentID]
	if !ok {
		return types.Quote{}, false, nil
	}
	if requireQuotes && !q.HasBothSides() {
		return types.Quote{}, false, nil
	}
	return q, true, nil
}

// Ping always succeeds: the paper broker has no transport to lose.
func (b *Broker) Ping(ctx context.Context) error {
	return nil
}

// Ready reports broker readiness for the ledger scheduler; the paper
// broker is always ready.
func (b *Broker) Ready(ctx context.Context) (bool, error) {
	return true, nil
}

// Batch fetches a snapshot for each requested instrument, omitting any
// that have no seeded quote. Paced by pollLimiter like a real venue's
// market-data poll endpoint, even though reads here never leave the
// process.
func (b *Broker) Batch(ctx context.Context, instrumentIDs []string) (map[string]types.Quote, error) {
	if err := b.pollLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("paper broker: poll rate limit: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]types.Quote, len(instrumentIDs))
	for _, id := range instrumentIDs {
		if q, ok := b.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}
