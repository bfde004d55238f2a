package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"macro-sleeve-engine/internal/errs"
	"macro-sleeve-engine/pkg/types"
)

// BrokerStatus is the broker port's answer to a status query: a single
// poll-able snapshot of an order's fill progress.
type BrokerStatus struct {
	State          types.OrderState
	FilledQty      float64
	RemainingQty   float64
	AvgFillPrice   float64
	LastFillPrice  float64
	LastFillQty    float64
	Commission     float64
	Error          string
}

// Broker is the subset of the broker port the order manager drives.
type Broker interface {
	Submit(ctx context.Context, inst types.Instrument, intent types.OrderIntent, plan types.OrderPlan) (brokerID string, err error)
	Modify(ctx context.Context, brokerID string, newLimit float64) (ok bool, newBrokerID string, err error)
	Cancel(ctx context.Context, brokerID string) error
	Status(ctx context.Context, brokerID string) (BrokerStatus, error)
}

// legalTransitions is the order state machine's transition table:
// NEW->{SUBMITTED,REJECTED},
// SUBMITTED->{PARTIAL,FILLED,CANCELLED,REJECTED,EXPIRED},
// SUBMITTED<->PENDING_REPLACE, SUBMITTED->PENDING_CANCEL->CANCELLED,
// PARTIAL->{FILLED,CANCELLED,PENDING_REPLACE,EXPIRED}.
var legalTransitions = map[types.OrderState]map[types.OrderState]bool{
	types.StateNew: {
		types.StateSubmitted: true,
		types.StateRejected:  true,
	},
	types.StateSubmitted: {
		types.StatePartial:        true,
		types.StateFilled:         true,
		types.StateCancelled:      true,
		types.StateRejected:       true,
		types.StateExpired:        true,
		types.StatePendingReplace: true,
		types.StatePendingCancel:  true,
	},
	types.StatePendingReplace: {
		types.StateSubmitted: true,
	},
	types.StatePendingCancel: {
		types.StateCancelled: true,
	},
	types.StatePartial: {
		types.StateFilled:         true,
		types.StateCancelled:      true,
		types.StatePendingReplace: true,
		types.StateExpired:        true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal order
// state transition.
func CanTransition(from, to types.OrderState) bool {
	if from == to {
		return true
	}
	return legalTransitions[from][to]
}

// FillCallback is invoked whenever a poll observes FilledQty increase.
type FillCallback func(ticket *types.OrderTicket, fillQty, fillPrice float64)

// OrderManager drives the broker-side state machine for a set of live
// tickets: submit, poll, replace-on-stall, TTL-expire, and fold fills.
type OrderManager struct {
	broker   Broker
	policy   *Policy
	logger   *slog.Logger
	tickets  map[string]*types.OrderTicket
	onFill   FillCallback
}

// NewOrderManager builds an order manager.
func NewOrderManager(broker Broker, policy *Policy, logger *slog.Logger, onFill FillCallback) *OrderManager {
	return &OrderManager{
		broker:  broker,
		policy:  policy,
		logger:  logger.With("component", "execution.ordermanager"),
		tickets: make(map[string]*types.OrderTicket),
		onFill:  onFill,
	}
}

// Submit places a new ticket with the broker and tracks it.
func (m *OrderManager) Submit(ctx context.Context, id string, inst types.Instrument, intent types.OrderIntent, plan types.OrderPlan, arrivalRef, arrivalMid float64) (*types.OrderTicket, error) {
	ticket := &types.OrderTicket{
		ID:           id,
		Intent:       intent,
		Plan:         plan,
		Status:       types.StateNew,
		RemainingQty: intent.Quantity,
		ArrivalRef:   arrivalRef,
		ArrivalMid:   arrivalMid,
		SubmittedAt:  time.Now(),
		LastUpdated:  time.Now(),
	}

	brokerID, err := m.broker.Submit(ctx, inst, intent, plan)
	if err != nil {
		ticket.Status = types.StateRejected
		ticket.Errors = append(ticket.Errors, err.Error())
		return ticket, errs.Wrap(errs.OrderRejection, "execution.ordermanager", "submit failed", err)
	}
	ticket.BrokerID = brokerID
	ticket.Status = types.StateSubmitted
	m.tickets[id] = ticket
	return ticket, nil
}

// PollOne queries the broker for one ticket's status, folds it into the
// ticket, fires the fill callback on quantity increase, and applies TTL /
// replace actions. inst is needed to re-price a replace.
func (m *OrderManager) PollOne(ctx context.Context, id string, inst types.Instrument, now time.Time) error {
	ticket, ok := m.tickets[id]
	if !ok {
		return fmt.Errorf("ordermanager: unknown ticket %q", id)
	}
	if ticket.Status.Terminal() {
		return nil
	}

	status, err := m.broker.Status(ctx, ticket.BrokerID)
	if err != nil {
		return errs.Wrap(errs.Connectivity, "execution.ordermanager", "status query failed", err)
	}

	prevFilled := ticket.FilledQty
	if CanTransition(ticket.Status, status.State) {
		ticket.Status = status.State
	}
	ticket.FilledQty = status.FilledQty
	ticket.RemainingQty = status.RemainingQty
	ticket.AvgFillPrice = status.AvgFillPrice
	ticket.LastUpdated = now
	if status.Error != "" {
		ticket.Errors = append(ticket.Errors, status.Error)
	}

	if status.FilledQty > prevFilled && m.onFill != nil {
		m.onFill(ticket, status.LastFillQty, status.LastFillPrice)
	}

	if ticket.Status.Terminal() {
		return nil
	}

	elapsed := now.Sub(ticket.SubmittedAt)
	if ticket.Plan.TTLSeconds > 0 && elapsed >= time.Duration(ticket.Plan.TTLSeconds)*time.Second {
		if err := m.broker.Cancel(ctx, ticket.BrokerID); err != nil {
			return errs.Wrap(errs.Connectivity, "execution.ordermanager", "TTL cancel failed", err)
		}
		ticket.Status = types.StatePendingCancel
		return nil
	}

	if ticket.Plan.ReplaceInterval > 0 && elapsed >= ticket.Plan.ReplaceInterval && ticket.ReplaceCount < ticket.Plan.MaxReplaces {
		newLimit := m.policy.ReplacePrice(ticket.Intent.Side, ticket.Plan.LimitPrice, ticket.Plan.Ceiling, ticket.Plan.Floor, inst.TickSize, ticket.ReplaceCount+1)
		ok, newBrokerID, err := m.broker.Modify(ctx, ticket.BrokerID, newLimit)
		if err != nil {
			return errs.Wrap(errs.Connectivity, "execution.ordermanager", "replace failed", err)
		}
		if ok {
			if newBrokerID != "" {
				ticket.BrokerID = newBrokerID
			}
			ticket.Plan.LimitPrice = newLimit
			ticket.ReplaceCount++
			ticket.LastReplaceAt = now
			ticket.Status = types.StateSubmitted
		}
	}

	return nil
}

// Ticket returns the tracked ticket by ID, if any.
func (m *OrderManager) Ticket(id string) (*types.OrderTicket, bool) {
	t, ok := m.tickets[id]
	return t, ok
}

// Active returns all tickets not yet in a terminal state.
func (m *OrderManager) Active() []*types.OrderTicket {
	var out []*types.OrderTicket
	for _, t := range m.tickets {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out
}
