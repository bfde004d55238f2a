// Package ports defines the external interfaces the engine depends on:
// the broker, live and research market-data feeds, notifications, and
// health reporting. No concrete adapter lives here except the paper
// adapter in the ports/paper subpackage, which exists so the engine and
// its tests can drive a full loop without a vendor SDK.
package ports

import (
	"context"
	"time"

	"macro-sleeve-engine/internal/execution"
	"macro-sleeve-engine/pkg/types"
)

// AccountSummary is NAV, cash by currency, buying power, and maintenance
// margin as reported by the broker. No broker-specific types leak through
// this port.
type AccountSummary struct {
	NAV               float64
	CashByCurrency    map[string]float64
	BuyingPower       float64
	MaintenanceMargin float64
}

// Execution is a single realized fill as reported by the broker, used to
// reconcile local ticket state against the broker's own record.
type Execution struct {
	TicketID     string
	InstrumentID string
	Side         types.Side
	Quantity     float64
	Price        float64
	Commission   float64
	Timestamp    time.Time
}

// BrokerPort is everything the execution stack needs from a broker
// connection: the order-lifecycle primitives execution.Broker already
// declares, plus account-level queries.
type BrokerPort interface {
	execution.Broker
	Positions(ctx context.Context) ([]types.Position, error)
	AccountSummary(ctx context.Context) (AccountSummary, error)
	Executions(ctx context.Context, since time.Time) ([]Execution, error)
}

// LiveMarketDataPort serves quotes for the daily loop. A quality
// rejection returns a zero Quote with ok=false — never a stale fallback —
// so callers can tell "no data" from "zero-value data".
type LiveMarketDataPort interface {
	Snapshot(ctx context.Context, instrumentID string, requireQuotes bool) (types.Quote, bool, error)
	Batch(ctx context.Context, instrumentIDs []string) (map[string]types.Quote, error)
}

// ResearchMarketDataPort is only used by the backtester; it may read a
// vendor research feed and must never be instantiated by the daily loop.
type ResearchMarketDataPort interface {
	History(ctx context.Context, instrumentID string, from, to time.Time) ([]types.Quote, error)
}

// Notifier sends opaque alerts (e.g. kill-switch trips, hedge budget
// exhaustion) to an external channel. Tokens/targets are configuration,
// not part of this interface.
type Notifier interface {
	Notify(ctx context.Context, level string, message string) error
}

// HealthServer exposes the engine's liveness/readiness for external
// monitoring.
type HealthServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetHealthy(healthy bool)
}
