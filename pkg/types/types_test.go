package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuoteMidAndReference(t *testing.T) {
	q := Quote{Bid: 99.98, Ask: 100.02, Last: 100.00, Close: 99.50}
	assert.Equal(t, 100.0, q.Mid())
	assert.InDelta(t, 0.04, q.Spread(), 1e-9)
	assert.Equal(t, 100.0, q.Reference())

	noBook := Quote{Last: 55.5, Close: 54.0}
	assert.Equal(t, 0.0, noBook.Mid())
	assert.Equal(t, 55.5, noBook.Reference())

	onlyClose := Quote{Close: 12.3}
	assert.Equal(t, 12.3, onlyClose.Reference())

	zeroSpread := Quote{Bid: 10, Ask: 10}
	assert.Equal(t, 0.0, zeroSpread.Spread())
}

func TestQuoteFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := Quote{Timestamp: now.Add(-3 * time.Second)}
	assert.True(t, q.Fresh(now, 5*time.Second))
	assert.False(t, q.Fresh(now, 2*time.Second))
}

func TestOrderIntentSignedQuantity(t *testing.T) {
	buy := OrderIntent{Side: Buy, Quantity: 10}
	sell := OrderIntent{Side: Sell, Quantity: 10}
	assert.Equal(t, 10.0, buy.SignedQuantity())
	assert.Equal(t, -10.0, sell.SignedQuantity())
}

func TestMaxUrgency(t *testing.T) {
	assert.Equal(t, UrgencyCrisis, MaxUrgency(UrgencyLow, UrgencyCrisis))
	assert.Equal(t, UrgencyHigh, MaxUrgency(UrgencyHigh, UrgencyNormal))
	assert.Equal(t, UrgencyNormal, MaxUrgency(UrgencyNormal, UrgencyNormal))
}

func TestBasketPriorityOrdering(t *testing.T) {
	assert.Less(t, BasketPriority(AssetFut), BasketPriority(AssetFXFut))
	assert.Less(t, BasketPriority(AssetFXFut), BasketPriority(AssetETF))
	assert.Less(t, BasketPriority(AssetETF), BasketPriority(AssetStock))
}

func TestOrderStateTerminal(t *testing.T) {
	assert.True(t, StateFilled.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.True(t, StateExpired.Terminal())
	assert.False(t, StateSubmitted.Terminal())
	assert.False(t, StatePendingReplace.Terminal())
}

func TestPositionDerived(t *testing.T) {
	p := Position{Quantity: 10, AvgCost: 100, LastMark: 105, Multiplier: 1}
	assert.Equal(t, 1050.0, p.MarketValue())
	assert.Equal(t, 50.0, p.UnrealizedPnL())
	assert.False(t, p.IsFlat())

	flat := Position{Quantity: 0}
	assert.True(t, flat.IsFlat())
}

func TestHedgeBudgetRemaining(t *testing.T) {
	b := HedgeBudget{AnnualPct: 0.01, NAVAtYearStart: 10_000_000, UsedYTD: 50_000, RealizedYTD: 20_000}
	assert.Equal(t, 100_000.0, b.Total())
	assert.Equal(t, 60_000.0, b.Remaining())
}

func TestHedgePositionDaysToExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := HedgePosition{Expiry: now.Add(25 * 24 * time.Hour)}
	assert.Equal(t, 25, h.DaysToExpiry(now))

	past := HedgePosition{Expiry: now.Add(-time.Hour)}
	assert.Equal(t, 0, past.DaysToExpiry(now))
}
