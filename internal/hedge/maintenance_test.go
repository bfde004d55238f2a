package hedge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

func TestEvaluateRollsFlagsExpiringPositions(t *testing.T) {
	l := NewLedger(0.004, 10_000_000)
	now := time.Now()
	l.Positions["h1"] = types.HedgePosition{HedgeID: "h1", Active: true, Expiry: now.Add(10 * 24 * time.Hour)}
	l.Positions["h2"] = types.HedgePosition{HedgeID: "h2", Active: true, Expiry: now.Add(60 * 24 * time.Hour)}

	rolls := l.EvaluateRolls(config.HedgeConfig{RollAtDTE: 21}, now)
	require.Len(t, rolls, 1)
	assert.Equal(t, "h1", rolls[0].HedgeID)
}

func TestRollClosesOldBooksNew(t *testing.T) {
	l := NewLedger(0.004, 10_000_000)
	l.RecordEntry(types.HedgePosition{HedgeID: "old", PremiumPaid: 1000, Active: true})

	newPos := types.HedgePosition{HedgeID: "new", PremiumPaid: 900, Active: true}
	err := l.Roll("old", newPos, 1200, time.Now())
	require.NoError(t, err)

	assert.False(t, l.Positions["old"].Active)
	assert.InDelta(t, 200, l.Budget.RealizedYTD, 0.01) // 1200 close value - 1000 premium paid
	assert.InDelta(t, 1900, l.Budget.UsedYTD, 0.01)     // 1000 + 900
	assert.True(t, l.Positions["new"].Active)
}

func TestEvaluateMonetizationNoTriggerBelowThreshold(t *testing.T) {
	l := NewLedger(0.004, 10_000_000)
	plan := l.EvaluateMonetization(config.HedgeConfig{PnLSpikeThreshold: 100_000}, 50_000, nil)
	assert.False(t, plan.Triggered)
}

func TestEvaluateMonetizationSelectsITMPositions(t *testing.T) {
	l := NewLedger(0.004, 10_000_000)
	l.Positions["put1"] = types.HedgePosition{
		HedgeID: "put1", Type: types.HedgeEUEquityPut, Active: true,
		Strike: 100, Contracts: 10, InstrumentID: "EWQ_P100", PremiumPaid: 5000,
	}
	l.Positions["put2"] = types.HedgePosition{
		HedgeID: "put2", Type: types.HedgeEUEquityPut, Active: true,
		Strike: 50, Contracts: 10, InstrumentID: "EWQ_P50", PremiumPaid: 2000,
	}
	marks := map[string]float64{"EWQ_P100": 90, "EWQ_P50": 90} // put1 ITM (strike>mark), put2 OTM

	plan := l.EvaluateMonetization(config.HedgeConfig{PnLSpikeThreshold: 100_000, CrisisRedeployFrac: 0.6}, 150_000, marks)
	require.True(t, plan.Triggered)
	require.Len(t, plan.Positions, 1)
	assert.Equal(t, "put1", plan.Positions[0].HedgeID)
	assert.InDelta(t, 0.6, plan.FractionSold, 0.0001)
}

func TestApplyMonetizationReducesPositionAndBooksGain(t *testing.T) {
	l := NewLedger(0.004, 10_000_000)
	l.Positions["put1"] = types.HedgePosition{
		HedgeID: "put1", Type: types.HedgeEUEquityPut, Active: true,
		Strike: 100, Contracts: 10, InstrumentID: "EWQ_P100", PremiumPaid: 5000,
	}
	plan := MonetizationPlan{
		Triggered:    true,
		FractionSold: 0.6,
		Positions:    []types.HedgePosition{l.Positions["put1"]},
	}
	l.ApplyMonetization(plan, map[string]float64{"EWQ_P100": 12})

	pos := l.Positions["put1"]
	assert.InDelta(t, 4, pos.Contracts, 0.001) // 10 * (1-0.6)
	assert.True(t, l.Budget.RealizedYTD > 0)
}
