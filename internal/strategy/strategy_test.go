package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macro-sleeve-engine/pkg/types"
)

func TestGenerateOrdersSkipsBelowMinShares(t *testing.T) {
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: 100.3}}
	current := map[string]types.Position{"A": {InstrumentID: "A", Quantity: 100}}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 0}

	orders := GenerateOrders(targets, current, nil, cfg, GrossLeverageConfig{})
	assert.Empty(t, orders)
}

func TestGenerateOrdersSkipsBelowMinNotional(t *testing.T) {
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: 105}}
	current := map[string]types.Position{"A": {InstrumentID: "A", Quantity: 100}}
	prices := map[string]float64{"A": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 1000}

	orders := GenerateOrders(targets, current, prices, cfg, GrossLeverageConfig{})
	assert.Empty(t, orders)
}

func TestGenerateOrdersEmitsBuyAndSell(t *testing.T) {
	targets := []TargetPosition{
		{InstrumentID: "A", TargetQty: 200, Sleeve: "core"},
		{InstrumentID: "B", TargetQty: -50, Sleeve: "core"},
	}
	current := map[string]types.Position{
		"A": {InstrumentID: "A", Quantity: 100},
		"B": {InstrumentID: "B", Quantity: 0},
	}
	prices := map[string]float64{"A": 10, "B": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 10}

	orders := GenerateOrders(targets, current, prices, cfg, GrossLeverageConfig{})
	byID := map[string]types.OrderIntent{}
	for _, o := range orders {
		byID[o.InstrumentID] = o
	}

	assert.Equal(t, types.Buy, byID["A"].Side)
	assert.InDelta(t, 100, byID["A"].Quantity, 1e-9)
	assert.Equal(t, types.Sell, byID["B"].Side)
	assert.InDelta(t, 50, byID["B"].Quantity, 1e-9)
}

func TestGenerateOrdersScalesDownBuyThatBreachesGrossLeverage(t *testing.T) {
	// NAV 10,000 at 2x cap allows 20,000 gross notional. Book is flat, so a
	// buy targeting 2500 shares @ 10 (25,000 notional) breaches the cap and
	// must scale down to the largest integer share count that fits: 2000.
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: 2500, Sleeve: "core"}}
	current := map[string]types.Position{}
	prices := map[string]float64{"A": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 0}
	lev := GrossLeverageConfig{MaxGrossLeverage: 2, NAV: 10_000}

	orders := GenerateOrders(targets, current, prices, cfg, lev)
	require.Len(t, orders, 1)
	assert.Equal(t, types.Buy, orders[0].Side)
	assert.InDelta(t, 2000, orders[0].Quantity, 1e-9)
}

func TestGenerateOrdersDropsBuyThatCannotFitEvenOneShare(t *testing.T) {
	// Book is already at the cap; any further buy breaches it immediately.
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: 2100, Sleeve: "core"}}
	current := map[string]types.Position{"A": {InstrumentID: "A", Quantity: 2000}}
	prices := map[string]float64{"A": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 0}
	lev := GrossLeverageConfig{MaxGrossLeverage: 2, NAV: 10_000}

	orders := GenerateOrders(targets, current, prices, cfg, lev)
	assert.Empty(t, orders)
}

func TestGenerateOrdersNeverConstrainsSells(t *testing.T) {
	// A sell that flips a long into a much larger short still isn't
	// constrained, even though its post-trade gross notional is huge.
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: -5000, Sleeve: "core"}}
	current := map[string]types.Position{"A": {InstrumentID: "A", Quantity: 2000}}
	prices := map[string]float64{"A": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 0}
	lev := GrossLeverageConfig{MaxGrossLeverage: 2, NAV: 10_000}

	orders := GenerateOrders(targets, current, prices, cfg, lev)
	require.Len(t, orders, 1)
	assert.Equal(t, types.Sell, orders[0].Side)
	assert.InDelta(t, 7000, orders[0].Quantity, 1e-9)
}

func TestGenerateOrdersAllowsBuyDuringEmergencyDeriskIfBreachShrinks(t *testing.T) {
	// Book is short 3000 shares of A (gross 30,000 against a 20,000 cap:
	// leverage 3.0). A buy that covers 500 shares brings it to short 2500
	// (gross 25,000, leverage 2.5) — still over the 2x cap, but the breach
	// shrank (3.0 -> 2.5), so emergency de-risking lets the full covering
	// buy through uncapped instead of dropping it for being unable to
	// reach full compliance in one trade.
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: -2500, Sleeve: "core"}}
	current := map[string]types.Position{
		"A": {InstrumentID: "A", Quantity: -3000},
	}
	prices := map[string]float64{"A": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 0}
	lev := GrossLeverageConfig{MaxGrossLeverage: 2, NAV: 10_000, EmergencyDerisk: true}

	orders := GenerateOrders(targets, current, prices, cfg, lev)
	require.Len(t, orders, 1)
	assert.Equal(t, types.Buy, orders[0].Side)
	assert.InDelta(t, 500, orders[0].Quantity, 1e-9)
}

func TestGenerateOrdersDropsCoveringBuyWithoutEmergencyDeriskWhenStillBreaching(t *testing.T) {
	// Same book and trade as above, but without emergency de-risking
	// active: a buy that can't reach full compliance is dropped outright
	// rather than partially accepted, since every smaller covering buy is
	// strictly worse (abs notional only shrinks as the cover grows).
	targets := []TargetPosition{{InstrumentID: "A", TargetQty: -2500, Sleeve: "core"}}
	current := map[string]types.Position{
		"A": {InstrumentID: "A", Quantity: -3000},
	}
	prices := map[string]float64{"A": 10}
	cfg := DiffConfig{MinShares: 1, MinNotionalUSD: 0}
	lev := GrossLeverageConfig{MaxGrossLeverage: 2, NAV: 10_000}

	orders := GenerateOrders(targets, current, prices, cfg, lev)
	assert.Empty(t, orders)
}

func TestCoreIndexRVTargetsSplitsHalfAndHalf(t *testing.T) {
	us := types.Instrument{ID: "SPY"}
	eu := types.Instrument{ID: "SX5E"}
	fx := types.Instrument{ID: "6E", Multiplier: 125000}

	targets := CoreIndexRVTargets(1_000_000, us, eu, 100, 50, fx, 1.1)

	var usT, euT, fxT *TargetPosition
	for i := range targets {
		switch targets[i].InstrumentID {
		case "SPY":
			usT = &targets[i]
		case "SX5E":
			euT = &targets[i]
		case "6E":
			fxT = &targets[i]
		}
	}

	assert.InDelta(t, 5000, usT.TargetQty, 1e-6) // 500000/100
	assert.InDelta(t, -10000, euT.TargetQty, 1e-6) // -500000/50
	assert.NotNil(t, fxT)
	assert.Less(t, fxT.TargetQty, 0.0) // FX leg offsets the short EU notional
}

func TestSectorRVTargetsEqualWeightsWithinSide(t *testing.T) {
	longs := []types.Instrument{{ID: "XLK"}, {ID: "XLF"}}
	shorts := []types.Instrument{{ID: "XLE"}}
	prices := map[string]float64{"XLK": 100, "XLF": 50, "XLE": 80}

	targets := SectorRVTargets(400_000, longs, shorts, prices)

	byID := map[string]float64{}
	for _, tp := range targets {
		byID[tp.InstrumentID] = tp.TargetQty
	}
	assert.InDelta(t, 1000, byID["XLK"], 1e-6)  // 100000/100
	assert.InDelta(t, 2000, byID["XLF"], 1e-6)  // 100000/50
	assert.InDelta(t, -2500, byID["XLE"], 1e-6) // -200000/80
}

func TestSingleNameTargetsTakesTopNByRank(t *testing.T) {
	longCandidates := []ScreenedName{
		{InstrumentID: "A", Score: 0.9},
		{InstrumentID: "B", Score: 0.8},
		{InstrumentID: "C", Score: 0.1},
	}
	prices := map[string]float64{"A": 10, "B": 10, "C": 10}

	targets := SingleNameTargets(200_000, longCandidates, nil, 2, prices)
	ids := map[string]bool{}
	for _, tp := range targets {
		ids[tp.InstrumentID] = true
	}
	assert.True(t, ids["A"])
	assert.True(t, ids["B"])
	assert.False(t, ids["C"])
}

func TestCreditCarryTargetsSplitsLongAndShortFraction(t *testing.T) {
	usLongs := map[types.Instrument]float64{
		{ID: "LQD"}: 1.0,
	}
	euShort := types.Instrument{ID: "IEAC"}
	prices := map[string]float64{"LQD": 100, "IEAC": 100}

	targets := CreditCarryTargets(1_000_000, usLongs, euShort, 0.25, prices)

	byID := map[string]float64{}
	for _, tp := range targets {
		byID[tp.InstrumentID] = tp.TargetQty
	}
	assert.InDelta(t, 7500, byID["LQD"], 1e-6)  // 750000/100
	assert.InDelta(t, -2500, byID["IEAC"], 1e-6) // -250000/100
}
