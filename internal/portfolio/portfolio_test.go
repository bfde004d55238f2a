package portfolio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macro-sleeve-engine/internal/fxsvc"
	"macro-sleeve-engine/pkg/types"
)

var usdBund = types.Instrument{ID: "FGBL", AssetClass: types.AssetFut, Currency: "EUR", Multiplier: 1000}

func TestApplyFillOpensAndAddsToPosition(t *testing.T) {
	p := New("USD")
	p.ApplyFill(usdBund, 2, 130.0, "core_index_rv")
	p.ApplyFill(usdBund, 3, 132.0, "core_index_rv")

	pos := p.Positions()["FGBL"]
	require.Equal(t, 5.0, pos.Quantity)
	assert.InDelta(t, (2*130.0+3*132.0)/5, pos.AvgCost, 1e-9)
}

func TestApplyFillReducesAndRealizes(t *testing.T) {
	p := New("USD")
	p.ApplyFill(usdBund, 10, 100.0, "core_index_rv")
	p.ApplyFill(usdBund, -4, 105.0, "core_index_rv")

	pos := p.Positions()["FGBL"]
	assert.Equal(t, 6.0, pos.Quantity)
	assert.InDelta(t, 100.0, pos.AvgCost, 1e-9) // cost basis of remaining shares unchanged
	assert.InDelta(t, 4*(105.0-100.0)*1000, p.RealizedPnL(), 1e-6)
}

func TestApplyFillFlipsThroughZero(t *testing.T) {
	p := New("USD")
	p.ApplyFill(usdBund, 5, 100.0, "core_index_rv")
	p.ApplyFill(usdBund, -8, 110.0, "core_index_rv")

	pos := p.Positions()["FGBL"]
	assert.Equal(t, -3.0, pos.Quantity)
	assert.InDelta(t, 110.0, pos.AvgCost, 1e-9) // new short leg's basis is the flip price
}

func TestApplyFillClosingToZeroRemovesPosition(t *testing.T) {
	p := New("USD")
	p.ApplyFill(usdBund, 5, 100.0, "core_index_rv")
	p.ApplyFill(usdBund, -5, 105.0, "core_index_rv")

	_, ok := p.Positions()["FGBL"]
	assert.False(t, ok)
}

func TestNAVConvertsNonBaseCurrency(t *testing.T) {
	fx := fxsvc.New("USD", time.Minute)
	fx.Refresh(map[string]float64{"EUR/USD": 1.10}, time.Now())

	p := New("USD")
	p.AddCash("USD", decimal.NewFromInt(1_000_000))
	p.ApplyFill(usdBund, 10, 100.0, "core_index_rv")
	p.MarkToMarket(map[string]types.Quote{"FGBL": {InstrumentID: "FGBL", Last: 101.0}})

	nav := p.NAV(fx)
	// the fill debits EUR cash: -10*100*1000 = -1,000,000 EUR -> * 1.10 = -1,100,000 USD
	// mv = 10 * 101 * 1000 EUR = 1,010,000 EUR -> * 1.10 = 1,111,000 USD
	// nav = 1,000,000 USD cash - 1,100,000 + 1,111,000 = 1,011,000
	assert.InDelta(t, 1_011_000, nav, 1e-6)
}

func TestNetFXExposureOmitsBaseCurrency(t *testing.T) {
	p := New("USD")
	p.AddCash("USD", decimal.NewFromInt(500_000))
	p.AddCash("EUR", decimal.NewFromInt(20_000))
	p.ApplyFill(usdBund, 10, 100.0, "core_index_rv")
	p.MarkToMarket(map[string]types.Quote{"FGBL": {InstrumentID: "FGBL", Last: 100.0}})

	exposure := p.NetFXExposure()
	_, hasUSD := exposure["USD"]
	assert.False(t, hasUSD)
	// EUR cash 20,000 less the 1,000,000 fill debit, plus 1,000,000 position mv
	assert.InDelta(t, 20_000-1_000_000+1_000_000, exposure["EUR"], 1e-6)
}

func TestRecordNAVAccumulatesReturns(t *testing.T) {
	p := New("USD")
	t0 := time.Now()
	p.RecordNAV(t0, 1_000_000)
	p.RecordNAV(t0.Add(24*time.Hour), 1_010_000)

	returns := p.ReturnHistory()
	require.Len(t, returns, 1)
	assert.InDelta(t, 0.01, returns[0].Return, 1e-9)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	p := New("USD")
	p.AddCash("USD", decimal.NewFromInt(250_000))
	p.ApplyFill(usdBund, 4, 120.0, "core_index_rv")
	p.SetSleeveAllocation(types.SleeveAllocation{Sleeve: "core_index_rv", TargetWeight: 0.3, CurrentWeight: 0.28})
	require.NoError(t, p.Save(path))

	loaded, err := Load(path, "USD")
	require.NoError(t, err)
	assert.Equal(t, p.Cash("USD").String(), loaded.Cash("USD").String())
	assert.Equal(t, p.Positions()["FGBL"].Quantity, loaded.Positions()["FGBL"].Quantity)
	assert.Equal(t, p.SleeveAllocations()["core_index_rv"], loaded.SleeveAllocations()["core_index_rv"])
}

func TestLoadMissingFileReturnsFreshState(t *testing.T) {
	dir := t.TempDir()
	p, err := Load(filepath.Join(dir, "does-not-exist.json"), "USD")
	require.NoError(t, err)
	assert.Empty(t, p.Positions())

	_, statErr := os.Stat(filepath.Join(dir, "does-not-exist.json"))
	assert.True(t, os.IsNotExist(statErr))
}
