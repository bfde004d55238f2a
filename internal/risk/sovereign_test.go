package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

func testSovereignConfig() config.SovereignConfig {
	return config.SovereignConfig{
		Enabled:          true,
		BaseWeights:      map[string]float64{"normal": 0.06, "elevated": 0.12, "crisis": 0.16},
		MaxWeights:       map[string]float64{"normal": 0.10, "elevated": 0.16, "crisis": 0.20},
		BTPSymbol:        "FBTP",
		BundSymbol:       "FGBL",
		DV01BudgetPerNAV: 0.0007,
		DV01PerContract:  map[string]float64{"FGBL": 80.0, "FBTP": 78.0, "FOAT": 79.0},

		FragMultZLow:  0.0,
		FragMultZMid:  1.0,
		FragMultZHigh: 2.0,

		RatesMultLowBps:  10.0,
		RatesMultHighBps: 40.0,

		DeflationBypassZ:     0.5,
		DeflationTier1VIX:    35.0,
		DeflationTier1Bund5d: -30.0,
		DeflationTier2VIX:    45.0,
		DeflationTier2Bund5d: -40.0,
		DeflationTier3VIX:    55.0,
		DeflationTier3Bund5d: -60.0,

		HardKillDailyLossPct:   0.006,
		HardKill10dDrawdownPct: 0.015,
		SoftKillSpreadZ:        -0.5,
		SoftKillBundMom20dBps:  -20.0,
		ReenableDays:           5,

		TakeProfitSpreadZ:           2.5,
		TakeProfitSpreadWideningBps: 120.0,
		ProfitTakePct:               0.50,
		RecycleWaitDays:             3,
	}
}

// E1: deflation hard kill.
func TestSovereignE1DeflationHardKill(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	sig := FragmentationSignal{
		SpreadZ:           0.2,
		VIXLevel:          58,
		BundYieldChange5d: -65,
	}

	result := e.ComputeTargetWeight(sig, types.RegimeCrisis, 10_000_000, 0)

	assert.Equal(t, 0.0, result.TargetWeight)
	assert.Equal(t, 0.0, result.DeflationScaler)

	pos := e.ComputeDV01Position(result.TargetWeight, 10_000_000)
	assert.Equal(t, 0, pos.BTPContracts)
	assert.Equal(t, 0, pos.BundContracts)
}

// E2: normal-regime sizing.
func TestSovereignE2NormalRegimeSizing(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	sig := FragmentationSignal{
		SpreadZ:         0.6,
		VIXLevel:        18,
		BundYieldMom60d: 15,
	}

	result := e.ComputeTargetWeight(sig, types.RegimeNormal, 10_000_000, 0)

	assert.InDelta(t, 0.06, result.BaseWeight, 1e-9)
	assert.Equal(t, 1.0, result.FragMultiplier)
	assert.Equal(t, 1.0, result.RatesMultiplier)
	assert.Equal(t, 1.0, result.DeflationScaler)
	assert.InDelta(t, 0.06, result.TargetWeight, 1e-9)
	assert.Equal(t, 0.10, result.MaxWeight)
}

func TestSovereignTargetWeightCappedAtMaxWeight(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	sig := FragmentationSignal{
		SpreadZ:         3.0, // frag_mult = 1.6
		VIXLevel:        18,
		BundYieldMom60d: 50, // rates_mult = 1.2
	}
	result := e.ComputeTargetWeight(sig, types.RegimeNormal, 10_000_000, 0)
	// 0.06 * 1.6 * 1.2 * 1.0 = 0.1152, capped at max_w=0.10
	assert.Equal(t, result.MaxWeight, result.TargetWeight)
}

func TestSovereignHardKillOnDailyLoss(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	sig := FragmentationSignal{SpreadZ: 0.6, VIXLevel: 18, BundYieldMom60d: 15}

	// Daily loss of 0.7% NAV exceeds the 0.6% hard-kill threshold.
	result := e.ComputeTargetWeight(sig, types.RegimeNormal, 10_000_000, -70_000)

	assert.Equal(t, 0.0, result.TargetWeight)
	assert.Equal(t, SovereignHardKilled, e.State())
}

func TestSovereignSoftKillHalvesTarget(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	base := e.ComputeTargetWeight(FragmentationSignal{SpreadZ: 0.6, VIXLevel: 18, BundYieldMom60d: 15}, types.RegimeNormal, 10_000_000, 0)

	e2 := NewSovereignEngine(testSovereignConfig())
	soft := e2.ComputeTargetWeight(FragmentationSignal{SpreadZ: -0.6, VIXLevel: 18, BundYieldMom60d: 15}, types.RegimeNormal, 10_000_000, 0)

	require.True(t, soft.SoftKill)
	// soft-killed spread_z also changes frag_mult (< z_low -> 0.5), so compare
	// against the halved formula directly rather than against base.TargetWeight.
	expected := base.BaseWeight * 0.5 * base.RatesMultiplier * 0.5
	assert.InDelta(t, expected, soft.TargetWeight, 1e-9)
}

func TestSovereignDV01NeutralConstruction(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	pos := e.ComputeDV01Position(0.08, 10_000_000)

	require.NotZero(t, pos.TargetDV01)
	assert.True(t, pos.IsNeutral(), "net DV01 %.2f should be within 5%% of target %.2f", pos.ActualNetDV01, pos.TargetDV01)
	assert.Less(t, pos.BTPContracts, 0, "BTP leg must be short")
	assert.Greater(t, pos.BundContracts, 0, "Bund leg must be long")
}

// Invariant 8: deflation scaler is monotone non-increasing in VIX at fixed
// bund_5d, and non-increasing as bund_5d becomes more negative at fixed VIX.
func TestSovereignDeflationScalerMonotoneInVIX(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	prev := 1.0
	for _, vix := range []float64{20, 36, 46, 56} {
		sig := FragmentationSignal{SpreadZ: 0.0, VIXLevel: vix, BundYieldChange5d: -65}
		scaler, _ := e.computeDeflationScaler(sig)
		assert.LessOrEqual(t, scaler, prev)
		prev = scaler
	}
}

func TestSovereignDeflationScalerMonotoneInBund5d(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	prev := 1.0
	for _, bund5d := range []float64{0, -31, -41, -61} {
		sig := FragmentationSignal{SpreadZ: 0.0, VIXLevel: 60, BundYieldChange5d: bund5d}
		scaler, _ := e.computeDeflationScaler(sig)
		assert.LessOrEqual(t, scaler, prev)
		prev = scaler
	}
}

func TestSovereignFragmentationBypassKeepsFullScalerRegardlessOfDeflation(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	sig := FragmentationSignal{SpreadZ: 0.6, VIXLevel: 60, BundYieldChange5d: -70}
	scaler, reason := e.computeDeflationScaler(sig)
	assert.Equal(t, 1.0, scaler)
	assert.Contains(t, reason, "frag_bypass")
}

func TestSovereignTakeProfitOnSpreadZThreshold(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	sig := FragmentationSignal{SpreadZ: 2.6}
	should, pct, reason := e.CheckTakeProfit(sig, time.Now())
	assert.True(t, should)
	assert.Equal(t, 0.50, pct)
	assert.Contains(t, reason, "z-score")
}

func TestSovereignTakeProfitRespectsRecycleWait(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	today := time.Now()
	e.RecordProfitTake(today)

	should, _, reason := e.CheckTakeProfit(FragmentationSignal{SpreadZ: 3.0}, today.Add(24*time.Hour))
	assert.False(t, should)
	assert.Contains(t, reason, "recycle wait")
}

func TestSovereignReenableRequiresConsecutiveDaysAtZero(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	e.tracker.state = SovereignHardKilled

	sig := FragmentationSignal{SpreadZ: 0.1}
	for i := 0; i < 5; i++ {
		e.AdvanceKillClock(sig, types.RegimeElevated, false)
		assert.Equal(t, SovereignHardKilled, e.State())
	}
	e.AdvanceKillClock(sig, types.RegimeElevated, false)
	assert.Equal(t, SovereignActive, e.State())
}

func TestSovereignReenableResetsOnDeflationGuard(t *testing.T) {
	e := NewSovereignEngine(testSovereignConfig())
	e.tracker.state = SovereignHardKilled
	e.tracker.daysAtZero = 4

	e.AdvanceKillClock(FragmentationSignal{}, types.RegimeElevated, true)
	assert.Equal(t, 0, e.tracker.daysAtZero)
	assert.Equal(t, SovereignHardKilled, e.State())
}
