package risk

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine() *Engine {
	cfg := config.RiskConfig{
		TargetVol:    0.12,
		VolFloor:     0.05,
		InitialPrior: 0.15,
		BurnInDays:   60,
		FMin:         0.80,
		FMax:         1.25,
		MaxDDPct:     0.10,
	}
	return NewEngine(cfg, testLogger())
}

func TestRealizedVolZeroHistoryNoNaN(t *testing.T) {
	v := RealizedVol(nil, 20)
	assert.Equal(t, 0.0, v)
}

func TestRealizedVolSingleReturn(t *testing.T) {
	v := RealizedVol([]float64{0.01}, 20)
	assert.Equal(t, 0.0, v)
}

func TestScalingFactorBoundaryNoHistory(t *testing.T) {
	e := testEngine()
	sf := e.ScalingFactor(0, 0)
	assert.GreaterOrEqual(t, sf, e.cfg.FMin)
	assert.LessOrEqual(t, sf, e.cfg.FMax)
}

func TestEffectiveVolUsesInitialPriorDuringBurnIn(t *testing.T) {
	e := testEngine()
	got := e.EffectiveVol(0.01, 10) // realized far below prior, still within burn-in
	assert.Equal(t, e.cfg.InitialPrior, got)
}

func TestEffectiveVolUsesVolFloorAfterBurnIn(t *testing.T) {
	e := testEngine()
	got := e.EffectiveVol(0.01, 100)
	assert.Equal(t, e.cfg.VolFloor, got)
}

func TestScalingFactorClampedToMax(t *testing.T) {
	e := testEngine()
	sf := e.ScalingFactor(0.01, 100) // tiny realized vol -> huge raw scaling
	assert.Equal(t, e.cfg.FMax, sf)
}

func TestMaxDrawdownAndCurrentDrawdown(t *testing.T) {
	equity := []float64{100, 110, 90, 95, 99}
	maxDD := MaxDrawdown(equity)
	assert.InDelta(t, (90.0-110.0)/110.0, maxDD, 1e-9)

	currentDD := CurrentDrawdown(equity)
	assert.InDelta(t, (99.0-110.0)/110.0, currentDD, 1e-9)
}

func TestDetectRegimeCrisisOnVIX(t *testing.T) {
	e := testEngine()
	assert.Equal(t, types.RegimeCrisis, e.DetectRegime(41, 0))
}

func TestDetectRegimeCrisisOnDrawdown(t *testing.T) {
	e := testEngine()
	assert.Equal(t, types.RegimeCrisis, e.DetectRegime(15, -0.11))
}

func TestDetectRegimeElevated(t *testing.T) {
	e := testEngine()
	assert.Equal(t, types.RegimeElevated, e.DetectRegime(26, 0))
}

func TestDetectRegimeRecovery(t *testing.T) {
	e := testEngine()
	assert.Equal(t, types.RegimeRecovery, e.DetectRegime(15, -0.02))
}

func TestDetectRegimeNormal(t *testing.T) {
	e := testEngine()
	assert.Equal(t, types.RegimeNormal, e.DetectRegime(15, 0))
}

func TestEvaluateEmergencyDeriskForcesQuarterScaling(t *testing.T) {
	e := testEngine()
	equity := []float64{100, 100, 100, 88} // -12% drawdown, breaches 10% max
	decision := e.Evaluate([]float64{0.01, -0.01, 0.02}, 10, equity, 18)

	assert.True(t, decision.EmergencyDerisk)
	assert.Equal(t, 0.25, decision.ScalingFactor)
	assert.True(t, e.IsKillSwitchActive())
}

func TestEvaluateZeroReturnsHistoryNoNaN(t *testing.T) {
	e := testEngine()
	decision := e.Evaluate(nil, 0, nil, 18)
	assert.GreaterOrEqual(t, decision.ScalingFactor, e.cfg.FMin)
	assert.LessOrEqual(t, decision.ScalingFactor, e.cfg.FMax)
}

func TestKillSwitchBroadcastsOnChannel(t *testing.T) {
	e := testEngine()
	equity := []float64{100, 100, 100, 88}
	e.Evaluate([]float64{0.01}, 10, equity, 18)

	select {
	case sig := <-e.KillCh():
		assert.NotEmpty(t, sig.Reason)
	default:
		t.Fatal("expected a kill signal on the channel")
	}
}
