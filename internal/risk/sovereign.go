package risk

import (
	"fmt"
	"math"
	"time"

	"macro-sleeve-engine/internal/config"
	"macro-sleeve-engine/pkg/types"
)

// SleeveState tracks the sovereign fragility short sleeve's kill-switch
// lifecycle.
type SleeveState string

const (
	SovereignActive          SleeveState = "ACTIVE"
	SovereignSoftKilled       SleeveState = "SOFT_KILLED"
	SovereignHardKilled       SleeveState = "HARD_KILLED"
	SovereignReenablePending  SleeveState = "REENABLE_PENDING"
)

// FragmentationSignal is the BTP-Bund spread/rates signal the sleeve sizes
// off of.
type FragmentationSignal struct {
	SpreadBps         float64
	SpreadZ           float64 // 252-day z-score
	SpreadMom20d      float64
	BundYieldMom60d   float64
	BundYieldChange5d float64
	BundYieldMom20d   float64
	VIXLevel          float64
	StressScore       float64
}

// SizingResult is the sleeve's target-weight decision for one evaluation.
type SizingResult struct {
	TargetWeight    float64
	BaseWeight      float64
	FragMultiplier  float64
	RatesMultiplier float64
	DeflationScaler float64
	MaxWeight       float64
	SoftKill        bool
	Regime          types.Regime
	Reason          string
}

// DV01Position is the DV01-neutral BTP-short/Bund-long construction.
type DV01Position struct {
	BTPContracts  int
	BundContracts int
	TargetDV01    float64
	ActualNetDV01 float64
	DV01PerBTP    float64
	DV01PerBund   float64
}

// IsNeutral reports whether the position is within 5% of target DV01.
func (p DV01Position) IsNeutral() bool {
	if p.TargetDV01 == 0 {
		return p.BTPContracts == 0 && p.BundContracts == 0
	}
	return math.Abs(p.ActualNetDV01) < math.Abs(p.TargetDV01)*0.05
}

// sleeveTracker holds the mutable state the kill-switch/re-enable/
// take-profit logic needs across evaluations.
type sleeveTracker struct {
	state              SleeveState
	daysAtZero         int
	entrySpreadAvgBps  float64
	entryDate          time.Time
	lastProfitTakeDate time.Time
	dailyPnLHistory    []float64 // rolling last 10
	cumulativePnL      float64
}

func (t *sleeveTracker) updateDailyPnL(pnl float64) {
	t.dailyPnLHistory = append(t.dailyPnLHistory, pnl)
	if len(t.dailyPnLHistory) > 10 {
		t.dailyPnLHistory = t.dailyPnLHistory[len(t.dailyPnLHistory)-10:]
	}
	t.cumulativePnL += pnl
}

func (t *sleeveTracker) rolling10dPnL() float64 {
	sum := 0.0
	for _, v := range t.dailyPnLHistory {
		sum += v
	}
	return sum
}

// SovereignEngine computes target weight, DV01-neutral sizing, kill-switch
// state, and take-profit/re-enable decisions for the EU sovereign
// fragility short sleeve.
type SovereignEngine struct {
	cfg     config.SovereignConfig
	tracker sleeveTracker
}

// NewSovereignEngine builds the sleeve engine starting ACTIVE.
func NewSovereignEngine(cfg config.SovereignConfig) *SovereignEngine {
	return &SovereignEngine{
		cfg:     cfg,
		tracker: sleeveTracker{state: SovereignActive},
	}
}

// State returns the sleeve's current kill-switch lifecycle state.
func (s *SovereignEngine) State() SleeveState { return s.tracker.state }

// computeDeflationScaler implements the 3-tier continuous deflation
// scaler: widening fragmentation bypasses the guard entirely (we want the
// position precisely when spreads are blowing out), then VIX + Bund
// 5-day-yield-drop tiers progressively zero the sizing out.
func (s *SovereignEngine) computeDeflationScaler(sig FragmentationSignal) (float64, string) {
	if sig.SpreadZ >= s.cfg.DeflationBypassZ {
		return 1.0, fmt.Sprintf("frag_bypass (z=%.2f >= %.2f)", sig.SpreadZ, s.cfg.DeflationBypassZ)
	}

	vix, bund5d := sig.VIXLevel, sig.BundYieldChange5d

	if vix >= s.cfg.DeflationTier3VIX && bund5d <= s.cfg.DeflationTier3Bund5d {
		return 0.0, fmt.Sprintf("tier3_kill (VIX=%.0f, bund_5d=%.0fbps)", vix, bund5d)
	}
	if vix >= s.cfg.DeflationTier2VIX && bund5d <= s.cfg.DeflationTier2Bund5d {
		return 0.25, fmt.Sprintf("tier2 (VIX=%.0f, bund_5d=%.0fbps)", vix, bund5d)
	}
	if vix >= s.cfg.DeflationTier1VIX && bund5d <= s.cfg.DeflationTier1Bund5d {
		return 0.5, fmt.Sprintf("tier1 (VIX=%.0f, bund_5d=%.0fbps)", vix, bund5d)
	}
	return 1.0, "no_deflation"
}

// killSwitchType is the loss-based kill result, distinct from the
// deflation-scaler zero which short-circuits before this check runs.
type killSwitchType int

const (
	killNone killSwitchType = iota
	killSoft
	killHard
)

func (s *SovereignEngine) checkKillSwitches(sig FragmentationSignal, nav, dailyPnL float64) killSwitchType {
	dailyLossPct := 0.0
	if nav > 0 {
		dailyLossPct = -dailyPnL / nav
	}
	if dailyLossPct > s.cfg.HardKillDailyLossPct {
		s.tracker.state = SovereignHardKilled
		return killHard
	}

	rolling10dPct := 0.0
	if nav > 0 {
		rolling10dPct = s.tracker.rolling10dPnL() / nav
	}
	if rolling10dPct < -s.cfg.HardKill10dDrawdownPct {
		s.tracker.state = SovereignHardKilled
		return killHard
	}

	if sig.SpreadZ < s.cfg.SoftKillSpreadZ {
		s.tracker.state = SovereignSoftKilled
		return killSoft
	}
	if sig.BundYieldMom20d < s.cfg.SoftKillBundMom20dBps {
		s.tracker.state = SovereignSoftKilled
		return killSoft
	}

	if s.tracker.state == SovereignSoftKilled {
		s.tracker.state = SovereignActive
	}
	return killNone
}

// ComputeTargetWeight applies the v3.0 sizing formula:
//
//	target_w = base_w_by_regime * frag_mult * rates_mult * deflation_scaler
//	target_w = min(target_w, max_w_by_regime)
func (s *SovereignEngine) ComputeTargetWeight(sig FragmentationSignal, regime types.Regime, nav, dailyPnL float64) SizingResult {
	regimeKey := regimeKeyLower(regime)
	baseW := s.cfg.BaseWeights[regimeKey]
	maxW := s.cfg.MaxWeights[regimeKey]

	deflationScaler, deflationReason := s.computeDeflationScaler(sig)
	if deflationScaler == 0.0 {
		return SizingResult{
			BaseWeight:      baseW,
			DeflationScaler: 0.0,
			MaxWeight:       maxW,
			Regime:          regime,
			Reason:          "DEFLATION KILL: " + deflationReason,
		}
	}

	kill := s.checkKillSwitches(sig, nav, dailyPnL)
	if kill == killHard {
		return SizingResult{
			BaseWeight:      baseW,
			DeflationScaler: deflationScaler,
			MaxWeight:       maxW,
			Regime:          regime,
			Reason:          "HARD KILL: loss threshold breached",
		}
	}

	fragMult := fragMultiplier(sig.SpreadZ, s.cfg)
	ratesMult := ratesMultiplier(sig.BundYieldMom60d, s.cfg)

	targetW := baseW * fragMult * ratesMult * deflationScaler

	softKill := kill == killSoft
	if softKill {
		targetW *= 0.5
	}
	targetW = clamp(targetW, 0.0, maxW)

	reason := fmt.Sprintf("regime=%s; base=%.2f%%; frag_mult=%.1f (z=%.2f); rates_mult=%.1f (bund_60d=%.0fbps)",
		regimeKey, baseW*100, fragMult, sig.SpreadZ, ratesMult, sig.BundYieldMom60d)
	if deflationScaler < 1.0 {
		reason += fmt.Sprintf("; defl_scaler=%.2f (%s)", deflationScaler, deflationReason)
	}
	if softKill {
		reason += "; SOFT_KILL (-50%)"
	}

	return SizingResult{
		TargetWeight:    targetW,
		BaseWeight:      baseW,
		FragMultiplier:  fragMult,
		RatesMultiplier: ratesMult,
		DeflationScaler: deflationScaler,
		MaxWeight:       maxW,
		SoftKill:        softKill,
		Regime:          regime,
		Reason:          reason,
	}
}

func fragMultiplier(spreadZ float64, cfg config.SovereignConfig) float64 {
	switch {
	case spreadZ < cfg.FragMultZLow:
		return 0.5
	case spreadZ < cfg.FragMultZMid:
		return 1.0
	case spreadZ < cfg.FragMultZHigh:
		return 1.3
	default:
		return 1.6
	}
}

func ratesMultiplier(bundYieldMom60d float64, cfg config.SovereignConfig) float64 {
	switch {
	case bundYieldMom60d < cfg.RatesMultLowBps:
		return 0.8
	case bundYieldMom60d < cfg.RatesMultHighBps:
		return 1.0
	default:
		return 1.2
	}
}

func regimeKeyLower(r types.Regime) string {
	switch r {
	case types.RegimeCrisis:
		return "crisis"
	case types.RegimeElevated:
		return "elevated"
	default:
		return "normal"
	}
}

// ComputeDV01Position builds the DV01-neutral BTP-short/Bund-long
// construction for a target weight.
func (s *SovereignEngine) ComputeDV01Position(targetWeight, nav float64) DV01Position {
	if targetWeight <= 0 {
		return DV01Position{}
	}

	targetDV01 := targetWeight * nav * s.cfg.DV01BudgetPerNAV

	dv01PerBTP := s.cfg.DV01PerContract[s.cfg.BTPSymbol]
	if dv01PerBTP == 0 {
		dv01PerBTP = 78.0
	}
	dv01PerBund := s.cfg.DV01PerContract[s.cfg.BundSymbol]
	if dv01PerBund == 0 {
		dv01PerBund = 80.0
	}

	btpContracts := -roundToInt(targetDV01 / dv01PerBTP) // short
	bundDV01Needed := math.Abs(float64(btpContracts)) * dv01PerBTP
	bundContracts := roundToInt(bundDV01Needed / dv01PerBund) // long

	actualNetDV01 := float64(btpContracts)*dv01PerBTP + float64(bundContracts)*dv01PerBund

	return DV01Position{
		BTPContracts:  btpContracts,
		BundContracts: bundContracts,
		TargetDV01:    targetDV01,
		ActualNetDV01: actualNetDV01,
		DV01PerBTP:    dv01PerBTP,
		DV01PerBund:   dv01PerBund,
	}
}

// CheckTakeProfit reports whether to take profit on this sleeve: spread
// reaching an extreme z-score, or widened enough from the recorded entry.
// Respects a recycle-wait cooldown after the last profit take.
func (s *SovereignEngine) CheckTakeProfit(sig FragmentationSignal, today time.Time) (bool, float64, string) {
	if !s.tracker.lastProfitTakeDate.IsZero() {
		daysSince := int(today.Sub(s.tracker.lastProfitTakeDate).Hours() / 24)
		if daysSince < s.cfg.RecycleWaitDays {
			return false, 0, "within recycle wait period"
		}
	}

	if sig.SpreadZ >= s.cfg.TakeProfitSpreadZ {
		return true, s.cfg.ProfitTakePct, "spread z-score threshold"
	}

	if s.tracker.entrySpreadAvgBps > 0 {
		widening := sig.SpreadBps - s.tracker.entrySpreadAvgBps
		if widening >= s.cfg.TakeProfitSpreadWideningBps {
			return true, s.cfg.ProfitTakePct, "spread widening threshold"
		}
	}

	return false, 0, "no take-profit conditions met"
}

// RecordProfitTake marks today as the last profit-take date (starts the
// recycle-wait cooldown).
func (s *SovereignEngine) RecordProfitTake(today time.Time) {
	s.tracker.lastProfitTakeDate = today
}

// RecordEntry sets the entry date/spread the first time a position opens.
func (s *SovereignEngine) RecordEntry(today time.Time, spreadBps float64) {
	if s.tracker.entryDate.IsZero() {
		s.tracker.entryDate = today
		s.tracker.entrySpreadAvgBps = spreadBps
	}
}

// UpdateDailyPnL feeds today's sleeve P&L into the rolling 10-day window
// used by the hard kill-switch's drawdown check.
func (s *SovereignEngine) UpdateDailyPnL(pnl float64) {
	s.tracker.updateDailyPnL(pnl)
}

// ShouldReenable reports whether a HARD_KILLED sleeve should transition
// back to ACTIVE: the deflation guard must not be active, and either the
// spread has stopped being negative or the regime is no longer NORMAL, for
// at least ReenableDays consecutive evaluations.
func (s *SovereignEngine) ShouldReenable(sig FragmentationSignal, lastRegime types.Regime, deflationGuardActive bool) bool {
	if deflationGuardActive {
		s.tracker.daysAtZero = 0
		return false
	}
	if sig.SpreadZ < 0 && lastRegime == types.RegimeNormal {
		return false
	}
	return s.tracker.daysAtZero >= s.cfg.ReenableDays
}

// AdvanceKillClock is called once per evaluation while the sleeve target
// weight is zero; it increments the days-at-zero counter ShouldReenable
// consults, and re-enables the sleeve in place once the threshold is met.
func (s *SovereignEngine) AdvanceKillClock(sig FragmentationSignal, lastRegime types.Regime, deflationGuardActive bool) {
	if s.tracker.state != SovereignHardKilled && s.tracker.state != SovereignReenablePending {
		return
	}
	if s.ShouldReenable(sig, lastRegime, deflationGuardActive) {
		s.tracker.state = SovereignActive
		s.tracker.daysAtZero = 0
		return
	}
	s.tracker.daysAtZero++
}

func roundToInt(v float64) int {
	if v < 0 {
		return -int(math.Round(-v))
	}
	return int(math.Round(v))
}
