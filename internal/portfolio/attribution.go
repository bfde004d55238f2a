package portfolio

import (
	"math"

	"macro-sleeve-engine/pkg/types"
)

// SleeveAttribution is one sleeve's contribution to the day's P&L.
type SleeveAttribution struct {
	Sleeve         string
	PnLUSD         float64
	PnLPctNAV      float64
	GrossExposure  float64
	NetExposure    float64
	PositionCount  int
}

// FactorExposure summarizes coarse portfolio risk factors used for
// reporting, not sizing — the Risk & Sizing Engine computes its own vol
// from the return history and its DV01 from per-contract config.
type FactorExposure struct {
	EquityBeta        float64
	DurationYears     float64
	CreditSensitivity float64
	FXExposureUSD     float64
	FXExposurePctNAV  float64
}

// HedgeEffectiveness reports how much the tail-hedge sleeve offset losses
// in the core sleeves on a given day.
type HedgeEffectiveness struct {
	HedgePnLUSD  float64
	CoreDrawdown float64
	OffsetRatio  float64
}

// AttributionReport is the full daily attribution snapshot.
type AttributionReport struct {
	NAV                float64
	DailyPnLUSD        float64
	DailyPnLPct        float64
	BySleeve           map[string]SleeveAttribution
	Factors            FactorExposure
	HedgeEffectiveness *HedgeEffectiveness
}

// FactorBook maps instrument ids to the factor loadings used for
// attribution reporting. A production deployment would source this from
// reference data; here it is supplied by config/wiring at construction.
type FactorBook struct {
	EquityBeta    map[string]float64
	DurationYears map[string]float64
	CreditSens    map[string]float64
}

// AttributionEngine computes daily P&L attribution by sleeve and coarse
// factor exposures. It is read-only with respect to PortfolioState: it
// never mutates positions, cash, or sleeve targets.
type AttributionEngine struct {
	factors         FactorBook
	coreSleeves     []string
	hedgeSleeve     string
	previousNAV     float64
	dailySleevePnL  map[string]float64
}

// NewAttributionEngine builds an engine. coreSleeves and hedgeSleeve name
// which sleeve tags feed hedge-effectiveness offset-ratio reporting.
func NewAttributionEngine(factors FactorBook, coreSleeves []string, hedgeSleeve string) *AttributionEngine {
	return &AttributionEngine{
		factors:        factors,
		coreSleeves:    coreSleeves,
		hedgeSleeve:    hedgeSleeve,
		dailySleevePnL: map[string]float64{},
	}
}

// UpdateSleevePnL overrides the computed unrealized-P&L estimate for a
// sleeve with a precise daily figure (e.g. from the run ledger's fill
// records), when one is available.
func (e *AttributionEngine) UpdateSleevePnL(sleeve string, pnl float64) {
	e.dailySleevePnL[sleeve] = pnl
}

// ResetDaily clears the per-day P&L overrides for the next run.
func (e *AttributionEngine) ResetDaily() {
	e.dailySleevePnL = map[string]float64{}
}

// Compute produces the attribution report for the current portfolio state.
// previousNAV is the NAV as of the prior close; pass 0 to fall back to the
// engine's own remembered previous NAV, or the current NAV on the first
// call (yielding a zero daily P&L).
func (e *AttributionEngine) Compute(p *PortfolioState, previousNAV float64, nav float64) AttributionReport {
	if previousNAV == 0 {
		previousNAV = e.previousNAV
	}
	if previousNAV == 0 {
		previousNAV = nav
	}

	dailyPnL := nav - previousNAV
	dailyPct := 0.0
	if previousNAV > 0 {
		dailyPct = dailyPnL / previousNAV
	}

	bySleeve := e.computeSleeveAttribution(p, previousNAV)
	factors := e.computeFactorExposure(p, nav)
	hedgeEff := e.computeHedgeEffectiveness(bySleeve)

	e.previousNAV = nav

	return AttributionReport{
		NAV:                nav,
		DailyPnLUSD:        dailyPnL,
		DailyPnLPct:        dailyPct,
		BySleeve:           bySleeve,
		Factors:            factors,
		HedgeEffectiveness: hedgeEff,
	}
}

func (e *AttributionEngine) computeSleeveAttribution(p *PortfolioState, previousNAV float64) map[string]SleeveAttribution {
	positions := p.Positions()
	bySleeve := map[string][]types.Position{}
	for _, pos := range positions {
		bySleeve[pos.Sleeve] = append(bySleeve[pos.Sleeve], pos)
	}

	out := make(map[string]SleeveAttribution, len(bySleeve))
	for sleeve, positions := range bySleeve {
		var gross, net, pnl float64
		for _, pos := range positions {
			gross += math.Abs(pos.MarketValue())
			net += pos.MarketValue()
			pnl += pos.UnrealizedPnL()
		}
		if override, ok := e.dailySleevePnL[sleeve]; ok {
			pnl = override
		}
		pct := 0.0
		if previousNAV > 0 {
			pct = pnl / previousNAV
		}
		out[sleeve] = SleeveAttribution{
			Sleeve:        sleeve,
			PnLUSD:        pnl,
			PnLPctNAV:     pct,
			GrossExposure: gross,
			NetExposure:   net,
			PositionCount: len(positions),
		}
	}
	return out
}

func (e *AttributionEngine) computeFactorExposure(p *PortfolioState, nav float64) FactorExposure {
	positions := p.Positions()

	var weightedBeta, weightedDuration, weightedCredit, fxExposure float64
	for _, pos := range positions {
		mv := pos.MarketValue()
		if beta, ok := e.factors.EquityBeta[pos.InstrumentID]; ok {
			weightedBeta += mv * beta
		}
		if dur, ok := e.factors.DurationYears[pos.InstrumentID]; ok {
			weightedDuration += math.Abs(mv) * dur
		}
		if sens, ok := e.factors.CreditSens[pos.InstrumentID]; ok {
			weightedCredit += math.Abs(mv) * sens
		}
	}
	for ccy, exposure := range p.NetFXExposure() {
		_ = ccy
		fxExposure += exposure
	}

	if nav <= 0 {
		return FactorExposure{}
	}
	return FactorExposure{
		EquityBeta:        weightedBeta / nav,
		DurationYears:     weightedDuration / nav,
		CreditSensitivity: weightedCredit / nav,
		FXExposureUSD:     fxExposure,
		FXExposurePctNAV:  fxExposure / nav,
	}
}

func (e *AttributionEngine) computeHedgeEffectiveness(bySleeve map[string]SleeveAttribution) *HedgeEffectiveness {
	hedgeAttr, ok := bySleeve[e.hedgeSleeve]
	if !ok {
		return nil
	}

	var corePnL float64
	for _, sleeve := range e.coreSleeves {
		if a, ok := bySleeve[sleeve]; ok {
			corePnL += a.PnLUSD
		}
	}
	coreDrawdown := math.Min(corePnL, 0)

	offsetRatio := 0.0
	if coreDrawdown < 0 {
		offsetRatio = -hedgeAttr.PnLUSD / coreDrawdown
	}

	return &HedgeEffectiveness{
		HedgePnLUSD:  hedgeAttr.PnLUSD,
		CoreDrawdown: coreDrawdown,
		OffsetRatio:  offsetRatio,
	}
}
