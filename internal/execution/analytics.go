package execution

import (
	"sync"
	"time"

	"macro-sleeve-engine/pkg/types"
)

// FillRecord is one realized fill, the unit analytics aggregates over.
type FillRecord struct {
	InstrumentID string
	AssetClass   types.AssetClass
	Side         types.Side
	Quantity     float64
	FillPrice    float64
	ArrivalPrice float64
	Commission   float64
	FinalState   types.OrderState
	Timestamp    time.Time
}

// OrderAnalytics is the per-order record derived from a fill.
type OrderAnalytics struct {
	InstrumentID string
	SlippageBps  float64
	NotionalUSD  float64
	Commission   float64
	FinalState   types.OrderState
}

// DayAnalytics aggregates a trading day's fills.
type DayAnalytics struct {
	Date               string
	CountsByState       map[types.OrderState]int
	TotalNotionalUSD     float64
	TotalCommission      float64
	SlippageAvgBps       float64
	SlippageMaxBps       float64
	SlippageMinBps       float64
	NettingSavingsPct    float64
	WorstExecutions      []OrderAnalytics // highest adverse slippage, capped
	ByAssetClass         map[types.AssetClass]*DayAnalytics
}

const maxWorstExecutions = 10

// AnalyticsLog accumulates per-order records into rolling per-day
// aggregates, keyed by calendar date (YYYY-MM-DD).
type AnalyticsLog struct {
	mu   sync.Mutex
	days map[string]*dayAccumulator
}

type dayAccumulator struct {
	orders       []OrderAnalytics
	countsByState map[types.OrderState]int
	totalNotional float64
	totalCommission float64
	slipSum      float64
	slipMax      float64
	slipMin      float64
	nettingGross float64
	nettingNet   float64
	byAssetClass map[types.AssetClass]*dayAccumulator
}

func newDayAccumulator() *dayAccumulator {
	return &dayAccumulator{
		countsByState: map[types.OrderState]int{},
		slipMin:       0,
		byAssetClass:  map[types.AssetClass]*dayAccumulator{},
	}
}

// NewAnalyticsLog builds an empty analytics log.
func NewAnalyticsLog() *AnalyticsLog {
	return &AnalyticsLog{days: map[string]*dayAccumulator{}}
}

// RecordFill folds one fill into the order and day aggregates, returning
// the per-order record for immediate use (e.g. feeding a SlippageModel).
func (l *AnalyticsLog) RecordFill(f FillRecord) OrderAnalytics {
	slip := RealizedSlippageBps(f.Side, f.FillPrice, f.ArrivalPrice)
	notional := f.Quantity * f.FillPrice
	rec := OrderAnalytics{
		InstrumentID: f.InstrumentID,
		SlippageBps:  slip,
		NotionalUSD:  notional,
		Commission:   f.Commission,
		FinalState:   f.FinalState,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	date := f.Timestamp.Format("2006-01-02")
	day := l.days[date]
	if day == nil {
		day = newDayAccumulator()
		l.days[date] = day
	}
	foldRecord(day, rec)

	class := day.byAssetClass[f.AssetClass]
	if class == nil {
		class = newDayAccumulator()
		day.byAssetClass[f.AssetClass] = class
	}
	foldRecord(class, rec)

	return rec
}

func foldRecord(d *dayAccumulator, rec OrderAnalytics) {
	d.orders = append(d.orders, rec)
	d.countsByState[rec.FinalState]++
	d.totalNotional += rec.NotionalUSD
	d.totalCommission += rec.Commission
	d.slipSum += rec.SlippageBps
	if len(d.orders) == 1 || rec.SlippageBps > d.slipMax {
		d.slipMax = rec.SlippageBps
	}
	if len(d.orders) == 1 || rec.SlippageBps < d.slipMin {
		d.slipMin = rec.SlippageBps
	}
}

// RecordNetting records one basket's gross and net quantity for the
// netting-savings aggregate of the given day.
func (l *AnalyticsLog) RecordNetting(date string, gross, net float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := l.days[date]
	if day == nil {
		day = newDayAccumulator()
		l.days[date] = day
	}
	day.nettingGross += gross
	day.nettingNet += net
}

// Day returns the aggregated DayAnalytics for a given date, or a zero
// value with OK=false if nothing was recorded for that day.
func (l *AnalyticsLog) Day(date string) (DayAnalytics, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	day, ok := l.days[date]
	if !ok {
		return DayAnalytics{}, false
	}
	return summarize(date, day), true
}

func summarize(date string, d *dayAccumulator) DayAnalytics {
	n := len(d.orders)
	avg := 0.0
	if n > 0 {
		avg = d.slipSum / float64(n)
	}

	worst := append([]OrderAnalytics(nil), d.orders...)
	sortByAdverseSlippageDesc(worst)
	if len(worst) > maxWorstExecutions {
		worst = worst[:maxWorstExecutions]
	}

	savings := 0.0
	if d.nettingGross > 0 {
		savings = (d.nettingGross - d.nettingNet) / d.nettingGross
	}

	byClass := map[types.AssetClass]*DayAnalytics{}
	for class, acc := range d.byAssetClass {
		sub := summarize(date, acc)
		byClass[class] = &sub
	}

	return DayAnalytics{
		Date:              date,
		CountsByState:     copyStateCounts(d.countsByState),
		TotalNotionalUSD:  d.totalNotional,
		TotalCommission:   d.totalCommission,
		SlippageAvgBps:    avg,
		SlippageMaxBps:    d.slipMax,
		SlippageMinBps:    d.slipMin,
		NettingSavingsPct: savings,
		WorstExecutions:   worst,
		ByAssetClass:      byClass,
	}
}

func copyStateCounts(in map[types.OrderState]int) map[types.OrderState]int {
	out := make(map[types.OrderState]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortByAdverseSlippageDesc(orders []OrderAnalytics) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].SlippageBps > orders[j-1].SlippageBps; j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}
