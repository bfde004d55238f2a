package execution

import (
	"math"
	"sort"
	"sync"

	"macro-sleeve-engine/pkg/types"
)

// SlippageSample is one realized fill's cost observation.
type SlippageSample struct {
	InstrumentID string
	AssetClass   types.AssetClass
	SlippageBps  float64 // positive = adverse
}

// RealizedSlippageBps computes (fill-arrival)/arrival*1e4 for BUY, negated
// for SELL, so a positive value is always adverse regardless of side.
func RealizedSlippageBps(side types.Side, fillPrice, arrivalPrice float64) float64 {
	if arrivalPrice == 0 {
		return 0
	}
	bps := (fillPrice - arrivalPrice) / arrivalPrice * 1e4
	if side == types.Sell {
		bps = -bps
	}
	return bps
}

// slippageStats summarizes a rolling window of slippage samples.
type slippageStats struct {
	Median, Mean, P70, P90, StdDev float64
	Count                          int
}

func computeStats(samples []float64) slippageStats {
	n := len(samples)
	if n == 0 {
		return slippageStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, s := range sorted {
		d := s - mean
		sumSq += d * d
	}
	stddev := 0.0
	if n > 1 {
		stddev = math.Sqrt(sumSq / float64(n-1))
	}

	return slippageStats{
		Median: percentile(sorted, 0.50),
		Mean:   mean,
		P70:    percentile(sorted, 0.70),
		P90:    percentile(sorted, 0.90),
		StdDev: stddev,
		Count:  n,
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SlippageModel tracks a rolling window (N=200) of fill slippage per
// instrument and per asset class, and estimates expected slippage for
// pre-trade cost projections.
type SlippageModel struct {
	mu               sync.Mutex
	window           int
	minSamples       int
	defaultBps       float64
	byInstrument     map[string][]float64
	byAssetClass     map[types.AssetClass][]float64
}

// NewSlippageModel builds a model with the configured rolling-window size,
// minimum per-instrument sample count before trusting its own stats, and a
// fallback default.
func NewSlippageModel(window, minSamples int, defaultBps float64) *SlippageModel {
	return &SlippageModel{
		window:       window,
		minSamples:   minSamples,
		defaultBps:   defaultBps,
		byInstrument: map[string][]float64{},
		byAssetClass: map[types.AssetClass][]float64{},
	}
}

// Record appends a realized slippage sample, trimming each series to the
// configured rolling window.
func (s *SlippageModel) Record(sample SlippageSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byInstrument[sample.InstrumentID] = trim(append(s.byInstrument[sample.InstrumentID], sample.SlippageBps), s.window)
	s.byAssetClass[sample.AssetClass] = trim(append(s.byAssetClass[sample.AssetClass], sample.SlippageBps), s.window)
}

func trim(series []float64, window int) []float64 {
	if len(series) <= window {
		return series
	}
	return series[len(series)-window:]
}

// Estimate returns the expected slippage in bps for an instrument: its own
// p70 + a small safety buffer once it has >= minSamples fills, else the
// asset class's p70, else the configured default. Always clamped to
// [0.5, 25] bps.
func (s *SlippageModel) Estimate(instrumentID string, assetClass types.AssetClass) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	const safetyBufferBps = 0.5

	if series, ok := s.byInstrument[instrumentID]; ok && len(series) >= s.minSamples {
		stats := computeStats(series)
		return clampSlip(stats.P70 + safetyBufferBps)
	}
	if series, ok := s.byAssetClass[assetClass]; ok && len(series) > 0 {
		stats := computeStats(series)
		return clampSlip(stats.P70)
	}
	return clampSlip(s.defaultBps)
}

func clampSlip(bps float64) float64 {
	if bps < 0.5 {
		return 0.5
	}
	if bps > 25 {
		return 25
	}
	return bps
}

// InstrumentStats exposes the current rolling stats for one instrument,
// for reporting.
func (s *SlippageModel) InstrumentStats(instrumentID string) (slippageStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, ok := s.byInstrument[instrumentID]
	if !ok {
		return slippageStats{}, false
	}
	return computeStats(series), true
}
