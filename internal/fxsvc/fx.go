// Package fxsvc provides a snapshot of FX cross rates with a staleness
// bound, and the FX hedge sizing used by portfolio reporting.
//
// The snapshot is read-mostly: Refresh atomically swaps in a new map so
// concurrent readers never observe a partially updated set of rates, the
// same replace-the-whole-value pattern used for order book snapshots.
package fxsvc

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// pair is an ordered cache key for (from, to): (A, B) and (B, A) are
// distinct keys.
type pair struct{ from, to string }

// Snapshot is a point-in-time set of FX rates plus the instant it was taken.
type Snapshot struct {
	Base      string
	Rates     map[pair]float64 // direct quotes only; crosses are derived
	TakenAt   time.Time
}

// Service holds the current FX snapshot and serves cross-rate lookups.
// BaseCurrency is the currency all crosses route through when no direct
// quote exists.
type Service struct {
	mu           sync.RWMutex
	snap         Snapshot
	baseCurrency string
	staleAfter   time.Duration
}

// ContractSize is the per-currency FX-future contract size used for hedge
// sizing.
var ContractSize = map[string]float64{
	"EUR": 125_000,
	"GBP": 62_500,
	"JPY": 12_500_000,
	"CHF": 125_000,
	"AUD": 100_000,
	"CAD": 100_000,
}

// New creates an FX service with an empty snapshot.
func New(baseCurrency string, staleAfter time.Duration) *Service {
	return &Service{
		baseCurrency: baseCurrency,
		staleAfter:   staleAfter,
		snap:         Snapshot{Base: baseCurrency, Rates: map[pair]float64{}, TakenAt: time.Time{}},
	}
}

// Refresh atomically replaces the rate snapshot with a fresh one. rates maps
// "FROM/TO" -> direct quote (e.g. "EUR/USD" -> 1.08).
func (s *Service) Refresh(rates map[string]float64, takenAt time.Time) {
	m := make(map[pair]float64, len(rates))
	for k, v := range rates {
		var from, to string
		if n, err := fmt.Sscanf(k, "%3s/%3s", &from, &to); err == nil && n == 2 {
			m[pair{from, to}] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Base: s.baseCurrency, Rates: m, TakenAt: takenAt}
}

// Stale reports whether the current snapshot is older than the configured
// bound as of now.
func (s *Service) Stale(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.TakenAt.IsZero() {
		return true
	}
	return now.Sub(s.snap.TakenAt) > s.staleAfter
}

// SnapshotTime returns the timestamp of the current snapshot.
func (s *Service) SnapshotTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.TakenAt
}

// Rate returns the FROM->TO conversion rate, routing through the base
// currency when no direct quote is cached. Returns (rate, true) on success.
func (s *Service) Rate(from, to string) (float64, bool) {
	if from == to {
		return 1, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLocked(from, to)
}

func (s *Service) rateLocked(from, to string) (float64, bool) {
	if from == to {
		return 1, true
	}
	if r, ok := s.snap.Rates[pair{from, to}]; ok {
		return r, true
	}
	if r, ok := s.snap.Rates[pair{to, from}]; ok && r != 0 {
		return 1 / r, true
	}
	if from == s.snap.Base || to == s.snap.Base {
		return 0, false
	}
	fromBase, ok1 := s.rateViaBase(from)
	toBase, ok2 := s.rateViaBase(to)
	if !ok1 || !ok2 || toBase == 0 {
		return 0, false
	}
	return fromBase / toBase, true
}

// rateViaBase returns ccy->base.
func (s *Service) rateViaBase(ccy string) (float64, bool) {
	if ccy == s.snap.Base {
		return 1, true
	}
	if r, ok := s.snap.Rates[pair{ccy, s.snap.Base}]; ok {
		return r, true
	}
	if r, ok := s.snap.Rates[pair{s.snap.Base, ccy}]; ok && r != 0 {
		return 1 / r, true
	}
	return 0, false
}

// Convert converts an amount in `from` currency into `to` currency.
func (s *Service) Convert(amount float64, from, to string) (float64, bool) {
	r, ok := s.Rate(from, to)
	if !ok {
		return 0, false
	}
	return amount * r, true
}

// roundHalfAwayFromZero rounds v to the nearest integer, rounding .5 cases
// away from zero. Used so a hedge that straddles zero exposure rounds
// deterministically instead of drifting toward even.
func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return math.Floor(v + 0.5)
	}
	return math.Ceil(v - 0.5)
}

// HedgeContracts computes the number of FX-future contracts needed to hedge
// a given non-base-currency exposure:
//
//	hedge_contracts = -round(exposure * hedge_ratio / contract_size)
//
// Returns 0 if the currency has no known contract size.
func HedgeContracts(exposure, hedgeRatio float64, currency string) float64 {
	size, ok := ContractSize[currency]
	if !ok || size == 0 {
		return 0
	}
	raw := exposure * hedgeRatio / size
	return -roundHalfAwayFromZero(raw)
}
