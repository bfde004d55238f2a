package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"macro-sleeve-engine/pkg/types"
)

// roundCanonical rounds v to 6 decimal places so two float64 values that
// differ only in trailing noise hash identically.
func roundCanonical(v float64) float64 {
	const scale = 1e6
	return math.Round(v*scale) / scale
}

// InputsFingerprint is everything an inputs_hash is computed over: the
// portfolio snapshot, FX/quote staleness bucketing, and the parameter
// version in effect when inputs were computed.
type InputsFingerprint struct {
	Positions      map[string]PositionFingerprint
	FXSnapshotUnix int64 // Unix seconds; InputsHash buckets it to the minute
	QuoteUnix      map[string]int64
	ParamsVersion  string
}

// PositionFingerprint is the canonical subset of a position that feeds
// inputs_hash.
type PositionFingerprint struct {
	Quantity float64
	AvgCost  float64
	LastMark float64
}

// InputsHash computes a stable hash over a canonically-ordered, rounded
// rendering of the inputs snapshot. Identical inputs across process
// restarts hash identically; float64 rounding noise does not perturb it.
func InputsHash(f InputsFingerprint) string {
	var b strings.Builder

	ids := make([]string, 0, len(f.Positions))
	for id := range f.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := f.Positions[id]
		fmt.Fprintf(&b, "pos|%s|%.8f|%.8f|%.8f\n", id,
			roundCanonical(p.Quantity), roundCanonical(p.AvgCost), roundCanonical(p.LastMark))
	}

	fmt.Fprintf(&b, "fx|%d\n", f.FXSnapshotUnix/60)

	qids := make([]string, 0, len(f.QuoteUnix))
	for id := range f.QuoteUnix {
		qids = append(qids, id)
	}
	sort.Strings(qids)
	for _, id := range qids {
		fmt.Fprintf(&b, "quote|%s|%d\n", id, f.QuoteUnix[id])
	}

	fmt.Fprintf(&b, "params|%s\n", f.ParamsVersion)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// IntentsHash computes a stable hash over the canonical ordering of a set
// of order intents (instrument id, side, signed quantity, sleeve), so an
// identical intent set recomputed after a crash-restart produces the same
// hash as the one recorded before the crash.
func IntentsHash(intents []types.OrderIntent) string {
	type row struct {
		key string
		qty float64
	}
	rows := make([]row, 0, len(intents))
	for _, in := range intents {
		rows = append(rows, row{
			key: fmt.Sprintf("%s|%s|%s", in.InstrumentID, in.Side, in.Sleeve),
			qty: roundCanonical(in.SignedQuantity()),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%s|%.8f\n", r.key, r.qty)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
