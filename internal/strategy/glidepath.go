package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"macro-sleeve-engine/internal/config"
)

// glidepathSnapshot is the on-disk record of the legacy book at the moment
// the glidepath first activates. It is written once and never recomputed;
// every subsequent blend reads it back unchanged.
type glidepathSnapshot struct {
	SnapshotDate string             `json:"snapshot_date"` // YYYY-MM-DD
	Positions    map[string]float64 `json:"positions"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Glidepath blends strategy-computed targets with a fixed initial position
// snapshot, linearly ramping alpha = min(1, days_elapsed/unwind_days) from 0
// to 1 so the transition from legacy to strategy-target positions is never
// abrupt. cfg.Sleeves, if non-empty, whitelists which sleeves participate;
// a sleeve absent from the map trades its full target from day one.
type Glidepath struct {
	cfg      config.GlidepathConfig
	snapshot *glidepathSnapshot
	loaded   bool
}

// NewGlidepath builds a glidepath from config. The snapshot is lazily
// loaded from disk on first use.
func NewGlidepath(cfg config.GlidepathConfig) *Glidepath {
	return &Glidepath{cfg: cfg}
}

// HasSnapshot reports whether an initial snapshot file already exists.
func (g *Glidepath) HasSnapshot() bool {
	_, err := os.Stat(g.cfg.SnapshotPath)
	return err == nil
}

func (g *Glidepath) loadSnapshot() (*glidepathSnapshot, error) {
	if g.loaded {
		return g.snapshot, nil
	}
	data, err := os.ReadFile(g.cfg.SnapshotPath)
	if os.IsNotExist(err) {
		g.loaded = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("glidepath: read snapshot: %w", err)
	}
	var snap glidepathSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("glidepath: decode snapshot: %w", err)
	}
	g.snapshot = &snap
	g.loaded = true
	return g.snapshot, nil
}

// SaveSnapshot writes the initial legacy book to disk, recorded exactly
// once on first run. Overwriting an existing snapshot is the caller's
// responsibility to avoid — HasSnapshot guards that in practice.
func (g *Glidepath) SaveSnapshot(positions map[string]float64, today time.Time) error {
	if err := os.MkdirAll(filepath.Dir(g.cfg.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("glidepath: create snapshot dir: %w", err)
	}
	snap := glidepathSnapshot{
		SnapshotDate: today.Format("2006-01-02"),
		Positions:    positions,
		CreatedAt:    today,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("glidepath: encode snapshot: %w", err)
	}
	tmp := g.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("glidepath: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, g.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("glidepath: rename snapshot: %w", err)
	}
	g.snapshot = &snap
	g.loaded = true
	return nil
}

// Alpha computes the blend weight for today: 0 means fully on the initial
// snapshot, 1 means fully converged onto strategy targets. Disabled
// glidepaths and missing snapshots both report alpha=1 (no blending).
func (g *Glidepath) Alpha(today time.Time) (alpha float64, daysElapsed int, reason string) {
	if !g.cfg.Enabled {
		return 1.0, 0, "glidepath_disabled"
	}
	snap, err := g.loadSnapshot()
	if err != nil || snap == nil {
		return 1.0, 0, "no_snapshot"
	}
	snapDate, err := time.Parse("2006-01-02", snap.SnapshotDate)
	if err != nil {
		return 1.0, 0, "invalid_snapshot_date"
	}
	days := int(today.Sub(snapDate).Hours() / 24)
	if days < 0 {
		return 1.0, 0, "future_snapshot"
	}
	if g.cfg.UnwindDays <= 0 {
		return 1.0, days, "zero_unwind_days"
	}
	a := float64(days) / float64(g.cfg.UnwindDays)
	if a > 1.0 {
		a = 1.0
	}
	return a, days, ""
}

// Blend applies the glidepath to a set of strategy target quantities,
// keyed by instrument ID. Sleeves not present in cfg.Sleeves (when that
// whitelist is non-empty) bypass blending entirely and pass their target
// through unchanged; targetSleeve maps each instrument ID to its owning
// sleeve for that lookup.
func (g *Glidepath) Blend(targets map[string]float64, targetSleeve map[string]string, today time.Time) (map[string]float64, error) {
	alpha, _, _ := g.Alpha(today)
	if alpha >= 1.0 {
		return targets, nil
	}
	snap, err := g.loadSnapshot()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return targets, nil
	}

	blended := make(map[string]float64, len(targets))
	all := map[string]bool{}
	for id := range targets {
		all[id] = true
	}
	for id := range snap.Positions {
		all[id] = true
	}

	for id := range all {
		targetQty := targets[id]
		if !g.participates(targetSleeve[id]) {
			blended[id] = targetQty
			continue
		}
		initialQty := snap.Positions[id]
		blended[id] = math.Round(alpha*targetQty + (1-alpha)*initialQty)
	}
	return blended, nil
}

func (g *Glidepath) participates(sleeve string) bool {
	if len(g.cfg.Sleeves) == 0 {
		return true
	}
	return g.cfg.Sleeves[sleeve]
}
