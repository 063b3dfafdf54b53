// Package buffer computes the dynamic battery SoC floor the horizon
// planner must respect each cycle, from PV confidence, price spread and
// expected PV surplus. Also logs a suncalc-derived solar-altitude sanity
// cross-check alongside every decision, per the spec's Open Question that
// the coefficients need to stay tunable and the calculator must log
// enough to calibrate them from live data.
package buffer

import (
	"sync"
	"time"

	"github.com/vantage-energy/ems-core/persist"
)

const (
	observationWindow = 14 * 24 * time.Hour
	minFloorPct       = 10
	hysteresisPct     = 5
)

// Mode is the calculator's operating mode.
type Mode string

const (
	ModeObservation Mode = "observation"
	ModeLive        Mode = "live"
)

// Config holds the tunable coefficients called out by the spec's design
// notes as design estimates requiring field calibration.
type Config struct {
	BaseSOCPct       float64
	SpreadBonus      float64
	PVReduction      float64
	MaxFloorPct      float64
	StayInObservation bool // user override from the dashboard
}

// HistoryEntry is one logged decision, kept for operator calibration.
type HistoryEntry struct {
	Ts              time.Time `json:"ts"`
	TargetPct       float64   `json:"target_pct"`
	AppliedPct      float64   `json:"applied_pct"`
	Mode            Mode      `json:"mode"`
	SolarAltitudeDeg float64  `json:"solar_altitude_deg"`
}

const historyCapacity = 500

// Calculator is the C6 dynamic buffer calculator.
type Calculator struct {
	mu          sync.Mutex
	deployedAt  time.Time
	mode        Mode
	lastApplied float64
	history     []HistoryEntry
	path        string
}

// New returns a Calculator that entered observation mode at deployedAt.
func New(path string, deployedAt time.Time) *Calculator {
	return &Calculator{
		deployedAt:  deployedAt,
		mode:        ModeObservation,
		lastApplied: minFloorPct,
		path:        path,
	}
}

// Step computes the dynamic floor for one cycle. solarAltitudeDeg is an
// optional suncalc-derived cross-check (0 if unavailable) logged
// alongside the decision, not used in the formula itself.
func (c *Calculator) Step(cfg Config, now time.Time, priceSpreadPct, forecastPVNext4hKWh, pvConfidence, solarAltitudeDeg float64) float64 {
	target := cfg.BaseSOCPct + cfg.SpreadBonus*priceSpreadPct - cfg.PVReduction*forecastPVNext4hKWh*pvConfidence

	maxFloor := cfg.MaxFloorPct
	if maxFloor <= 0 {
		maxFloor = 100
	}
	clamped := clamp(target, minFloorPct, maxFloor)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !cfg.StayInObservation && c.mode == ModeObservation && now.Sub(c.deployedAt) >= observationWindow {
		c.mode = ModeLive
	}
	if cfg.StayInObservation {
		c.mode = ModeObservation
	}

	applied := c.lastApplied
	if absDiff(clamped, c.lastApplied) >= hysteresisPct {
		applied = clamped
	}

	entry := HistoryEntry{Ts: now, TargetPct: clamped, AppliedPct: applied, Mode: c.mode, SolarAltitudeDeg: solarAltitudeDeg}
	c.history = append(c.history, entry)
	if len(c.history) > historyCapacity {
		c.history = c.history[len(c.history)-historyCapacity:]
	}

	if c.mode == ModeLive {
		c.lastApplied = applied
	}

	snap := c.snapshotLocked()
	if c.path != "" {
		_ = persist.WriteJSON(c.path, snap)
	}

	if c.mode == ModeObservation {
		// Observation mode logs what it would set but the planner still
		// sees the conservative floor already in effect.
		return c.lastApplied
	}
	return applied
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// Mode returns the calculator's current mode.
func (c *Calculator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Snapshot is the JSON-persistable layout matching buffer_calc.json.
type Snapshot struct {
	Version int            `json:"version"`
	Mode    Mode           `json:"mode"`
	History []HistoryEntry `json:"history_log"`
}

func (c *Calculator) snapshotLocked() Snapshot {
	h := make([]HistoryEntry, len(c.history))
	copy(h, c.history)
	return Snapshot{Version: 1, Mode: c.mode, History: h}
}

// Snapshot returns a deep copy of the calculator's state.
func (c *Calculator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Load restores the calculator's mode and history from disk.
func (c *Calculator) Load() error {
	if c.path == "" {
		return nil
	}
	var snap Snapshot
	if err := persist.ReadJSON(c.path, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return nil
	}
	c.mu.Lock()
	c.mode = snap.Mode
	c.history = snap.History
	c.mu.Unlock()
	return nil
}
