// Package reaction implements the EMA-based classifier of "did the
// previous deviation self-correct", used to decide whether to run an
// extra cycle right after the current one instead of waiting for the
// next tick.
package reaction

import (
	"sync"

	"github.com/vantage-energy/ems-core/persist"
)

const (
	alpha           = 0.05
	initialEMA      = 0.5
	replanThreshold = 0.6
)

// Tracker holds the EMA and is safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	ema  float64
	path string
}

// New returns a Tracker seeded at the spec's initial EMA value.
func New(path string) *Tracker {
	return &Tracker{ema: initialEMA, path: path}
}

// Observe classifies one completed cycle's deviation as self-corrected
// (true) or not, and updates the EMA.
func (t *Tracker) Observe(selfCorrected bool) {
	sample := 0.0
	if selfCorrected {
		sample = 1.0
	}
	t.mu.Lock()
	t.ema = alpha*sample + (1-alpha)*t.ema
	snap := Snapshot{Version: 1, EMA: t.ema, Threshold: replanThreshold}
	t.mu.Unlock()

	if t.path != "" {
		_ = persist.WriteJSON(t.path, snap)
	}
}

// ShouldReplanImmediately reports whether deviations are seldom
// self-correcting (EMA below threshold). The engine combines this with
// the size of the cycle's cost deviation to request an extra cycle that
// runs right after the current one.
func (t *Tracker) ShouldReplanImmediately() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema < replanThreshold
}

// EMA returns the current exponential moving average, for dashboard
// display.
func (t *Tracker) EMA() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema
}

// Snapshot is the JSON-persistable layout matching reaction_timing.json.
type Snapshot struct {
	Version   int     `json:"version"`
	EMA       float64 `json:"ema"`
	Threshold float64 `json:"threshold"`
}

// Load reads the persisted EMA from disk, if present.
func (t *Tracker) Load() error {
	if t.path == "" {
		return nil
	}
	var snap Snapshot
	if err := persist.ReadJSON(t.path, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return nil
	}
	t.mu.Lock()
	t.ema = snap.EMA
	t.mu.Unlock()
	return nil
}
