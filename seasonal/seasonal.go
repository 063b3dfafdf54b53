// Package seasonal implements the 48-cell (season x time-band x weekend)
// running mean of plan errors used to shift the horizon planner's
// objective. Persistence is grounded on persist.WriteJSON, the same
// atomic temp-file+rename pattern every other learner in this repo uses.
package seasonal

import (
	"fmt"
	"sync"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/persist"
)

const minSamplesDefault = 10

// cellKey is the 48-way discretization key.
type cellKey struct {
	Season  domain.Season
	Band    domain.TimeBand
	Weekend bool
}

func (k cellKey) String() string {
	weekend := 0
	if k.Weekend {
		weekend = 1
	}
	return fmt.Sprintf("%s|%d|%d", k.Season, k.Band, weekend)
}

type cell struct {
	SumError float64 `json:"sum_error"`
	Count    int     `json:"count"`
}

// Learner owns the 48-cell table and is safe for concurrent use. Every
// write since the last flush is tracked so persistence happens every 10
// updates, per spec.
type Learner struct {
	mu           sync.Mutex
	cells        map[string]*cell
	path         string
	updatesSinceFlush int
}

// New returns a Learner that persists to path (empty disables
// persistence, used in tests).
func New(path string) *Learner {
	return &Learner{cells: make(map[string]*cell), path: path}
}

// Record accumulates one completed cycle's plan error (actual - planned)
// into the cell for the given moment, flushing to disk every 10 updates.
func (l *Learner) Record(now time.Time, errorEUR float64) {
	key := keyFor(now)

	l.mu.Lock()
	c, ok := l.cells[key.String()]
	if !ok {
		c = &cell{}
		l.cells[key.String()] = c
	}
	c.SumError += errorEUR
	c.Count++
	l.updatesSinceFlush++
	shouldFlush := l.updatesSinceFlush >= 10
	if shouldFlush {
		l.updatesSinceFlush = 0
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if shouldFlush && l.path != "" {
		_ = persist.WriteJSON(l.path, snap) // best-effort; a write failure keeps in-memory state and retries next flush
	}
}

// GetCorrectionFactor returns the mean error for the cell containing now,
// or false if the cell has fewer than minSamples observations.
func (l *Learner) GetCorrectionFactor(now time.Time, minSamples int) (float64, bool) {
	if minSamples <= 0 {
		minSamples = minSamplesDefault
	}
	key := keyFor(now)

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cells[key.String()]
	if !ok || c.Count < minSamples {
		return 0, false
	}
	return c.SumError / float64(c.Count), true
}

func keyFor(t time.Time) cellKey {
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
	return cellKey{
		Season:  domain.SeasonFromMonth(t.Month()),
		Band:    domain.TimeBandFromHour(t.Hour()),
		Weekend: weekend,
	}
}

// Snapshot is the JSON-persistable layout matching seasonal_model.json.
type Snapshot struct {
	Version int              `json:"version"`
	Cells   map[string]*cell `json:"cells"`
}

func (l *Learner) snapshotLocked() Snapshot {
	out := make(map[string]*cell, len(l.cells))
	for k, c := range l.cells {
		cp := *c
		out[k] = &cp
	}
	return Snapshot{Version: 1, Cells: out}
}

// Snapshot returns a deep copy of the learner's state.
func (l *Learner) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Load reads the persisted table from disk, if present. A missing file
// is not an error: the learner simply starts empty.
func (l *Learner) Load() error {
	if l.path == "" {
		return nil
	}
	var snap Snapshot
	if err := persist.ReadJSON(l.path, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		// Unknown version: start clean rather than risk misreading cells.
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cells = make(map[string]*cell, len(snap.Cells))
	for k, c := range snap.Cells {
		if c == nil {
			c = &cell{}
		}
		l.cells[k] = c
	}
	return nil
}
