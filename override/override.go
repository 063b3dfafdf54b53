// Package override implements the single-instance 90-minute expiring
// manual "boost" override. Expiry is modelled as a scheduled, cancellable
// task on a monotonic clock source rather than a language-specific timer
// thread, per the spec's design notes.
package override

import (
	"sync"
	"time"

	"github.com/vantage-energy/ems-core/domain"
)

const duration = 90 * time.Minute

// QuietHours reports whether a given wall-clock hour-of-day falls within
// the configured quiet-hours window (handles windows that cross
// midnight, e.g. 21..06).
type QuietHours struct {
	Enabled    bool
	StartHour  int
	EndHour    int
}

// Contains reports whether t's local hour falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	h := t.Hour()
	if q.StartHour <= q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}

// Result is returned by Activate.
type Result struct {
	OK                bool
	BlockedByQuietHours bool
	Message           string
}

// Manager owns the single active override. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	active   bool
	override domain.Override
	timer    *time.Timer
}

// New returns an empty Manager with no active override.
func New() *Manager {
	return &Manager{}
}

// Activate starts (or replaces) the override for vehicleName. Rejected
// during quiet hours. "Last activation wins": an existing override's
// timer is cancelled and replaced.
func (m *Manager) Activate(vehicleName string, source domain.OverrideSource, now time.Time, quiet QuietHours) Result {
	if quiet.Contains(now) {
		return Result{
			OK:                  false,
			BlockedByQuietHours: true,
			Message:             "override activation is blocked during quiet hours",
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}

	m.override = domain.Override{
		VehicleName: vehicleName,
		ActivatedAt: now,
		ExpiresAt:   now.Add(duration),
		Source:      source,
	}
	m.active = true
	m.timer = time.AfterFunc(duration, func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	})

	return Result{OK: true, Message: "override active for 90 minutes"}
}

// Cancel clears the active override. Idempotent.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.active = false
}

// Status returns the current override and whether it is active.
func (m *Manager) Status() (domain.Override, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.override, m.active
}
