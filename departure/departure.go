// Package departure stores per-vehicle confirmed departure times plus a
// pending-inquiry timestamp that is silently evicted once it goes stale.
// Persistence uses the same atomic temp-file+rename pattern as the other
// learners.
package departure

import (
	"sync"
	"time"

	"github.com/vantage-energy/ems-core/domain"
	"github.com/vantage-energy/ems-core/persist"
)

const pendingEvictionWindow = 30 * time.Minute

// Store owns confirmed and pending departure records for every known
// vehicle. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]domain.DepartureRecord
	path    string
}

// New returns an empty Store.
func New(path string) *Store {
	return &Store{records: make(map[string]domain.DepartureRecord), path: path}
}

// Confirm records a confirmed departure time for a vehicle, clearing any
// pending inquiry.
func (s *Store) Confirm(vehicleName string, departure time.Time) {
	s.mu.Lock()
	s.records[vehicleName] = domain.DepartureRecord{
		VehicleName:        vehicleName,
		ConfirmedDeparture: departure,
	}
	s.mu.Unlock()
	s.flush()
}

// MarkPendingInquiry records that a departure-time inquiry was sent to
// the driver at now, without yet having a confirmed answer.
func (s *Store) MarkPendingInquiry(vehicleName string, now time.Time) {
	s.mu.Lock()
	r := s.records[vehicleName]
	r.VehicleName = vehicleName
	r.PendingInquiryAt = now
	s.records[vehicleName] = r
	s.mu.Unlock()
	s.flush()
}

// Get returns the record for a vehicle as of now. A pending inquiry older
// than 30 minutes is evicted before the record is returned.
func (s *Store) Get(vehicleName string, now time.Time) (domain.DepartureRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[vehicleName]
	if !ok {
		return domain.DepartureRecord{}, false
	}
	if !r.HasPendingInquiry(now) && !r.PendingInquiryAt.IsZero() {
		r.PendingInquiryAt = time.Time{}
		s.records[vehicleName] = r
	}
	return r, true
}

func (s *Store) flush() {
	if s.path == "" {
		return
	}
	_ = persist.WriteJSON(s.path, s.Snapshot())
}

// Snapshot is the JSON-persistable layout matching departure_times.json.
type Snapshot struct {
	Version   int               `json:"version"`
	Confirmed map[string]string `json:"confirmed"`
	Pending   map[string]string `json:"pending"`
}

// Snapshot returns the persisted view of all records, splitting confirmed
// departures from outstanding pending inquiries.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	confirmed := make(map[string]string)
	pending := make(map[string]string)
	for name, r := range s.records {
		if !r.ConfirmedDeparture.IsZero() {
			confirmed[name] = r.ConfirmedDeparture.UTC().Format(time.RFC3339)
		}
		if !r.PendingInquiryAt.IsZero() {
			pending[name] = r.PendingInquiryAt.UTC().Format(time.RFC3339)
		}
	}
	return Snapshot{Version: 1, Confirmed: confirmed, Pending: pending}
}

// Load restores records from disk, if present.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	var snap Snapshot
	if err := persist.ReadJSON(s.path, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]domain.DepartureRecord)
	for name, iso := range snap.Confirmed {
		ts, err := time.Parse(time.RFC3339, iso)
		if err != nil {
			continue
		}
		r := s.records[name]
		r.VehicleName = name
		r.ConfirmedDeparture = ts
		s.records[name] = r
	}
	for name, iso := range snap.Pending {
		ts, err := time.Parse(time.RFC3339, iso)
		if err != nil {
			continue
		}
		r := s.records[name]
		r.VehicleName = name
		r.PendingInquiryAt = ts
		s.records[name] = r
	}
	return nil
}
