// Package store holds the single guarded copy of system state that every
// producer writes and every consumer reads through snapshots. It is
// grounded on the teacher's MinerScheduler (a sync.RWMutex-guarded struct
// with accessor methods returning copies) and on the websocket hub in
// akwiatkowski-battery_storage_simulator's internal/ws package, generalized
// from one shared broadcast channel to a bounded channel per subscriber so
// a slow reader drops its own messages instead of stalling every other
// reader or the producer.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-energy/ems-core/domain"
)

const (
	decisionLogCapacity   = 60 // spec requires >= 40
	subscriberQueueLength = 32
	keepaliveInterval     = 30 * time.Second
)

// Event is published to every registered subscriber on each relevant
// update. Kind distinguishes what changed so dashboards can render
// partial updates without re-reading the whole snapshot.
type Event struct {
	Kind      string
	Snapshot  Snapshot
	Keepalive bool
}

// Snapshot is a read-only, self-consistent copy of every field the store
// owns at one instant. It is safe to read from any goroutine without
// further synchronization since nothing inside it is shared with the
// store's live state.
type Snapshot struct {
	State  domain.SystemState
	Plan   *domain.PlanHorizon
	Action domain.Action

	Override       domain.Override
	OverrideActive bool

	DecisionLog []domain.DecisionLogEntry

	ResidualMode   string
	SequencerNote  string
	BufferStatus   string

	TakenAt time.Time
}

type subscriber struct {
	id uuid.UUID
	ch chan Event
}

// Store is the single guarded holder described by the spec's C1 contract.
// Every exported method takes the lock for the minimum time needed to
// read or swap small fields; nothing that can block (I/O, channel sends
// that might wait) happens while the lock is held.
type Store struct {
	mu sync.Mutex

	state  domain.SystemState
	plan   *domain.PlanHorizon
	action domain.Action

	override       domain.Override
	overrideActive bool

	decisionLog []domain.DecisionLogEntry

	residualMode  string
	sequencerNote string
	bufferStatus  string

	subscribers map[uuid.UUID]*subscriber
}

// New returns an empty Store ready for use.
func New() *Store {
	return &Store{
		residualMode: "shadow",
		subscribers:  make(map[uuid.UUID]*subscriber),
	}
}

// Update replaces the current state and last action atomically. Called by
// the arbitration loop once per cycle.
func (s *Store) Update(state domain.SystemState, action domain.Action) {
	s.mu.Lock()
	s.state = state
	s.action = action
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: "update", Snapshot: snap})
}

// UpdatePlan replaces the latest plan after a successful LP solve.
func (s *Store) UpdatePlan(plan *domain.PlanHorizon) {
	s.mu.Lock()
	s.plan = plan
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: "plan", Snapshot: snap})
}

// SetOverride records the current override state (active or cleared).
func (s *Store) SetOverride(o domain.Override, active bool) {
	s.mu.Lock()
	s.override = o
	s.overrideActive = active
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: "override", Snapshot: snap})
}

// SetResidualMode records the residual agent's current shadow/advisory
// mode for dashboard display.
func (s *Store) SetResidualMode(mode string) {
	s.mu.Lock()
	s.residualMode = mode
	s.mu.Unlock()
}

// SetSequencerNote records a short human-readable explanation of the last
// sequencer decision.
func (s *Store) SetSequencerNote(note string) {
	s.mu.Lock()
	s.sequencerNote = note
	s.mu.Unlock()
}

// SetBufferStatus records the dynamic buffer calculator's last decision
// summary.
func (s *Store) SetBufferStatus(status string) {
	s.mu.Lock()
	s.bufferStatus = status
	s.mu.Unlock()
}

// AppendDecision pushes one entry onto the ring-buffered decision log and
// publishes it as an event.
func (s *Store) AppendDecision(entry domain.DecisionLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now()
	}

	s.mu.Lock()
	s.decisionLog = append(s.decisionLog, entry)
	if len(s.decisionLog) > decisionLogCapacity {
		s.decisionLog = s.decisionLog[len(s.decisionLog)-decisionLogCapacity:]
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: "decision", Snapshot: snap})
}

// Snapshot returns a self-consistent, read-only copy of the store's
// fields as of one instant.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	logCopy := make([]domain.DecisionLogEntry, len(s.decisionLog))
	copy(logCopy, s.decisionLog)

	return Snapshot{
		State:          s.state,
		Plan:           s.plan,
		Action:         s.action,
		Override:       s.override,
		OverrideActive: s.overrideActive,
		DecisionLog:    logCopy,
		ResidualMode:   s.residualMode,
		SequencerNote:  s.sequencerNote,
		BufferStatus:   s.bufferStatus,
		TakenAt:        time.Now(),
	}
}

// Handle is an opaque subscriber reference returned by RegisterSubscriber.
type Handle struct {
	id uuid.UUID
}

// RegisterSubscriber registers a new live-event listener and returns its
// handle plus the channel it should drain. The channel is closed when the
// subscriber unregisters; callers must keep reading until it closes.
func (s *Store) RegisterSubscriber() (Handle, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, subscriberQueueLength)

	s.mu.Lock()
	s.subscribers[id] = &subscriber{id: id, ch: ch}
	s.mu.Unlock()

	return Handle{id: id}, ch
}

// Unregister closes a subscriber's channel and stops further delivery.
// Idempotent: unregistering an already-closed handle is a no-op. The
// delete and close happen under the same lock publish takes, so a
// concurrent publish can never send on a channel this call has closed.
func (s *Store) Unregister(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[h.id]
	if !ok {
		return
	}
	delete(s.subscribers, h.id)
	close(sub.ch)
}

// publish fans an event out to every subscriber's bounded queue. The send
// is non-blocking: a subscriber whose queue is full drops the message
// rather than stalling every other subscriber or the producer that called
// Update/UpdatePlan/AppendDecision. The whole fan-out runs under s.mu so
// it can never race Unregister's close of the same channel.
func (s *Store) publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- e:
		default:
			// Slow consumer; drop rather than block. The next keepalive or
			// update carries a fresher snapshot anyway.
		}
	}
}

// RunKeepalive drains one subscriber's channel indefinitely, forwarding
// events to deliver and injecting a keepalive Event every 30s so idle
// transports (SSE, websocket) are kept alive. It returns when ctx-like
// cancellation happens via the caller closing its own done channel, or
// when the store unregisters the handle (the events channel closes).
func (s *Store) RunKeepalive(h Handle, events <-chan Event, deliver func(Event) error, done <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := deliver(e); err != nil {
				s.Unregister(h)
				return
			}
		case <-ticker.C:
			if err := deliver(Event{Keepalive: true, Snapshot: s.Snapshot()}); err != nil {
				s.Unregister(h)
				return
			}
		case <-done:
			s.Unregister(h)
			return
		}
	}
}
