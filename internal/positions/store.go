// Package positions keeps the client-side roster cache. Local actions write
// provisional values that can be rolled back; pushed server values always win.
package positions

import (
	"sort"
	"sync"

	"github.com/example/roster-sync/internal/types"
)

// EventType enumerates store transitions.
type EventType string

const (
	EventOptimistic EventType = "optimistic"
	EventConfirmed  EventType = "confirmed"
	EventRolledBack EventType = "rolled_back"
	EventLoaded     EventType = "loaded"
	EventReset      EventType = "reset"
	EventStatus     EventType = "status"
)

// Event describes a change subscribers can render.
type Event struct {
	Type     EventType
	Position types.Position
	// Removed is set when a rollback restores an entry that did not exist.
	Removed bool
	EventID types.EventID
	Status  types.ConnectionStatus
}

// Listener receives store events. Listeners run synchronously after the
// store lock is released.
type Listener func(Event)

// Rollback restores the value captured by ApplyOptimistic. It reports whether
// the restore happened; it is a no-op once any later write touched the entry
// and runs at most once.
type Rollback func() bool

type entry struct {
	position types.Position
	revision uint64
}

// Store is the in-memory map of positions plus the hub connection status.
type Store struct {
	mu        sync.RWMutex
	entries   map[types.PositionID]entry
	revision  uint64
	status    types.ConnectionStatus
	listeners map[int]Listener
	nextID    int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		entries:   make(map[types.PositionID]entry),
		status:    types.StatusDisconnected,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns a function removing it.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) emit(evt Event) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(evt)
	}
}

// writeLocked stores p under a fresh revision and returns it.
func (s *Store) writeLocked(p types.Position) uint64 {
	s.revision++
	s.entries[p.ID] = entry{position: p, revision: s.revision}
	return s.revision
}

// Get returns the cached position.
func (s *Store) Get(id types.PositionID) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.position, ok
}

// List returns the cached positions of an event ordered by team and name.
func (s *Store) List(eventID types.EventID) []types.Position {
	s.mu.RLock()
	out := make([]types.Position, 0, len(s.entries))
	for _, e := range s.entries {
		if e.position.EventID == eventID {
			out = append(out, e.position)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of cached positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ApplyOptimistic writes change(current) as a provisional value and returns
// the rollback for it. An absent entry is passed as a zero position carrying
// only id.
func (s *Store) ApplyOptimistic(id types.PositionID, change func(types.Position) types.Position) Rollback {
	s.mu.Lock()
	prior, existed := s.entries[id]
	current := prior.position
	if !existed {
		current = types.Position{ID: id}
	}
	next := change(current)
	next.ID = id
	written := s.writeLocked(next)
	s.mu.Unlock()

	optimisticWrites.Inc()
	s.emit(Event{Type: EventOptimistic, Position: next, EventID: next.EventID})

	var once sync.Once
	var restored bool
	return func() bool {
		once.Do(func() {
			restored = s.restore(id, written, prior.position, existed)
		})
		return restored
	}
}

func (s *Store) restore(id types.PositionID, written uint64, prior types.Position, existed bool) bool {
	s.mu.Lock()
	cur, ok := s.entries[id]
	if !ok || cur.revision != written {
		s.mu.Unlock()
		rollbacks.WithLabelValues(outcomeSuperseded).Inc()
		return false
	}
	var evt Event
	if existed {
		s.writeLocked(prior)
		evt = Event{Type: EventRolledBack, Position: prior, EventID: prior.EventID}
	} else {
		delete(s.entries, id)
		evt = Event{Type: EventRolledBack, Position: cur.position, EventID: cur.position.EventID, Removed: true}
	}
	s.mu.Unlock()

	rollbacks.WithLabelValues(outcomeRestored).Inc()
	s.emit(evt)
	return true
}

// ApplyConfirmed overwrites the entry with server truth unconditionally.
func (s *Store) ApplyConfirmed(p types.Position) {
	s.mu.Lock()
	s.writeLocked(p)
	s.mu.Unlock()

	confirmedWrites.Inc()
	s.emit(Event{Type: EventConfirmed, Position: p, EventID: p.EventID})
}

// Upsert merges fetched positions without touching other entries.
func (s *Store) Upsert(positions ...types.Position) {
	for _, p := range positions {
		s.ApplyConfirmed(p)
	}
}

// Load replaces every cached position of eventID with a full fetch.
func (s *Store) Load(eventID types.EventID, positions []types.Position) {
	s.mu.Lock()
	for id, e := range s.entries {
		if e.position.EventID == eventID {
			delete(s.entries, id)
		}
	}
	for _, p := range positions {
		p.EventID = eventID
		s.writeLocked(p)
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventLoaded, EventID: eventID})
}

// Reset clears the cache, e.g. on logout. Outstanding rollbacks become no-ops.
func (s *Store) Reset() {
	s.mu.Lock()
	clear(s.entries)
	s.status = types.StatusDisconnected
	s.mu.Unlock()

	s.emit(Event{Type: EventReset, Status: types.StatusDisconnected})
}

// Status returns the last reported hub connection status.
func (s *Store) Status() types.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus records the hub connection status.
func (s *Store) SetStatus(status types.ConnectionStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.emit(Event{Type: EventStatus, Status: status})
}
