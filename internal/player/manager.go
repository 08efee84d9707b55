// Package player is the authoritative store for registered media players:
// their latest state, their device assignments and the preferred-player
// flag, with a broadcast stream of every change.
package player

import (
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/events"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// ID identifies a registered player within the process lifetime. Ids are
// allocated monotonically and never reused.
type ID uint64

// ErrNotFound is returned for operations referencing an unregistered id.
var ErrNotFound = errors.New("player: not found")

// EventType discriminates player manager events.
type EventType int

const (
	EventRegistered EventType = iota
	EventUnregistered
	EventAssigned
	EventUnassigned
	EventStateUpdated
	EventPreferredChanged
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	case EventAssigned:
		return "assigned"
	case EventUnassigned:
		return "unassigned"
	case EventStateUpdated:
		return "state-updated"
	case EventPreferredChanged:
		return "preferred-changed"
	default:
		return "invalid"
	}
}

// Event is broadcast on every registry change. SelfID is set on
// EventRegistered, Device on EventAssigned/EventUnassigned, State is the
// coalesced snapshot on EventStateUpdated, Preferred on
// EventPreferredChanged.
type Event struct {
	Type      EventType
	Player    ID
	SelfID    string
	Device    device.ID
	State     fsct.PlayerState
	Preferred *ID
}

type entry struct {
	selfID   string
	assigned *device.ID
	state    fsct.PlayerState
}

// Snapshot is one player's registry row, as observed at a single instant.
type Snapshot struct {
	ID       ID
	SelfID   string
	Assigned *device.ID
	State    fsct.PlayerState
}

// Manager is the player registry. All mutations hold a single short-lived
// mutex and never block on I/O.
type Manager struct {
	log *log.Logger
	bus *events.Bus[Event]

	mu        sync.Mutex
	nextID    ID
	players   map[ID]*entry
	preferred *ID
}

// NewManager creates an empty registry. eventCapacity sizes the broadcast
// ring; zero selects the default.
func NewManager(logger *log.Logger, eventCapacity int) *Manager {
	return &Manager{
		log:     logger.With("component", "players"),
		bus:     events.New[Event](eventCapacity),
		players: make(map[ID]*entry),
		nextID:  1,
	}
}

// Subscribe returns a new subscription to player events.
func (m *Manager) Subscribe() *events.Subscription[Event] {
	return m.bus.Subscribe()
}

// Register adds a player. selfID is a caller-supplied stable string used
// for diagnostics; it does not have to be unique.
func (m *Manager) Register(selfID string) ID {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.players[id] = &entry{selfID: selfID}
	m.mu.Unlock()

	m.log.Debug("player registered", "id", id, "self_id", selfID)
	m.bus.Publish(Event{Type: EventRegistered, Player: id, SelfID: selfID})
	return id
}

// Unregister removes a player. The id is never observable afterwards.
func (m *Manager) Unregister(id ID) error {
	m.mu.Lock()
	if _, ok := m.players[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.players, id)
	preferredCleared := m.preferred != nil && *m.preferred == id
	if preferredCleared {
		m.preferred = nil
	}
	m.mu.Unlock()

	m.log.Debug("player unregistered", "id", id)
	m.bus.Publish(Event{Type: EventUnregistered, Player: id})
	if preferredCleared {
		m.bus.Publish(Event{Type: EventPreferredChanged})
	}
	return nil
}

// Assign binds a player to a device, replacing any prior assignment.
// Idempotent: re-assigning the same device publishes nothing.
func (m *Manager) Assign(id ID, dev device.ID) error {
	m.mu.Lock()
	e, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.assigned != nil && *e.assigned == dev {
		m.mu.Unlock()
		return nil
	}
	e.assigned = &dev
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventAssigned, Player: id, Device: dev})
	return nil
}

// Unassign removes a player's binding to dev if that is the current one.
// Idempotent.
func (m *Manager) Unassign(id ID, dev device.ID) error {
	m.mu.Lock()
	e, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.assigned == nil || *e.assigned != dev {
		m.mu.Unlock()
		return nil
	}
	e.assigned = nil
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventUnassigned, Player: id, Device: dev})
	return nil
}

// AssignedDevice returns the player's current assignment, nil if none.
func (m *Manager) AssignedDevice(id ID) (*device.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.assigned == nil {
		return nil, nil
	}
	dev := *e.assigned
	return &dev, nil
}

// UpdateState replaces a player's whole state snapshot.
func (m *Manager) UpdateState(id ID, state fsct.PlayerState) error {
	return m.mutateState(id, func(s *fsct.PlayerState) {
		*s = state.Clone()
	})
}

// UpdateStatus mutates only the status field.
func (m *Manager) UpdateStatus(id ID, status fsct.Status) error {
	return m.mutateState(id, func(s *fsct.PlayerState) {
		s.Status = status
	})
}

// UpdateTimeline mutates only the timeline field; nil clears it.
func (m *Manager) UpdateTimeline(id ID, tl *fsct.TimelineInfo) error {
	return m.mutateState(id, func(s *fsct.PlayerState) {
		if tl == nil {
			s.Timeline = nil
			return
		}
		copied := *tl
		s.Timeline = &copied
	})
}

// UpdateMetadata mutates one text slot; nil clears it.
func (m *Manager) UpdateMetadata(id ID, kind fsct.TextKind, value *string) error {
	return m.mutateState(id, func(s *fsct.PlayerState) {
		if value == nil {
			delete(s.Texts, kind)
			return
		}
		if s.Texts == nil {
			s.Texts = make(map[fsct.TextKind]string)
		}
		s.Texts[kind] = *value
	})
}

// mutateState applies fn to the stored state and publishes the coalesced
// snapshot.
func (m *Manager) mutateState(id ID, fn func(*fsct.PlayerState)) error {
	m.mu.Lock()
	e, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	fn(&e.state)
	snapshot := e.state.Clone()
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventStateUpdated, Player: id, State: snapshot})
	return nil
}

// SetPreferred flags a player as the user's current choice; nil clears the
// flag. Never fails: a stale id is stored as-is and lazily cleared the next
// time Preferred finds it dead.
func (m *Manager) SetPreferred(id *ID) {
	m.mu.Lock()
	var changed bool
	if id == nil {
		changed = m.preferred != nil
		m.preferred = nil
	} else {
		changed = m.preferred == nil || *m.preferred != *id
		v := *id
		m.preferred = &v
	}
	var snapshot *ID
	if m.preferred != nil {
		v := *m.preferred
		snapshot = &v
	}
	m.mu.Unlock()

	if changed {
		m.bus.Publish(Event{Type: EventPreferredChanged, Preferred: snapshot})
	}
}

// Preferred returns the preferred player, if it is still registered. A
// stale preference is cleared on lookup.
func (m *Manager) Preferred() *ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preferred == nil {
		return nil
	}
	if _, ok := m.players[*m.preferred]; !ok {
		m.preferred = nil
		return nil
	}
	v := *m.preferred
	return &v
}

// Players returns a snapshot of the whole registry in registration order.
func (m *Manager) Players() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.players))
	for id, e := range m.players {
		s := Snapshot{ID: id, SelfID: e.selfID, State: e.state.Clone()}
		if e.assigned != nil {
			dev := *e.assigned
			s.Assigned = &dev
		}
		out = append(out, s)
	}
	// Map iteration order is random; callers rely on a stable listing.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns a player's current state snapshot.
func (m *Manager) State(id ID) (fsct.PlayerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.players[id]
	if !ok {
		return fsct.PlayerState{}, ErrNotFound
	}
	return e.state.Clone(), nil
}

// Close shuts the event stream down.
func (m *Manager) Close() {
	m.bus.Close()
}
