package device

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/internal/events"
	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// ID identifies a managed device for its connected lifetime. Ids are
// allocated monotonically and never reused, so a stale id can always be
// told apart from a live one.
type ID uint64

// Errors surfaced by the manager's control surface.
var (
	ErrNotFound     = errors.New("device: not found")
	ErrDeviceGone   = errors.New("device: gone")
	ErrShuttingDown = errors.New("device: manager shutting down")
)

// EventType discriminates device manager events.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// Event is broadcast on every device connect and disconnect. Capability is
// only meaningful on EventAdded.
type Event struct {
	Type       EventType
	Device     ID
	Capability fsct.Capabilities
}

type command struct {
	run   func(ctx context.Context, d *Driver) error
	reply chan error
}

type entry struct {
	drv     *Driver
	caps    fsct.Capabilities
	queue   chan command
	stopped chan struct{} // closed when the worker starts tearing down
	done    chan struct{} // closed when the worker has released the device
}

// Manager allocates device ids, maps them to driver objects and serializes
// the control surface per device. Distinct devices proceed in parallel;
// calls against one device are applied in FIFO order by its worker.
type Manager struct {
	log *log.Logger
	bus *events.Bus[Event]

	mu      sync.Mutex
	nextID  ID
	devices map[ID]*entry
	closed  bool
}

// NewManager creates an empty device registry. eventCapacity sizes the
// broadcast ring; zero selects the default.
func NewManager(logger *log.Logger, eventCapacity int) *Manager {
	return &Manager{
		log:     logger.With("component", "devices"),
		bus:     events.New[Event](eventCapacity),
		devices: make(map[ID]*entry),
		nextID:  1,
	}
}

// Subscribe returns a new subscription to connect/disconnect events.
func (m *Manager) Subscribe() *events.Subscription[Event] {
	return m.bus.Subscribe()
}

// Add registers an initialized driver, assigns it a fresh id, starts its
// serialization worker and broadcasts EventAdded.
func (m *Manager) Add(drv *Driver) (ID, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrShuttingDown
	}
	id := m.nextID
	m.nextID++
	e := &entry{
		drv:     drv,
		caps:    drv.Capabilities(),
		queue:   make(chan command, 32),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.devices[id] = e
	m.mu.Unlock()

	go m.worker(id, e)

	m.log.Info("device added", "id", id, "device", drv.String())
	m.bus.Publish(Event{Type: EventAdded, Device: id, Capability: e.caps})
	return id, nil
}

// Remove drops a device: pending control calls fail with ErrDeviceGone, the
// USB handle is released, and EventRemoved is broadcast. The id is never
// reused. Removing an unknown id is a no-op.
func (m *Manager) Remove(id ID) {
	m.mu.Lock()
	e, ok := m.devices[id]
	if ok {
		delete(m.devices, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	close(e.stopped)
	// The event is published only after the worker has dropped the USB
	// handle: the id's lifetime strictly contains the handle's.
	<-e.done

	m.log.Info("device removed", "id", id, "device", e.drv.String())
	m.bus.Publish(Event{Type: EventRemoved, Device: id})
}

// worker applies control commands for one device in submission order.
func (m *Manager) worker(id ID, e *entry) {
	defer close(e.done)
	teardown := func() {
		m.drain(e)
		if err := e.drv.Close(); err != nil {
			m.log.Debug("device close failed", "id", id, "err", err)
		}
	}
	for {
		// Teardown wins over queued work: once stopped is closed, the
		// remaining queue is cancelled, not executed.
		select {
		case <-e.stopped:
			teardown()
			return
		default:
		}
		select {
		case <-e.stopped:
			teardown()
			return
		case cmd := <-e.queue:
			err := cmd.run(context.Background(), e.drv)
			cmd.reply <- err
			if err != nil && usb.Kind(err) != usb.KindTransient {
				// Unrecoverable I/O: treat as a disconnect. The
				// removal must come from outside the worker.
				m.log.Warn("device failed, dropping it", "id", id, "err", err)
				go m.Remove(id)
			}
		}
	}
}

// drain cancels every command still queued behind the serialization point.
func (m *Manager) drain(e *entry) {
	for {
		select {
		case cmd := <-e.queue:
			cmd.reply <- ErrDeviceGone
		default:
			return
		}
	}
}

// submit enqueues a command on a device's serialization queue and waits for
// its completion.
func (m *Manager) submit(ctx context.Context, id ID, run func(ctx context.Context, d *Driver) error) error {
	m.mu.Lock()
	e, ok := m.devices[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	cmd := command{run: run, reply: make(chan error, 1)}
	select {
	case e.queue <- cmd:
	case <-e.stopped:
		return ErrDeviceGone
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		if err != nil && usb.Kind(err) != usb.KindTransient && !errors.Is(err, ErrDeviceGone) {
			return ErrDeviceGone
		}
		return err
	case <-e.done:
		// The worker is gone. It may have replied just before exiting,
		// or the command may have slipped into the queue behind the
		// final drain; either way the device is no longer usable.
		select {
		case err := <-cmd.reply:
			if err != nil && !errors.Is(err, ErrDeviceGone) {
				return ErrDeviceGone
			}
			return err
		default:
			return ErrDeviceGone
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStatus writes a device's status slot.
func (m *Manager) SetStatus(ctx context.Context, id ID, s fsct.Status) error {
	return m.submit(ctx, id, func(ctx context.Context, d *Driver) error {
		return d.SetStatus(ctx, s)
	})
}

// SetTimeline writes a device's timeline slot; nil clears it.
func (m *Manager) SetTimeline(ctx context.Context, id ID, tl *fsct.TimelineInfo) error {
	return m.submit(ctx, id, func(ctx context.Context, d *Driver) error {
		return d.SetTimeline(ctx, tl)
	})
}

// SetText writes one of a device's text slots; nil clears it.
func (m *Manager) SetText(ctx context.Context, id ID, kind fsct.TextKind, value *string) error {
	return m.submit(ctx, id, func(ctx context.Context, d *Driver) error {
		return d.SetText(ctx, kind, value)
	})
}

// SetEnabled switches a device's display mode.
func (m *Manager) SetEnabled(ctx context.Context, id ID, enabled bool) error {
	return m.submit(ctx, id, func(ctx context.Context, d *Driver) error {
		return d.SetEnabled(ctx, enabled)
	})
}

// Apply projects a full player state onto a device, writing only changed
// slots.
func (m *Manager) Apply(ctx context.Context, id ID, state fsct.PlayerState) error {
	return m.submit(ctx, id, func(ctx context.Context, d *Driver) error {
		return d.Apply(ctx, state)
	})
}

// Devices returns the ids of all connected devices in ascending order.
func (m *Manager) Devices() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ID, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Exists reports whether id refers to a connected device.
func (m *Manager) Exists(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[id]
	return ok
}

// Capability returns what the device advertised at initialization.
func (m *Manager) Capability(id ID) (fsct.Capabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.devices[id]
	if !ok {
		return fsct.Capabilities{}, ErrNotFound
	}
	return e.caps, nil
}

// Shutdown removes every device and closes the event stream.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]ID, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id)
	}
	m.bus.Close()
}
