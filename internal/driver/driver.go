// Package driver composes the player manager, device manager, orchestrator
// and hot-plug watcher into the public FSCT host driver. Every operation a
// future IPC layer would expose lives on Driver.
package driver

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/internal/config"
	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/events"
	"github.com/HEM-RnD/fsct-host/internal/orchestrator"
	"github.com/HEM-RnD/fsct-host/internal/player"
	"github.com/HEM-RnD/fsct-host/internal/watcher"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// ErrAlreadyRunning is returned by Run when the driver's background tasks
// are already up.
var ErrAlreadyRunning = errors.New("driver: already running")

// Driver is the in-process FSCT host driver. Construct with New, start the
// background tasks with Run; registry operations work before Run as well.
type Driver struct {
	log     *log.Logger
	cfg     config.Config
	players *player.Manager
	devices *device.Manager
	orch    *orchestrator.Orchestrator
	source  watcher.Source
	host    watcher.DeviceHost

	mu      sync.Mutex
	running bool
}

// New assembles a driver. source and host supply the USB side; passing nil
// for both yields a driver without hot-plug (useful for tests that add
// devices directly).
func New(cfg config.Config, logger *log.Logger, source watcher.Source, host watcher.DeviceHost) *Driver {
	players := player.NewManager(logger, cfg.EventBuffer)
	devices := device.NewManager(logger, cfg.EventBuffer)
	return &Driver{
		log:     logger.With("component", "driver"),
		cfg:     cfg,
		players: players,
		devices: devices,
		orch:    orchestrator.New(players, devices, logger),
		source:  source,
		host:    host,
	}
}

// Service is a handle on the driver's running background tasks.
type Service struct {
	stop func()
	done chan struct{}
}

// Stop cancels all background tasks and waits for them to wind down,
// releasing every USB handle.
func (s *Service) Stop() {
	s.stop()
	<-s.done
}

// Run spawns the orchestrator and, when a hot-plug source is configured,
// the watcher. It fails if the driver is already running.
func (d *Driver) Run(ctx context.Context) (*Service, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("orchestrator stopped", "err", err)
		}
	}()

	if d.source != nil && d.host != nil {
		w := watcher.New(d.source, d.host, d.devices, watcher.Config{
			InitRetries:         d.cfg.USB.InitRetries,
			RetryBackoff:        d.cfg.USB.RetryBackoff.Std(),
			TransientRetryDelay: d.cfg.USB.TransientRetryDelay.Std(),
			InitDeadline:        d.cfg.USB.InitDeadline.Std(),
		}, d.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("hot-plug watcher stopped", "err", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		d.devices.Shutdown()
		d.players.Close()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(done)
	}()

	d.log.Info("FSCT host driver running", "protocol", d.GetProtocolVersion())
	return &Service{stop: cancel, done: done}, nil
}

// GetProtocolVersion reports the FSCT protocol version this driver speaks.
func (d *Driver) GetProtocolVersion() fsct.Version {
	return fsct.Version{Major: fsct.VersionMajor, Minor: fsct.VersionMinor}
}

// RegisterPlayer adds a media source. selfID is a caller-supplied stable
// string used for diagnostics.
func (d *Driver) RegisterPlayer(selfID string) player.ID {
	return d.players.Register(selfID)
}

// UnregisterPlayer removes a player.
func (d *Driver) UnregisterPlayer(id player.ID) error {
	return d.players.Unregister(id)
}

// AssignPlayerToDevice binds a player to a connected device, replacing any
// prior assignment for that player.
func (d *Driver) AssignPlayerToDevice(id player.ID, dev device.ID) error {
	if !d.devices.Exists(dev) {
		return device.ErrNotFound
	}
	return d.players.Assign(id, dev)
}

// UnassignPlayerFromDevice drops a player's binding to a device.
func (d *Driver) UnassignPlayerFromDevice(id player.ID, dev device.ID) error {
	if !d.devices.Exists(dev) {
		return device.ErrNotFound
	}
	return d.players.Unassign(id, dev)
}

// UpdatePlayerState replaces a player's whole state snapshot.
func (d *Driver) UpdatePlayerState(id player.ID, state fsct.PlayerState) error {
	return d.players.UpdateState(id, state)
}

// UpdatePlayerStatus mutates only the player's status.
func (d *Driver) UpdatePlayerStatus(id player.ID, status fsct.Status) error {
	return d.players.UpdateStatus(id, status)
}

// UpdatePlayerTimeline mutates only the player's timeline; nil clears it.
func (d *Driver) UpdatePlayerTimeline(id player.ID, tl *fsct.TimelineInfo) error {
	return d.players.UpdateTimeline(id, tl)
}

// UpdatePlayerMetadata mutates one of the player's text slots; nil clears
// it.
func (d *Driver) UpdatePlayerMetadata(id player.ID, kind fsct.TextKind, value *string) error {
	return d.players.UpdateMetadata(id, kind, value)
}

// SetPreferredPlayer flags the user's current choice; nil clears it. Never
// fails: a stale id is silently cleared on the next lookup.
func (d *Driver) SetPreferredPlayer(id *player.ID) {
	d.players.SetPreferred(id)
}

// GetPreferredPlayer returns the preferred player, if still registered.
func (d *Driver) GetPreferredPlayer() *player.ID {
	return d.players.Preferred()
}

// GetPlayerAssignedDevice returns the player's current assignment, nil if
// none.
func (d *Driver) GetPlayerAssignedDevice(id player.ID) (*device.ID, error) {
	return d.players.AssignedDevice(id)
}

// SubscribePlayerEvents opens a subscription to the player event stream.
func (d *Driver) SubscribePlayerEvents() *events.Subscription[player.Event] {
	return d.players.Subscribe()
}

// SubscribeDeviceEvents opens a subscription to the device event stream.
func (d *Driver) SubscribeDeviceEvents() *events.Subscription[device.Event] {
	return d.devices.Subscribe()
}

// Players lists the registry for diagnostics.
func (d *Driver) Players() []player.Snapshot {
	return d.players.Players()
}

// Devices lists the connected device ids.
func (d *Driver) Devices() []device.ID {
	return d.devices.Devices()
}

// DeviceManager exposes the device registry to in-process composition
// (tests, the monitor tool).
func (d *Driver) DeviceManager() *device.Manager {
	return d.devices
}
