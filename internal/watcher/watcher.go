// Package watcher turns OS hot-plug events into managed FSCT devices: it
// probes new USB devices for the FSCT capability, runs the initialization
// handshake with retry on transient failure, and registers survivors with
// the device manager.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// Action is a hot-plug event kind.
type Action int

const (
	ActionAdd Action = iota
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// Event is one hot-plug notification. Key is the stable per-connection
// device key ("bus:addr").
type Event struct {
	Action Action
	Key    string
}

// Source yields hot-plug events from the platform USB facility.
type Source interface {
	// Events starts the source. The returned channel is closed when ctx
	// is cancelled or the source fails.
	Events(ctx context.Context) (<-chan Event, error)
}

// DeviceHost abstracts the USB host side the watcher drives.
type DeviceHost interface {
	// Keys lists the device keys currently present on the bus.
	Keys() ([]string, error)
	// Probe opens and claims the FSCT interface of the device at key,
	// returning usb.ErrNotFSCT for ordinary devices.
	Probe(key string) (usb.Port, fsct.PlatformCapability, error)
}

// Config tunes the watcher's retry behavior.
type Config struct {
	// InitRetries is the number of attempts for a transiently failing
	// device before giving up on it.
	InitRetries int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
	// TransientRetryDelay is passed through to the transfer client.
	TransientRetryDelay time.Duration
	// InitDeadline bounds the initialization handshake.
	InitDeadline time.Duration
}

// DefaultConfig returns the retry policy used when the caller does not
// override it.
func DefaultConfig() Config {
	return Config{
		InitRetries:         3,
		RetryBackoff:        100 * time.Millisecond,
		TransientRetryDelay: usb.DefaultTransientRetryDelay,
		InitDeadline:        device.DefaultInitDeadline,
	}
}

// Watcher owns the hot-plug loop. Run is the only entry point; the watcher
// keeps the key-to-device-id mapping needed to translate removals.
type Watcher struct {
	source  Source
	host    DeviceHost
	devices *device.Manager
	cfg     Config
	log     *log.Logger

	byKey map[string]device.ID
}

// New wires a watcher. Zero-valued Config fields fall back to defaults.
func New(source Source, host DeviceHost, devices *device.Manager, cfg Config, logger *log.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.InitRetries <= 0 {
		cfg.InitRetries = def.InitRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.TransientRetryDelay <= 0 {
		cfg.TransientRetryDelay = def.TransientRetryDelay
	}
	if cfg.InitDeadline <= 0 {
		cfg.InitDeadline = def.InitDeadline
	}
	return &Watcher{
		source:  source,
		host:    host,
		devices: devices,
		cfg:     cfg,
		log:     logger.With("component", "watcher"),
		byKey:   make(map[string]device.ID),
	}
}

// Run performs an initial enumeration sweep, then consumes hot-plug events
// until ctx is cancelled. Hot-plug alone would miss devices already
// connected at service start.
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.source.Events(ctx)
	if err != nil {
		return err
	}

	keys, err := w.host.Keys()
	if err != nil {
		w.log.Warn("initial USB enumeration failed", "err", err)
	}
	for _, key := range keys {
		w.handleAdd(ctx, key)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("watcher: hot-plug source closed")
			}
			switch ev.Action {
			case ActionAdd:
				w.handleAdd(ctx, ev.Key)
			case ActionRemove:
				w.handleRemove(ev.Key)
			}
		}
	}
}

func (w *Watcher) handleAdd(ctx context.Context, key string) {
	if id, ok := w.byKey[key]; ok {
		if w.devices.Exists(id) {
			return
		}
		// The manager dropped the device on an I/O error; the key is
		// free to be probed again.
		delete(w.byKey, key)
	}

	for attempt := 0; attempt < w.cfg.InitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.cfg.RetryBackoff):
			case <-ctx.Done():
				return
			}
		}

		port, pc, err := w.host.Probe(key)
		if errors.Is(err, usb.ErrNotFSCT) {
			return
		}
		if err != nil {
			if usb.Kind(err) == usb.KindTransient {
				w.log.Debug("probe failed transiently", "device", key, "attempt", attempt+1, "err", err)
				continue
			}
			w.log.Warn("dropping device after probe failure", "device", key, "err", err)
			return
		}

		client := usb.NewClient(port, w.log, w.cfg.TransientRetryDelay)
		drv, err := device.Initialize(ctx, client, w.log, w.cfg.InitDeadline)
		if err != nil {
			if usb.Kind(err) == usb.KindTransient && !errors.Is(err, device.ErrInitTimeout) {
				w.log.Debug("initialization failed transiently", "device", key, "attempt", attempt+1, "err", err)
				continue
			}
			w.log.Warn("dropping device after failed initialization", "device", key, "err", err)
			return
		}

		id, err := w.devices.Add(drv)
		if err != nil {
			drv.Close()
			return
		}
		w.byKey[key] = id
		w.log.Info("FSCT device connected",
			"device", key, "id", id, "protocol", pc.Version)
		return
	}
	w.log.Warn("giving up on device after repeated transient failures",
		"device", key, "attempts", w.cfg.InitRetries)
}

func (w *Watcher) handleRemove(key string) {
	id, ok := w.byKey[key]
	if !ok {
		return
	}
	delete(w.byKey, key)
	w.devices.Remove(id)
}
