package orchestrator

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/events"
	"github.com/HEM-RnD/fsct-host/internal/player"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// Orchestrator subscribes to both manager event streams and recomputes the
// per-device selection on every event. Recomputation reads fresh snapshots
// from the managers, so a Lagged marker on either stream costs nothing
// beyond one extra pass.
type Orchestrator struct {
	players *player.Manager
	devices *device.Manager
	log     *log.Logger

	// lastSelected remembers each device's previous winner so ties keep
	// the current choice instead of flapping.
	lastSelected map[device.ID]player.ID
}

// New wires an orchestrator to its managers.
func New(players *player.Manager, devices *device.Manager, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		players:      players,
		devices:      devices,
		log:          logger.With("component", "orchestrator"),
		lastSelected: make(map[device.ID]player.ID),
	}
}

// Run consumes events until ctx is cancelled. It is the single consumer of
// its own recomputation; events from both streams are coalesced into wake
// signals, and every wake recomputes from current snapshots.
func (o *Orchestrator) Run(ctx context.Context) error {
	playerSub := o.players.Subscribe()
	defer playerSub.Close()
	deviceSub := o.devices.Subscribe()
	defer deviceSub.Close()

	wake := make(chan struct{}, 1)
	pump := func(recv func(context.Context) error) {
		for {
			if err := recv(ctx); err != nil {
				var lagged *events.Lagged
				if errors.As(err, &lagged) {
					o.log.Warn("event stream lagged, resyncing from snapshot",
						"missed", lagged.Missed)
				} else {
					return
				}
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
	go pump(func(ctx context.Context) error {
		_, err := playerSub.Recv(ctx)
		return err
	})
	go pump(func(ctx context.Context) error {
		_, err := deviceSub.Recv(ctx)
		return err
	})

	// Devices connected before Run must not wait for the next event.
	o.recompute(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			o.recompute(ctx)
		}
	}
}

// recompute picks a winner for every connected device and applies the
// winner's state, or the cleared default state when no player qualifies.
func (o *Orchestrator) recompute(ctx context.Context) {
	devices := o.devices.Devices()
	players := o.players.Players()
	preferred := o.players.Preferred()

	connectedSet := make(map[device.ID]struct{}, len(devices))
	for _, id := range devices {
		connectedSet[id] = struct{}{}
	}
	connected := func(id device.ID) bool {
		_, ok := connectedSet[id]
		return ok
	}

	// Forget selections for devices that are gone; their ids never come
	// back.
	for dev := range o.lastSelected {
		if !connected(dev) {
			delete(o.lastSelected, dev)
		}
	}

	for _, dev := range devices {
		candidates := make([]candidate, 0, len(players))
		for _, p := range players {
			cat := categorize(p, dev, preferred, connected)
			if cat == catAssignedOther {
				// A player bound to another connected device never
				// qualifies here; an idle device does not borrow
				// state from another device's group.
				continue
			}
			candidates = append(candidates, candidate{
				id:           p.ID,
				cat:          cat,
				playing:      p.State.Status == fsct.StatusPlaying,
				lastSelected: o.lastSelected[dev] == p.ID,
				state:        p.State,
			})
		}

		winner, ok := selectPlayer(candidates)
		state := fsct.PlayerState{Status: fsct.StatusUnknown}
		if ok {
			state = winner.state
			o.lastSelected[dev] = winner.id
		} else {
			delete(o.lastSelected, dev)
		}

		if err := o.apply(ctx, dev, state); err != nil {
			// Device-side failures are state transitions, not errors
			// to propagate: the manager drops the device and the next
			// recomputation reconciles.
			o.log.Debug("apply failed", "device", dev, "err", err)
		}
	}
}

func (o *Orchestrator) apply(ctx context.Context, dev device.ID, state fsct.PlayerState) error {
	err := o.devices.Apply(ctx, dev, state)
	if errors.Is(err, device.ErrNotFound) || errors.Is(err, device.ErrDeviceGone) {
		return nil
	}
	return err
}
