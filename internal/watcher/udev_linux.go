//go:build linux

package watcher

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
	udev "github.com/jochenvg/go-udev"
)

// UdevSource feeds USB hot-plug events from the kernel's udev netlink
// socket. Events are filtered to whole devices (devtype usb_device), not
// their interfaces.
type UdevSource struct {
	log *log.Logger
}

// NewUdevSource creates the Linux hot-plug source.
func NewUdevSource(logger *log.Logger) *UdevSource {
	return &UdevSource{log: logger.With("component", "udev")}
}

// Events subscribes to the udev monitor and translates its device events.
func (s *UdevSource) Events(ctx context.Context) (<-chan Event, error) {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystemDevtype("usb", "usb_device"); err != nil {
		return nil, fmt.Errorf("watcher: udev filter: %w", err)
	}
	ch, errCh, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, fmt.Errorf("watcher: udev monitor: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if ok && err != nil {
					s.log.Warn("udev monitor error", "err", err)
				}
			case d, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := s.translate(d)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *UdevSource) translate(d *udev.Device) (Event, bool) {
	var action Action
	switch d.Action() {
	case "add":
		action = ActionAdd
	case "remove":
		action = ActionRemove
	default:
		return Event{}, false
	}

	bus, err := strconv.Atoi(d.PropertyValue("BUSNUM"))
	if err != nil {
		return Event{}, false
	}
	addr, err := strconv.Atoi(d.PropertyValue("DEVNUM"))
	if err != nil {
		return Event{}, false
	}
	return Event{Action: action, Key: fmt.Sprintf("%d:%d", bus, addr)}, true
}
