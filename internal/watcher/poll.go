package watcher

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultPollInterval is how often PollSource re-enumerates the bus.
const DefaultPollInterval = time.Second

// PollSource synthesizes hot-plug events by periodically diffing the set of
// connected device keys. It is the fallback on platforms without a native
// hot-plug facility, and doubles as a deterministic source in tests.
type PollSource struct {
	keys     func() ([]string, error)
	interval time.Duration
	log      *log.Logger
}

// NewPollSource creates a polling source over a key enumerator (typically
// DeviceHost.Keys). A zero interval selects the default.
func NewPollSource(keys func() ([]string, error), interval time.Duration, logger *log.Logger) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollSource{
		keys:     keys,
		interval: interval,
		log:      logger.With("component", "usb-poll"),
	}
}

// Events starts the polling loop. The initial device set is not reported;
// the watcher's enumeration sweep covers it.
func (s *PollSource) Events(ctx context.Context) (<-chan Event, error) {
	seen := make(map[string]struct{})
	if keys, err := s.keys(); err == nil {
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			keys, err := s.keys()
			if err != nil {
				s.log.Debug("enumeration failed", "err", err)
				continue
			}
			current := make(map[string]struct{}, len(keys))
			for _, k := range keys {
				current[k] = struct{}{}
			}

			for k := range seen {
				if _, ok := current[k]; !ok {
					select {
					case out <- Event{Action: ActionRemove, Key: k}:
					case <-ctx.Done():
						return
					}
				}
			}
			for k := range current {
				if _, ok := seen[k]; !ok {
					select {
					case out <- Event{Action: ActionAdd, Key: k}:
					case <-ctx.Done():
						return
					}
				}
			}
			seen = current
		}
	}()
	return out, nil
}
