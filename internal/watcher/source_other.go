//go:build !linux

package watcher

import "github.com/charmbracelet/log"

// NewPlatformSource returns the native hot-plug source for this OS. Without
// a netlink facility the bus is polled.
func NewPlatformSource(host DeviceHost, logger *log.Logger) Source {
	return NewPollSource(host.Keys, DefaultPollInterval, logger)
}
