//go:build linux

package watcher

import "github.com/charmbracelet/log"

// NewPlatformSource returns the native hot-plug source for this OS.
func NewPlatformSource(host DeviceHost, logger *log.Logger) Source {
	return NewUdevSource(logger)
}
