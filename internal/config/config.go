// Package config loads the daemon configuration. The core consumes a plain
// struct; no environment variables are read.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string like \"100ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// USBConfig tunes device bring-up and transfer retries.
type USBConfig struct {
	// InitRetries is the number of attempts for a transiently failing
	// device before it is dropped.
	InitRetries int `yaml:"init_retries"`
	// RetryBackoff is the pause between bring-up attempts.
	RetryBackoff Duration `yaml:"retry_backoff"`
	// TransientRetryDelay is the pause before the single retry of a
	// transient control transfer.
	TransientRetryDelay Duration `yaml:"transient_retry_delay"`
	// InitDeadline bounds the whole initialization handshake.
	InitDeadline Duration `yaml:"init_deadline"`
}

// Config is the daemon configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// EventBuffer sizes each broadcast event stream.
	EventBuffer int       `yaml:"event_buffer"`
	USB         USBConfig `yaml:"usb"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:    "info",
		EventBuffer: 256,
		USB: USBConfig{
			InitRetries:         3,
			RetryBackoff:        Duration(100 * time.Millisecond),
			TransientRetryDelay: Duration(50 * time.Millisecond),
			InitDeadline:        Duration(500 * time.Millisecond),
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
