// Package usb provides the transport layer for FSCT devices: discovery via
// BOS platform capability descriptors and the typed vendor control requests
// the protocol is built on.
package usb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// ErrNotFSCT is returned when a probed USB device carries no matching FSCT
// platform capability descriptor.
var ErrNotFSCT = errors.New("usb: device is not FSCT capable")

// ErrorKind classifies a failed transfer.
type ErrorKind int

const (
	// KindTransient errors are worth one retry after a short delay.
	KindTransient ErrorKind = iota
	// KindDevicePermanent errors mean the device must be disconnected.
	KindDevicePermanent
	// KindProtocolViolation means the device broke the FSCT contract
	// (including a STALL on a vendor request). The device is disconnected
	// and the violation logged at error level.
	KindProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDevicePermanent:
		return "permanent"
	case KindProtocolViolation:
		return "protocol-violation"
	default:
		return "invalid"
	}
}

// TransferError wraps a failed control transfer with its classification.
type TransferError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("usb: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Kind extracts the classification from err, defaulting to permanent for
// anything that is not a TransferError.
func Kind(err error) ErrorKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindDevicePermanent
}

// Port is a claimed FSCT control interface on an open USB device. All
// requests are class-type transfers addressed to the interface announced in
// the device's BOS descriptor. Implementations return *TransferError.
type Port interface {
	// In issues a device-to-host request and fills buf, returning the
	// number of bytes the device produced.
	In(ctx context.Context, request uint8, value uint16, buf []byte) (int, error)
	// Out issues a host-to-device request with the given data stage.
	Out(ctx context.Context, request uint8, value uint16, data []byte) error
	// Close releases the interface and the underlying device handle.
	Close() error
	// String identifies the device for diagnostics, e.g. "1:4".
	String() string
}

// DefaultTransientRetryDelay is the pause before the single retry of a
// transient transfer failure.
const DefaultTransientRetryDelay = 50 * time.Millisecond

// Client issues the typed FSCT operations over a Port. A transient failure
// is retried once after a short delay; the retry's failure is escalated to
// permanent so the caller drops the device.
type Client struct {
	port       Port
	log        *log.Logger
	retryDelay time.Duration
}

// NewClient wraps a port. A zero retryDelay selects the default.
func NewClient(port Port, logger *log.Logger, retryDelay time.Duration) *Client {
	if retryDelay <= 0 {
		retryDelay = DefaultTransientRetryDelay
	}
	return &Client{
		port:       port,
		log:        logger.With("device", port.String()),
		retryDelay: retryDelay,
	}
}

// Port returns the underlying port.
func (c *Client) Port() Port {
	return c.port
}

// Close releases the underlying port.
func (c *Client) Close() error {
	return c.port.Close()
}

func (c *Client) String() string {
	return c.port.String()
}

func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if Kind(err) != KindTransient {
		if Kind(err) == KindProtocolViolation {
			c.log.Error("device violated FSCT protocol", "op", op, "err", err)
		}
		return err
	}

	c.log.Debug("transient transfer failure, retrying once", "op", op, "err", err)
	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
		return &TransferError{Kind: KindTransient, Op: op, Err: ctx.Err()}
	}
	if err = fn(); err != nil {
		// Second failure: the device is treated as gone.
		return &TransferError{Kind: KindDevicePermanent, Op: op, Err: err}
	}
	return nil
}

// GetCapabilities reads the device's detailed capability block.
func (c *Client) GetCapabilities(ctx context.Context) (fsct.Capabilities, error) {
	var caps fsct.Capabilities
	err := c.do(ctx, "GetCapabilities", func() error {
		buf := make([]byte, fsct.CapabilityBlockLen)
		n, err := c.port.In(ctx, fsct.RequestGetCapabilities, 0, buf)
		if err != nil {
			return err
		}
		parsed, perr := fsct.ParseCapabilityBlock(buf[:n])
		if perr != nil {
			return &TransferError{Kind: KindProtocolViolation, Op: "GetCapabilities", Err: perr}
		}
		caps = parsed
		return nil
	})
	return caps, err
}

// GetDeviceTime reads the device's monotonic clock in microseconds.
func (c *Client) GetDeviceTime(ctx context.Context) (uint64, error) {
	var micros uint64
	err := c.do(ctx, "GetDeviceTime", func() error {
		buf := make([]byte, 8)
		n, err := c.port.In(ctx, fsct.RequestGetDeviceTime, 0, buf)
		if err != nil {
			return err
		}
		if n != 8 {
			return &TransferError{
				Kind: KindProtocolViolation,
				Op:   "GetDeviceTime",
				Err:  fmt.Errorf("expected 8 bytes, got %d", n),
			}
		}
		micros = binary.LittleEndian.Uint64(buf)
		return nil
	})
	return micros, err
}

// SetStatus writes the playback status slot.
func (c *Client) SetStatus(ctx context.Context, s fsct.Status) error {
	return c.do(ctx, "SetStatus", func() error {
		return c.port.Out(ctx, fsct.RequestSetStatus, 0, []byte{byte(s)})
	})
}

// SetTimeline writes a timeline record.
func (c *Client) SetTimeline(ctx context.Context, rec fsct.TimelineRecord) error {
	return c.do(ctx, "SetTimeline", func() error {
		return c.port.Out(ctx, fsct.RequestSetTimeline, 0, rec.Encode())
	})
}

// SetText writes one text slot. An empty payload clears the slot.
func (c *Client) SetText(ctx context.Context, kind fsct.TextKind, enc fsct.TextEncoding, payload []byte) error {
	return c.do(ctx, "SetText", func() error {
		return c.port.Out(ctx, fsct.RequestSetText, 0, fsct.EncodeTextRecord(kind, enc, payload))
	})
}

// SetEnabled switches FSCT display mode on or off.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, "SetEnabled", func() error {
		v := byte(0)
		if enabled {
			v = 1
		}
		return c.port.Out(ctx, fsct.RequestSetEnabled, 0, []byte{v})
	})
}
