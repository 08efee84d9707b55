// Package usbtest provides an in-memory FSCT device implementing usb.Port,
// shared by the driver, manager, orchestrator and watcher tests.
package usbtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// Op is one control transfer observed by the mock device.
type Op struct {
	Request uint8
	In      bool
	Data    []byte // data stage of OUT requests
}

// Port is a mock FSCT device. It answers GetCapabilities and GetDeviceTime
// from fixed values, records every transfer, and can be told to fail
// specific requests.
type Port struct {
	mu sync.Mutex

	Caps       fsct.Capabilities
	DeviceTime uint64 // monotonic microseconds reported by GetDeviceTime
	Name       string

	ops      []Op
	failures map[uint8][]error // per-request error queues, consumed in order
	closed   bool
}

// NewPort creates a mock device advertising full capabilities with UTF-8
// text slots of 256 bytes.
func NewPort(name string) *Port {
	caps := fsct.Capabilities{Bits: fsct.CapStatus | fsct.CapTimeline | fsct.CapText}
	for i := range caps.TextSlots {
		caps.TextSlots[i] = fsct.TextSlot{Encoding: fsct.EncodingUTF8, MaxLength: 256}
	}
	return &Port{
		Caps:       caps,
		DeviceTime: 5_000_000,
		Name:       name,
		failures:   make(map[uint8][]error),
	}
}

// FailNext queues an error for the next transfer with the given request
// code. Multiple calls queue multiple failures.
func (p *Port) FailNext(request uint8, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[request] = append(p.failures[request], err)
}

func (p *Port) takeFailure(request uint8) error {
	q := p.failures[request]
	if len(q) == 0 {
		return nil
	}
	p.failures[request] = q[1:]
	return q[0]
}

// Ops returns a copy of all recorded transfers.
func (p *Port) Ops() []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Op, len(p.ops))
	copy(out, p.ops)
	return out
}

// Outs returns only the recorded OUT transfers with the given request code.
func (p *Port) Outs(request uint8) []Op {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Op
	for _, op := range p.ops {
		if !op.In && op.Request == request {
			out = append(out, op)
		}
	}
	return out
}

// Reset discards the recorded transfers.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = nil
}

// Closed reports whether the port has been released.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// In implements usb.Port.
func (p *Port) In(ctx context.Context, request uint8, value uint16, buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(request); err != nil {
		return 0, err
	}
	p.ops = append(p.ops, Op{Request: request, In: true})
	switch request {
	case fsct.RequestGetCapabilities:
		return copy(buf, fsct.EncodeCapabilityBlock(p.Caps)), nil
	case fsct.RequestGetDeviceTime:
		if len(buf) < 8 {
			return 0, &usb.TransferError{Kind: usb.KindProtocolViolation, Op: "in", Err: fmt.Errorf("short buffer")}
		}
		binary.LittleEndian.PutUint64(buf, p.DeviceTime)
		return 8, nil
	default:
		return 0, &usb.TransferError{Kind: usb.KindProtocolViolation, Op: "in", Err: fmt.Errorf("unknown request 0x%02x", request)}
	}
}

// Out implements usb.Port.
func (p *Port) Out(ctx context.Context, request uint8, value uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(request); err != nil {
		return err
	}
	recorded := make([]byte, len(data))
	copy(recorded, data)
	p.ops = append(p.ops, Op{Request: request, Data: recorded})
	return nil
}

// Close implements usb.Port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Port) String() string {
	if p.Name != "" {
		return p.Name
	}
	return "mock"
}

// Transient builds a transient transfer error for fail injection.
func Transient(op string) error {
	return &usb.TransferError{Kind: usb.KindTransient, Op: op, Err: fmt.Errorf("injected transient failure")}
}

// Permanent builds a permanent transfer error for fail injection.
func Permanent(op string) error {
	return &usb.TransferError{Kind: usb.KindDevicePermanent, Op: op, Err: fmt.Errorf("injected permanent failure")}
}

// Stall builds a protocol-violation error for fail injection.
func Stall(op string) error {
	return &usb.TransferError{Kind: usb.KindProtocolViolation, Op: op, Err: fmt.Errorf("injected stall")}
}
