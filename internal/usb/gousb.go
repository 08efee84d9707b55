package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/gousb"

	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// Standard request bits used for the BOS descriptor fetch.
const (
	reqGetDescriptor      = 0x06
	defaultControlTimeout = 1 * time.Second
)

// Host owns a libusb context and opens FSCT devices by their bus:address
// key. It is the production implementation behind the hot-plug watcher.
type Host struct {
	ctx *gousb.Context
	log *log.Logger
}

// NewHost initializes a libusb context.
func NewHost(logger *log.Logger) *Host {
	return &Host{
		ctx: gousb.NewContext(),
		log: logger.With("component", "usb"),
	}
}

// Close releases the libusb context. All ports must be closed first.
func (h *Host) Close() error {
	return h.ctx.Close()
}

// Keys lists the bus:address keys of every USB device currently connected.
func (h *Host) Keys() ([]string, error) {
	var keys []string
	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		keys = append(keys, fmt.Sprintf("%d:%d", desc.Bus, desc.Address))
		return false
	})
	// The filter rejects everything; anything the API still returned is
	// open and must not leak.
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return keys, fmt.Errorf("usb: enumeration failed: %w", err)
	}
	return keys, nil
}

// ParseKey splits a "bus:addr" key.
func ParseKey(key string) (bus, addr int, err error) {
	if _, err = fmt.Sscanf(key, "%d:%d", &bus, &addr); err != nil {
		return 0, 0, fmt.Errorf("usb: bad device key %q: %w", key, err)
	}
	return bus, addr, nil
}

// Probe opens the device at key, scans its BOS for the FSCT capability and,
// on a match, claims the announced interface. Returns ErrNotFSCT for
// ordinary devices.
func (h *Host) Probe(key string) (Port, fsct.PlatformCapability, error) {
	bus, addr, err := ParseKey(key)
	if err != nil {
		return nil, fsct.PlatformCapability{}, err
	}

	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == addr
	})
	if err != nil && len(devs) == 0 {
		return nil, fsct.PlatformCapability{}, classifyErr("open", err)
	}
	if len(devs) == 0 {
		return nil, fsct.PlatformCapability{}, &TransferError{
			Kind: KindDevicePermanent,
			Op:   "open",
			Err:  fmt.Errorf("device %s no longer present", key),
		}
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev.ControlTimeout = defaultControlTimeout

	pc, err := h.scanDevice(dev, key)
	if err != nil {
		dev.Close()
		return nil, fsct.PlatformCapability{}, err
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fsct.PlatformCapability{}, classifyErr("autodetach", err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, fsct.PlatformCapability{}, classifyErr("config", err)
	}
	intf, err := cfg.Interface(int(pc.Interface), 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fsct.PlatformCapability{}, classifyErr("claim", err)
	}

	h.log.Debug("claimed FSCT interface",
		"device", key, "interface", pc.Interface, "version", pc.Version)
	return &gousbPort{
		dev:   dev,
		cfg:   cfg,
		intf:  intf,
		ifnum: uint16(pc.Interface),
		key:   key,
	}, pc, nil
}

// scanDevice fetches the BOS store and looks for the FSCT capability.
func (h *Host) scanDevice(dev *gousb.Device, key string) (fsct.PlatformCapability, error) {
	header := make([]byte, bosHeaderLen)
	if _, err := h.getDescriptor(dev, header); err != nil {
		// Devices below USB 2.1 have no BOS at all; that is simply not
		// an FSCT device, not a failure.
		return fsct.PlatformCapability{}, ErrNotFSCT
	}
	total, err := ParseBOSTotalLength(header)
	if err != nil {
		return fsct.PlatformCapability{}, ErrNotFSCT
	}
	full := make([]byte, total)
	n, err := h.getDescriptor(dev, full)
	if err != nil {
		return fsct.PlatformCapability{}, classifyErr("bos", err)
	}
	pc, ok := ScanBOS(full[:n], h.log.With("device", key))
	if !ok {
		return fsct.PlatformCapability{}, ErrNotFSCT
	}
	return pc, nil
}

func (h *Host) getDescriptor(dev *gousb.Device, buf []byte) (int, error) {
	rType := uint8(gousb.ControlIn | gousb.ControlStandard | gousb.ControlDevice)
	return dev.Control(rType, reqGetDescriptor, uint16(descTypeBOS)<<8, 0, buf)
}

// gousbPort is the libusb-backed Port. The interface claim pins the device
// configuration; Close releases both.
type gousbPort struct {
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	ifnum uint16
	key   string
}

func (p *gousbPort) In(ctx context.Context, request uint8, value uint16, buf []byte) (int, error) {
	p.applyDeadline(ctx)
	rType := uint8(gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface)
	n, err := p.dev.Control(rType, request, value, p.ifnum, buf)
	if err != nil {
		return 0, classifyErr(fmt.Sprintf("in(0x%02x)", request), err)
	}
	return n, nil
}

func (p *gousbPort) Out(ctx context.Context, request uint8, value uint16, data []byte) error {
	p.applyDeadline(ctx)
	rType := uint8(gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface)
	if _, err := p.dev.Control(rType, request, value, p.ifnum, data); err != nil {
		return classifyErr(fmt.Sprintf("out(0x%02x)", request), err)
	}
	return nil
}

func (p *gousbPort) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain > 0 {
			p.dev.ControlTimeout = remain
			return
		}
	}
	p.dev.ControlTimeout = defaultControlTimeout
}

func (p *gousbPort) Close() error {
	p.intf.Close()
	if err := p.cfg.Close(); err != nil {
		p.dev.Close()
		return err
	}
	return p.dev.Close()
}

func (p *gousbPort) String() string {
	return p.key
}

// classifyErr maps libusb failures onto the FSCT error taxonomy. A STALL on
// a vendor request is a protocol violation by definition.
func classifyErr(op string, err error) error {
	kind := KindDevicePermanent
	var le gousb.Error
	if errors.As(err, &le) {
		switch le {
		case gousb.ErrorPipe:
			kind = KindProtocolViolation
		case gousb.ErrorIO, gousb.ErrorTimeout, gousb.ErrorBusy, gousb.ErrorInterrupted, gousb.ErrorOverflow:
			kind = KindTransient
		case gousb.ErrorNoDevice, gousb.ErrorNotFound, gousb.ErrorAccess:
			kind = KindDevicePermanent
		}
	}
	return &TransferError{Kind: kind, Op: op, Err: err}
}
