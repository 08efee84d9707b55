// Package device owns connected FSCT devices: the per-device driver object
// that speaks the wire protocol, and the manager that allocates device ids,
// serializes the control surface and broadcasts connect/disconnect events.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// DefaultInitDeadline bounds the whole initialization handshake. A device
// that cannot come up within it is discarded; the watcher may retry on the
// next hot-plug event.
const DefaultInitDeadline = 500 * time.Millisecond

// ErrInitTimeout reports that device initialization exceeded its deadline.
var ErrInitTimeout = errors.New("device: initialization timed out")

// Driver owns one device's USB interface and exposes a typed, idempotent
// control API. It tracks the last state written to each slot and suppresses
// transfers that would not change anything. A failed transfer leaves the
// tracked state untouched, so the next recomputation retries the write.
//
// Driver methods are not safe for concurrent use; the manager serializes
// calls per device.
type Driver struct {
	client *usb.Client
	caps   fsct.Capabilities
	log    *log.Logger

	// offsetMicros = device monotonic clock - host wall clock, sampled
	// once during initialization. Not drift-corrected afterwards.
	offsetMicros int64

	lastStatus   *fsct.Status
	lastTimeline *fsct.TimelineInfo
	timelineSet  bool // false until the slot has been written at all
	lastTexts    map[fsct.TextKind]*string
}

// Initialize runs the FSCT bring-up handshake over an already-claimed port:
// read capabilities, sample the device clock, enable the display, write the
// cleared default state. On any failure the port is closed.
func Initialize(ctx context.Context, client *usb.Client, logger *log.Logger, deadline time.Duration) (*Driver, error) {
	if deadline <= 0 {
		deadline = DefaultInitDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	d := &Driver{
		client:    client,
		log:       logger.With("device", client.String()),
		lastTexts: make(map[fsct.TextKind]*string),
	}
	if err := d.initialize(ctx); err != nil {
		client.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitTimeout, err)
		}
		return nil, err
	}
	return d, nil
}

func (d *Driver) initialize(ctx context.Context) error {
	caps, err := d.client.GetCapabilities(ctx)
	if err != nil {
		return err
	}
	d.caps = caps

	// Sample the offset in the middle of the transfer window: average the
	// wall clock around the GetDeviceTime exchange.
	before := time.Now()
	deviceMicros, err := d.client.GetDeviceTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now()
	mid := before.Add(after.Sub(before) / 2)
	d.offsetMicros = int64(deviceMicros) - mid.UnixMicro()

	if err := d.client.SetEnabled(ctx, true); err != nil {
		return err
	}
	if err := d.writeDefaultState(ctx); err != nil {
		return err
	}

	d.log.Info("FSCT device initialized",
		"capabilities", fmt.Sprintf("0x%x", caps.Bits),
		"clock_offset_us", d.offsetMicros)
	return nil
}

// writeDefaultState clears every slot: status Unknown, no timeline, all
// texts empty.
func (d *Driver) writeDefaultState(ctx context.Context) error {
	if err := d.SetStatus(ctx, fsct.StatusUnknown); err != nil {
		return err
	}
	if err := d.SetTimeline(ctx, nil); err != nil {
		return err
	}
	for _, kind := range fsct.TextKinds {
		if err := d.SetText(ctx, kind, nil); err != nil {
			return err
		}
	}
	return nil
}

// Capabilities returns what the device firmware advertised.
func (d *Driver) Capabilities() fsct.Capabilities {
	return d.caps
}

// ClockOffsetMicros returns the device-minus-host clock offset.
func (d *Driver) ClockOffsetMicros() int64 {
	return d.offsetMicros
}

func (d *Driver) String() string {
	return d.client.String()
}

// Close releases the device's USB handle.
func (d *Driver) Close() error {
	return d.client.Close()
}

// SetStatus writes the status slot unless it already holds s.
func (d *Driver) SetStatus(ctx context.Context, s fsct.Status) error {
	if !d.caps.Has(fsct.CapStatus) {
		return nil
	}
	if d.lastStatus != nil && *d.lastStatus == s {
		return nil
	}
	if err := d.client.SetStatus(ctx, s); err != nil {
		return err
	}
	d.lastStatus = &s
	return nil
}

// SetTimeline writes the timeline slot; nil clears it. Two timelines are
// the same update only when position, duration, rate and update time all
// match.
func (d *Driver) SetTimeline(ctx context.Context, tl *fsct.TimelineInfo) error {
	if !d.caps.Has(fsct.CapTimeline) {
		return nil
	}
	if d.timelineSet && timelineEqual(d.lastTimeline, tl) {
		return nil
	}
	rec := fsct.ClearedTimelineRecord()
	if tl != nil {
		rec = tl.Record(d.offsetMicros)
	}
	if err := d.client.SetTimeline(ctx, rec); err != nil {
		return err
	}
	d.timelineSet = true
	if tl == nil {
		d.lastTimeline = nil
	} else {
		copied := *tl
		d.lastTimeline = &copied
	}
	return nil
}

// SetText writes one text slot; nil clears it. The value is encoded with
// the encoding the device advertised for the slot and truncated to the
// slot's byte budget at a code-unit boundary.
func (d *Driver) SetText(ctx context.Context, kind fsct.TextKind, value *string) error {
	if !d.caps.Has(fsct.CapText) || int(kind) >= fsct.TextKindCount {
		return nil
	}
	if last, written := d.lastTexts[kind]; written && textEqual(last, value) {
		return nil
	}
	slot := d.caps.TextSlots[kind]
	var payload []byte
	if value != nil {
		payload = fsct.EncodeText(*value, slot.Encoding, int(slot.MaxLength))
	}
	if err := d.client.SetText(ctx, kind, slot.Encoding, payload); err != nil {
		return err
	}
	if value == nil {
		d.lastTexts[kind] = nil
	} else {
		copied := *value
		d.lastTexts[kind] = &copied
	}
	return nil
}

// SetEnabled switches the device's FSCT display mode.
func (d *Driver) SetEnabled(ctx context.Context, enabled bool) error {
	return d.client.SetEnabled(ctx, enabled)
}

// Apply projects a full player state onto the device, writing only the
// slots that differ from what the device already shows.
func (d *Driver) Apply(ctx context.Context, state fsct.PlayerState) error {
	if err := d.SetStatus(ctx, state.Status); err != nil {
		return err
	}
	if err := d.SetTimeline(ctx, state.Timeline); err != nil {
		return err
	}
	for _, kind := range fsct.TextKinds {
		var value *string
		if v, ok := state.Text(kind); ok {
			value = &v
		}
		if err := d.SetText(ctx, kind, value); err != nil {
			return err
		}
	}
	return nil
}

// LastApplied reconstructs the device's current slot contents for
// diagnostics and tests.
func (d *Driver) LastApplied() fsct.PlayerState {
	s := fsct.PlayerState{Texts: make(map[fsct.TextKind]string)}
	if d.lastStatus != nil {
		s.Status = *d.lastStatus
	}
	if d.lastTimeline != nil {
		tl := *d.lastTimeline
		s.Timeline = &tl
	}
	for kind, v := range d.lastTexts {
		if v != nil {
			s.Texts[kind] = *v
		}
	}
	return s
}

func timelineEqual(a, b *fsct.TimelineInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func textEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
