package device

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/internal/usb/usbtest"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestDriver(t *testing.T, port *usbtest.Port) *Driver {
	t.Helper()
	client := usb.NewClient(port, testLogger(), time.Millisecond)
	drv, err := Initialize(context.Background(), client, testLogger(), time.Second)
	require.NoError(t, err)
	return drv
}

func TestInitializeSequence(t *testing.T) {
	port := usbtest.NewPort("1:2")
	newTestDriver(t, port)

	ops := port.Ops()
	require.Len(t, ops, 9)

	assert.Equal(t, fsct.RequestGetCapabilities, ops[0].Request)
	assert.Equal(t, fsct.RequestGetDeviceTime, ops[1].Request)

	assert.Equal(t, fsct.RequestSetEnabled, ops[2].Request)
	assert.Equal(t, []byte{1}, ops[2].Data)

	// Default state: Unknown status, cleared timeline, all texts cleared.
	assert.Equal(t, fsct.RequestSetStatus, ops[3].Request)
	assert.Equal(t, []byte{byte(fsct.StatusUnknown)}, ops[3].Data)

	assert.Equal(t, fsct.RequestSetTimeline, ops[4].Request)
	rec, err := fsct.DecodeTimelineRecord(ops[4].Data)
	require.NoError(t, err)
	assert.Equal(t, fsct.ClearedTimelineRecord(), rec)

	for i, kind := range fsct.TextKinds {
		op := ops[5+i]
		assert.Equal(t, fsct.RequestSetText, op.Request)
		gotKind, _, payload, err := fsct.DecodeTextRecord(op.Data)
		require.NoError(t, err)
		assert.Equal(t, kind, gotKind)
		assert.Empty(t, payload)
	}
}

func TestInitializeClockOffset(t *testing.T) {
	port := usbtest.NewPort("1:2")
	port.DeviceTime = 7_000_000

	before := time.Now().UnixMicro()
	drv := newTestDriver(t, port)
	after := time.Now().UnixMicro()

	// offset = device_now - host_wall_now, sampled inside [before, after].
	assert.GreaterOrEqual(t, drv.ClockOffsetMicros(), 7_000_000-after)
	assert.LessOrEqual(t, drv.ClockOffsetMicros(), 7_000_000-before)
}

func TestInitializeFailureClosesPort(t *testing.T) {
	port := usbtest.NewPort("1:2")
	port.FailNext(fsct.RequestGetCapabilities, usbtest.Stall("caps"))

	client := usb.NewClient(port, testLogger(), time.Millisecond)
	_, err := Initialize(context.Background(), client, testLogger(), time.Second)
	require.Error(t, err)
	assert.True(t, port.Closed())
}

func TestInitializeTimeout(t *testing.T) {
	port := usbtest.NewPort("1:2")
	// Every attempt fails transiently; the retry pauses burn through the
	// deadline before the handshake can finish.
	for i := 0; i < 8; i++ {
		port.FailNext(fsct.RequestGetCapabilities, usbtest.Transient("caps"))
	}
	client := usb.NewClient(port, testLogger(), 20*time.Millisecond)
	_, err := Initialize(context.Background(), client, testLogger(), 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitTimeout)
	assert.True(t, port.Closed())
}

func TestSetStatusDuplicateSuppression(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	port.Reset()
	ctx := context.Background()

	require.NoError(t, drv.SetStatus(ctx, fsct.StatusPlaying))
	require.NoError(t, drv.SetStatus(ctx, fsct.StatusPlaying))
	require.NoError(t, drv.SetStatus(ctx, fsct.StatusPaused))

	outs := port.Outs(fsct.RequestSetStatus)
	require.Len(t, outs, 2)
	assert.Equal(t, []byte{byte(fsct.StatusPlaying)}, outs[0].Data)
	assert.Equal(t, []byte{byte(fsct.StatusPaused)}, outs[1].Data)
}

func TestSetTimelineEqualityIsExact(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	port.Reset()
	ctx := context.Background()

	t0 := time.Now()
	tl := fsct.TimelineInfo{Position: 10 * time.Second, Duration: 200 * time.Second, Rate: 1.0, UpdateTime: t0}
	require.NoError(t, drv.SetTimeline(ctx, &tl))
	// Identical snapshot: suppressed.
	same := tl
	require.NoError(t, drv.SetTimeline(ctx, &same))
	// Same extrapolated position, newer update time: transmitted. The
	// driver does not predict drift.
	newer := tl
	newer.UpdateTime = t0.Add(time.Second)
	newer.Position = 11 * time.Second
	require.NoError(t, drv.SetTimeline(ctx, &newer))

	assert.Len(t, port.Outs(fsct.RequestSetTimeline), 2)
}

func TestSetTimelineClear(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	ctx := context.Background()

	tl := fsct.TimelineInfo{Position: time.Second, Rate: 1.0, UpdateTime: time.Now()}
	require.NoError(t, drv.SetTimeline(ctx, &tl))
	port.Reset()

	require.NoError(t, drv.SetTimeline(ctx, nil))
	require.NoError(t, drv.SetTimeline(ctx, nil)) // already cleared

	outs := port.Outs(fsct.RequestSetTimeline)
	require.Len(t, outs, 1)
	rec, err := fsct.DecodeTimelineRecord(outs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, fsct.TimelineFlagCleared, rec.Flags)
	assert.Zero(t, rec.PositionMicros)
}

func TestSetTimelineAnchorTranslation(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	port.Reset()

	t0 := time.Now()
	tl := fsct.TimelineInfo{Position: 10 * time.Second, Duration: 200 * time.Second, Rate: 1.0, UpdateTime: t0}
	require.NoError(t, drv.SetTimeline(context.Background(), &tl))

	outs := port.Outs(fsct.RequestSetTimeline)
	require.Len(t, outs, 1)
	rec, err := fsct.DecodeTimelineRecord(outs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), rec.PositionMicros)
	assert.Equal(t, uint64(200_000_000), rec.DurationMicros)
	assert.Equal(t, int32(1000), rec.RateMilli)
	assert.Equal(t, uint64(t0.UnixMicro()+drv.ClockOffsetMicros()), rec.AnchorMicros)
}

func TestSetTextEncodesPerSlot(t *testing.T) {
	port := usbtest.NewPort("1:2")
	port.Caps.TextSlots[fsct.TextTitle] = fsct.TextSlot{Encoding: fsct.EncodingUCS2, MaxLength: 8}
	drv := newTestDriver(t, port)
	port.Reset()

	title := "abcdefgh" // 16 bytes in UCS-2, truncated to 8
	require.NoError(t, drv.SetText(context.Background(), fsct.TextTitle, &title))

	outs := port.Outs(fsct.RequestSetText)
	require.Len(t, outs, 1)
	kind, enc, payload, err := fsct.DecodeTextRecord(outs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, fsct.TextTitle, kind)
	assert.Equal(t, fsct.EncodingUCS2, enc)
	assert.Len(t, payload, 8)
	assert.Equal(t, "abcd", fsct.DecodeText(payload, fsct.EncodingUCS2))
}

func TestSetTextDuplicateAndClear(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	port.Reset()
	ctx := context.Background()

	song := "Song"
	require.NoError(t, drv.SetText(ctx, fsct.TextTitle, &song))
	require.NoError(t, drv.SetText(ctx, fsct.TextTitle, &song)) // suppressed
	require.NoError(t, drv.SetText(ctx, fsct.TextTitle, nil))   // cleared

	outs := port.Outs(fsct.RequestSetText)
	require.Len(t, outs, 2)
	_, _, payload, err := fsct.DecodeTextRecord(outs[1].Data)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestFailedWriteDoesNotUpdateLastApplied(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	port.Reset()
	ctx := context.Background()

	port.FailNext(fsct.RequestSetStatus, usbtest.Permanent("status"))
	err := drv.SetStatus(ctx, fsct.StatusPlaying)
	require.Error(t, err)

	// The retry after the failure must transmit: last applied still holds
	// the pre-failure value.
	require.NoError(t, drv.SetStatus(ctx, fsct.StatusPlaying))
	outs := port.Outs(fsct.RequestSetStatus)
	require.Len(t, outs, 1)
	assert.Equal(t, []byte{byte(fsct.StatusPlaying)}, outs[0].Data)
}

func TestApplyWritesOnlyChangedFields(t *testing.T) {
	port := usbtest.NewPort("1:2")
	drv := newTestDriver(t, port)
	ctx := context.Background()

	t0 := time.Now()
	state := fsct.PlayerState{
		Status:   fsct.StatusPlaying,
		Timeline: &fsct.TimelineInfo{Position: 10 * time.Second, Duration: 200 * time.Second, Rate: 1.0, UpdateTime: t0},
		Texts:    map[fsct.TextKind]string{fsct.TextTitle: "Song"},
	}
	port.Reset()
	require.NoError(t, drv.Apply(ctx, state))

	ops := port.Ops()
	require.Len(t, ops, 3)
	assert.Equal(t, fsct.RequestSetStatus, ops[0].Request)
	assert.Equal(t, fsct.RequestSetTimeline, ops[1].Request)
	assert.Equal(t, fsct.RequestSetText, ops[2].Request)

	// Only the status changes: one transfer.
	port.Reset()
	next := state.Clone()
	next.Status = fsct.StatusPaused
	require.NoError(t, drv.Apply(ctx, next))

	ops = port.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, fsct.RequestSetStatus, ops[0].Request)
	assert.Equal(t, []byte{byte(fsct.StatusPaused)}, ops[0].Data)
}

func TestCapabilityGating(t *testing.T) {
	port := usbtest.NewPort("1:2")
	port.Caps.Bits = fsct.CapStatus // no timeline, no text
	drv := newTestDriver(t, port)
	port.Reset()
	ctx := context.Background()

	tl := fsct.TimelineInfo{Position: time.Second, Rate: 1.0, UpdateTime: time.Now()}
	require.NoError(t, drv.SetTimeline(ctx, &tl))
	title := "Song"
	require.NoError(t, drv.SetText(ctx, fsct.TextTitle, &title))

	assert.Empty(t, port.Outs(fsct.RequestSetTimeline))
	assert.Empty(t, port.Outs(fsct.RequestSetText))
}
