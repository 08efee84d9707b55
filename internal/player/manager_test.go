package player

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/events"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func recvPlayerEvent(t *testing.T, sub *events.Subscription[Event]) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestRegisterUnregister(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	a := m.Register("spotify")
	b := m.Register("mpd")
	require.NotEqual(t, a, b)

	players := m.Players()
	require.Len(t, players, 2)
	assert.Equal(t, "spotify", players[0].SelfID)

	require.NoError(t, m.Unregister(a))
	assert.ErrorIs(t, m.Unregister(a), ErrNotFound)
	require.Len(t, m.Players(), 1)
}

func TestRegistryMatchesOperationHistory(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(testLogger(), 16)
		defer m.Close()

		live := make(map[ID]struct{})
		var all []ID
		var steps = rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(all) == 0 || rapid.Boolean().Draw(t, "register") {
				id := m.Register("p")
				live[id] = struct{}{}
				all = append(all, id)
				continue
			}
			var id = rapid.SampledFrom(all).Draw(t, "victim")
			err := m.Unregister(id)
			if _, ok := live[id]; ok {
				if err != nil {
					t.Fatalf("unregister of live %d failed: %v", id, err)
				}
				delete(live, id)
			} else if err == nil {
				t.Fatalf("unregister of dead %d succeeded", id)
			}
		}

		got := make(map[ID]struct{})
		for _, p := range m.Players() {
			got[p.ID] = struct{}{}
		}
		if len(got) != len(live) {
			t.Fatalf("registry has %d players, expected %d", len(got), len(live))
		}
		for id := range live {
			if _, ok := got[id]; !ok {
				t.Fatalf("live player %d missing from registry", id)
			}
		}
	})
}

func TestAssignIsIdempotentAndReplaces(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()
	sub := m.Subscribe()
	defer sub.Close()

	p := m.Register("p")
	recvPlayerEvent(t, sub) // registered

	d1, d2 := device.ID(1), device.ID(2)
	require.NoError(t, m.Assign(p, d1))
	ev := recvPlayerEvent(t, sub)
	assert.Equal(t, EventAssigned, ev.Type)
	assert.Equal(t, d1, ev.Device)

	// Same assignment again: no event.
	require.NoError(t, m.Assign(p, d1))
	// Replacement publishes the new binding.
	require.NoError(t, m.Assign(p, d2))
	ev = recvPlayerEvent(t, sub)
	assert.Equal(t, EventAssigned, ev.Type)
	assert.Equal(t, d2, ev.Device)

	got, err := m.AssignedDevice(p)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d2, *got)
}

func TestUnassignOnlyMatchingDevice(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	p := m.Register("p")
	require.NoError(t, m.Assign(p, device.ID(1)))
	// Unassigning a device the player is not bound to changes nothing.
	require.NoError(t, m.Unassign(p, device.ID(2)))
	got, err := m.AssignedDevice(p)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, m.Unassign(p, device.ID(1)))
	got, err = m.AssignedDevice(p)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, m.Assign(ID(99), device.ID(1)), ErrNotFound)
}

func TestGranularUpdatesMutateOnlyTheirField(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	p := m.Register("p")
	tl := fsct.TimelineInfo{Position: 10 * time.Second, Rate: 1.0, UpdateTime: time.Now()}
	title := "Song"

	require.NoError(t, m.UpdateStatus(p, fsct.StatusPlaying))
	require.NoError(t, m.UpdateTimeline(p, &tl))
	require.NoError(t, m.UpdateMetadata(p, fsct.TextTitle, &title))

	state, err := m.State(p)
	require.NoError(t, err)
	assert.Equal(t, fsct.StatusPlaying, state.Status)
	require.NotNil(t, state.Timeline)
	assert.True(t, state.Timeline.Equal(tl))
	assert.Equal(t, map[fsct.TextKind]string{fsct.TextTitle: "Song"}, state.Texts)

	// A status change leaves timeline and metadata untouched.
	require.NoError(t, m.UpdateStatus(p, fsct.StatusPaused))
	state, err = m.State(p)
	require.NoError(t, err)
	assert.Equal(t, fsct.StatusPaused, state.Status)
	require.NotNil(t, state.Timeline)
	assert.Equal(t, "Song", state.Texts[fsct.TextTitle])

	// Clearing one slot leaves the others.
	require.NoError(t, m.UpdateMetadata(p, fsct.TextTitle, nil))
	state, err = m.State(p)
	require.NoError(t, err)
	_, ok := state.Text(fsct.TextTitle)
	assert.False(t, ok)
	require.NotNil(t, state.Timeline)
}

func TestStateUpdatedCoalescesSnapshot(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	p := m.Register("p")
	require.NoError(t, m.UpdateStatus(p, fsct.StatusPlaying))

	sub := m.Subscribe()
	defer sub.Close()
	title := "Song"
	require.NoError(t, m.UpdateMetadata(p, fsct.TextTitle, &title))

	ev := recvPlayerEvent(t, sub)
	assert.Equal(t, EventStateUpdated, ev.Type)
	// The event carries the whole coalesced state, not just the changed
	// field.
	assert.Equal(t, fsct.StatusPlaying, ev.State.Status)
	assert.Equal(t, "Song", ev.State.Texts[fsct.TextTitle])
}

func TestUpdateUnknownPlayer(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()
	assert.ErrorIs(t, m.UpdateStatus(ID(7), fsct.StatusPlaying), ErrNotFound)
	assert.ErrorIs(t, m.UpdateState(ID(7), fsct.PlayerState{}), ErrNotFound)
	_, err := m.State(ID(7))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreferredLifecycle(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	assert.Nil(t, m.Preferred())

	p := m.Register("p")
	m.SetPreferred(&p)
	got := m.Preferred()
	require.NotNil(t, got)
	assert.Equal(t, p, *got)

	// Unregistering the preferred player clears the flag.
	require.NoError(t, m.Unregister(p))
	assert.Nil(t, m.Preferred())

	// A stale id is accepted and lazily cleared on lookup.
	stale := ID(9999)
	m.SetPreferred(&stale)
	assert.Nil(t, m.Preferred())
}

func TestPreferredChangedEvents(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	p := m.Register("p")
	sub := m.Subscribe()
	defer sub.Close()

	m.SetPreferred(&p)
	ev := recvPlayerEvent(t, sub)
	assert.Equal(t, EventPreferredChanged, ev.Type)
	require.NotNil(t, ev.Preferred)
	assert.Equal(t, p, *ev.Preferred)

	m.SetPreferred(&p) // unchanged: no event
	m.SetPreferred(nil)
	ev = recvPlayerEvent(t, sub)
	assert.Equal(t, EventPreferredChanged, ev.Type)
	assert.Nil(t, ev.Preferred)
}

func TestEventSnapshotIsIsolated(t *testing.T) {
	m := NewManager(testLogger(), 16)
	defer m.Close()

	p := m.Register("p")
	sub := m.Subscribe()
	defer sub.Close()

	title := "Song"
	require.NoError(t, m.UpdateMetadata(p, fsct.TextTitle, &title))
	ev := recvPlayerEvent(t, sub)

	// Mutating the received snapshot must not leak into the registry.
	ev.State.Texts[fsct.TextTitle] = "Tampered"
	state, err := m.State(p)
	require.NoError(t, err)
	assert.Equal(t, "Song", state.Texts[fsct.TextTitle])
}
