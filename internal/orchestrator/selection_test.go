package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/player"
)

func candidateGen() *rapid.Generator[candidate] {
	return rapid.Custom(func(t *rapid.T) candidate {
		return candidate{
			id:           player.ID(rapid.Uint64Range(1, 8).Draw(t, "id")),
			cat:          category(rapid.IntRange(0, 3).Draw(t, "cat")),
			playing:      rapid.Boolean().Draw(t, "playing"),
			lastSelected: rapid.Boolean().Draw(t, "last"),
		}
	})
}

func TestComparatorIsTotalAndAntisymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var a = candidateGen().Draw(t, "a")
		var b = candidateGen().Draw(t, "b")
		if a == b {
			if beats(a, b) {
				t.Fatalf("candidate beats itself: %+v", a)
			}
			return
		}
		if beats(a, b) == beats(b, a) {
			t.Fatalf("comparator not antisymmetric-total for %+v vs %+v", a, b)
		}
	})
}

func TestComparatorIsTransitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var a = candidateGen().Draw(t, "a")
		var b = candidateGen().Draw(t, "b")
		var c = candidateGen().Draw(t, "c")
		if beats(a, b) && beats(b, c) && !beats(a, c) {
			t.Fatalf("comparator not transitive: %+v > %+v > %+v but not %+v > %+v",
				a, b, c, a, c)
		}
	})
}

func cand(id player.ID, cat category, playing bool) candidate {
	return candidate{id: id, cat: cat, playing: playing}
}

func TestComparatorBothPlayingUsesAssignmentOrder(t *testing.T) {
	here := cand(1, catAssignedHere, true)
	user := cand(2, catUserSelected, true)
	unassigned := cand(3, catUnassigned, true)
	other := cand(4, catAssignedOther, true)

	assert.True(t, beats(here, user))
	assert.True(t, beats(user, unassigned))
	assert.True(t, beats(unassigned, other))
	assert.True(t, beats(here, other))
}

func TestComparatorBothIdlePreferredWinsOverEverything(t *testing.T) {
	user := cand(1, catUserSelected, false)
	here := cand(2, catAssignedHere, false)
	unassigned := cand(3, catUnassigned, false)

	// Even a player assigned to this device loses to the preferred one
	// when both are idle.
	assert.True(t, beats(user, here))
	assert.True(t, beats(user, unassigned))
	assert.True(t, beats(here, unassigned))
}

func TestComparatorSameCategoryPlayingWins(t *testing.T) {
	for _, cat := range []category{catAssignedHere, catUserSelected, catUnassigned, catAssignedOther} {
		playing := cand(1, cat, true)
		idle := cand(2, cat, false)
		assert.True(t, beats(playing, idle), "category %v", cat)
		assert.False(t, beats(idle, playing), "category %v", cat)
	}
}

func TestComparatorMixedPlayingGenerallyWins(t *testing.T) {
	assert.True(t, beats(cand(1, catAssignedHere, true), cand(2, catUserSelected, false)))
	assert.True(t, beats(cand(1, catUserSelected, true), cand(2, catAssignedHere, false)))
	assert.True(t, beats(cand(1, catUnassigned, true), cand(2, catAssignedHere, false)))
	assert.True(t, beats(cand(1, catUnassigned, true), cand(2, catUnassigned, false)))
}

func TestComparatorPlayingUnassignedLosesToIdlePreferred(t *testing.T) {
	unassigned := cand(1, catUnassigned, true)
	preferred := cand(2, catUserSelected, false)
	assert.True(t, beats(preferred, unassigned))
	assert.False(t, beats(unassigned, preferred))
}

func TestComparatorPlayingAssignedElsewhereNeverWins(t *testing.T) {
	other := cand(1, catAssignedOther, true)
	for _, b := range []candidate{
		cand(2, catAssignedHere, false),
		cand(3, catUserSelected, false),
		cand(4, catUnassigned, false),
	} {
		assert.True(t, beats(b, other), "vs %+v", b)
		assert.False(t, beats(other, b), "vs %+v", b)
	}
}

func TestComparatorTieKeepsPreviousSelection(t *testing.T) {
	prev := candidate{id: 5, cat: catUnassigned, playing: true, lastSelected: true}
	challenger := candidate{id: 1, cat: catUnassigned, playing: true}
	assert.True(t, beats(prev, challenger))
	assert.False(t, beats(challenger, prev))
}

func TestSelectPlayerIsComparatorMaximum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var candidates = rapid.SliceOfN(candidateGen(), 0, 8).Draw(t, "candidates")
		winner, ok := selectPlayer(candidates)
		if !ok {
			if len(candidates) != 0 {
				t.Fatalf("no winner among %d candidates", len(candidates))
			}
			return
		}
		for _, c := range candidates {
			if c != winner && beats(c, winner) {
				t.Fatalf("%+v beats declared winner %+v", c, winner)
			}
		}
	})
}

func TestPlayingAssignedPlayerIsSelected(t *testing.T) {
	// A playing player assigned to this device wins whenever no other
	// playing player is assigned here too.
	winner, ok := selectPlayer([]candidate{
		cand(1, catUserSelected, true),
		cand(2, catAssignedHere, true),
		cand(3, catUnassigned, true),
		cand(4, catAssignedHere, false),
	})
	assert.True(t, ok)
	assert.Equal(t, player.ID(2), winner.id)
}

func TestCategorize(t *testing.T) {
	d1, d2, dead := device.ID(1), device.ID(2), device.ID(9)
	connected := func(id device.ID) bool { return id == d1 || id == d2 }
	pref := player.ID(3)

	mk := func(id player.ID, assigned *device.ID) player.Snapshot {
		return player.Snapshot{ID: id, Assigned: assigned}
	}

	assert.Equal(t, catAssignedHere, categorize(mk(1, &d1), d1, nil, connected))
	assert.Equal(t, catAssignedOther, categorize(mk(1, &d2), d1, nil, connected))
	// An assignment to a disconnected device does not count.
	assert.Equal(t, catUnassigned, categorize(mk(1, &dead), d1, nil, connected))
	assert.Equal(t, catUserSelected, categorize(mk(3, nil), d1, &pref, connected))
	// Preference does not override a live assignment.
	assert.Equal(t, catAssignedHere, categorize(mk(3, &d1), d1, &pref, connected))
	assert.Equal(t, catUnassigned, categorize(mk(1, nil), d1, &pref, connected))
}
