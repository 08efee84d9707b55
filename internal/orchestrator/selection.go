// Package orchestrator decides, for each connected device, which player's
// state to project onto it, and pushes the chosen state through the device
// manager.
package orchestrator

import (
	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/player"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// category classifies a player relative to one particular device.
type category int

const (
	catAssignedOther category = iota // assigned to some other connected device
	catUnassigned                    // no assignment, or assigned to a disconnected device
	catUserSelected                  // the preferred player, not assigned here or elsewhere
	catAssignedHere                  // explicitly assigned to this device
)

func (c category) String() string {
	switch c {
	case catAssignedOther:
		return "assigned-other"
	case catUnassigned:
		return "unassigned"
	case catUserSelected:
		return "user-selected"
	case catAssignedHere:
		return "assigned-here"
	default:
		return "invalid"
	}
}

// candidate is one player's standing in a device's selection.
type candidate struct {
	id           player.ID
	cat          category
	playing      bool
	lastSelected bool
	state        fsct.PlayerState
}

// rank embeds the selection policy in a single total order:
//
//	playing assigned-here    7
//	playing user-selected    6
//	idle    user-selected    5
//	playing unassigned       4
//	idle    assigned-here    3
//	idle    unassigned       2
//	playing assigned-other   1
//	idle    assigned-other   0
//
// Both playing: assignment order wins (here > preferred > unassigned >
// other). Both idle: the preferred player wins over everything, even one
// assigned to this device. Mixed: playing wins, except that a playing
// unassigned player cannot displace an idle preferred one, and a playing
// player assigned elsewhere never wins at all.
func rank(c candidate) int {
	if c.playing {
		switch c.cat {
		case catAssignedHere:
			return 7
		case catUserSelected:
			return 6
		case catUnassigned:
			return 4
		default:
			return 1
		}
	}
	switch c.cat {
	case catUserSelected:
		return 5
	case catAssignedHere:
		return 3
	case catUnassigned:
		return 2
	default:
		return 0
	}
}

// beats reports whether a wins over b. Equal ranks preserve the previous
// choice for this device; failing that, registration order decides, keeping
// the comparator a strict total order over distinct candidates.
func beats(a, b candidate) bool {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra > rb
	}
	if a.lastSelected != b.lastSelected {
		return a.lastSelected
	}
	return a.id < b.id
}

// categorize places one player relative to device dev. connected reports
// whether a given device id is currently attached.
func categorize(p player.Snapshot, dev device.ID, preferred *player.ID, connected func(device.ID) bool) category {
	if p.Assigned != nil && connected(*p.Assigned) {
		if *p.Assigned == dev {
			return catAssignedHere
		}
		return catAssignedOther
	}
	if preferred != nil && *preferred == p.ID {
		return catUserSelected
	}
	return catUnassigned
}

// selectPlayer picks the winning candidate for one device, or ok=false when
// no player qualifies and the device should show the cleared default state.
func selectPlayer(candidates []candidate) (candidate, bool) {
	if len(candidates) == 0 {
		return candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if beats(c, best) {
			best = c
		}
	}
	return best, true
}
