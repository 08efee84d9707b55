package fsct

import (
	"maps"
	"time"
)

// Status is the playback status projected onto a device.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusStopped
	StatusPlaying
	StatusPaused
	StatusSeeking
	StatusBuffering
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusSeeking:
		return "seeking"
	case StatusBuffering:
		return "buffering"
	case StatusError:
		return "error"
	default:
		return "invalid"
	}
}

// TextKind selects one of the device's text slots.
type TextKind uint8

const (
	TextTitle TextKind = iota
	TextAuthor
	TextAlbum
	TextGenre

	// TextKindCount is the number of text slots an FSCT device exposes.
	TextKindCount = 4
)

func (k TextKind) String() string {
	switch k {
	case TextTitle:
		return "title"
	case TextAuthor:
		return "author"
	case TextAlbum:
		return "album"
	case TextGenre:
		return "genre"
	default:
		return "invalid"
	}
}

// TextKinds lists all text slots in wire order.
var TextKinds = [TextKindCount]TextKind{TextTitle, TextAuthor, TextAlbum, TextGenre}

// TimelineInfo is one player's playback timeline at a given wall-clock
// instant. The device extrapolates from UpdateTime using Rate.
type TimelineInfo struct {
	Position   time.Duration
	Duration   time.Duration
	Rate       float64
	UpdateTime time.Time
}

// Equal reports whether two timelines are byte-for-byte the same update.
// The driver does not try to predict drift: two snapshots taken at different
// instants are different even if they extrapolate identically.
func (t TimelineInfo) Equal(o TimelineInfo) bool {
	return t.Position == o.Position &&
		t.Duration == o.Duration &&
		t.Rate == o.Rate &&
		t.UpdateTime.Equal(o.UpdateTime)
}

// Record converts the timeline to its wire form, translating the host
// wall-clock anchor to the device monotonic clock via offsetMicros.
func (t TimelineInfo) Record(offsetMicros int64) TimelineRecord {
	return TimelineRecord{
		PositionMicros: uint64(t.Position.Microseconds()),
		DurationMicros: uint64(t.Duration.Microseconds()),
		AnchorMicros:   uint64(t.UpdateTime.UnixMicro() + offsetMicros),
		RateMilli:      int32(t.Rate * 1000),
	}
}

// PlayerState is a snapshot of one player: status, optional timeline and
// the known text metadata. A nil Timeline means no timeline information;
// an absent Texts key means that slot has no value.
type PlayerState struct {
	Status   Status
	Timeline *TimelineInfo
	Texts    map[TextKind]string
}

// Text returns the value for a slot and whether one is present.
func (s PlayerState) Text(kind TextKind) (string, bool) {
	v, ok := s.Texts[kind]
	return v, ok
}

// Clone returns a deep copy that shares no mutable state with s.
func (s PlayerState) Clone() PlayerState {
	c := PlayerState{Status: s.Status}
	if s.Timeline != nil {
		tl := *s.Timeline
		c.Timeline = &tl
	}
	if s.Texts != nil {
		c.Texts = maps.Clone(s.Texts)
	}
	return c
}
