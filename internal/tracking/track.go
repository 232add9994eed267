package tracking

import (
	"fmt"
	"image/color"
	"strings"
)

// TrackID identifies a track within a session. IDs are never reused.
type TrackID int64

// FrameIndex counts processed frames, starting at 1 for the first frame.
type FrameIndex int64

// State of a track in the recovery state machine.
type State int

const (
	Active State = iota
	Lost
	Recovering
	Removed // terminal, only reached under a bounded-retry policy
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Lost:
		return "lost"
	case Recovering:
		return "recovering"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "active":
		return Active, nil
	case "lost":
		return Lost, nil
	case "recovering":
		return Recovering, nil
	case "removed":
		return Removed, nil
	}
	return 0, fmt.Errorf("unknown track state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Track is the persistent state of one tracked object.
type Track struct {
	ID    TrackID
	Box   BoundingBox // last known good box
	State State
	Label string
	Color color.RGBA

	Created        FrameIndex
	LastSeen       FrameIndex // last frame with a successful update or re-acquisition
	EmptyScans     int        // consecutive scans without a usable candidate
	Reacquisitions int

	tracker  Tracker
	lastScan FrameIndex
}

// View is a read-only copy of a Track, handed to sinks.
type View struct {
	ID             TrackID     `json:"id"`
	Box            BoundingBox `json:"box"`
	State          State       `json:"state"`
	Label          string      `json:"label"`
	Color          color.RGBA  `json:"-"`
	LastSeen       FrameIndex  `json:"last_seen"`
	Reacquisitions int         `json:"reacquisitions"`
}

func (t *Track) View() View {
	return View{
		ID:             t.ID,
		Box:            t.Box,
		State:          t.State,
		Label:          t.Label,
		Color:          t.Color,
		LastSeen:       t.LastSeen,
		Reacquisitions: t.Reacquisitions,
	}
}

// replaceTracker installs a new tracker instance and closes the old one.
func (t *Track) replaceTracker(tr Tracker) {
	old := t.tracker
	t.tracker = tr
	if old != nil && old != tr {
		_ = old.Close()
	}
}

func (t *Track) closeTracker() {
	if t.tracker != nil {
		_ = t.tracker.Close()
		t.tracker = nil
	}
}
