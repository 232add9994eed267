package tracking

import (
	"fmt"
)

type RequestKind int

const (
	RequestAdd RequestKind = iota + 1
	RequestRemove
	RequestAcquire
)

func (k RequestKind) String() string {
	switch k {
	case RequestAdd:
		return "add"
	case RequestRemove:
		return "remove"
	case RequestAcquire:
		return "acquire"
	default:
		return fmt.Sprintf("request(%d)", int(k))
	}
}

// Request is an externally originated change to the registry. Requests are
// applied at the start of the next Step, before any track is advanced.
type Request struct {
	Kind  RequestKind
	Box   BoundingBox // RequestAdd
	Label string      // RequestAdd, optional
	Track TrackID     // RequestRemove
}

// AddRegion asks for a new track seeded on box.
func AddRegion(box BoundingBox) Request {
	return Request{Kind: RequestAdd, Box: box}
}

// RemoveTrack asks for track id to be dropped.
func RemoveTrack(id TrackID) Request {
	return Request{Kind: RequestRemove, Track: id}
}

// AcquireObjects asks for a detector pass that seeds a track per new object.
func AcquireObjects() Request {
	return Request{Kind: RequestAcquire}
}

type Event string

const (
	EventCreated    Event = "created"
	EventLost       Event = "lost"
	EventRecovering Event = "recovering"
	EventReacquired Event = "reacquired"
	EventRemoved    Event = "removed"
)

// Transition records one state change of one track within a Step.
type Transition struct {
	Track TrackID
	Label string
	Event Event
	From  State
	To    State
	Box   BoundingBox
}

type RejectedRequest struct {
	Request Request
	Err     error
}

// StepReport summarises one Step for sinks and metrics.
type StepReport struct {
	Frame       FrameIndex
	Transitions []Transition
	Rejected    []RejectedRequest
	Tracks      []View // final state of every live track, in registry order

	Scanned    bool
	Candidates int
	ScanErrors int
	InitErrors int
}

// drain applies the requests queued before this call. Requests submitted
// while draining wait for the next frame.
func (c *Controller) drain(frame Frame, w, h int, rep *StepReport, fresh map[TrackID]bool) {
	for n := len(c.requests); n > 0; n-- {
		req := <-c.requests
		if err := c.apply(frame, w, h, req, rep, fresh); err != nil {
			c.log.Warn("request rejected", "kind", req.Kind, "frame", c.frame, "error", err)
			rep.Rejected = append(rep.Rejected, RejectedRequest{Request: req, Err: err})
		}
	}
}

func (c *Controller) apply(frame Frame, w, h int, req Request, rep *StepReport, fresh map[TrackID]bool) error {
	switch req.Kind {
	case RequestAdd:
		box := req.Box.Clamp(w, h)
		if !box.Valid() {
			return fmt.Errorf("add region %v: %w: empty after clamping to %dx%d", req.Box, ErrInit, w, h)
		}
		id, err := c.create(frame, box, req.Label, rep)
		if err != nil {
			return fmt.Errorf("add region %v: %w", box, err)
		}
		fresh[id] = true
	case RequestRemove:
		t := c.registry.lookup(req.Track)
		if t == nil {
			return fmt.Errorf("remove track %d: %w", req.Track, ErrUnknownTrack)
		}
		c.remove(t, rep)
	case RequestAcquire:
		for _, id := range c.acquire(frame, w, h, rep) {
			fresh[id] = true
		}
	default:
		return fmt.Errorf("unknown request kind %v", req.Kind)
	}
	return nil
}
