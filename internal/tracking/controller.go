package tracking

import (
	"fmt"
	"image/color"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Options configure a Controller. The zero value is usable and matches the
// reference behaviour: first candidate wins, scan every frame, retry forever.
type Options struct {
	Selection        SelectionPolicy
	ScanInterval     int     // frames between scans while Recovering; <= 1 scans every frame
	MaxEmptyScans    int     // remove a track after this many consecutive empty scans; 0 retries forever
	MinCandidateSize int     // minimum width and height of a usable candidate, in pixels
	ExclusionIoU     float64 // reject candidates overlapping another active track above this IoU; 0 disables
	AutoAcquire      bool    // scan for new tracks while the registry is empty
	MaxTracks        int     // cap on live tracks created by requests and acquisition; 0 is unlimited
	QueueSize        int     // capacity of the request queue
	LabelPrefix      string
	Seed             uint64 // colour generator seed; 0 picks one from the clock
	Logger           *slog.Logger
}

// acquireOverlapIoU is the overlap above which an acquisition candidate is
// considered to be an object that is already tracked.
const acquireOverlapIoU = 0.3

// Controller advances the per-track recovery state machine once per frame.
//
// A Controller is owned by a single goroutine that calls Step. Submit is the
// only method safe to call from other goroutines.
type Controller struct {
	factory  TrackerFactory
	detector Detector
	opts     Options
	log      *slog.Logger
	rng      *rand.Rand

	registry *Registry
	frame    FrameIndex
	requests chan Request

	// scan result shared by every track that needs it in the current frame
	scanFrame FrameIndex
	scanned   []Candidate
	scanErr   error

	// boxes seeded by creation or re-acquisition during the current Step
	claimed []BoundingBox
}

func NewController(factory TrackerFactory, detector Detector, opts Options) *Controller {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ScanInterval < 1 {
		opts.ScanInterval = 1
	}
	if opts.MinCandidateSize < 1 {
		opts.MinCandidateSize = 1
	}
	if opts.LabelPrefix == "" {
		opts.LabelPrefix = "track"
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		factory:   factory,
		detector:  detector,
		opts:      opts,
		log:       log,
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		registry:  NewRegistry(),
		requests:  make(chan Request, opts.QueueSize),
		scanFrame: -1,
	}
}

// Registry returns a read-only view of the live tracks.
func (c *Controller) Registry() Reader {
	return c.registry
}

// FrameIndex returns the index of the last processed frame.
func (c *Controller) FrameIndex() FrameIndex {
	return c.frame
}

// Submit queues a request for the next Step. It never blocks.
func (c *Controller) Submit(req Request) error {
	select {
	case c.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Step processes one frame: pending requests first, then every live track
// exactly once in registry order, then acquisition if enabled.
func (c *Controller) Step(frame Frame) StepReport {
	c.frame++
	rep := StepReport{Frame: c.frame}
	w, h := frame.Size()
	c.claimed = c.claimed[:0]

	fresh := make(map[TrackID]bool)
	c.drain(frame, w, h, &rep, fresh)

	for _, id := range c.registry.ids() {
		if fresh[id] {
			continue
		}
		t := c.registry.lookup(id)
		if t == nil {
			continue
		}
		c.advance(frame, w, h, t, &rep)
	}

	if c.opts.AutoAcquire && c.registry.Len() == 0 {
		c.acquire(frame, w, h, &rep)
	}

	rep.Tracks = c.registry.Snapshot()
	return rep
}

// Close releases every tracker instance. The registry is left empty.
func (c *Controller) Close() {
	for _, id := range c.registry.ids() {
		if t, ok := c.registry.Remove(id); ok {
			t.closeTracker()
		}
	}
}

func (c *Controller) advance(frame Frame, w, h int, t *Track, rep *StepReport) {
	switch t.State {
	case Active:
		c.update(frame, w, h, t, rep)
	case Lost:
		c.recover(frame, w, h, t, rep)
	case Recovering:
		if c.frame-t.lastScan < FrameIndex(c.opts.ScanInterval) {
			return
		}
		c.recover(frame, w, h, t, rep)
	}
}

func (c *Controller) update(frame Frame, w, h int, t *Track, rep *StepReport) {
	var (
		box BoundingBox
		err error
	)
	if t.tracker == nil {
		err = fmt.Errorf("%w: no tracker instance", ErrTrackFailure)
	} else {
		box, err = t.tracker.Update(frame)
	}
	if err == nil {
		box = box.Clamp(w, h)
		if !box.Valid() {
			err = fmt.Errorf("%w: region degenerated to %v", ErrTrackFailure, box)
		}
	}
	if err != nil {
		c.log.Debug("tracker update failed", "track", t.ID, "frame", c.frame, "error", err)
		c.transition(t, Lost, EventLost, rep)
		return
	}
	t.Box = box
	t.LastSeen = c.frame
}

// recover runs one re-acquisition attempt for a Lost or Recovering track.
func (c *Controller) recover(frame Frame, w, h int, t *Track, rep *StepReport) {
	t.lastScan = c.frame
	cands := c.scan(frame, rep)
	cand, ok := selectCandidate(c.opts.Selection, c.usable(cands, w, h, t.ID), t.Box)
	if !ok {
		t.EmptyScans++
		if t.State == Lost {
			c.transition(t, Recovering, EventRecovering, rep)
		}
		if c.opts.MaxEmptyScans > 0 && t.EmptyScans >= c.opts.MaxEmptyScans {
			c.log.Info("giving up on track", "track", t.ID, "empty_scans", t.EmptyScans)
			c.remove(t, rep)
		}
		return
	}

	tr, err := c.factory.NewTracker(frame, cand.Box)
	if err != nil {
		c.log.Warn("re-acquisition rejected", "track", t.ID, "box", cand.Box, "error", err)
		rep.InitErrors++
		if t.State == Lost {
			c.transition(t, Recovering, EventRecovering, rep)
		}
		return
	}
	t.replaceTracker(tr)
	t.Box = cand.Box
	c.claimed = append(c.claimed, cand.Box)
	t.EmptyScans = 0
	t.Reacquisitions++
	t.LastSeen = c.frame
	c.transition(t, Active, EventReacquired, rep)
}

// scan runs the detector at most once per frame.
func (c *Controller) scan(frame Frame, rep *StepReport) []Candidate {
	if c.scanFrame == c.frame {
		return c.scanned
	}
	c.scanFrame = c.frame
	c.scanned, c.scanErr = c.detector.Scan(frame)
	rep.Scanned = true
	if c.scanErr != nil {
		c.log.Warn("detector scan failed", "frame", c.frame, "error", c.scanErr)
		rep.ScanErrors++
		c.scanned = nil
	}
	rep.Candidates = len(c.scanned)
	return c.scanned
}

func (c *Controller) transition(t *Track, to State, ev Event, rep *StepReport) {
	from := t.State
	t.State = to
	rep.Transitions = append(rep.Transitions, Transition{
		Track: t.ID,
		Label: t.Label,
		Event: ev,
		From:  from,
		To:    to,
		Box:   t.Box,
	})
}

func (c *Controller) remove(t *Track, rep *StepReport) {
	c.registry.Remove(t.ID)
	t.closeTracker()
	c.transition(t, Removed, EventRemoved, rep)
}

// create initialises a tracker on box and registers a new Active track.
func (c *Controller) create(frame Frame, box BoundingBox, label string, rep *StepReport) (TrackID, error) {
	if c.opts.MaxTracks > 0 && c.registry.Len() >= c.opts.MaxTracks {
		return 0, fmt.Errorf("track limit %d reached", c.opts.MaxTracks)
	}
	tr, err := c.factory.NewTracker(frame, box)
	if err != nil {
		return 0, err
	}
	t := &Track{
		Box:      box,
		State:    Active,
		Color:    c.randomColor(),
		Created:  c.frame,
		LastSeen: c.frame,
		tracker:  tr,
		lastScan: c.frame,
	}
	id := c.registry.Add(t)
	c.claimed = append(c.claimed, box)
	if label == "" {
		label = fmt.Sprintf("%s-%d", c.opts.LabelPrefix, id)
	}
	t.Label = label
	rep.Transitions = append(rep.Transitions, Transition{
		Track: id,
		Label: t.Label,
		Event: EventCreated,
		From:  Active,
		To:    Active,
		Box:   box,
	})
	return id, nil
}

// acquire creates tracks for detections that do not overlap a live track.
func (c *Controller) acquire(frame Frame, w, h int, rep *StepReport) []TrackID {
	var ids []TrackID
	for _, cand := range c.scan(frame, rep) {
		box := cand.Box.Clamp(w, h)
		if !box.Valid() || box.Width < c.opts.MinCandidateSize || box.Height < c.opts.MinCandidateSize {
			continue
		}
		if c.overlapsAny(box) {
			continue
		}
		id, err := c.create(frame, box, "", rep)
		if err != nil {
			c.log.Debug("acquisition skipped", "box", box, "error", err)
			if c.opts.MaxTracks > 0 && c.registry.Len() >= c.opts.MaxTracks {
				break
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) overlapsAny(box BoundingBox) bool {
	for _, t := range c.registry.tracks {
		if t.Box.IoU(box) > acquireOverlapIoU {
			return true
		}
	}
	return false
}

// claimedThisStep reports whether box overlaps a track seeded earlier in the
// current Step.
func (c *Controller) claimedThisStep(box BoundingBox) bool {
	for _, b := range c.claimed {
		if b.IoU(box) > acquireOverlapIoU {
			return true
		}
	}
	return false
}

func (c *Controller) randomColor() color.RGBA {
	return color.RGBA{
		R: uint8(c.rng.IntN(256)),
		G: uint8(c.rng.IntN(256)),
		B: uint8(c.rng.IntN(256)),
		A: 255,
	}
}
