package tracking

import "errors"

var (
	// ErrTrackFailure is wrapped by Tracker.Update when the object could not be
	// located in the current frame.
	ErrTrackFailure = errors.New("track failure")

	// ErrInit is wrapped by TrackerFactory.NewTracker when the tracker rejects
	// the supplied region.
	ErrInit = errors.New("tracker init rejected")

	// ErrQueueFull is returned by Controller.Submit when the request queue is full.
	ErrQueueFull = errors.New("request queue full")

	// ErrUnknownTrack is returned for requests that name a track that does not exist.
	ErrUnknownTrack = errors.New("unknown track")
)

// Frame is one decoded video frame. Implementations carry the pixel data;
// the controller only needs the dimensions.
type Frame interface {
	Size() (width, height int)
}

// Tracker is one initialised instance of a single-object tracking algorithm.
// It is owned by exactly one Track, and must be fed consecutive frames.
type Tracker interface {
	// Update locates the object in frame. Failures wrap ErrTrackFailure.
	Update(frame Frame) (BoundingBox, error)
	Close() error
}

// TrackerFactory constructs and initialises a fresh Tracker bound to box.
// Construction and initialisation are a single step, so an instance can
// never be initialised twice.
type TrackerFactory interface {
	NewTracker(frame Frame, box BoundingBox) (Tracker, error)
}

// TrackerFactoryFunc adapts a function to TrackerFactory.
type TrackerFactoryFunc func(frame Frame, box BoundingBox) (Tracker, error)

func (f TrackerFactoryFunc) NewTracker(frame Frame, box BoundingBox) (Tracker, error) {
	return f(frame, box)
}

// Candidate is one region returned by a Detector.
type Candidate struct {
	Box        BoundingBox
	Confidence float32
	Scored     bool // Confidence is meaningful
}

// Detector localises objects in a whole frame. The controller treats it as
// stateless across calls.
type Detector interface {
	Scan(frame Frame) ([]Candidate, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(frame Frame) ([]Candidate, error)

func (f DetectorFunc) Scan(frame Frame) ([]Candidate, error) {
	return f(frame)
}
