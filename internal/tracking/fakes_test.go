package tracking

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 640
	testHeight = 480
)

type testFrame struct {
	n int
}

func (f testFrame) Size() (int, int) {
	return testWidth, testHeight
}

// fakeTracker drifts one pixel right per successful update.
type fakeTracker struct {
	box    BoundingBox
	fail   func(n int) bool
	jump   func(n int) (BoundingBox, bool)
	closed bool
}

func (t *fakeTracker) Update(f Frame) (BoundingBox, error) {
	n := f.(testFrame).n
	if t.fail != nil && t.fail(n) {
		return BoundingBox{}, fmt.Errorf("%w: object lost on frame %d", ErrTrackFailure, n)
	}
	if t.jump != nil {
		if b, ok := t.jump(n); ok {
			return b, nil
		}
	}
	t.box.X++
	return t.box, nil
}

func (t *fakeTracker) Close() error {
	t.closed = true
	return nil
}

// trackerPlan scripts the behaviour of the n-th tracker the factory builds.
type trackerPlan struct {
	initErr error
	fail    func(n int) bool
	jump    func(n int) (BoundingBox, bool)
}

type fakeFactory struct {
	plans []trackerPlan
	calls int
	made  []*fakeTracker
	boxes []BoundingBox
}

func (f *fakeFactory) NewTracker(frame Frame, box BoundingBox) (Tracker, error) {
	var p trackerPlan
	if f.calls < len(f.plans) {
		p = f.plans[f.calls]
	}
	f.calls++
	f.boxes = append(f.boxes, box)
	if p.initErr != nil {
		return nil, p.initErr
	}
	t := &fakeTracker{box: box, fail: p.fail, jump: p.jump}
	f.made = append(f.made, t)
	return t, nil
}

type fakeDetector struct {
	script func(n int) ([]Candidate, error)
	calls  []int
}

func (d *fakeDetector) Scan(f Frame) ([]Candidate, error) {
	n := f.(testFrame).n
	d.calls = append(d.calls, n)
	if d.script == nil {
		return nil, nil
	}
	return d.script(n)
}

func failOn(frames ...int) func(int) bool {
	return func(n int) bool {
		for _, f := range frames {
			if f == n {
				return true
			}
		}
		return false
	}
}

func failFrom(k int) func(int) bool {
	return func(n int) bool { return n >= k }
}

func cand(x, y, w, h int) Candidate {
	return Candidate{Box: Box(x, y, w, h)}
}

// runFrames steps the controller through frames from..to inclusive and
// returns the reports keyed by frame number.
func runFrames(t *testing.T, c *Controller, from, to int) map[int]StepReport {
	t.Helper()
	out := make(map[int]StepReport, to-from+1)
	for n := from; n <= to; n++ {
		rep := c.Step(testFrame{n: n})
		require.Equal(t, FrameIndex(n), rep.Frame)
		out[n] = rep
	}
	return out
}

func trackState(t *testing.T, rep StepReport, id TrackID) View {
	t.Helper()
	for _, v := range rep.Tracks {
		if v.ID == id {
			return v
		}
	}
	require.Failf(t, "track missing", "track %d not in report for frame %d", id, rep.Frame)
	return View{}
}

func newTestController(f *fakeFactory, d *fakeDetector, opts Options) *Controller {
	opts.Seed = 7
	return NewController(f, d, opts)
}
