package tracking

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleFlow(t *testing.T) {
	f := &fakeFactory{}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(100, 100, 50, 50))))
	reps := runFrames(t, c, 1, 20)

	first := reps[1]
	require.Len(t, first.Transitions, 1)
	require.Equal(t, EventCreated, first.Transitions[0].Event)
	id := first.Transitions[0].Track

	for n := 1; n <= 20; n++ {
		v := trackState(t, reps[n], id)
		require.Equal(t, Active, v.State, "frame %d", n)
		require.True(t, v.Box.Valid())
		if n > 1 {
			require.Empty(t, reps[n].Transitions, "frame %d", n)
		}
	}
	require.Equal(t, 100+19, reps[20].Tracks[0].Box.X)
	require.Empty(t, d.calls, "detector must not run while tracking succeeds")
	require.Equal(t, 1, f.calls)
}

func TestRecoveryRoundTrip(t *testing.T) {
	const k = 5
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(k)}}}
	replacement := Box(300, 200, 40, 40)
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		if n == k+2 {
			return []Candidate{{Box: replacement}}, nil
		}
		return nil, nil
	}}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(100, 100, 50, 50))))
	reps := runFrames(t, c, 1, k+3)
	id := reps[1].Tracks[0].ID

	for n := 1; n < k; n++ {
		require.Equal(t, Active, trackState(t, reps[n], id).State, "frame %d", n)
	}
	require.Equal(t, Lost, trackState(t, reps[k], id).State)
	require.Equal(t, Recovering, trackState(t, reps[k+1], id).State)
	require.Equal(t, Active, trackState(t, reps[k+2], id).State)

	lastGood := trackState(t, reps[k-1], id).Box
	require.Equal(t, lastGood, trackState(t, reps[k], id).Box)
	require.Equal(t, lastGood, trackState(t, reps[k+1], id).Box)
	require.Equal(t, replacement, trackState(t, reps[k+2], id).Box)

	// The new instance tracks from the re-acquired box.
	require.Equal(t, replacement.X+1, trackState(t, reps[k+3], id).Box.X)

	require.Equal(t, []int{k + 1, k + 2}, d.calls)
	require.Equal(t, 2, f.calls)
	require.True(t, f.made[0].closed, "replaced tracker must be released")
	require.False(t, f.made[1].closed)

	v := trackState(t, reps[k+2], id)
	require.Equal(t, 1, v.Reacquisitions)
	require.Equal(t, FrameIndex(k+2), v.LastSeen)

	events := []Event{reps[k].Transitions[0].Event, reps[k+1].Transitions[0].Event, reps[k+2].Transitions[0].Event}
	require.Equal(t, []Event{EventLost, EventRecovering, EventReacquired}, events)
}

func TestLostReacquiresWithoutRecovering(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(3)}}}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{cand(10, 10, 30, 30)}, nil
	}}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(100, 100, 50, 50))))
	reps := runFrames(t, c, 1, 4)

	require.Equal(t, Lost, reps[3].Tracks[0].State)
	require.Equal(t, Active, reps[4].Tracks[0].State)
	require.Equal(t, Box(10, 10, 30, 30), reps[4].Tracks[0].Box)
	require.Len(t, reps[4].Transitions, 1)
	require.Equal(t, Lost, reps[4].Transitions[0].From)
}

func TestIsolation(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{
		{fail: failFrom(3)},
		{},
	}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	require.NoError(t, c.Submit(AddRegion(Box(300, 300, 40, 40))))
	reps := runFrames(t, c, 1, 10)

	a, b := reps[1].Tracks[0].ID, reps[1].Tracks[1].ID
	require.NotEqual(t, a, b)

	for n := 1; n <= 10; n++ {
		vb := trackState(t, reps[n], b)
		require.Equal(t, Active, vb.State, "frame %d", n)
		require.Equal(t, 300+n-1, vb.Box.X, "frame %d", n)
		for _, tr := range reps[n].Transitions {
			if n > 1 {
				require.Equal(t, a, tr.Track, "only the failing track may transition")
			}
		}
	}
	require.Equal(t, Recovering, trackState(t, reps[10], a).State)
}

func TestHoldLastKnownGood(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(4)}}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(50, 60, 70, 80))))
	reps := runFrames(t, c, 1, 60)

	held := reps[3].Tracks[0].Box
	for n := 4; n <= 60; n++ {
		v := reps[n].Tracks[0]
		require.Equal(t, held, v.Box, "frame %d", n)
		require.NotEqual(t, Active, v.State)
	}
	require.Equal(t, FrameIndex(3), reps[60].Tracks[0].LastSeen)
}

func TestEmptyDetectionStability(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(2)}}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(50, 60, 70, 80))))
	const frames = 200
	reps := runFrames(t, c, 1, frames)

	for n := 3; n <= frames; n++ {
		require.Equal(t, Recovering, reps[n].Tracks[0].State, "frame %d", n)
		require.True(t, reps[n].Scanned)
	}
	require.Len(t, d.calls, frames-2)
	require.Equal(t, 1, c.Registry().Len())
	require.False(t, f.made[0].closed)
}

func TestBoundedRetryRemovesAfterExactlyN(t *testing.T) {
	const n = 3
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(2)}}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{MaxEmptyScans: n})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(50, 60, 70, 80))))
	reps := runFrames(t, c, 1, 2+n)

	// Empty scans happen on frames 3, 4 and 5.
	for fr := 3; fr < 2+n; fr++ {
		require.Len(t, reps[fr].Tracks, 1, "frame %d", fr)
	}
	last := reps[2+n]
	require.Empty(t, last.Tracks)
	require.Equal(t, 0, c.Registry().Len())
	require.Equal(t, EventRemoved, last.Transitions[len(last.Transitions)-1].Event)
	require.Equal(t, Removed, last.Transitions[len(last.Transitions)-1].To)
	require.True(t, f.made[0].closed)

	// Nothing left to scan for.
	runFrames(t, c, 3+n, 10)
	require.Len(t, d.calls, n)
}

func TestReacquisitionInitErrorKeepsBox(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{
		{fail: failOn(2)},
		{initErr: ErrInit},
		{},
	}}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{cand(200, 200, 30, 30)}, nil
	}}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	reps := runFrames(t, c, 1, 3)

	held := reps[1].Tracks[0].Box
	require.Equal(t, Lost, reps[2].Tracks[0].State)
	require.Equal(t, Recovering, reps[3].Tracks[0].State)
	require.Equal(t, held, reps[3].Tracks[0].Box)
	require.Equal(t, 1, reps[3].InitErrors)
	require.False(t, f.made[0].closed, "old instance is kept until a replacement succeeds")

	rep := c.Step(testFrame{n: 4})
	require.Equal(t, Active, rep.Tracks[0].State)
	require.Equal(t, Box(200, 200, 30, 30), rep.Tracks[0].Box)
	require.True(t, f.made[0].closed)
}

func TestDegenerateUpdateIsFailure(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{jump: func(n int) (BoundingBox, bool) {
		return Box(testWidth+10, 0, 20, 20), n == 3
	}}}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	reps := runFrames(t, c, 1, 3)
	require.Equal(t, Lost, reps[3].Tracks[0].State)
	require.Equal(t, reps[2].Tracks[0].Box, reps[3].Tracks[0].Box)
}

func TestUpdateBoxIsClamped(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{jump: func(n int) (BoundingBox, bool) {
		return Box(testWidth-10, -5, 40, 40), true
	}}}}
	c := newTestController(f, &fakeDetector{}, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	reps := runFrames(t, c, 1, 2)
	require.Equal(t, Box(testWidth-10, 0, 10, 35), reps[2].Tracks[0].Box)
}

func TestScanSharedAcrossTracks(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{
		{fail: failOn(2)},
		{fail: failOn(2)},
		{fail: failOn(2)},
	}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{})
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Submit(AddRegion(Box(10+i*100, 10, 40, 40))))
	}
	runFrames(t, c, 1, 6)
	require.Equal(t, []int{3, 4, 5, 6}, d.calls)
}

func TestScanErrorCountsAsEmpty(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(2)}}}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{cand(1, 1, 20, 20)}, errors.New("model exploded")
	}}
	c := newTestController(f, d, Options{MaxEmptyScans: 2})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	reps := runFrames(t, c, 1, 3)
	require.Equal(t, 1, reps[3].ScanErrors)
	require.Equal(t, Recovering, reps[3].Tracks[0].State)
	require.Zero(t, reps[3].Candidates)
}

func TestScanInterval(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(2)}}}
	d := &fakeDetector{}
	c := newTestController(f, d, Options{ScanInterval: 3})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	runFrames(t, c, 1, 12)
	// Lost always scans; Recovering waits three frames between scans.
	require.Equal(t, []int{3, 6, 9, 12}, d.calls)
}

func TestRequests(t *testing.T) {
	t.Run("queue full", func(t *testing.T) {
		c := newTestController(&fakeFactory{}, &fakeDetector{}, Options{QueueSize: 1})
		require.NoError(t, c.Submit(AddRegion(Box(1, 1, 10, 10))))
		require.ErrorIs(t, c.Submit(AddRegion(Box(1, 1, 10, 10))), ErrQueueFull)
	})

	t.Run("remove unknown", func(t *testing.T) {
		c := newTestController(&fakeFactory{}, &fakeDetector{}, Options{})
		require.NoError(t, c.Submit(RemoveTrack(42)))
		rep := c.Step(testFrame{n: 1})
		require.Len(t, rep.Rejected, 1)
		require.ErrorIs(t, rep.Rejected[0].Err, ErrUnknownTrack)
	})

	t.Run("region outside frame", func(t *testing.T) {
		f := &fakeFactory{}
		c := newTestController(f, &fakeDetector{}, Options{})
		require.NoError(t, c.Submit(AddRegion(Box(testWidth+5, 0, 10, 10))))
		rep := c.Step(testFrame{n: 1})
		require.Len(t, rep.Rejected, 1)
		require.ErrorIs(t, rep.Rejected[0].Err, ErrInit)
		require.Zero(t, f.calls)
		require.Zero(t, c.Registry().Len())
	})

	t.Run("init rejected", func(t *testing.T) {
		f := &fakeFactory{plans: []trackerPlan{{initErr: ErrInit}}}
		c := newTestController(f, &fakeDetector{}, Options{})
		require.NoError(t, c.Submit(AddRegion(Box(5, 5, 10, 10))))
		rep := c.Step(testFrame{n: 1})
		require.Len(t, rep.Rejected, 1)
		require.ErrorIs(t, rep.Rejected[0].Err, ErrInit)
		require.Zero(t, c.Registry().Len())
	})

	t.Run("remove closes tracker", func(t *testing.T) {
		f := &fakeFactory{}
		c := newTestController(f, &fakeDetector{}, Options{})
		require.NoError(t, c.Submit(AddRegion(Box(5, 5, 10, 10))))
		rep := c.Step(testFrame{n: 1})
		id := rep.Tracks[0].ID

		require.NoError(t, c.Submit(RemoveTrack(id)))
		rep = c.Step(testFrame{n: 2})
		require.Empty(t, rep.Tracks)
		require.Equal(t, EventRemoved, rep.Transitions[0].Event)
		require.True(t, f.made[0].closed)
		_, ok := c.Registry().Get(id)
		require.False(t, ok)
	})

	t.Run("track limit", func(t *testing.T) {
		c := newTestController(&fakeFactory{}, &fakeDetector{}, Options{MaxTracks: 1})
		require.NoError(t, c.Submit(AddRegion(Box(5, 5, 10, 10))))
		require.NoError(t, c.Submit(AddRegion(Box(50, 50, 10, 10))))
		rep := c.Step(testFrame{n: 1})
		require.Len(t, rep.Tracks, 1)
		require.Len(t, rep.Rejected, 1)
	})

	t.Run("custom label", func(t *testing.T) {
		c := newTestController(&fakeFactory{}, &fakeDetector{}, Options{LabelPrefix: "kcf"})
		req := AddRegion(Box(5, 5, 10, 10))
		require.NoError(t, c.Submit(req))
		req.Label = "car"
		require.NoError(t, c.Submit(req))
		rep := c.Step(testFrame{n: 1})
		require.Equal(t, "kcf-1", rep.Tracks[0].Label)
		require.Equal(t, "car", rep.Tracks[1].Label)
	})
}

func TestNoDuplicateIDs(t *testing.T) {
	c := newTestController(&fakeFactory{}, &fakeDetector{}, Options{})
	defer c.Close()

	seen := make(map[TrackID]bool)
	var last TrackID
	for n := 1; n <= 30; n++ {
		require.NoError(t, c.Submit(AddRegion(Box(n, n, 20, 20))))
		if n%3 == 0 {
			require.NoError(t, c.Submit(RemoveTrack(last)))
		}
		rep := c.Step(testFrame{n: n})
		for _, tr := range rep.Transitions {
			if tr.Event != EventCreated {
				continue
			}
			require.False(t, seen[tr.Track], "id %d reused", tr.Track)
			require.Greater(t, int64(tr.Track), int64(last))
			seen[tr.Track] = true
			last = tr.Track
		}
		ids := make(map[TrackID]bool)
		c.Registry().Each(func(v View) {
			require.False(t, ids[v.ID])
			ids[v.ID] = true
		})
	}
	require.Len(t, seen, 30)
}

func TestAutoAcquire(t *testing.T) {
	f := &fakeFactory{}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{
			cand(10, 10, 100, 100),
			cand(20, 20, 100, 100), // overlaps the first
			cand(400, 300, 50, 50),
			cand(0, 0, 2, 2), // below the minimum size
		}, nil
	}}
	c := newTestController(f, d, Options{AutoAcquire: true, MinCandidateSize: 5})
	defer c.Close()

	reps := runFrames(t, c, 1, 5)
	require.Len(t, reps[1].Tracks, 2)
	require.Equal(t, Box(10, 10, 100, 100), reps[1].Tracks[0].Box)
	require.Equal(t, Box(400, 300, 50, 50), reps[1].Tracks[1].Box)
	require.Equal(t, []int{1}, d.calls, "acquisition only runs while the registry is empty")
	require.Len(t, reps[5].Tracks, 2)
}

func TestAcquireRequest(t *testing.T) {
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{cand(10, 10, 50, 50), cand(200, 10, 50, 50)}, nil
	}}
	c := newTestController(&fakeFactory{}, d, Options{MaxTracks: 1})
	defer c.Close()

	require.NoError(t, c.Submit(AcquireObjects()))
	rep := c.Step(testFrame{n: 1})
	require.Len(t, rep.Tracks, 1)
	// Created this frame, so not advanced on it.
	require.Equal(t, Box(10, 10, 50, 50), rep.Tracks[0].Box)

	require.Len(t, rep.Transitions, 1)
	require.Equal(t, EventCreated, rep.Transitions[0].Event)

	// A second request scans again but the only free object is past the cap.
	require.NoError(t, c.Submit(AcquireObjects()))
	rep = c.Step(testFrame{n: 2})
	require.Len(t, rep.Tracks, 1)
	require.Empty(t, rep.Transitions)
	require.Equal(t, []int{1, 2}, d.calls)
}

func TestSimultaneousFailuresDoNotShareCandidate(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{
		{fail: failOn(2)},
		{fail: failOn(2)},
	}}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{cand(200, 200, 30, 30)}, nil
	}}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	require.NoError(t, c.Submit(AddRegion(Box(400, 10, 40, 40))))
	reps := runFrames(t, c, 1, 3)

	a, b := reps[3].Tracks[0], reps[3].Tracks[1]
	require.Equal(t, Active, a.State)
	require.Equal(t, Box(200, 200, 30, 30), a.Box)
	require.Equal(t, Recovering, b.State)
	require.NotEqual(t, a.Box, b.Box)
	require.Equal(t, 3, f.calls, "one re-acquisition for one object")
}

func TestAcquireAndRecoveryDoNotShareCandidate(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{{fail: failOn(2)}}}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		if n < 3 {
			return nil, nil
		}
		return []Candidate{cand(200, 200, 30, 30)}, nil
	}}
	c := newTestController(f, d, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	runFrames(t, c, 1, 2)

	require.NoError(t, c.Submit(AcquireObjects()))
	rep := c.Step(testFrame{n: 3})
	require.Len(t, rep.Tracks, 2)
	require.Equal(t, Recovering, rep.Tracks[0].State)
	require.Equal(t, Active, rep.Tracks[1].State)
	require.Equal(t, Box(200, 200, 30, 30), rep.Tracks[1].Box)
	require.Equal(t, []int{3}, d.calls, "one scan shared by acquisition and recovery")
}

func TestExclusionPreventsSharedReacquisition(t *testing.T) {
	f := &fakeFactory{plans: []trackerPlan{
		{},
		{fail: failOn(2)},
	}}
	d := &fakeDetector{script: func(n int) ([]Candidate, error) {
		return []Candidate{cand(12, 12, 40, 40), cand(300, 300, 40, 40)}, nil
	}}
	c := newTestController(f, d, Options{ExclusionIoU: 0.5})
	defer c.Close()

	require.NoError(t, c.Submit(AddRegion(Box(10, 10, 40, 40))))
	require.NoError(t, c.Submit(AddRegion(Box(200, 200, 40, 40))))
	reps := runFrames(t, c, 1, 3)

	b := reps[3].Tracks[1]
	require.Equal(t, Active, b.State)
	require.Equal(t, Box(300, 300, 40, 40), b.Box)
}

func TestCloseReleasesTrackers(t *testing.T) {
	f := &fakeFactory{}
	c := newTestController(f, &fakeDetector{}, Options{})
	require.NoError(t, c.Submit(AddRegion(Box(5, 5, 10, 10))))
	require.NoError(t, c.Submit(AddRegion(Box(50, 5, 10, 10))))
	c.Step(testFrame{n: 1})

	c.Close()
	require.Zero(t, c.Registry().Len())
	for _, tr := range f.made {
		require.True(t, tr.closed)
	}
}
