package tracking

import (
	"fmt"
	"strings"
)

// SelectionPolicy decides which detector candidate re-seeds a track.
type SelectionPolicy int

const (
	// SelectFirst takes the first usable candidate in detector order.
	SelectFirst SelectionPolicy = iota
	// SelectNearest takes the usable candidate closest to the last known box.
	SelectNearest
	// SelectConfidence takes the highest scoring usable candidate.
	SelectConfidence
)

func (p SelectionPolicy) String() string {
	switch p {
	case SelectFirst:
		return "first"
	case SelectNearest:
		return "nearest"
	case SelectConfidence:
		return "confidence"
	default:
		return fmt.Sprintf("selection(%d)", int(p))
	}
}

func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return SelectFirst, nil
	case "nearest":
		return SelectNearest, nil
	case "confidence":
		return SelectConfidence, nil
	}
	return 0, fmt.Errorf("unknown selection policy %q (want first, nearest or confidence)", s)
}

// usable filters candidates down to those that may seed a tracker for track
// self. Boxes are clamped to the frame. Candidates already seeded by another
// track in this Step are always skipped.
func (c *Controller) usable(cands []Candidate, frameW, frameH int, self TrackID) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, cand := range cands {
		box := cand.Box.Clamp(frameW, frameH)
		if !box.Valid() || box.Width < c.opts.MinCandidateSize || box.Height < c.opts.MinCandidateSize {
			continue
		}
		if c.claimedThisStep(box) {
			continue
		}
		if c.opts.ExclusionIoU > 0 && c.overlapsActive(box, self, c.opts.ExclusionIoU) {
			continue
		}
		cand.Box = box
		out = append(out, cand)
	}
	return out
}

func (c *Controller) overlapsActive(box BoundingBox, self TrackID, threshold float64) bool {
	for _, id := range c.registry.order {
		if id == self {
			continue
		}
		t := c.registry.tracks[id]
		if t.State == Active && t.Box.IoU(box) > threshold {
			return true
		}
	}
	return false
}

// selectCandidate applies the policy to an already filtered candidate list.
// Ties are always broken by detector order.
func selectCandidate(policy SelectionPolicy, cands []Candidate, last BoundingBox) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	switch policy {
	case SelectNearest:
		best := 0
		bestDist := cands[0].Box.Distance(last)
		for i := 1; i < len(cands); i++ {
			if d := cands[i].Box.Distance(last); d < bestDist {
				best, bestDist = i, d
			}
		}
		return cands[best], true
	case SelectConfidence:
		best := -1
		for i, cand := range cands {
			if !cand.Scored {
				continue
			}
			if best == -1 || cand.Confidence > cands[best].Confidence {
				best = i
			}
		}
		if best == -1 {
			return cands[0], true
		}
		return cands[best], true
	default:
		return cands[0], true
	}
}
