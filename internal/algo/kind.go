// Package algo names the tracking and detection algorithms a session can be
// configured with.
package algo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedKind is returned for algorithm names that are recognised but
// not available in this build.
var ErrUnsupportedKind = errors.New("unsupported algorithm")

type TrackerKind string

const (
	MIL         TrackerKind = "mil"
	KCF         TrackerKind = "kcf"
	CSRT        TrackerKind = "csrt"
	GOTURN      TrackerKind = "goturn"
	MeanShift   TrackerKind = "meanshift"
	CamShift    TrackerKind = "camshift"
	OpticalFlow TrackerKind = "opticalflow"
)

// legacy trackers were moved out of the main OpenCV tracking API and have no
// gocv binding.
var legacyTrackers = map[string]bool{
	"boosting":   true,
	"tld":        true,
	"medianflow": true,
	"mosse":      true,
}

// TrackerKinds lists every supported tracker kind.
func TrackerKinds() []TrackerKind {
	return []TrackerKind{MIL, KCF, CSRT, GOTURN, MeanShift, CamShift, OpticalFlow}
}

func ParseTrackerKind(s string) (TrackerKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.NewReplacer("-", "", "_", "").Replace(name)
	for _, k := range TrackerKinds() {
		if string(k) == name {
			return k, nil
		}
	}
	if legacyTrackers[name] {
		return "", fmt.Errorf("tracker %q: %w: legacy OpenCV tracker without a gocv binding", s, ErrUnsupportedKind)
	}
	return "", fmt.Errorf("unknown tracker kind %q", s)
}

// NeedsArtifacts reports whether the tracker loads model files from disk.
func (k TrackerKind) NeedsArtifacts() bool {
	return k == GOTURN
}

// Histogram reports whether the tracker follows a colour histogram rather
// than an appearance model.
func (k TrackerKind) Histogram() bool {
	return k == MeanShift || k == CamShift
}

type DetectorKind string

const (
	Cascade    DetectorKind = "cascade"
	RetinaFace DetectorKind = "retinaface"
)

func DetectorKinds() []DetectorKind {
	return []DetectorKind{Cascade, RetinaFace}
}

func ParseDetectorKind(s string) (DetectorKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range DetectorKinds() {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown detector kind %q", s)
}
