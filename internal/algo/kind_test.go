package algo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTrackerKind(t *testing.T) {
	cases := []struct {
		in   string
		want TrackerKind
	}{
		{"KCF", KCF},
		{" csrt ", CSRT},
		{"mil", MIL},
		{"GOTURN", GOTURN},
		{"MeanShift", MeanShift},
		{"camshift", CamShift},
		{"optical-flow", OpticalFlow},
		{"optical_flow", OpticalFlow},
	}
	for _, tc := range cases {
		got, err := ParseTrackerKind(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestParseTrackerKindLegacy(t *testing.T) {
	for _, name := range []string{"BOOSTING", "tld", "MedianFlow", "mosse"} {
		_, err := ParseTrackerKind(name)
		require.ErrorIs(t, err, ErrUnsupportedKind, name)
	}
	_, err := ParseTrackerKind("kalman")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnsupportedKind)
}

func TestTrackerKindTraits(t *testing.T) {
	require.True(t, GOTURN.NeedsArtifacts())
	require.False(t, KCF.NeedsArtifacts())
	require.True(t, CamShift.Histogram())
	require.False(t, OpticalFlow.Histogram())
}

func TestParseDetectorKind(t *testing.T) {
	k, err := ParseDetectorKind("Cascade")
	require.NoError(t, err)
	require.Equal(t, Cascade, k)

	k, err = ParseDetectorKind("retinaface")
	require.NoError(t, err)
	require.Equal(t, RetinaFace, k)

	_, err = ParseDetectorKind("yolo")
	require.Error(t, err)
}
