package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseROI(t *testing.T) {
	box, err := parseROI("10, 20,30,40")
	require.NoError(t, err)
	require.Equal(t, [4]int{10, 20, 30, 40}, box)

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "1,2,0,4"} {
		_, err := parseROI(bad)
		require.Error(t, err, bad)
	}
}

func TestRunReturnsExitCode(t *testing.T) {
	require.Equal(t, 2, run([]string{"-no-such-flag"}))
	require.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}))
}
