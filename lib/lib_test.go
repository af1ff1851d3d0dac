package lib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandPathResolvesHome(t *testing.T) {
	got, err := ExpandPath("~/cache")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(HomeDir(), "cache"), got)
}

func TestExpandPathMakesAbsolute(t *testing.T) {
	got, err := ExpandPath("relative/dir")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(got))
}

func TestExpandPathEmpty(t *testing.T) {
	got, err := ExpandPath("")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestIsTTYOnRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "tty")
	require.NoError(t, err)
	defer f.Close()
	require.False(t, IsTTY(f))
}
