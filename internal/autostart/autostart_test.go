//go:build !windows

package autostart

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnableDisableRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")

	require.False(t, IsEnabled())
	require.NoError(t, Enable("-role", "client", "-connect", "desk.local"))
	require.True(t, IsEnabled())

	path, err := xdgEntryPath()
	if runtime.GOOS == "darwin" {
		path, err = macPlistPath()
	}
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "desk.local")

	require.NoError(t, Disable())
	assert.False(t, IsEnabled())
	// Disabling twice is fine
	assert.NoError(t, Disable())
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "plain", quote("plain"))
	assert.Equal(t, `"with space"`, quote("with space"))
}
