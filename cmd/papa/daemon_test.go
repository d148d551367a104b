package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "papa.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	// Removing twice, or with no path, is not an error.
	assert.NoError(t, removePidFile(pidFile))
	assert.NoError(t, removePidFile(""))
}

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--pidfile", "/run/papa.pid", "--daemonize=true", "papa.toml"}
	assert.Equal(t, []string{"serve", "--pidfile", "/run/papa.pid", "papa.toml"}, daemonArgs(in))
	assert.Empty(t, daemonArgs(nil))
}

func TestIsDaemonChild(t *testing.T) {
	t.Setenv(daemonEnv, "")
	assert.False(t, isDaemonChild())
	t.Setenv(daemonEnv, "1")
	assert.True(t, isDaemonChild())
}
