package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlreadyRunning_NoStateFile(t *testing.T) {
	_, running := AlreadyRunning(filepath.Join(t.TempDir(), "daemon.json"))
	assert.False(t, running)
}

func TestAlreadyRunning_StalePidIsNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	require.NoError(t, SaveState(path, State{PID: 999999999, Port: 1, Token: "t"}))

	_, running := AlreadyRunning(path)
	assert.False(t, running)
}

func TestAlreadyRunning_LivePidIsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	require.NoError(t, SaveState(path, State{PID: os.Getpid(), Port: 1, Token: "t"}))

	state, running := AlreadyRunning(path)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), state.PID)
}

func TestCheckForUpdate(t *testing.T) {
	assert.True(t, CheckForUpdate("1.0.0", "1.1.0"))
	assert.False(t, CheckForUpdate("1.0.0", "1.0.0"))
	assert.False(t, CheckForUpdate("", "1.1.0"))
	assert.False(t, CheckForUpdate("1.0.0", ""))
}
