package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDManagerLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "node.pid")
	pm := NewPIDManager(NewConfigManagerFromMap(map[string]string{"pid_path": path}))
	assert.Equal(t, path, pm.Path())

	_, err := pm.ReadPID()
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, pm.WritePID(os.Getpid()))
	pid, err := pm.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, pm.IsProcessRunning(pid))

	require.NoError(t, pm.RemovePIDFile())
	require.NoError(t, pm.RemovePIDFile())
	_, err = pm.ReadPID()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPIDManagerInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	pm := NewPIDManager(NewConfigManagerFromMap(map[string]string{"pid_path": path}))
	_, err := pm.ReadPID()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotRunning)
}
