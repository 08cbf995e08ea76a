package utils

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/types"
)

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, AtomicWriteJSON(path, map[string]int{"a": 1}))
	require.NoError(t, AtomicWriteJSON(path, map[string]int{"b": 2}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, map[string]int{"b": 2}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDirs(filepath.Join(dir, "vm1"), filepath.Join(dir, "vm2")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vm3.lock"), nil, 0o600))

	subdirs, err := ScanSubdirs(dir)
	require.NoError(t, err)
	sort.Strings(subdirs)
	assert.Equal(t, []string{"vm1", "vm2"}, subdirs)

	missing, err := ScanSubdirs(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	refs := map[string]struct{}{"vm1": {}}
	assert.Equal(t, []string{"vm2"}, FilterUnreferenced(subdirs, refs))
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	n := 0
	require.NoError(t, WaitFor(ctx, time.Second, 5*time.Millisecond, func() (bool, error) {
		n++
		return n == 3, nil
	}))
	assert.Equal(t, 3, n)

	err := WaitFor(ctx, 20*time.Millisecond, 5*time.Millisecond, func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, types.ErrTimeout)

	err = WaitFor(ctx, time.Second, 5*time.Millisecond, func() (bool, error) { return false, assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, WaitFor(cctx, time.Second, 5*time.Millisecond, func() (bool, error) { return false, nil }), context.Canceled)
}

func TestPIDAndExitFiles(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "hv.pid")
	require.NoError(t, WritePIDFile(pidFile, os.Getpid()))
	pid, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsProcessAlive(pid))
	assert.False(t, IsProcessAlive(0))

	exitFile := filepath.Join(dir, "hv.exit")
	_, ok, err := ReadExitFile(exitFile)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(exitFile, []byte("2\n"), 0o600))
	code, ok, err := ReadExitFile(exitFile)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, code)

	require.NoError(t, os.WriteFile(exitFile, []byte("x"), 0o600))
	_, _, err = ReadExitFile(exitFile)
	assert.ErrorContains(t, err, "parse integer")
}
