package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	n atomic.Int32
}

func (c *countingTarget) Trigger() { c.n.Add(1) }

func startWatcher(t *testing.T, path string, debounce time.Duration) (*Watcher, *countingTarget) {
	t.Helper()
	target := &countingTarget{}
	w, err := New(path, target, debounce)
	require.NoError(t, err)

	w.Start(context.Background())
	t.Cleanup(func() { w.Close() })

	// Give the event loop a moment to start.
	time.Sleep(20 * time.Millisecond)
	return w, target
}

func TestWatcherTriggersOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, target := startWatcher(t, path, 30*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	require.Eventually(t, func() bool { return target.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherTriggersOnAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	_, target := startWatcher(t, path, 30*time.Millisecond)

	tmp := filepath.Join(dir, ".config.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"user_config":{}}`), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return target.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, target := startWatcher(t, path, 150*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o600))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return target.n.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), target.n.Load())
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	_, target := startWatcher(t, filepath.Join(dir, "config.json"), 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), target.n.Load())
}

func TestNewFailsForMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope", "config.json"), &countingTarget{}, 0)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, _ := startWatcher(t, filepath.Join(t.TempDir(), "config.json"), 0)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
