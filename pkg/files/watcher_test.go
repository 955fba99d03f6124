package files

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDetectsFileCreation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	target := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	change, ok := w.Next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, target, change.Path)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	target := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	_, ok := w.Next(2 * time.Second)
	require.True(t, ok)

	// A second pop should time out quickly: the burst collapsed to one
	// debounced Change, not five.
	_, ok = w.Next(150 * time.Millisecond)
	assert.False(t, ok)
}

func TestWatcherDrainPending(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 10*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))

	time.Sleep(200 * time.Millisecond)
	changes := w.DrainPending()
	assert.GreaterOrEqual(t, len(changes), 1)
}
