package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/specsync/internal/conflict"
)

func collect(t *testing.T, ch <-chan conflict.FileChange, timeout time.Duration) *conflict.FileChange {
	t.Helper()
	select {
	case fc := <-ch:
		return &fc
	case <-time.After(timeout):
		return nil
	}
}

func TestBurstCollapsesToOneNotification(t *testing.T) {
	w := New(t.TempDir(), 30*time.Millisecond, nil)

	for i := 0; i < 10; i++ {
		w.note("auth", filepath.Join(w.root, "auth", "design.md"))
	}

	fc := collect(t, w.Changes(), time.Second)
	require.NotNil(t, fc)
	assert.Equal(t, "auth", fc.SpecID)
	assert.Equal(t, filepath.Join(w.root, "auth", "design.md"), fc.Path)

	// Nothing else queued.
	assert.Nil(t, collect(t, w.Changes(), 100*time.Millisecond))
}

func TestDistinctSpecsDebounceIndependently(t *testing.T) {
	w := New(t.TempDir(), 20*time.Millisecond, nil)

	w.note("auth", filepath.Join(w.root, "auth", "tasks.md"))
	w.note("billing", filepath.Join(w.root, "billing", "tasks.md"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		fc := collect(t, w.Changes(), time.Second)
		require.NotNil(t, fc)
		seen[fc.SpecID] = true
	}
	assert.True(t, seen["auth"])
	assert.True(t, seen["billing"])
}

func TestLastPathOfBurstWins(t *testing.T) {
	w := New(t.TempDir(), 30*time.Millisecond, nil)

	w.note("auth", filepath.Join(w.root, "auth", "requirements.md"))
	w.note("auth", filepath.Join(w.root, "auth", "design.md"))

	fc := collect(t, w.Changes(), time.Second)
	require.NotNil(t, fc)
	assert.Equal(t, filepath.Join(w.root, "auth", "design.md"), fc.Path)
}

func TestSpecIDFor(t *testing.T) {
	w := New("/specs", time.Second, nil)

	tests := []struct {
		path string
		id   string
		ok   bool
	}{
		{"/specs/auth/design.md", "auth", true},
		{"/specs/auth/sub/notes.md", "auth", true},
		{"/specs/stray.md", "", false},
		{"/specs", "", false},
		{"/elsewhere/auth/design.md", "", false},
	}
	for _, tt := range tests {
		id, ok := w.specIDFor(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.id, id, tt.path)
	}
}

func TestWriteArtifactsIgnored(t *testing.T) {
	assert.True(t, ignoredPath("/specs/auth/.specsync-tmp-123.json"))
	assert.True(t, ignoredPath("/specs/auth/queue.json.bak"))
	assert.True(t, ignoredPath("/specs/quarantine/queue.json.20260829.corrupt"))
	assert.True(t, ignoredPath("/specs/auth/.hidden"))
	assert.False(t, ignoredPath("/specs/auth/design.md"))
	assert.False(t, ignoredPath("/specs/auth/spec.json"))
}

func TestReadSpecVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":12,"name":"Auth"}`), 0o644))

	assert.Equal(t, 12, readSpecVersion(path))
	assert.Equal(t, 0, readSpecVersion(filepath.Join(dir, "design.md")))

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	assert.Equal(t, 0, readSpecVersion(path))
}

func TestWatchDeliversRealFileChange(t *testing.T) {
	root := t.TempDir()
	specDir := filepath.Join(root, "auth")
	require.NoError(t, os.MkdirAll(specDir, 0o755))

	w := New(root, 20*time.Millisecond, nil)
	require.NoError(t, w.Start())
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(specDir, "design.md"), []byte("# Design"), 0o644))

	fc := collect(t, w.Changes(), 2*time.Second)
	require.NotNil(t, fc)
	assert.Equal(t, "auth", fc.SpecID)
}

func TestNewSpecDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	w := New(root, 20*time.Millisecond, nil)
	require.NoError(t, w.Start())
	defer w.Close()

	specDir := filepath.Join(root, "billing")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	// Give fsnotify a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "tasks.md"), []byte("- [ ] 1"), 0o644))

	fc := collect(t, w.Changes(), 2*time.Second)
	require.NotNil(t, fc)
	assert.Equal(t, "billing", fc.SpecID)
}

func TestCloseRacesPendingFlushes(t *testing.T) {
	// Fired timers cannot be stopped; Close must still be safe while
	// their flushes are in flight.
	for i := 0; i < 50; i++ {
		w := New(t.TempDir(), time.Millisecond, nil)
		for j := 0; j < 8; j++ {
			w.note(fmt.Sprintf("spec-%d", j), filepath.Join(w.root, fmt.Sprintf("spec-%d", j), "spec.json"))
		}
		time.Sleep(time.Millisecond)
		require.NoError(t, w.Close())

		// The stream must be closed, delivering whatever flushed first.
		for range w.Changes() {
		}
	}
}
