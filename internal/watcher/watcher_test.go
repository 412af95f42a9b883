package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/concierge/internal/watcher"
)

func TestWatcherDebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "concierge.env")
	require.NoError(t, os.WriteFile(envPath, []byte("log_level=debug"), 0644))

	w, err := watcher.New(watcher.Config{
		Paths:       []string{envPath},
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	// Rapid writes coalesce into a single notification.
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(envPath, []byte(fmt.Sprintf("log_level=debug # %d", i)), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "concierge.env")
	otherPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(envPath, []byte("log_level=debug"), 0644))
	require.NoError(t, os.WriteFile(otherPath, []byte("initial"), 0644))

	w, err := watcher.New(watcher.Config{
		Paths:       []string{envPath},
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(otherPath, []byte("other content"), 0644))

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherSeesOverlayFile(t *testing.T) {
	dir := t.TempDir()
	sharedPath := filepath.Join(dir, "concierge.env")
	overlayPath := filepath.Join(dir, "orchestrator.env")
	require.NoError(t, os.WriteFile(sharedPath, []byte("log_level=debug"), 0644))

	w, err := watcher.New(watcher.Config{
		Paths:       []string{sharedPath, overlayPath},
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	// The overlay file did not exist at Start; its creation still counts.
	require.NoError(t, os.WriteFile(overlayPath, []byte("orchestrator.poll_interval=5s"), 0644))

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for overlay file write")
	}
}

func TestWatcherStop(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "concierge.env")
	require.NoError(t, os.WriteFile(envPath, []byte("log_level=debug"), 0644))

	w, err := watcher.New(watcher.Config{
		Paths:       []string{envPath},
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = w.Start()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Stop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/etc/concierge/concierge.env")

	assert.Equal(t, []string{"/etc/concierge/concierge.env"}, cfg.Paths)
	assert.Equal(t, time.Second, cfg.DebounceDur)
}
