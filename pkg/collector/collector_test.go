package collector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/eventbus"
)

func newTestCollector(t *testing.T, root string, debounce time.Duration) (*Collector, eventbus.Queue, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New()
	bus.Start()
	t.Cleanup(bus.Stop)

	q := eventbus.NewQueue(32)
	bus.Subscribe("file:*", q)

	c := New(Config{RootDir: root, Debounce: debounce}, bus, zerolog.Nop())
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	return c, q, bus
}

func waitForEvent(t *testing.T, q eventbus.Queue, timeout time.Duration) (event.Event, bool) {
	t.Helper()
	select {
	case ev := <-q:
		return ev, true
	case <-time.After(timeout):
		return event.Event{}, false
	}
}

func TestCollectorEmitsFileCreated(t *testing.T) {
	root := t.TempDir()
	_, q, _ := newTestCollector(t, root, 50*time.Millisecond)

	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	ev, ok := waitForEvent(t, q, 2*time.Second)
	require.True(t, ok, "expected a file event")
	assert.Equal(t, event.TypeFileCreated, ev.Type)
	assert.Equal(t, "collector:fs", ev.Source)
}

func TestCollectorDebouncesConsecutiveWrites(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	_, q, _ := newTestCollector(t, root, 200*time.Millisecond)

	// Drain the initial create (collector was started after the file
	// already existed, so no create is expected, but be defensive).
	for {
		_, ok := waitForEvent(t, q, 100*time.Millisecond)
		if !ok {
			break
		}
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("update"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	ev, ok := waitForEvent(t, q, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, event.TypeFileModified, ev.Type)

	// Only one coalesced event should have been emitted for the burst.
	_, ok = waitForEvent(t, q, 300*time.Millisecond)
	assert.False(t, ok, "debounce should have coalesced the burst into a single event")
}

func TestCollectorEmitsFileDeleted(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "c.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	_, q, _ := newTestCollector(t, root, 50*time.Millisecond)
	for {
		_, ok := waitForEvent(t, q, 100*time.Millisecond)
		if !ok {
			break
		}
	}

	require.NoError(t, os.Remove(path))

	ev, ok := waitForEvent(t, q, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, event.TypeFileDeleted, ev.Type)
}

func TestCollectorIgnoresConfiguredGlobs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))

	_, q, _ := newTestCollector(t, root, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "pkg", "index.js"), []byte("x"), 0o644))

	_, ok := waitForEvent(t, q, 500*time.Millisecond)
	assert.False(t, ok, "files under an ignored directory must not produce events")
}

func TestCollectorRejectsPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	c, q, _ := newTestCollector(t, root, 50*time.Millisecond)

	link := filepath.Join(root, "escape.txt")
	target := filepath.Join(outside, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("v"), 0o644))
	require.NoError(t, os.Symlink(target, link))

	resolved, ok := c.canonicalize(link)
	assert.False(t, ok, "symlink escaping root must be rejected")
	assert.Empty(t, resolved)

	_, _ = waitForEvent(t, q, 200*time.Millisecond)
}
