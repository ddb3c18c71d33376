package hotplug

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(Options{Root: root, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		_ = w.Close()
	})
	return w
}

func expectEvent(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("イベントが通知されない")
	}
}

func expectNoEvent(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case <-w.Events():
		t.Fatal("不要なイベントが通知された")
	case <-time.After(d):
	}
}

func TestWatcher_DeviceAddedAndRemoved(t *testing.T) {
	root := t.TempDir()
	bus := filepath.Join(root, "001")
	require.NoError(t, os.Mkdir(bus, 0o755))
	w := newTestWatcher(t, root)

	node := filepath.Join(bus, "004")
	require.NoError(t, os.WriteFile(node, nil, 0o644))
	expectEvent(t, w)

	require.NoError(t, os.Remove(node))
	expectEvent(t, w)
}

func TestWatcher_Debounce(t *testing.T) {
	root := t.TempDir()
	bus := filepath.Join(root, "001")
	require.NoError(t, os.Mkdir(bus, 0o755))
	w := newTestWatcher(t, root)

	// リセット直後の再列挙を模倣する
	for _, name := range []string{"004", "005", "006"} {
		require.NoError(t, os.WriteFile(filepath.Join(bus, name), nil, 0o644))
	}
	expectEvent(t, w)
	expectNoEvent(t, w, 100*time.Millisecond)
}

func TestWatcher_NewBus(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	bus := filepath.Join(root, "002")
	require.NoError(t, os.Mkdir(bus, 0o755))
	expectEvent(t, w)

	// 新しいバスのデバイスも検知する
	require.Eventually(t, func() bool {
		return contains(w.watcher.WatchList(), bus)
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(bus, "001"), nil, 0o644))
	expectEvent(t, w)
}

func TestNew_MissingRoot(t *testing.T) {
	w, err := New(Options{Root: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	defer func() {
		_ = w.Close()
	}()
	require.Error(t, w.Start(context.Background()))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
