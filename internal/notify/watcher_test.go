package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

func startWatcher(t *testing.T, mem *store.Memory, root string) {
	t.Helper()
	intake := NewIntake(mem, testLogger())
	w, err := NewWatcher(intake, mainKey(), root, 20*time.Millisecond, []string{".git"}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
}

func openNotifications(t *testing.T, mem *store.Memory) []*types.Notification {
	t.Helper()
	open, err := mem.ListOpenNotifications(context.Background(), mainKey())
	require.NoError(t, err)
	return open
}

func TestWatcher_FileChangeProducesOneNotification(t *testing.T) {
	mem := store.NewMemory()
	root := t.TempDir()
	startWatcher(t, mem, root)

	// A burst of writes lands as one debounced notification.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	}

	require.Eventually(t, func() bool {
		return len(openNotifications(t, mem)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	open := openNotifications(t, mem)
	require.Len(t, open, 1)
	assert.Equal(t, types.SourceManual, open[0].Source)
	assert.Equal(t, "acme/api", open[0].Repository)
}

func TestWatcher_EventsWhileOpenCollapse(t *testing.T) {
	mem := store.NewMemory()
	root := t.TempDir()
	startWatcher(t, mem, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("a"), 0o644))
	require.Eventually(t, func() bool {
		return len(openNotifications(t, mem)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Further changes while the notification is open dedup onto it.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("b"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, openNotifications(t, mem), 1)
}

func TestWatcher_NewDirectoryIsPickedUp(t *testing.T) {
	mem := store.NewMemory()
	root := t.TempDir()
	startWatcher(t, mem, root)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool {
		return len(openNotifications(t, mem)) > 0
	}, 2*time.Second, 10*time.Millisecond)
}
