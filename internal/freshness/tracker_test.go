package freshness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

func testFreshnessConfig() config.FreshnessConfig {
	return config.FreshnessConfig{
		Window:                24 * time.Hour,
		SweepInterval:         time.Hour,
		BacklogThreshold:      2,
		NotificationRetention: 48 * time.Hour,
	}
}

func newTestTracker(t *testing.T) (*Tracker, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewTracker(mem, testFreshnessConfig(), slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func mainKey() types.RepoBranch {
	return types.RepoBranch{Repository: "acme/api", Branch: "main"}
}

func TestTracker_ObserveCreatesPendingBranch(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	branch, err := tracker.Observe(ctx, mainKey(), true)
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessPending, branch.Freshness)
	assert.True(t, branch.IsDefault)
	assert.True(t, branch.Tracked)

	// A second observation returns the existing record untouched.
	again, err := tracker.Observe(ctx, mainKey(), false)
	require.NoError(t, err)
	assert.True(t, again.IsDefault)
}

func TestTracker_IndexingLifecycle(t *testing.T) {
	tracker, mem := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.BeginIndexing(ctx, mainKey()))
	branch, err := mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessIndexing, branch.Freshness)

	require.NoError(t, tracker.CompleteIndexing(ctx, mainKey(), nil))
	branch, err = mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessFresh, branch.Freshness)
	assert.False(t, branch.LastIndexedAt.IsZero())
}

func TestTracker_FailedPassEndsInError(t *testing.T) {
	tracker, mem := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.BeginIndexing(ctx, mainKey()))
	require.NoError(t, tracker.CompleteIndexing(ctx, mainKey(), errors.New("disk full")))

	branch, err := mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessError, branch.Freshness)
	assert.True(t, branch.LastIndexedAt.IsZero(), "a failed pass never counts as indexed")

	// An errored branch is picked up again by the next trigger.
	require.NoError(t, tracker.BeginIndexing(ctx, mainKey()))
}

func TestTracker_FreshIsOnlyReachableThroughIndexing(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Observe(ctx, mainKey(), false)
	require.NoError(t, err)

	// pending -> fresh is not a legal transition.
	err = tracker.CompleteIndexing(ctx, mainKey(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted")
}

func TestTracker_DoubleBeginIsRejected(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.BeginIndexing(ctx, mainKey()))
	assert.Error(t, tracker.BeginIndexing(ctx, mainKey()))
}

func TestTracker_MarkStale(t *testing.T) {
	tracker, mem := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.BeginIndexing(ctx, mainKey()))
	require.NoError(t, tracker.CompleteIndexing(ctx, mainKey(), nil))

	at := time.Now().UTC()
	require.NoError(t, tracker.MarkStale(ctx, mainKey(), at))

	branch, err := mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessStale, branch.Freshness)
	assert.Equal(t, at, branch.LastNotificationAt)

	// A second notification keeps the branch stale.
	require.NoError(t, tracker.MarkStale(ctx, mainKey(), at.Add(time.Minute)))
	branch, err = mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessStale, branch.Freshness)
}

func TestTracker_BacklogAlertRaisesAndRetracts(t *testing.T) {
	tracker, mem := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Observe(ctx, mainKey(), false)
	require.NoError(t, err)

	notifications := make([]*types.Notification, 3)
	for i := range notifications {
		notifications[i] = &types.Notification{
			ID:         ulid.Make().String(),
			Repository: "acme/api",
			Branch:     "main",
			Source:     types.SourceWebhook,
			ReceivedAt: time.Now(),
			Status:     types.NotificationPending,
		}
		require.NoError(t, mem.CreateNotification(ctx, notifications[i]))
	}

	// Threshold is 2; three open notifications cross it.
	require.NoError(t, tracker.CheckBacklog(ctx, mainKey()))
	assert.True(t, tracker.Alerted(mainKey()))

	for _, n := range notifications[:2] {
		n.Status = types.NotificationDone
		require.NoError(t, mem.UpdateNotification(ctx, n))
	}
	require.NoError(t, tracker.CheckBacklog(ctx, mainKey()))
	assert.False(t, tracker.Alerted(mainKey()), "alert retracts once backlog drains")
}

func TestTracker_Untrack(t *testing.T) {
	tracker, mem := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Observe(ctx, mainKey(), false)
	require.NoError(t, err)
	require.NoError(t, tracker.Untrack(ctx, mainKey()))

	branch, err := mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.False(t, branch.Tracked)
}
