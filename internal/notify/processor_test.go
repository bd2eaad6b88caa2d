package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/freshness"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

func testTrackerConfig() config.FreshnessConfig {
	return config.FreshnessConfig{
		Window:                24 * time.Hour,
		SweepInterval:         time.Hour,
		BacklogThreshold:      2,
		NotificationRetention: 48 * time.Hour,
	}
}

type fakeRunner struct {
	mu       sync.Mutex
	err      error
	refreshs []types.RepoBranch
}

func (r *fakeRunner) Refresh(_ context.Context, key types.RepoBranch, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.refreshs = append(r.refreshs, key)
	return nil
}

func (r *fakeRunner) refreshed() []types.RepoBranch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.RepoBranch(nil), r.refreshs...)
}

func mainKey() types.RepoBranch {
	return types.RepoBranch{Repository: "acme/api", Branch: "main"}
}

func newTestProcessor(t *testing.T) (*Processor, *store.Memory, *freshness.Tracker, *fakeRunner) {
	t.Helper()
	mem := store.NewMemory()
	tracker := freshness.NewTracker(mem, testTrackerConfig(), testLogger())
	runner := &fakeRunner{}
	p := NewProcessor(mem, tracker, tracker, runner, time.Second, testLogger())
	return p, mem, tracker, runner
}

func trackedFreshBranch(t *testing.T, mem *store.Memory, tracker *freshness.Tracker) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tracker.BeginIndexing(ctx, mainKey()))
	require.NoError(t, tracker.CompleteIndexing(ctx, mainKey(), nil))
}

func TestProcessor_EmptyQueue(t *testing.T) {
	p, _, _, runner := newTestProcessor(t)

	processed, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Empty(t, runner.refreshed())
}

func TestProcessor_ConsumesNotificationAndRefreshes(t *testing.T) {
	p, mem, tracker, runner := newTestProcessor(t)
	ctx := context.Background()
	trackedFreshBranch(t, mem, tracker)

	intake := NewIntake(mem, testLogger())
	n, _, err := intake.Receive(ctx, webhookEvent("delivery-1"))
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []types.RepoBranch{mainKey()}, runner.refreshed())

	final := getNotification(t, mem, n.ID)
	assert.Equal(t, types.NotificationDone, final.Status)
	assert.False(t, final.Orphaned)
	assert.False(t, final.ProcessedAt.IsZero())

	branch, err := mem.GetBranch(ctx, mainKey())
	require.NoError(t, err)
	assert.False(t, branch.LastNotificationAt.IsZero())
	assert.Zero(t, branch.Backlog)
}

func TestProcessor_OrphansNotificationForUnknownBranch(t *testing.T) {
	p, mem, _, runner := newTestProcessor(t)
	ctx := context.Background()

	intake := NewIntake(mem, testLogger())
	n, _, err := intake.Receive(ctx, Event{
		Repository: "acme/gone",
		Branch:     "main",
		Source:     types.SourceWebhook,
		DedupKey:   "delivery-1",
	})
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, runner.refreshed(), "no refresh runs for an unknown branch")

	final := getNotification(t, mem, n.ID)
	assert.Equal(t, types.NotificationDone, final.Status)
	assert.True(t, final.Orphaned)
}

func TestProcessor_OrphansNotificationForUntrackedBranch(t *testing.T) {
	p, mem, tracker, runner := newTestProcessor(t)
	ctx := context.Background()
	trackedFreshBranch(t, mem, tracker)
	require.NoError(t, tracker.Untrack(ctx, mainKey()))

	intake := NewIntake(mem, testLogger())
	n, _, err := intake.Receive(ctx, webhookEvent("delivery-1"))
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, runner.refreshed())
	assert.True(t, getNotification(t, mem, n.ID).Orphaned)
}

func TestProcessor_RecordsRefreshFailureOnNotification(t *testing.T) {
	p, mem, tracker, runner := newTestProcessor(t)
	ctx := context.Background()
	trackedFreshBranch(t, mem, tracker)
	runner.err = errors.New("clone failed")

	intake := NewIntake(mem, testLogger())
	n, _, err := intake.Receive(ctx, webhookEvent("delivery-1"))
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err, "a failed refresh never stalls the queue")
	assert.True(t, processed)

	final := getNotification(t, mem, n.ID)
	assert.Equal(t, types.NotificationError, final.Status)
	assert.Contains(t, final.Error, "clone failed")
	assert.False(t, final.ProcessedAt.IsZero())
}

func TestProcessor_DrainsOldestFirst(t *testing.T) {
	p, mem, tracker, runner := newTestProcessor(t)
	ctx := context.Background()
	trackedFreshBranch(t, mem, tracker)

	other := types.RepoBranch{Repository: "acme/api", Branch: "dev"}
	require.NoError(t, tracker.BeginIndexing(ctx, other))
	require.NoError(t, tracker.CompleteIndexing(ctx, other, nil))

	intake := NewIntake(mem, testLogger())
	_, _, err := intake.Receive(ctx, webhookEvent("delivery-1"))
	require.NoError(t, err)
	_, _, err = intake.Receive(ctx, Event{
		Repository: "acme/api",
		Branch:     "dev",
		Source:     types.SourceWebhook,
		DedupKey:   "delivery-2",
	})
	require.NoError(t, err)

	p.drain(ctx)
	assert.Equal(t, []types.RepoBranch{mainKey(), other}, runner.refreshed())
}

func getNotification(t *testing.T, mem *store.Memory, id string) *types.Notification {
	t.Helper()
	n, err := mem.GetNotification(context.Background(), id)
	require.NoError(t, err)
	return n
}
