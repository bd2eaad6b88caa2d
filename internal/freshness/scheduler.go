package freshness

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// Clock abstracts time for the scheduler so sweeps are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Scheduler is the time-based backstop: branches whose index age exceeds
// the freshness window get a synthesized schedule notification even when
// no webhook arrived. It also prunes completed notifications past their
// retention.
type Scheduler struct {
	meta   store.MetadataStore
	cfg    config.FreshnessConfig
	clock  Clock
	logger *slog.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(meta store.MetadataStore, cfg config.FreshnessConfig, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{meta: meta, cfg: cfg, clock: clock, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("freshness sweep failed", "error", err)
			}
		}
	}
}

// Sweep synthesizes schedule notifications for overdue branches and
// prunes completed notifications past retention. It reports how many
// notifications it created and pruned.
func (s *Scheduler) Sweep(ctx context.Context) (created, pruned int, err error) {
	now := s.clock.Now()

	branches, err := s.meta.ListBranches(ctx, "")
	if err != nil {
		return 0, 0, err
	}

	for _, branch := range branches {
		if !s.overdue(branch, now) {
			continue
		}
		// An open notification already guarantees a pickup.
		open, err := s.meta.ListOpenNotifications(ctx, branch.Key())
		if err != nil {
			return created, 0, err
		}
		if len(open) > 0 {
			continue
		}

		n := &types.Notification{
			ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			Repository: branch.Repository,
			Branch:     branch.Name,
			Source:     types.SourceSchedule,
			ReceivedAt: now,
			Status:     types.NotificationPending,
		}
		if err := s.meta.CreateNotification(ctx, n); err != nil {
			return created, 0, err
		}
		created++
		s.logger.Info("scheduled refresh queued",
			"scope", branch.Key().String(),
			"index_age", now.Sub(branch.LastIndexedAt))
	}

	pruned, err = s.meta.PruneNotifications(ctx, now.Add(-s.cfg.NotificationRetention))
	if err != nil {
		return created, 0, err
	}
	if pruned > 0 {
		s.logger.Info("pruned completed notifications", "count", pruned)
	}
	return created, pruned, nil
}

// overdue reports whether the branch needs a scheduled refresh. Indexing
// branches are left alone; everything else qualifies once its last
// successful index is older than the window. Never-indexed tracked
// branches are always overdue.
func (s *Scheduler) overdue(branch *types.Branch, now time.Time) bool {
	if !branch.Tracked || branch.Freshness == types.FreshnessIndexing {
		return false
	}
	if branch.LastIndexedAt.IsZero() {
		return true
	}
	return now.Sub(branch.LastIndexedAt) > s.cfg.Window
}
