// Package freshness owns the per-branch index freshness state machine
// and the scheduled sweep that backstops missed notifications.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// Tracker applies freshness transitions and watches notification
// backlog. All state lives in the metadata store; the tracker only
// enforces which transitions are legal.
type Tracker struct {
	meta   store.MetadataStore
	cfg    config.FreshnessConfig
	logger *slog.Logger

	mu      sync.Mutex
	alerted map[types.RepoBranch]bool
}

// NewTracker creates a tracker.
func NewTracker(meta store.MetadataStore, cfg config.FreshnessConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		meta:    meta,
		cfg:     cfg,
		logger:  logger,
		alerted: make(map[types.RepoBranch]bool),
	}
}

// Observe returns the branch record for key, creating it in pending
// state on first observation.
func (t *Tracker) Observe(ctx context.Context, key types.RepoBranch, isDefault bool) (*types.Branch, error) {
	branch, err := t.meta.GetBranch(ctx, key)
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	branch = &types.Branch{
		Repository: key.Repository,
		Name:       key.Branch,
		IsDefault:  isDefault,
		Tracked:    true,
		Freshness:  types.FreshnessPending,
	}
	if err := t.meta.UpsertBranch(ctx, branch); err != nil {
		return nil, err
	}
	t.logger.Info("branch observed", "scope", key.String(), "default", isDefault)
	return branch, nil
}

// Untrack marks a branch as no longer tracked. The record and its audit
// trail stay; open notifications for it will complete as orphaned.
func (t *Tracker) Untrack(ctx context.Context, key types.RepoBranch) error {
	branch, err := t.meta.GetBranch(ctx, key)
	if err != nil {
		return err
	}
	branch.Tracked = false
	return t.meta.UpsertBranch(ctx, branch)
}

// BeginIndexing moves the branch into indexing state. It satisfies the
// pipeline's FreshnessRecorder contract.
func (t *Tracker) BeginIndexing(ctx context.Context, key types.RepoBranch) error {
	branch, err := t.Observe(ctx, key, false)
	if err != nil {
		return err
	}
	return t.transition(ctx, branch, types.FreshnessIndexing)
}

// CompleteIndexing finishes an indexing pass: fresh on success, error on
// failure. Fresh is never set except through this path.
func (t *Tracker) CompleteIndexing(ctx context.Context, key types.RepoBranch, indexErr error) error {
	branch, err := t.meta.GetBranch(ctx, key)
	if err != nil {
		return err
	}

	next := types.FreshnessFresh
	if indexErr != nil {
		next = types.FreshnessError
	}
	if err := t.transition(ctx, branch, next); err != nil {
		return err
	}
	if indexErr == nil {
		branch.LastIndexedAt = time.Now().UTC()
		return t.meta.UpsertBranch(ctx, branch)
	}
	return nil
}

// MarkStale records that a notification arrived for the branch. A fresh
// branch drops to stale; branches already pending, stale, indexing, or
// errored keep their state and only the notification timestamp moves.
func (t *Tracker) MarkStale(ctx context.Context, key types.RepoBranch, at time.Time) error {
	branch, err := t.Observe(ctx, key, false)
	if err != nil {
		return err
	}

	branch.LastNotificationAt = at
	if branch.Freshness == types.FreshnessFresh {
		branch.Freshness = types.FreshnessStale
	}
	return t.meta.UpsertBranch(ctx, branch)
}

// CheckBacklog raises one alert when a branch's open-notification count
// crosses the threshold and retracts it when the backlog drains.
func (t *Tracker) CheckBacklog(ctx context.Context, key types.RepoBranch) error {
	branch, err := t.meta.GetBranch(ctx, key)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	over := branch.Backlog > t.cfg.BacklogThreshold
	switch {
	case over && !t.alerted[key]:
		t.alerted[key] = true
		t.logger.Warn("notification backlog over threshold",
			"scope", key.String(),
			"backlog", branch.Backlog,
			"threshold", t.cfg.BacklogThreshold)
	case !over && t.alerted[key]:
		delete(t.alerted, key)
		t.logger.Info("notification backlog recovered",
			"scope", key.String(),
			"backlog", branch.Backlog)
	}
	return nil
}

// Alerted reports whether a backlog alert is currently raised for key.
func (t *Tracker) Alerted(key types.RepoBranch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alerted[key]
}

func (t *Tracker) transition(ctx context.Context, branch *types.Branch, next types.FreshnessState) error {
	if !branch.Freshness.CanTransition(next) {
		return fmt.Errorf("freshness transition %s -> %s not permitted for %s",
			branch.Freshness, next, branch.Key().String())
	}
	branch.Freshness = next
	return t.meta.UpsertBranch(ctx, branch)
}
