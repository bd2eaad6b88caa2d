package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// Runner triggers a refresh pass for one branch. The pipeline's lease
// makes concurrent triggers for the same branch safe.
type Runner interface {
	Refresh(ctx context.Context, key types.RepoBranch, revision string) error
}

// Marker records that a branch has a pending change. Satisfied by the
// freshness tracker.
type Marker interface {
	MarkStale(ctx context.Context, key types.RepoBranch, at time.Time) error
}

// Backlogger is consulted after each consumed notification so backlog
// alerts track the live count. Satisfied by the freshness tracker.
type Backlogger interface {
	CheckBacklog(ctx context.Context, key types.RepoBranch) error
}

// Processor drains pending notifications oldest-first. Each notification
// is consumed exactly once: it moves to processing before any side
// effect, and completes as done, error, or orphaned.
type Processor struct {
	meta     store.MetadataStore
	marker   Marker
	backlog  Backlogger
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// NewProcessor creates a processor polling at the given interval.
func NewProcessor(meta store.MetadataStore, marker Marker, backlog Backlogger, runner Runner, interval time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		meta:     meta,
		marker:   marker,
		backlog:  backlog,
		runner:   runner,
		interval: interval,
		logger:   logger,
	}
}

// Run drains the queue, then polls until the context ends.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) drain(ctx context.Context) {
	for {
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Error("notification processing failed", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessNext consumes the oldest pending notification. It returns false
// when the queue is empty. A failed refresh is recorded on the
// notification, not returned, so one bad branch never stalls the queue.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	n, err := p.meta.NextPendingNotification(ctx)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	n.Status = types.NotificationProcessing
	if err := p.meta.UpdateNotification(ctx, n); err != nil {
		return false, err
	}

	if err := p.process(ctx, n); err != nil {
		n.Status = types.NotificationError
		n.Error = err.Error()
		p.logger.Warn("refresh failed", "scope", n.Key().String(), "id", n.ID, "error", err)
	}
	n.ProcessedAt = time.Now().UTC()
	if err := p.meta.UpdateNotification(ctx, n); err != nil {
		return false, err
	}

	if p.backlog != nil {
		if err := p.backlog.CheckBacklog(ctx, n.Key()); err != nil && !errors.Is(err, types.ErrNotFound) {
			p.logger.Warn("backlog check failed", "scope", n.Key().String(), "error", err)
		}
	}
	return true, nil
}

func (p *Processor) process(ctx context.Context, n *types.Notification) error {
	key := n.Key()

	branch, err := p.meta.GetBranch(ctx, key)
	if errors.Is(err, types.ErrNotFound) || (err == nil && !branch.Tracked) {
		// The branch vanished or was untracked after the notification
		// arrived. It completes as done so it stops counting toward
		// backlog, flagged for audit.
		n.Orphaned = true
		n.Status = types.NotificationDone
		p.logger.Info("notification orphaned", "scope", key.String(), "id", n.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.marker.MarkStale(ctx, key, n.ReceivedAt); err != nil {
		return err
	}
	if err := p.runner.Refresh(ctx, key, n.CommitSHA); err != nil {
		return err
	}
	n.Status = types.NotificationDone
	return nil
}
