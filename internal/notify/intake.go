// Package notify turns external change signals into notification records
// and drains them: webhook deliveries, scheduled sweeps, manual triggers,
// and local filesystem watches all funnel through the same intake so
// deduplication and backlog accounting see one stream.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// Event is one incoming change signal before it becomes a notification.
type Event struct {
	Repository string
	Branch     string
	Source     types.NotificationSource

	// DedupKey identifies the external delivery. Duplicate deliveries of
	// an event that is still open collapse onto the existing notification.
	// Empty means the event carries no delivery identity and never dedups.
	DedupKey string

	// CommitSHA is the revision the source reported, when known.
	CommitSHA string
}

// Intake records incoming events as notifications.
type Intake struct {
	meta   store.MetadataStore
	logger *slog.Logger
}

// NewIntake creates an intake over the metadata store.
func NewIntake(meta store.MetadataStore, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{meta: meta, logger: logger}
}

// Receive records an event. When an open notification with the same
// dedup key exists, that notification is returned and created is false.
func (i *Intake) Receive(ctx context.Context, ev Event) (n *types.Notification, created bool, err error) {
	if ev.Repository == "" || ev.Branch == "" {
		return nil, false, fmt.Errorf("notification needs repository and branch, got %q@%q", ev.Repository, ev.Branch)
	}

	dedupKey := ev.DedupKey
	if dedupKey == "" {
		dedupKey = uuid.NewString()
	} else {
		existing, err := i.meta.GetOpenNotificationByDedup(ctx, dedupKey)
		if err == nil {
			i.logger.Debug("duplicate delivery collapsed",
				"scope", existing.Key().String(), "dedup_key", dedupKey)
			return existing, false, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, false, err
		}
	}

	n = &types.Notification{
		ID:         ulid.Make().String(),
		Repository: ev.Repository,
		Branch:     ev.Branch,
		Source:     ev.Source,
		DedupKey:   dedupKey,
		CommitSHA:  ev.CommitSHA,
		ReceivedAt: time.Now().UTC(),
		Status:     types.NotificationPending,
	}
	if err := i.meta.CreateNotification(ctx, n); err != nil {
		return nil, false, err
	}
	i.logger.Info("notification received",
		"scope", n.Key().String(), "source", n.Source, "id", n.ID)
	return n, true, nil
}
