package types

import "time"

// NotificationSource identifies what produced a change notification.
type NotificationSource string

const (
	SourceWebhook  NotificationSource = "webhook"
	SourceSchedule NotificationSource = "schedule"
	SourceManual   NotificationSource = "manual"
)

// NotificationStatus is the processing lifecycle of a notification.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"
	NotificationProcessing NotificationStatus = "processing"
	NotificationDone       NotificationStatus = "done"
	NotificationError      NotificationStatus = "error"
)

// Notification asserts that a (repository, branch) may have changed. It
// is consumed exactly once by the freshness tracker and retained for
// audit after completion.
type Notification struct {
	// ID is a ULID, so notification IDs sort by arrival time.
	ID string

	Repository string
	Branch     string

	Source NotificationSource

	// DedupKey collapses duplicate deliveries of the same external event.
	DedupKey string

	// CommitSHA is the revision reported by the source, when known.
	CommitSHA string

	ReceivedAt  time.Time
	ProcessedAt time.Time
	Status      NotificationStatus
	Error       string

	// Orphaned marks a notification whose branch was deleted or untracked
	// before processing. Orphaned notifications complete as done.
	Orphaned bool
}

// Open reports whether the notification still counts toward backlog.
func (n *Notification) Open() bool {
	return n.Status == NotificationPending || n.Status == NotificationProcessing
}

// Key returns the (repository, branch) pair the notification targets.
func (n *Notification) Key() RepoBranch {
	return RepoBranch{Repository: n.Repository, Branch: n.Branch}
}
