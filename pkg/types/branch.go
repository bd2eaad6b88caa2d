package types

import "time"

// FreshnessState is the per-branch index freshness state machine.
//
//	pending -> indexing -> fresh | error
//	fresh   -> stale    (notification arrives or freshness window elapses)
//	stale   -> indexing (pickup)
//	error   -> indexing (next trigger)
type FreshnessState string

const (
	FreshnessPending  FreshnessState = "pending"
	FreshnessIndexing FreshnessState = "indexing"
	FreshnessFresh    FreshnessState = "fresh"
	FreshnessStale    FreshnessState = "stale"
	FreshnessError    FreshnessState = "error"
)

// CanTransition reports whether the state machine permits moving from s
// to next. Fresh is only reachable through indexing.
func (s FreshnessState) CanTransition(next FreshnessState) bool {
	switch s {
	case FreshnessPending, FreshnessStale:
		return next == FreshnessIndexing
	case FreshnessIndexing:
		return next == FreshnessFresh || next == FreshnessError
	case FreshnessFresh:
		return next == FreshnessStale || next == FreshnessIndexing
	case FreshnessError:
		return next == FreshnessIndexing
	}
	return false
}

// Branch is a tracked ref within a repository. Branches are created on
// first observation and marked untracked, not deleted, when they
// disappear from the remote.
type Branch struct {
	Repository string
	Name       string

	IsDefault bool
	Tracked   bool

	LastIndexedAt      time.Time
	LastNotificationAt time.Time

	Freshness FreshnessState

	// Backlog is the count of pending+processing notifications.
	Backlog int
}

// Key returns the branch's (repository, branch) identity.
func (b *Branch) Key() RepoBranch {
	return RepoBranch{Repository: b.Repository, Branch: b.Name}
}

// RepoBranch identifies one branch of one repository. It is the unit of
// ingestion leasing and freshness tracking.
type RepoBranch struct {
	Repository string
	Branch     string
}

// String renders the pair as "repository@branch".
func (rb RepoBranch) String() string {
	return rb.Repository + "@" + rb.Branch
}
