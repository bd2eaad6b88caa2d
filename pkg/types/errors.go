package types

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrBranchNotPermitted is returned when an explicit branch override
	// names a branch outside the caller's granted set. It is never
	// silently narrowed away.
	ErrBranchNotPermitted = errors.New("branch not permitted")

	// ErrNoPermittedScope is returned when scope resolution leaves no
	// (repository, branch) pair to search. Distinct from an empty result
	// set.
	ErrNoPermittedScope = errors.New("no permitted scope")

	// ErrLeaseHeld is returned when an ingestion pass is already active
	// for a (repository, branch) pair.
	ErrLeaseHeld = errors.New("ingestion lease already held")
)
