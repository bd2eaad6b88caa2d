package indexer

import (
	"sync"
	"sync/atomic"

	"github.com/quarrydev/quarry/pkg/types"
)

// lease is a non-blocking lock backed by a CAS.
type lease struct {
	state atomic.Int32
}

func (l *lease) tryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

func (l *lease) release() {
	l.state.Store(0)
}

// Leases grants at most one ingestion pass per (repository, branch) at a
// time. Acquisition never blocks; a second caller gets ErrLeaseHeld and
// is expected to leave its trigger in the notification backlog.
type Leases struct {
	mu    sync.Mutex
	locks map[types.RepoBranch]*lease
}

// NewLeases creates an empty lease registry.
func NewLeases() *Leases {
	return &Leases{locks: make(map[types.RepoBranch]*lease)}
}

// Acquire takes the lease for key. On success it returns a release
// function; otherwise ErrLeaseHeld.
func (l *Leases) Acquire(key types.RepoBranch) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &lease{}
		l.locks[key] = lk
	}
	l.mu.Unlock()

	if !lk.tryAcquire() {
		return nil, types.ErrLeaseHeld
	}
	return lk.release, nil
}

// Held reports whether the lease for key is currently taken.
func (l *Leases) Held(key types.RepoBranch) bool {
	l.mu.Lock()
	lk, ok := l.locks[key]
	l.mu.Unlock()
	return ok && lk.state.Load() == 1
}
