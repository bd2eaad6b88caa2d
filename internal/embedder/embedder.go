// Package embedder attaches vectors to chunks. The embedding model call
// itself is an opaque batch function behind the Embedder interface; this
// package owns batching, rate limiting, retry with exponential backoff,
// caching, and the degradation path that leaves chunks text-searchable
// when embedding is exhausted.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// ErrBatchMismatch is returned when a provider answers a batch with the
// wrong number of vectors.
var ErrBatchMismatch = errors.New("embedding batch size mismatch")

// Embedder is the external embedding contract: one call embeds a whole
// batch and fails as a whole batch.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Mock is a deterministic in-process embedder for tests and offline use.
// Vectors are derived from a content hash, so equal text embeds equally.
type Mock struct {
	Dim int
	// Fail, when non-nil, is consulted per call to inject failures.
	Fail func(call int) error

	mu    sync.Mutex
	calls int
}

// NewMock creates a mock embedder with the given dimension.
func NewMock(dim int) *Mock {
	return &Mock{Dim: dim}
}

// Embed implements Embedder.
func (m *Mock) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(call); err != nil {
			return nil, err
		}
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.vector(text)
	}
	return vectors, nil
}

// Dimension implements Embedder.
func (m *Mock) Dimension() int { return m.Dim }

// Calls reports how many Embed calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// vector produces a unit-norm vector seeded by the text hash.
func (m *Mock) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, m.Dim)
	var norm float64
	for i := range v {
		seed := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		v[i] = float32(int32(seed+uint32(i))) / float32(math.MaxInt32)
		norm += float64(v[i]) * float64(v[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}
