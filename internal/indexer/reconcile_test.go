package indexer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

func freshChunks(texts ...string) []*types.Chunk {
	chunks := make([]*types.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &types.Chunk{
			Repository:  "acme/api",
			Branch:      "main",
			Path:        "a.go",
			Ordinal:     i,
			Text:        text,
			Fingerprint: types.Fingerprint(text),
		}
	}
	return chunks
}

func storedMetas(chunks []*types.Chunk) []store.ChunkMeta {
	metas := make([]store.ChunkMeta, len(chunks))
	for i, c := range chunks {
		metas[i] = store.ChunkMeta{ID: c.ID(), Ordinal: c.Ordinal, Fingerprint: c.Fingerprint}
	}
	return metas
}

func TestReconcile_FirstPassInsertsEverything(t *testing.T) {
	fresh := freshChunks("one", "two", "three")

	plan := Reconcile(nil, fresh)

	assert.Equal(t, 3, plan.Inserted)
	assert.Zero(t, plan.Updated)
	assert.Zero(t, plan.Deleted)
	assert.Len(t, plan.Upserts, 3)
	assert.Empty(t, plan.DeleteIDs)
}

func TestReconcile_UnchangedPassIsEmpty(t *testing.T) {
	fresh := freshChunks("one", "two")
	plan := Reconcile(storedMetas(fresh), fresh)

	assert.True(t, plan.Empty(), "identical content must produce no writes")
}

func TestReconcile_ChangedOrdinalIsUpdated(t *testing.T) {
	previous := freshChunks("one", "two", "three")
	fresh := freshChunks("one", "two CHANGED", "three")

	plan := Reconcile(storedMetas(previous), fresh)

	assert.Zero(t, plan.Inserted)
	assert.Equal(t, 1, plan.Updated)
	assert.Zero(t, plan.Deleted)
	require.Len(t, plan.Upserts, 1)
	assert.Equal(t, 1, plan.Upserts[0].Ordinal)
}

func TestReconcile_ShrunkenArtifactDeletesTail(t *testing.T) {
	previous := freshChunks("one", "two", "three", "four")
	fresh := freshChunks("one", "two")

	plan := Reconcile(storedMetas(previous), fresh)

	assert.Zero(t, plan.Inserted)
	assert.Zero(t, plan.Updated)
	assert.Equal(t, 2, plan.Deleted)
	require.Len(t, plan.DeleteIDs, 2)
	assert.Contains(t, plan.DeleteIDs, types.ChunkID("acme/api", "main", "a.go", 2))
	assert.Contains(t, plan.DeleteIDs, types.ChunkID("acme/api", "main", "a.go", 3))
}

func TestReconcile_GrownArtifactInsertsTail(t *testing.T) {
	previous := freshChunks("one")
	fresh := freshChunks("one", "two", "three")

	plan := Reconcile(storedMetas(previous), fresh)

	assert.Equal(t, 2, plan.Inserted)
	assert.Zero(t, plan.Deleted)
}

func TestReconcile_EmptyFreshPassDeletesEverything(t *testing.T) {
	previous := freshChunks("one", "two")
	plan := Reconcile(storedMetas(previous), nil)

	assert.Equal(t, 2, plan.Deleted)
	assert.Empty(t, plan.Upserts)
}

func TestReconcile_PlanIsIdempotent(t *testing.T) {
	// Applying a plan and reconciling again must yield an empty plan.
	previous := freshChunks("one", "stale", "drop-me")
	fresh := freshChunks("one", "two CHANGED")

	plan := Reconcile(storedMetas(previous), fresh)
	require.False(t, plan.Empty())

	after := storedMetas(fresh)
	again := Reconcile(after, fresh)
	assert.True(t, again.Empty(), fmt.Sprintf("second pass produced %+v", again))
}
