package indexer

import (
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// Plan is the minimal set of writes that brings one artifact's stored
// chunks in line with a fresh chunking pass. Chunks whose fingerprint is
// unchanged at the same ordinal produce no write at all, which is what
// makes re-ingestion idempotent.
type Plan struct {
	Upserts   []*types.Chunk
	DeleteIDs []string

	Inserted int
	Updated  int
	Deleted  int
}

// Empty reports whether the plan contains no writes.
func (p *Plan) Empty() bool {
	return len(p.Upserts) == 0 && len(p.DeleteIDs) == 0
}

// Reconcile diffs fresh chunks against the stored metadata of the same
// artifact. Identity is the ordinal; stored ordinals past the end of the
// fresh pass are deleted.
func Reconcile(stored []store.ChunkMeta, fresh []*types.Chunk) *Plan {
	plan := &Plan{}

	byOrdinal := make(map[int]store.ChunkMeta, len(stored))
	for _, meta := range stored {
		byOrdinal[meta.Ordinal] = meta
	}

	for _, chunk := range fresh {
		meta, exists := byOrdinal[chunk.Ordinal]
		switch {
		case !exists:
			plan.Inserted++
			plan.Upserts = append(plan.Upserts, chunk)
		case meta.Fingerprint != chunk.Fingerprint:
			plan.Updated++
			plan.Upserts = append(plan.Upserts, chunk)
		}
	}

	for _, meta := range stored {
		if meta.Ordinal >= len(fresh) {
			plan.Deleted++
			plan.DeleteIDs = append(plan.DeleteIDs, meta.ID)
		}
	}

	return plan
}
