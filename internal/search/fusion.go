package search

import (
	"github.com/quarrydev/quarry/internal/store"
)

// fused is one chunk's combined retrieval evidence before hydration.
type fused struct {
	chunkID  string
	lexScore float64
	vecScore float64
	score    float64
}

// fuse merges the two retrieval pools into one candidate set. Scores in
// each pool are min-max normalized to [0, 1] before the weighted sum, so
// the two scales never dominate each other. A chunk appearing in only
// one pool contributes zero from the other.
func fuse(lexical, vector []store.Hit, lexWeight, vecWeight float64) []fused {
	total := lexWeight + vecWeight
	lexWeight /= total
	vecWeight /= total

	lexNorm := minMaxNormalize(lexical)
	vecNorm := minMaxNormalize(vector)

	byID := make(map[string]*fused, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))

	for _, hit := range lexical {
		f := &fused{chunkID: hit.ChunkID, lexScore: lexNorm[hit.ChunkID]}
		byID[hit.ChunkID] = f
		order = append(order, hit.ChunkID)
	}
	for _, hit := range vector {
		f, ok := byID[hit.ChunkID]
		if !ok {
			f = &fused{chunkID: hit.ChunkID}
			byID[hit.ChunkID] = f
			order = append(order, hit.ChunkID)
		}
		f.vecScore = vecNorm[hit.ChunkID]
	}

	candidates := make([]fused, 0, len(order))
	for _, id := range order {
		f := byID[id]
		f.score = lexWeight*f.lexScore + vecWeight*f.vecScore
		candidates = append(candidates, *f)
	}
	return candidates
}

// minMaxNormalize maps each pool's scores onto [0, 1]. A single-element
// or constant-score pool normalizes to 1 so presence in a pool always
// counts.
func minMaxNormalize(hits []store.Hit) map[string]float64 {
	normalized := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return normalized
	}

	lo, hi := hits[0].Score, hits[0].Score
	for _, hit := range hits[1:] {
		if hit.Score < lo {
			lo = hit.Score
		}
		if hit.Score > hi {
			hi = hit.Score
		}
	}

	span := hi - lo
	for _, hit := range hits {
		if span == 0 {
			normalized[hit.ChunkID] = 1
			continue
		}
		normalized[hit.ChunkID] = (hit.Score - lo) / span
	}
	return normalized
}
