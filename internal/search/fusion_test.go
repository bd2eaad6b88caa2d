package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quarrydev/quarry/internal/store"
)

func TestMinMaxNormalize(t *testing.T) {
	hits := []store.Hit{
		{ChunkID: "a", Score: 10},
		{ChunkID: "b", Score: 5},
		{ChunkID: "c", Score: 0},
	}
	norm := minMaxNormalize(hits)
	assert.Equal(t, 1.0, norm["a"])
	assert.Equal(t, 0.5, norm["b"])
	assert.Equal(t, 0.0, norm["c"])
}

func TestMinMaxNormalize_ConstantPoolCountsAsPresence(t *testing.T) {
	hits := []store.Hit{
		{ChunkID: "a", Score: 3},
		{ChunkID: "b", Score: 3},
	}
	norm := minMaxNormalize(hits)
	assert.Equal(t, 1.0, norm["a"])
	assert.Equal(t, 1.0, norm["b"])
}

func TestFuse_WeightsAreNormalized(t *testing.T) {
	lex := []store.Hit{{ChunkID: "a", Score: 1}}
	vec := []store.Hit{{ChunkID: "b", Score: 1}}

	// 2/2 and 0.5/0.5 describe the same blend.
	heavy := fuse(lex, vec, 2, 2)
	light := fuse(lex, vec, 0.5, 0.5)
	assert.Equal(t, heavy, light)
}

func TestFuse_SinglePoolMembershipScoresZeroOnTheOther(t *testing.T) {
	lex := []store.Hit{{ChunkID: "a", Score: 7}}
	vec := []store.Hit{{ChunkID: "b", Score: 0.9}}

	candidates := fuse(lex, vec, 1, 1)
	byID := make(map[string]fused, len(candidates))
	for _, c := range candidates {
		byID[c.chunkID] = c
	}

	assert.Equal(t, 1.0, byID["a"].lexScore)
	assert.Zero(t, byID["a"].vecScore)
	assert.Zero(t, byID["b"].lexScore)
	assert.Equal(t, 1.0, byID["b"].vecScore)
	assert.Equal(t, 0.5, byID["a"].score)
	assert.Equal(t, 0.5, byID["b"].score)
}

func TestFuse_SharedChunkSumsBothPools(t *testing.T) {
	lex := []store.Hit{
		{ChunkID: "a", Score: 4},
		{ChunkID: "b", Score: 2},
	}
	vec := []store.Hit{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "c", Score: 0.1},
	}

	candidates := fuse(lex, vec, 1, 1)
	byID := make(map[string]fused, len(candidates))
	for _, c := range candidates {
		byID[c.chunkID] = c
	}

	assert.Equal(t, 1.0, byID["a"].score, "top of both pools fuses to the maximum")
	assert.Greater(t, byID["a"].score, byID["b"].score)
	assert.Greater(t, byID["a"].score, byID["c"].score)
}
