// Package search runs scope-resolved hybrid retrieval: a lexical pool
// and a vector pool fetched concurrently, fused by weighted min-max
// normalized scores, and hydrated into citations. A Generator can turn
// the citations into a narrative answer; when it cannot, the engine
// degrades to citations-only instead of failing the query.
package search

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarrydev/quarry/internal/access"
	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/embedder"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// Generator produces answer text from a question and its supporting
// citations. Implementations call an external model; the engine bounds
// each call with the configured timeout.
type Generator interface {
	Generate(ctx context.Context, question string, citations []types.Citation) (string, error)
}

// Query is one search or ask request.
type Query struct {
	Text string
	// Scope narrows the query; empty means every granted repository at
	// its default branch.
	Scope access.Request
	// TopK overrides the configured result count when positive.
	TopK int
}

type cacheEntry struct {
	results   []types.SearchResult
	expiresAt time.Time
}

// Engine is the query engine. It owns no storage; scopes are resolved
// per query from the caller's grants so one engine serves all callers.
type Engine struct {
	docs     store.DocumentStore
	embedder embedder.Embedder
	gen      Generator
	cfg      config.SearchConfig
	logger   *slog.Logger
	cache    *lru.Cache[[32]byte, cacheEntry]
}

// New creates a query engine. gen may be nil, in which case Ask always
// degrades to citations-only.
func New(docs store.DocumentStore, emb embedder.Embedder, gen Generator, cfg config.SearchConfig, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		docs:     docs,
		embedder: emb,
		gen:      gen,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[[32]byte, cacheEntry](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create query cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

type poolResult struct {
	hits []store.Hit
	err  error
}

// Search resolves the query's scopes against the caller's grants and
// returns the fused top results. One retrieval pool may fail without
// failing the query; the query fails only when both pools do.
func (e *Engine) Search(ctx context.Context, grants access.CapabilitySet, q Query) ([]types.SearchResult, error) {
	if q.Text == "" {
		return nil, errors.New("query text cannot be empty")
	}
	topK := q.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	scopes, err := access.Resolve(grants, q.Scope)
	if err != nil {
		return nil, err
	}

	key := cacheKey(q.Text, topK, scopes)
	if cached, ok := e.cacheGet(key); ok {
		return cached, nil
	}

	pool := e.cfg.PoolFactor * topK

	lexCh := make(chan poolResult, 1)
	vecCh := make(chan poolResult, 1)

	go func() {
		hits, err := e.docs.SearchLexical(ctx, scopes, q.Text, pool)
		lexCh <- poolResult{hits: hits, err: err}
	}()
	go func() {
		vectors, err := e.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			vecCh <- poolResult{err: fmt.Errorf("failed to embed query: %w", err)}
			return
		}
		hits, err := e.docs.SearchVector(ctx, scopes, vectors[0], pool)
		vecCh <- poolResult{hits: hits, err: err}
	}()

	lex, vec := <-lexCh, <-vecCh
	if lex.err != nil && vec.err != nil {
		return nil, fmt.Errorf("both retrieval pools failed: lexical: %v, vector: %v", lex.err, vec.err)
	}
	if lex.err != nil {
		e.logger.Warn("lexical pool failed, continuing vector-only", "error", lex.err)
	}
	if vec.err != nil {
		e.logger.Warn("vector pool failed, continuing lexical-only", "error", vec.err)
	}

	candidates := fuse(lex.hits, vec.hits, e.cfg.LexicalWeight, e.cfg.VectorWeight)
	results, err := e.hydrate(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(results) > topK {
		results = results[:topK]
	}

	e.cachePut(key, results)
	return results, nil
}

// Ask runs Search and then asks the generator for narrative text over
// the citations. Generation failure or absence degrades the answer to
// citations-only rather than erroring.
func (e *Engine) Ask(ctx context.Context, grants access.CapabilitySet, q Query) (*types.Answer, error) {
	results, err := e.Search(ctx, grants, q)
	if err != nil {
		return nil, err
	}

	citations := make([]types.Citation, len(results))
	for i, r := range results {
		citations[i] = r.Citation
	}
	answer := &types.Answer{Citations: citations}

	if e.gen == nil {
		answer.Degraded = true
		return answer, nil
	}

	genCtx := ctx
	if e.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, e.cfg.GenerateTimeout)
		defer cancel()
	}

	text, err := e.gen.Generate(genCtx, q.Text, citations)
	if err != nil {
		e.logger.Warn("answer generation failed, returning citations only", "error", err)
		answer.Degraded = true
		return answer, nil
	}
	answer.Text = text
	return answer, nil
}

// hydrate loads the candidates' chunks and assembles ranked results.
// A candidate whose chunk vanished between retrieval and load is
// dropped. Ties in fused score break on (repository, path, ordinal) so
// ranking is stable across runs.
func (e *Engine) hydrate(ctx context.Context, candidates []fused) ([]types.SearchResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	byID := make(map[string]fused, len(candidates))
	for i, c := range candidates {
		ids[i] = c.chunkID
		byID[c.chunkID] = c
	}

	chunks, err := e.docs.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load result chunks: %w", err)
	}

	type ranked struct {
		result  types.SearchResult
		ordinal int
	}
	results := make([]ranked, 0, len(chunks))
	for _, chunk := range chunks {
		c := byID[chunk.ID()]
		results = append(results, ranked{
			ordinal: chunk.Ordinal,
			result: types.SearchResult{
				ChunkID: c.chunkID,
				Citation: types.Citation{
					Repository: chunk.Repository,
					Branch:     chunk.Branch,
					Path:       chunk.Path,
					StartLine:  chunk.StartLine,
					EndLine:    chunk.EndLine,
					Snippet:    chunk.Text,
					Score:      c.score,
				},
				LexScore: c.lexScore,
				VecScore: c.vecScore,
				Score:    c.score,
			},
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.result.Score != b.result.Score {
			return a.result.Score > b.result.Score
		}
		if a.result.Citation.Repository != b.result.Citation.Repository {
			return a.result.Citation.Repository < b.result.Citation.Repository
		}
		if a.result.Citation.Path != b.result.Citation.Path {
			return a.result.Citation.Path < b.result.Citation.Path
		}
		return a.ordinal < b.ordinal
	})

	out := make([]types.SearchResult, len(results))
	for i, r := range results {
		out[i] = r.result
	}
	return out, nil
}

func cacheKey(query string, topK int, scopes []types.RepoBranch) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", query, topK)
	for _, scope := range scopes {
		fmt.Fprintf(h, "|%s@%s", scope.Repository, scope.Branch)
	}
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

func (e *Engine) cacheGet(key [32]byte) ([]types.SearchResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	entry, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		e.cache.Remove(key)
		return nil, false
	}
	out := make([]types.SearchResult, len(entry.results))
	copy(out, entry.results)
	return out, true
}

func (e *Engine) cachePut(key [32]byte, results []types.SearchResult) {
	if e.cache == nil {
		return
	}
	stored := make([]types.SearchResult, len(results))
	copy(stored, results)
	e.cache.Add(key, cacheEntry{
		results:   stored,
		expiresAt: time.Now().Add(e.cfg.CacheTTL),
	})
}
