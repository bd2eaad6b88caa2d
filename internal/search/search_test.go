package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydev/quarry/internal/access"
	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/embedder"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		TopK:            10,
		PoolFactor:      2,
		LexicalWeight:   0.5,
		VectorWeight:    0.5,
		GenerateTimeout: time.Second,
		CacheSize:       16,
		CacheTTL:        time.Minute,
	}
}

func testGrants() access.CapabilitySet {
	return access.CapabilitySet{
		Branches: map[string][]string{"acme/api": {"main"}},
		Defaults: map[string]string{"acme/api": "main"},
	}
}

func newTestEngine(t *testing.T, gen Generator) (*Engine, *store.Memory, *embedder.Mock) {
	t.Helper()
	mem := store.NewMemory()
	mock := embedder.NewMock(8)
	engine, err := New(mem, mock, gen, testSearchConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return engine, mem, mock
}

func seedChunk(t *testing.T, mem *store.Memory, branch, path, text string, vector []float32) *types.Chunk {
	t.Helper()
	chunk := &types.Chunk{
		Repository:  "acme/api",
		Branch:      branch,
		Path:        path,
		Ordinal:     0,
		StartLine:   1,
		EndLine:     5,
		EndByte:     len(text),
		Fingerprint: types.Fingerprint(text),
		Text:        text,
		Mode:        types.ModeToken,
		VectorState: types.VectorPending,
	}
	if vector != nil {
		chunk.Vector = vector
		chunk.VectorState = types.VectorPresent
	}
	require.NoError(t, mem.UpsertChunks(context.Background(), []*types.Chunk{chunk}))
	return chunk
}

// queryVector embeds the text the way the engine will embed the query,
// so a chunk seeded with it scores cosine 1 against that query.
func queryVector(t *testing.T, mock *embedder.Mock, text string) []float32 {
	t.Helper()
	vectors, err := mock.Embed(context.Background(), []string{text})
	require.NoError(t, err)
	return vectors[0]
}

func TestSearch_EmptyQueryFails(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	_, err := engine.Search(context.Background(), testGrants(), Query{})
	assert.Error(t, err)
}

func TestSearch_ScopeErrorsPropagate(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Search(ctx, testGrants(), Query{
		Text:  "anything",
		Scope: access.Request{Repositories: []string{"acme/secret"}},
	})
	assert.ErrorIs(t, err, types.ErrBranchNotPermitted)

	_, err = engine.Search(ctx, access.CapabilitySet{}, Query{Text: "anything"})
	assert.ErrorIs(t, err, types.ErrNoPermittedScope)
}

func TestSearch_ResultsStayWithinResolvedScope(t *testing.T) {
	engine, mem, _ := newTestEngine(t, nil)

	granted := seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)
	seedChunk(t, mem, "dev", "handler.go", "rate limiting handler", nil)

	results, err := engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, granted.ID(), results[0].ChunkID)
	assert.Equal(t, "main", results[0].Citation.Branch)
}

func TestSearch_VectorPoolFindsWhatLexicalMisses(t *testing.T) {
	engine, mem, mock := newTestEngine(t, nil)

	// No query term appears in the text; only the vector pool can reach it.
	chunk := seedChunk(t, mem, "main", "bucket.go", "token bucket refill loop",
		queryVector(t, mock, "throttling requests"))

	results, err := engine.Search(context.Background(), testGrants(), Query{Text: "throttling requests"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chunk.ID(), results[0].ChunkID)
	assert.Zero(t, results[0].LexScore)
	assert.Equal(t, 1.0, results[0].VecScore)
}

func TestSearch_SurvivesEmbedderFailure(t *testing.T) {
	engine, mem, mock := newTestEngine(t, nil)
	mock.Fail = func(int) error { return errors.New("provider down") }

	chunk := seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)

	results, err := engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err, "one pool failing never fails the query")
	require.Len(t, results, 1)
	assert.Equal(t, chunk.ID(), results[0].ChunkID)
}

type failingLexicalStore struct {
	*store.Memory
}

func (s *failingLexicalStore) SearchLexical(context.Context, []types.RepoBranch, string, int) ([]store.Hit, error) {
	return nil, errors.New("index corrupt")
}

func TestSearch_BothPoolsFailingIsAnError(t *testing.T) {
	mem := store.NewMemory()
	mock := embedder.NewMock(8)
	mock.Fail = func(int) error { return errors.New("provider down") }
	engine, err := New(&failingLexicalStore{mem}, mock, nil, testSearchConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both retrieval pools failed")
}

func TestSearch_FusionTieBreaksOnPath(t *testing.T) {
	engine, mem, mock := newTestEngine(t, nil)

	// a.go is reachable only through the vector pool, b.go only through
	// the lexical pool. With equal weights both fuse to the same score
	// and path order decides.
	vecOnly := seedChunk(t, mem, "main", "a.go", "token bucket refill",
		queryVector(t, mock, "rate limiting"))
	lexOnly := seedChunk(t, mem, "main", "b.go", "rate limiting middleware", nil)

	results, err := engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, vecOnly.ID(), results[0].ChunkID)
	assert.Equal(t, lexOnly.ID(), results[1].ChunkID)
	assert.Equal(t, results[0].Score, results[1].Score)
}

func TestSearch_TopKBoundsResults(t *testing.T) {
	engine, mem, _ := newTestEngine(t, nil)

	texts := []string{"limit one", "limit two limit", "limit three limit limit"}
	for i, text := range texts {
		seedChunk(t, mem, "main", string(rune('a'+i))+".go", text, nil)
	}

	results, err := engine.Search(context.Background(), testGrants(), Query{Text: "limit", TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Highest term frequency first.
	assert.Equal(t, "c.go", results[0].Citation.Path)
	assert.Equal(t, "b.go", results[1].Citation.Path)
}

func TestSearch_CacheServesRepeatedQuery(t *testing.T) {
	engine, mem, mock := newTestEngine(t, nil)
	seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)

	first, err := engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	embeds := mock.Calls()

	second, err := engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	assert.Equal(t, embeds, mock.Calls(), "second query must be served from cache")
	assert.Equal(t, first, second)
}

func TestSearch_CitationIsBoundedToChunk(t *testing.T) {
	engine, mem, _ := newTestEngine(t, nil)
	chunk := seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)
	chunk.StartLine = 10
	chunk.EndLine = 14
	require.NoError(t, mem.UpsertChunks(context.Background(), []*types.Chunk{chunk}))

	results, err := engine.Search(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	citation := results[0].Citation
	assert.Equal(t, "acme/api", citation.Repository)
	assert.Equal(t, "handler.go", citation.Path)
	assert.Equal(t, 10, citation.StartLine)
	assert.Equal(t, 14, citation.EndLine)
	assert.Equal(t, chunk.Text, citation.Snippet)
	assert.Equal(t, results[0].Score, citation.Score)
}

type staticGenerator struct {
	text string
	err  error
}

func (g *staticGenerator) Generate(_ context.Context, _ string, _ []types.Citation) (string, error) {
	return g.text, g.err
}

func TestAsk_ReturnsAnswerWithCitations(t *testing.T) {
	engine, mem, _ := newTestEngine(t, &staticGenerator{text: "use the token bucket"})
	seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)

	answer, err := engine.Ask(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	assert.False(t, answer.Degraded)
	assert.Equal(t, "use the token bucket", answer.Text)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "handler.go", answer.Citations[0].Path)
}

func TestAsk_DegradesWhenGenerationFails(t *testing.T) {
	engine, mem, _ := newTestEngine(t, &staticGenerator{err: errors.New("model overloaded")})
	seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)

	answer, err := engine.Ask(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err, "generation failure degrades, it does not fail the query")
	assert.True(t, answer.Degraded)
	assert.Empty(t, answer.Text)
	require.Len(t, answer.Citations, 1)
}

func TestAsk_NilGeneratorIsCitationsOnly(t *testing.T) {
	engine, mem, _ := newTestEngine(t, nil)
	seedChunk(t, mem, "main", "handler.go", "rate limiting handler", nil)

	answer, err := engine.Ask(context.Background(), testGrants(), Query{Text: "rate limiting"})
	require.NoError(t, err)
	assert.True(t, answer.Degraded)
	require.Len(t, answer.Citations, 1)
}
