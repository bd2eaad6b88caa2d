package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/pkg/types"
)

func chunkerConfig(target int, overlap float64) config.ChunkerConfig {
	return config.ChunkerConfig{
		Strategy:             config.StrategyFixedToken,
		TargetTokens:         target,
		OverlapFraction:      overlap,
		LookaheadTokens:      64,
		MaxChunksPerArtifact: 1000,
	}
}

func testArtifact(path string) *types.Artifact {
	return &types.Artifact{
		Repository:  "acme/api",
		Branch:      "main",
		Path:        path,
		Kind:        types.KindCode,
		ParseStatus: types.ParseStatusParsed,
	}
}

func newTokenChunker(t *testing.T, target int, overlap float64) *FixedToken {
	t.Helper()
	f := NewFixedToken(chunkerConfig(target, overlap))
	if f.enc == nil {
		t.Skip("cl100k_base encoding unavailable")
	}
	return f
}

func TestFixedToken_EmptyTextYieldsNoChunks(t *testing.T) {
	f := NewFixedToken(chunkerConfig(512, 0.1))
	assert.Empty(t, f.Chunk(testArtifact("a.go"), ""))
}

func TestFixedToken_SingleChunkForSmallText(t *testing.T) {
	f := newTokenChunker(t, 512, 0.1)
	text := "package main\n\nfunc main() {}\n"

	chunks := f.Chunk(testArtifact("main.go"), text)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, 0, c.Ordinal)
	assert.Equal(t, text, c.Text)
	assert.Equal(t, 1, c.StartLine)
	assert.Equal(t, 3, c.EndLine)
	assert.Equal(t, types.ModeToken, c.Mode)
	assert.Equal(t, types.VectorPending, c.VectorState)
	assert.Equal(t, "go", c.Language)
	assert.Equal(t, types.Fingerprint(text), c.Fingerprint)
}

func TestFixedToken_NineHundredTokensTwoChunksWithOverlap(t *testing.T) {
	f := newTokenChunker(t, 512, 0.1)

	// Roughly 900 tokens across many lines: target 512 with 10% overlap
	// must produce exactly 2 chunks that share lines.
	text := strings.Repeat("alpha bravo charlie delta echo\n", 150)
	total := len(f.enc.Encode(text, nil, nil))
	require.Greater(t, total, 512)
	require.LessOrEqual(t, total, 973, "second window must reach the end")

	chunks := f.Chunk(testArtifact("words.txt"), text)
	require.Len(t, chunks, 2)

	first, second := chunks[0], chunks[1]
	assert.Equal(t, 0, first.Ordinal)
	assert.Equal(t, 1, second.Ordinal)
	assert.Equal(t, 512, first.TokenCount)

	// Overlap: the second chunk starts before the first one ends.
	assert.Less(t, second.StartByte, first.EndByte)
	assert.LessOrEqual(t, second.StartLine, first.EndLine)
	// Coverage: last chunk reaches the end of the text.
	assert.Equal(t, len(text), second.EndByte)
}

func TestFixedToken_LineRangeRoundTrip(t *testing.T) {
	f := newTokenChunker(t, 64, 0.125)

	text := strings.Repeat("func helper() int {\n\treturn 42\n}\n\n", 40)
	chunks := f.Chunk(testArtifact("helpers.go"), text)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		gotStart, gotEnd := lineRange(text, c.StartByte, c.EndByte)
		assert.Equal(t, c.StartLine, gotStart, "ordinal %d", c.Ordinal)
		assert.Equal(t, c.EndLine, gotEnd, "ordinal %d", c.Ordinal)
		assert.LessOrEqual(t, c.StartLine, c.EndLine)
		assert.Equal(t, text[c.StartByte:c.EndByte], c.Text)
	}
}

func TestFixedToken_OrdinalsAreGapless(t *testing.T) {
	f := newTokenChunker(t, 32, 0.25)

	text := strings.Repeat("some repeated content here\n", 100)
	chunks := f.Chunk(testArtifact("notes.txt"), text)
	require.Greater(t, len(chunks), 2)

	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
	// Monotonic byte coverage with no gaps between consecutive chunks.
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].StartByte, chunks[i-1].EndByte)
		assert.Greater(t, chunks[i].EndByte, chunks[i-1].EndByte)
	}
}

func TestFixedToken_MaxChunksCap(t *testing.T) {
	cfg := chunkerConfig(16, 0)
	cfg.MaxChunksPerArtifact = 3
	f := NewFixedToken(cfg)
	if f.enc == nil {
		t.Skip("cl100k_base encoding unavailable")
	}

	text := strings.Repeat("overflowing content line\n", 200)
	chunks := f.Chunk(testArtifact("big.txt"), text)
	assert.Len(t, chunks, 3)
}

func TestByteFallback_UsedWithoutEncoder(t *testing.T) {
	// A nil encoder simulates an unavailable encoding; chunking must
	// degrade to byte windows instead of failing.
	f := &FixedToken{cfg: chunkerConfig(16, 0.25)}

	text := strings.Repeat("0123456789\n", 30)
	chunks := f.Chunk(testArtifact("data.csv"), text)
	require.NotEmpty(t, chunks)

	window := 16 * bytesPerToken
	for i, c := range chunks {
		assert.Equal(t, types.ModeByteFallback, c.Mode)
		assert.Equal(t, i, c.Ordinal)
		assert.LessOrEqual(t, c.EndByte-c.StartByte, window)

		gotStart, gotEnd := lineRange(text, c.StartByte, c.EndByte)
		assert.Equal(t, c.StartLine, gotStart)
		assert.Equal(t, c.EndLine, gotEnd)
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndByte)
}

func TestSelect_ReturnsConfiguredStrategy(t *testing.T) {
	fixed := Select(chunkerConfig(512, 0.1))
	assert.Equal(t, config.StrategyFixedToken, fixed.Name())

	cfg := chunkerConfig(512, 0.1)
	cfg.Strategy = config.StrategyStructureAware
	structured := Select(cfg)
	assert.Equal(t, config.StrategyStructureAware, structured.Name())
}
