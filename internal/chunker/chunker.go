// Package chunker splits artifact text into overlapping token-bounded
// chunks and maps each chunk back to an exact 1-based line range. Two
// strategies exist: fixed token windows and structure-aware splitting
// that prefers logical boundaries. Both degrade to fixed-size byte
// windows when the text cannot be tokenized, recording the fallback on
// the chunk; chunking never aborts ingestion.
package chunker

import (
	"sort"

	"github.com/pkoukk/tiktoken-go"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/pkg/types"
)

// encodingName is the BPE encoding used for token counting.
const encodingName = "cl100k_base"

// bytesPerToken is the heuristic used by the byte-window fallback when no
// encoder is available.
const bytesPerToken = 4

// Strategy splits one artifact's text into ordered chunks. A strategy is
// selected once per ingestion pass from configuration.
type Strategy interface {
	Name() config.ChunkStrategy
	Chunk(artifact *types.Artifact, text string) []*types.Chunk
}

// Select builds the configured strategy. StructureAware wraps FixedToken
// so its internal fallback cannot change behavior mid-pass.
func Select(cfg config.ChunkerConfig) Strategy {
	fixed := NewFixedToken(cfg)
	if cfg.Strategy == config.StrategyStructureAware {
		return NewStructureAware(cfg, fixed)
	}
	return fixed
}

// FixedToken cuts chunks at token boundaries of approximately
// TargetTokens tokens, with consecutive chunks sharing approximately
// TargetTokens * OverlapFraction tokens. The final chunk may be shorter
// and carries no trailing overlap.
type FixedToken struct {
	cfg config.ChunkerConfig
	enc *tiktoken.Tiktoken
}

// NewFixedToken creates the fixed-token strategy. A failed encoder load
// leaves enc nil and every artifact takes the byte-window fallback.
func NewFixedToken(cfg config.ChunkerConfig) *FixedToken {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		enc = nil
	}
	return &FixedToken{cfg: cfg, enc: enc}
}

// Name implements Strategy.
func (f *FixedToken) Name() config.ChunkStrategy { return config.StrategyFixedToken }

// Chunk implements Strategy.
func (f *FixedToken) Chunk(artifact *types.Artifact, text string) []*types.Chunk {
	return f.chunkAt(artifact, text, nil)
}

// chunkAt is the shared token-window cutter. boundaries, when non-nil,
// holds sorted byte offsets of preferred split points; a boundary within
// the lookahead window of the target cut wins over a mid-token cut.
func (f *FixedToken) chunkAt(artifact *types.Artifact, text string, boundaries []int) []*types.Chunk {
	if text == "" {
		return nil
	}
	if f.enc == nil {
		return f.chunkBytes(artifact, text)
	}

	tokens := f.enc.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil
	}

	// offsets[i] is the byte offset where token i starts, with one extra
	// entry holding len(text). cl100k_base is byte-level, so per-token
	// decodes concatenate back to the original text.
	offsets := make([]int, len(tokens)+1)
	pos := 0
	for i, tok := range tokens {
		offsets[i] = pos
		pos += len(f.enc.Decode([]int{tok}))
	}
	offsets[len(tokens)] = len(text)
	if pos != len(text) {
		// Decode did not round-trip; the text is not safely sliceable by
		// token, so take the byte fallback.
		return f.chunkBytes(artifact, text)
	}

	target := f.cfg.TargetTokens
	overlap := int(float64(target) * f.cfg.OverlapFraction)
	if overlap >= target {
		overlap = target / 4
	}

	var chunks []*types.Chunk
	start := 0
	for start < len(tokens) && len(chunks) < f.cfg.MaxChunksPerArtifact {
		end := start + target
		if end > len(tokens) {
			end = len(tokens)
		} else if len(boundaries) > 0 {
			end = f.snapToBoundary(offsets, boundaries, start, end)
		}

		chunks = append(chunks, f.build(artifact, text, offsets[start], offsets[end], end-start, len(chunks)))

		if end == len(tokens) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// snapToBoundary moves a token-index cut to the latest preferred boundary
// within LookaheadTokens tokens before the target cut. The boundary must
// land on a token edge to keep slicing exact.
func (f *FixedToken) snapToBoundary(offsets, boundaries []int, start, end int) int {
	low := end - f.cfg.LookaheadTokens
	if low <= start {
		low = start + 1
	}
	lowByte, endByte := offsets[low], offsets[end]

	// Latest boundary with lowByte < b <= endByte.
	i := sort.SearchInts(boundaries, endByte+1) - 1
	if i < 0 || boundaries[i] <= lowByte {
		return end
	}
	b := boundaries[i]

	// The boundary must coincide with some token's start offset.
	j := sort.SearchInts(offsets, b)
	if j < len(offsets) && offsets[j] == b && j > start {
		return j
	}
	return end
}

// build constructs one chunk for the byte range [startByte, endByte).
func (f *FixedToken) build(artifact *types.Artifact, text string, startByte, endByte, tokenCount, ordinal int) *types.Chunk {
	chunkText := text[startByte:endByte]
	startLine, endLine := lineRange(text, startByte, endByte)

	return &types.Chunk{
		Repository:  artifact.Repository,
		Branch:      artifact.Branch,
		Path:        artifact.Path,
		Ordinal:     ordinal,
		StartLine:   startLine,
		EndLine:     endLine,
		StartByte:   startByte,
		EndByte:     endByte,
		Fingerprint: types.Fingerprint(chunkText),
		TokenCount:  tokenCount,
		Text:        chunkText,
		Language:    LanguageForPath(artifact.Path),
		Mode:        types.ModeToken,
		VectorState: types.VectorPending,
	}
}

// chunkBytes is the fixed-size byte-window fallback used when the text
// cannot be tokenized. Window and overlap sizes are derived from the
// token targets via the bytes-per-token heuristic.
func (f *FixedToken) chunkBytes(artifact *types.Artifact, text string) []*types.Chunk {
	window := f.cfg.TargetTokens * bytesPerToken
	overlap := int(float64(window) * f.cfg.OverlapFraction)
	if overlap >= window {
		overlap = window / 4
	}

	var chunks []*types.Chunk
	start := 0
	for start < len(text) && len(chunks) < f.cfg.MaxChunksPerArtifact {
		end := start + window
		if end > len(text) {
			end = len(text)
		}

		c := f.build(artifact, text, start, end, (end-start)/bytesPerToken, len(chunks))
		c.Mode = types.ModeByteFallback
		chunks = append(chunks, c)

		if end == len(text) {
			break
		}
		start = end - overlap
	}
	return chunks
}
