package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChunkMode records which chunking strategy produced a chunk. The mode is
// persisted so a fallback mid-ingestion is observable after the fact.
type ChunkMode string

const (
	// ModeToken is fixed-size token-window chunking.
	ModeToken ChunkMode = "token"
	// ModeStructure is structure-aware chunking (headings, code blocks).
	ModeStructure ChunkMode = "structure"
	// ModeByteFallback is fixed-size byte-window chunking, used when the
	// text cannot be tokenized.
	ModeByteFallback ChunkMode = "byte-fallback"
)

// VectorState tracks whether a chunk has an embedding attached.
type VectorState string

const (
	// VectorPending means the chunk is queued for embedding.
	VectorPending VectorState = "pending"
	// VectorPresent means the chunk carries an embedding vector.
	VectorPresent VectorState = "present"
	// VectorAbsent means embedding was abandoned after retries; the chunk
	// remains text-searchable only.
	VectorAbsent VectorState = "absent"
)

// Chunk is a contiguous slice of one artifact's text, the unit of
// indexing and citation. Chunks of one artifact are strictly ordered by
// Ordinal with no gaps; byte ranges of consecutive chunks may overlap by
// the configured overlap.
type Chunk struct {
	Repository string
	Branch     string
	Path       string

	// Ordinal is the 0-based position of the chunk within its artifact.
	Ordinal int

	// StartLine and EndLine are 1-based inclusive.
	StartLine int
	EndLine   int

	// StartByte and EndByte are the half-open byte range [StartByte, EndByte)
	// of the chunk within the artifact text.
	StartByte int
	EndByte   int

	// Fingerprint is the SHA-256 hex digest of the chunk text.
	Fingerprint string

	TokenCount int
	Text       string
	Language   string
	Mode       ChunkMode

	Vector      []float32
	VectorState VectorState
}

// ID returns the chunk's stable document identity, derived from
// (repository, branch, path, ordinal). Re-ingesting unchanged content
// yields the same ID, making index writes idempotent.
func (c *Chunk) ID() string {
	return ChunkID(c.Repository, c.Branch, c.Path, c.Ordinal)
}

// Key returns the (repository, branch) pair the chunk belongs to.
func (c *Chunk) Key() RepoBranch {
	return RepoBranch{Repository: c.Repository, Branch: c.Branch}
}

// ChunkID computes the document identity for a chunk coordinate.
func ChunkID(repository, branch, path string, ordinal int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", repository, branch, path, ordinal))
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the content fingerprint for chunk or artifact text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
