package types

// Citation is a (path, branch, line range) pointer returned alongside or
// instead of narrative answer text. The snippet is bounded to the indexed
// chunk's own text and is never expanded past its line range.
type Citation struct {
	Repository string
	Branch     string
	Path       string
	StartLine  int
	EndLine    int
	Snippet    string
	Score      float64
}

// SearchResult is one merged hybrid-retrieval hit.
type SearchResult struct {
	ChunkID  string
	Citation Citation

	// LexScore and VecScore are the normalized per-pool scores that went
	// into the combined Score. Zero when the chunk appeared in only one
	// pool.
	LexScore float64
	VecScore float64
	Score    float64
}

// Answer is the query engine's response in Q&A mode. When generation
// fails, Degraded is set and Text is empty while Citations remain valid.
type Answer struct {
	Text      string
	Citations []Citation
	Degraded  bool
}
