package store

import (
	"encoding/binary"
	"math"
	"regexp"
	"sort"
	"strings"
)

// serializeVector converts a float32 slice to a little-endian byte blob.
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice.
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// topHits sorts candidates by score descending, breaking ties by chunk
// ID, and returns the first limit entries.
func topHits(candidates []Hit, limit int) []Hit {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	if limit < len(candidates) {
		candidates = candidates[:limit]
	}
	return candidates
}

// bm25ToScore folds a raw FTS5 bm25() rank (negative, lower is better)
// into a score where higher is better.
func bm25ToScore(bm25 float64) float64 {
	return math.Max(-bm25, 0)
}

var ftsOperatorPattern = regexp.MustCompile(`\b(AND|OR|NOT|NEAR)\b`)

// sanitizeFTSQuery turns free text into a safe FTS5 match expression.
// Each term is double-quoted so user input cannot inject FTS5 syntax.
func sanitizeFTSQuery(query string) string {
	stripped := ftsOperatorPattern.ReplaceAllString(query, " ")
	fields := strings.Fields(stripped)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
