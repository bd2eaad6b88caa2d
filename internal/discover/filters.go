package discover

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/quarrydev/quarry/pkg/types"
)

// sniffSize is how many leading bytes are sampled for binary detection.
const sniffSize = 8192

var codeExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".jsx": {}, ".ts": {}, ".tsx": {},
	".rs": {}, ".java": {}, ".kt": {}, ".c": {}, ".h": {}, ".cpp": {},
	".cc": {}, ".hpp": {}, ".cs": {}, ".rb": {}, ".php": {}, ".swift": {},
	".scala": {}, ".lua": {}, ".sh": {}, ".bash": {}, ".sql": {}, ".r": {},
}

var docExtensions = map[string]struct{}{
	".md": {}, ".rst": {}, ".txt": {}, ".adoc": {},
}

var configExtensions = map[string]struct{}{
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {},
	".cfg": {}, ".xml": {}, ".env": {}, ".properties": {},
}

var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {}, ".webp": {},
	".zip": {}, ".gz": {}, ".tar": {}, ".bz2": {}, ".xz": {}, ".7z": {},
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {}, ".o": {},
	".wasm": {}, ".jar": {}, ".class": {}, ".pyc": {}, ".woff": {},
	".woff2": {}, ".ttf": {}, ".eot": {}, ".mp3": {}, ".mp4": {}, ".mov": {},
}

// Filter applies Quarry's size/type policy to discovered files.
type Filter struct {
	catalogThreshold int64
	maxPathLength    int
	skipDirs         map[string]struct{}
}

// NewFilter builds a filter from discovery settings.
func NewFilter(catalogThreshold int64, maxPathLength int, skipDirs []string) *Filter {
	skip := make(map[string]struct{}, len(skipDirs))
	for _, d := range skipDirs {
		skip[d] = struct{}{}
	}
	return &Filter{
		catalogThreshold: catalogThreshold,
		maxPathLength:    maxPathLength,
		skipDirs:         skip,
	}
}

// SkipDir reports whether a directory name is excluded from walking.
func (f *Filter) SkipDir(name string) bool {
	if _, ok := f.skipDirs[name]; ok {
		return true
	}
	return strings.HasPrefix(name, ".") && name != "."
}

// SkipPath reports whether a relative path is excluded outright.
func (f *Filter) SkipPath(relPath string) bool {
	return len(relPath) > f.maxPathLength
}

// KindOf classifies a path by extension.
func (f *Filter) KindOf(path string) types.ArtifactKind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return types.KindPDF
	case hasExt(codeExtensions, ext):
		return types.KindCode
	case hasExt(docExtensions, ext):
		return types.KindDoc
	case hasExt(configExtensions, ext):
		return types.KindConfig
	case hasExt(binaryExtensions, ext):
		return types.KindBinary
	default:
		return types.KindOther
	}
}

// CatalogOnly reports whether size/kind policy demands cataloged-only
// treatment: binary and PDF kinds regardless of size, and anything over
// the configured threshold.
func (f *Filter) CatalogOnly(kind types.ArtifactKind, sizeBytes int64) bool {
	if kind == types.KindBinary || kind == types.KindPDF {
		return true
	}
	return sizeBytes > f.catalogThreshold
}

func hasExt(set map[string]struct{}, ext string) bool {
	_, ok := set[ext]
	return ok
}

// IsBinary reports whether a leading sample of file content looks like
// binary data: a NUL byte, or bytes that are not valid UTF-8 once a
// possibly truncated trailing rune is trimmed.
func IsBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	// A full sample may end mid-rune; trim up to 3 trailing continuation
	// bytes before validating.
	trimmed := sample
	for i := 0; i < 3 && len(trimmed) > 0 && !utf8.Valid(trimmed); i++ {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return !utf8.Valid(trimmed)
}
