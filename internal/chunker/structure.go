package chunker

import (
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/pkg/types"
)

// StructureAware prefers a structural split point (a markdown heading or
// a top-level code block boundary) over a mid-token cut when one falls
// within the configured lookahead of the target chunk size. Any input it
// cannot derive boundaries for takes the plain fixed-token path, so
// strategy behavior never changes silently mid-pass.
type StructureAware struct {
	cfg      config.ChunkerConfig
	fixed    *FixedToken
	markdown goldmark.Markdown
}

// NewStructureAware creates the structure-aware strategy around an
// existing fixed-token cutter.
func NewStructureAware(cfg config.ChunkerConfig, fixed *FixedToken) *StructureAware {
	return &StructureAware{
		cfg:      cfg,
		fixed:    fixed,
		markdown: goldmark.New(),
	}
}

// Name implements Strategy.
func (s *StructureAware) Name() config.ChunkStrategy { return config.StrategyStructureAware }

// Chunk implements Strategy.
func (s *StructureAware) Chunk(artifact *types.Artifact, text string) []*types.Chunk {
	boundaries := s.boundaries(artifact, text)
	if len(boundaries) == 0 {
		return s.fixed.Chunk(artifact, text)
	}

	chunks := s.fixed.chunkAt(artifact, text, boundaries)
	for _, c := range chunks {
		if c.Mode == types.ModeToken {
			c.Mode = types.ModeStructure
		}
	}
	return chunks
}

// boundaries returns sorted byte offsets of preferred split points for
// the artifact, or nil when the input has no usable structure.
func (s *StructureAware) boundaries(artifact *types.Artifact, text string) []int {
	var offsets []int
	switch {
	case artifact.Kind == types.KindDoc && LanguageForPath(artifact.Path) == "markdown":
		offsets = s.markdownHeadings(text)
	case artifact.Kind == types.KindCode:
		offsets = codeBlockStarts(text)
	default:
		return nil
	}

	sort.Ints(offsets)
	return offsets
}

// markdownHeadings parses the document and returns the byte offset of the
// line start of every heading.
func (s *StructureAware) markdownHeadings(text string) []int {
	source := []byte(text)
	doc := s.markdown.Parser().Parse(gtext.NewReader(source))

	var offsets []int
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		off := lineStart(text, heading.Lines().At(0).Start)
		if off > 0 {
			offsets = append(offsets, off)
		}
		return ast.WalkContinue, nil
	})
	return offsets
}

// codeBlockStarts returns offsets of unindented lines that follow a blank
// line, the usual start of a top-level declaration in brace and
// indentation languages alike.
func codeBlockStarts(text string) []int {
	var offsets []int
	prevBlank := false
	pos := 0
	for pos < len(text) {
		lineEnd := strings.IndexByte(text[pos:], '\n')
		var line string
		if lineEnd < 0 {
			line = text[pos:]
			lineEnd = len(text) - pos
		} else {
			line = text[pos : pos+lineEnd]
		}

		blank := strings.TrimSpace(line) == ""
		if prevBlank && !blank && pos > 0 && line[0] != ' ' && line[0] != '\t' {
			offsets = append(offsets, pos)
		}
		prevBlank = blank
		pos += lineEnd + 1
	}
	return offsets
}

// lineStart rewinds a byte offset to the beginning of its line.
func lineStart(text string, off int) int {
	if off > len(text) {
		off = len(text)
	}
	i := strings.LastIndexByte(text[:off], '\n')
	return i + 1
}
