package chunker

import "strings"

// lineRange maps the half-open byte range [start, end) of text to the
// 1-based inclusive lines containing its first and last characters. The
// mapping is exact even when the range falls mid-line: a trailing line
// terminator belongs to the line it terminates, not the line after it.
func lineRange(text string, start, end int) (startLine, endLine int) {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if end < start {
		end = start
	}

	startLine = 1 + strings.Count(text[:start], "\n")

	segment := text[start:end]
	endLine = startLine + strings.Count(segment, "\n")
	if strings.HasSuffix(segment, "\n") {
		endLine--
	}
	if endLine < startLine {
		endLine = startLine
	}
	return startLine, endLine
}
