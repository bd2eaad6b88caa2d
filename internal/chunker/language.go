package chunker

import (
	"path/filepath"
	"strings"
)

// extensionLanguages maps file extensions to language tags recorded on
// chunks and used by the structure-aware strategy.
var extensionLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".pyi":   "python",
	".js":    "javascript",
	".mjs":   "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".lua":   "lua",
	".sh":    "bash",
	".bash":  "bash",
	".sql":   "sql",
	".r":     "r",
	".md":    "markdown",
	".rst":   "rst",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".json":  "json",
}

// LanguageForPath returns the language tag for a file path, or "" when
// the extension is not recognized.
func LanguageForPath(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}
