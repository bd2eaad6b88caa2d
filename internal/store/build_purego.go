//go:build !cgo || purego
// +build !cgo purego

package store

// Compiled when CGO is unavailable or the purego tag is set. Uses the
// pure Go SQLite driver; no C compiler required, FTS5 included.
//
//	CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use.
	DriverName = "sqlite"

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)
