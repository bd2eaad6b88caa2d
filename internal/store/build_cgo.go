//go:build cgo && !purego
// +build cgo,!purego

package store

// Compiled for CGO builds. Uses the C SQLite driver, which ships FTS5 in
// its default build.
//
//	CGO_ENABLED=1 go build -tags "fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use.
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)
