// Package types defines the core domain model shared across the Quarry
// pipeline: artifacts discovered in a repository tree, the chunks they are
// split into, per-branch freshness state, change notifications, and the
// citation/result types returned by the query engine.
package types
