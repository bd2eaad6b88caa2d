// Package store persists branches, artifacts, notifications, and chunk
// documents. Two implementations exist: SQLite (FTS5 plus a vector blob
// column, the default) and Postgres (tsvector plus pgvector). Both sides
// of hybrid retrieval run against the same store.
package store

import (
	"context"
	"time"

	"github.com/quarrydev/quarry/pkg/types"
)

// ChunkMeta is the projection of a stored chunk used for reconciliation:
// enough to diff fingerprints without loading text or vectors.
type ChunkMeta struct {
	ID          string
	Ordinal     int
	Fingerprint string
}

// Hit is one scored chunk reference from a single retrieval pool. Lexical
// and vector scores are on different scales; the search engine normalizes
// before fusing.
type Hit struct {
	ChunkID string
	Score   float64
}

// DocumentStore holds chunk documents and serves both retrieval pools.
type DocumentStore interface {
	// UpsertChunks writes chunks by their stable ID. Re-writing an
	// unchanged chunk is a no-op apart from timestamps.
	UpsertChunks(ctx context.Context, chunks []*types.Chunk) error

	// DeleteChunks removes chunks by ID and reports how many existed.
	DeleteChunks(ctx context.Context, ids []string) (int, error)

	// DeleteArtifactChunks removes every chunk of one artifact.
	DeleteArtifactChunks(ctx context.Context, key types.RepoBranch, path string) error

	// DeleteBranchChunks removes every chunk of one branch.
	DeleteBranchChunks(ctx context.Context, key types.RepoBranch) error

	// ListChunkMetas returns the stored chunk metadata for one artifact,
	// ordered by ordinal.
	ListChunkMetas(ctx context.Context, key types.RepoBranch, path string) ([]ChunkMeta, error)

	// GetChunks loads full chunks by ID. Missing IDs are skipped, not an
	// error; callers detect loss by comparing lengths.
	GetChunks(ctx context.Context, ids []string) ([]*types.Chunk, error)

	// SearchLexical runs full-text retrieval across the given scopes.
	SearchLexical(ctx context.Context, scopes []types.RepoBranch, query string, limit int) ([]Hit, error)

	// SearchVector runs similarity retrieval across the given scopes.
	// Chunks without vectors never appear in the result.
	SearchVector(ctx context.Context, scopes []types.RepoBranch, vector []float32, limit int) ([]Hit, error)

	Close() error
}

// MetadataStore tracks branches, artifacts, and notifications.
type MetadataStore interface {
	UpsertBranch(ctx context.Context, branch *types.Branch) error
	GetBranch(ctx context.Context, key types.RepoBranch) (*types.Branch, error)
	// ListBranches returns branches of one repository, or of all
	// repositories when repository is empty.
	ListBranches(ctx context.Context, repository string) ([]*types.Branch, error)

	UpsertArtifact(ctx context.Context, artifact *types.Artifact) error
	GetArtifact(ctx context.Context, key types.RepoBranch, path string) (*types.Artifact, error)
	ListArtifacts(ctx context.Context, key types.RepoBranch) ([]*types.Artifact, error)
	DeleteArtifacts(ctx context.Context, key types.RepoBranch, paths []string) error

	CreateNotification(ctx context.Context, n *types.Notification) error
	UpdateNotification(ctx context.Context, n *types.Notification) error
	// GetNotification loads one notification by ID regardless of status.
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	// GetOpenNotificationByDedup finds a pending or processing
	// notification carrying the given dedup key.
	GetOpenNotificationByDedup(ctx context.Context, dedupKey string) (*types.Notification, error)
	// ListOpenNotifications returns the pending and processing
	// notifications for one branch, oldest first.
	ListOpenNotifications(ctx context.Context, key types.RepoBranch) ([]*types.Notification, error)
	// NextPendingNotification returns the oldest pending notification
	// across all branches, or ErrNotFound when the queue is empty.
	NextPendingNotification(ctx context.Context) (*types.Notification, error)
	// PruneNotifications deletes completed notifications received before
	// the cutoff and reports how many were removed.
	PruneNotifications(ctx context.Context, before time.Time) (int, error)

	Close() error
}
