// Package indexer runs the ingestion pipeline for one branch at a time:
// discover -> chunk -> embed -> reconcile. A per-branch lease keeps
// concurrent passes out; reconciliation writes only what changed.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrydev/quarry/internal/chunker"
	"github.com/quarrydev/quarry/internal/discover"
	"github.com/quarrydev/quarry/internal/embedder"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/pkg/types"
)

// FreshnessRecorder moves a branch through its freshness states around
// an ingestion pass.
type FreshnessRecorder interface {
	BeginIndexing(ctx context.Context, key types.RepoBranch) error
	CompleteIndexing(ctx context.Context, key types.RepoBranch, indexErr error) error
}

// Stats summarizes one ingestion pass.
type Stats struct {
	ArtifactsSeen      int
	ArtifactsChunked   int
	ArtifactsUnchanged int
	CatalogedOnly      int
	Failed             int
	ArtifactsDeleted   int
	ChunksUpserted     int
	ChunksDeleted      int
	Duration           time.Duration
}

// Pipeline coordinates ingestion for (repository, branch) snapshots.
type Pipeline struct {
	meta     store.MetadataStore
	docs     store.DocumentStore
	disc     *discover.Discoverer
	strategy chunker.Strategy
	batcher  *embedder.Batcher
	leases   *Leases
	recorder FreshnessRecorder
	workers  int
	logger   *slog.Logger
}

// New creates a pipeline. workers <= 0 defaults to the CPU count.
func New(
	meta store.MetadataStore,
	docs store.DocumentStore,
	disc *discover.Discoverer,
	strategy chunker.Strategy,
	batcher *embedder.Batcher,
	leases *Leases,
	recorder FreshnessRecorder,
	workers int,
	logger *slog.Logger,
) *Pipeline {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		meta:     meta,
		docs:     docs,
		disc:     disc,
		strategy: strategy,
		batcher:  batcher,
		leases:   leases,
		recorder: recorder,
		workers:  workers,
		logger:   logger,
	}
}

// counters collects pass statistics across workers.
type counters struct {
	seen      atomic.Int64
	chunked   atomic.Int64
	unchanged atomic.Int64
	cataloged atomic.Int64
	failed    atomic.Int64
	upserted  atomic.Int64
	deleted   atomic.Int64
}

// Run ingests one snapshot of key checked out at root. A pass already
// holding the branch lease returns ErrLeaseHeld without side effects;
// the caller's trigger stays in the backlog for the running pass's
// follow-up.
func (p *Pipeline) Run(ctx context.Context, root string, key types.RepoBranch, revision string) (*Stats, error) {
	release, err := p.leases.Acquire(key)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.recorder.BeginIndexing(ctx, key); err != nil {
		return nil, err
	}

	start := time.Now()
	stats, err := p.run(ctx, root, key, revision)
	if completeErr := p.recorder.CompleteIndexing(ctx, key, err); completeErr != nil && err == nil {
		err = completeErr
	}
	if stats != nil {
		stats.Duration = time.Since(start)
	}

	if err != nil {
		p.logger.Error("ingestion pass failed",
			"scope", key.String(), "error", err)
		return stats, err
	}
	p.logger.Info("ingestion pass complete",
		"scope", key.String(),
		"chunked", stats.ArtifactsChunked,
		"unchanged", stats.ArtifactsUnchanged,
		"chunks_upserted", stats.ChunksUpserted,
		"chunks_deleted", stats.ChunksDeleted,
		"deleted_paths", stats.ArtifactsDeleted,
		"duration", stats.Duration,
	)
	return stats, nil
}

func (p *Pipeline) run(ctx context.Context, root string, key types.RepoBranch, revision string) (*Stats, error) {
	previous, err := p.previousPaths(ctx, key)
	if err != nil {
		return nil, err
	}

	var c counters
	work := make(chan *types.Artifact)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for artifact := range work {
				if err := p.processArtifact(gctx, root, artifact, &c); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var result *discover.Result
	g.Go(func() error {
		defer close(work)
		var discErr error
		result, discErr = p.disc.Discover(gctx, root, key.Repository, key.Branch, revision, previous,
			func(artifact *types.Artifact) error {
				select {
				case work <- artifact:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		return discErr
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := p.removeDeleted(ctx, key, result.Deleted); err != nil {
		return nil, err
	}

	return &Stats{
		ArtifactsSeen:      int(c.seen.Load()),
		ArtifactsChunked:   int(c.chunked.Load()),
		ArtifactsUnchanged: int(c.unchanged.Load()),
		CatalogedOnly:      int(c.cataloged.Load()),
		Failed:             int(c.failed.Load()),
		ArtifactsDeleted:   len(result.Deleted),
		ChunksUpserted:     int(c.upserted.Load()),
		ChunksDeleted:      int(c.deleted.Load()),
	}, nil
}

func (p *Pipeline) previousPaths(ctx context.Context, key types.RepoBranch) (map[string]struct{}, error) {
	artifacts, err := p.meta.ListArtifacts(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list previous artifacts: %w", err)
	}
	previous := make(map[string]struct{}, len(artifacts))
	for _, artifact := range artifacts {
		previous[artifact.Path] = struct{}{}
	}
	return previous, nil
}

func (p *Pipeline) processArtifact(ctx context.Context, root string, artifact *types.Artifact, c *counters) error {
	c.seen.Add(1)

	switch artifact.ParseStatus {
	case types.ParseStatusFailed:
		c.failed.Add(1)
		return p.meta.UpsertArtifact(ctx, artifact)

	case types.ParseStatusCatalogedOnly:
		c.cataloged.Add(1)
		// A file that crossed the catalog threshold sheds any chunks it
		// had while it was still indexable.
		if err := p.docs.DeleteArtifactChunks(ctx, artifact.Key(), artifact.Path); err != nil {
			return err
		}
		return p.meta.UpsertArtifact(ctx, artifact)
	}

	stored, err := p.meta.GetArtifact(ctx, artifact.Key(), artifact.Path)
	if err == nil && stored.ParseStatus == types.ParseStatusParsed && stored.Fingerprint == artifact.Fingerprint {
		c.unchanged.Add(1)
		artifact.LastIndexedAt = stored.LastIndexedAt
		return p.meta.UpsertArtifact(ctx, artifact)
	}

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(artifact.Path)))
	if err != nil {
		p.logger.Warn("artifact became unreadable", "path", artifact.Path, "error", err)
		artifact.ParseStatus = types.ParseStatusFailed
		c.failed.Add(1)
		return p.meta.UpsertArtifact(ctx, artifact)
	}

	chunks := p.strategy.Chunk(artifact, string(data))
	metas, err := p.docs.ListChunkMetas(ctx, artifact.Key(), artifact.Path)
	if err != nil {
		return err
	}

	plan := Reconcile(metas, chunks)
	if !plan.Empty() {
		if err := p.batcher.EmbedAll(ctx, plan.Upserts); err != nil {
			return err
		}
		if err := p.docs.UpsertChunks(ctx, plan.Upserts); err != nil {
			return err
		}
		deleted, err := p.docs.DeleteChunks(ctx, plan.DeleteIDs)
		if err != nil {
			return err
		}
		c.upserted.Add(int64(len(plan.Upserts)))
		c.deleted.Add(int64(deleted))
	}

	c.chunked.Add(1)
	artifact.LastIndexedAt = time.Now().UTC()
	return p.meta.UpsertArtifact(ctx, artifact)
}

func (p *Pipeline) removeDeleted(ctx context.Context, key types.RepoBranch, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	for _, path := range paths {
		if err := p.docs.DeleteArtifactChunks(ctx, key, path); err != nil {
			return err
		}
	}
	return p.meta.DeleteArtifacts(ctx, key, paths)
}
