package embedder

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/pkg/types"
)

// Batcher drives an Embedder over chunks awaiting vectors. It batches,
// rate-limits, retries transient failures, and caches vectors by content
// fingerprint so re-ingested unchanged chunks never hit the provider.
//
// Failure is per batch, not per pass: a batch whose retries are exhausted
// marks its chunks text-searchable only and the pass continues.
type Batcher struct {
	embedder Embedder
	cfg      config.EmbeddingConfig
	limiter  *rate.Limiter
	cache    *lru.Cache[string, []float32]
	logger   *slog.Logger
}

// NewBatcher creates a batcher around the given embedder.
func NewBatcher(embedder Embedder, cfg config.EmbeddingConfig, logger *slog.Logger) (*Batcher, error) {
	b := &Batcher{
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		b.cache = cache
	}
	return b, nil
}

// EmbedAll attaches vectors to every chunk in VectorPending state.
// Chunks already resolved are left untouched. On return every pending
// chunk is either VectorPresent or VectorAbsent; the error is non-nil
// only for cancellation, never for provider failures.
func (b *Batcher) EmbedAll(ctx context.Context, chunks []*types.Chunk) error {
	pending := b.resolveCached(chunks)
	if len(pending) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for start := 0; start < len(pending); start += b.cfg.MaxBatchSize {
		end := min(start+b.cfg.MaxBatchSize, len(pending))
		batch := pending[start:end]
		g.Go(func() error {
			return b.embedBatch(ctx, batch)
		})
	}
	return g.Wait()
}

// resolveCached fills vectors from the cache and returns the chunks that
// still need a provider call.
func (b *Batcher) resolveCached(chunks []*types.Chunk) []*types.Chunk {
	var pending []*types.Chunk
	for _, c := range chunks {
		if c.VectorState != types.VectorPending {
			continue
		}
		if b.cache != nil {
			if vec, ok := b.cache.Get(c.Fingerprint); ok {
				c.Vector = vec
				c.VectorState = types.VectorPresent
				continue
			}
		}
		pending = append(pending, c)
	}
	return pending
}

// embedBatch embeds one batch with retry. Exhausted retries degrade the
// batch to text-searchable only instead of failing the pass.
func (b *Batcher) embedBatch(ctx context.Context, batch []*types.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := retryWithBackoff(ctx, retryConfig{
		maxAttempts: b.cfg.MaxAttempts,
		baseDelay:   b.cfg.BaseBackoff,
		maxDelay:    b.cfg.MaxBackoff,
		multiplier:  2,
	}, func() ([][]float32, error) {
		return b.callOnce(ctx, texts)
	})

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("embedding batch abandoned",
			"chunks", len(batch),
			"attempts", b.cfg.MaxAttempts,
			"error", err)
		for _, c := range batch {
			c.VectorState = types.VectorAbsent
		}
		return nil
	}

	for i, c := range batch {
		c.Vector = vectors[i]
		c.VectorState = types.VectorPresent
		if b.cache != nil {
			b.cache.Add(c.Fingerprint, vectors[i])
		}
	}
	return nil
}

// callOnce performs a single rate-limited provider call with the
// configured timeout and validates the batch shape.
func (b *Batcher) callOnce(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	vectors, err := b.embedder.Embed(callCtx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, ErrBatchMismatch
	}
	return vectors, nil
}
