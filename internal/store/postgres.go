package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/quarrydev/quarry/pkg/types"
)

// Postgres implements DocumentStore on PostgreSQL. Lexical retrieval
// uses tsvector ranking, vector retrieval uses pgvector cosine distance.
// Metadata stays in the SQLite store; Postgres carries only documents.
type Postgres struct {
	pool *pgxpool.Pool
	dim  int
}

// OpenPostgres connects to dsn and prepares the chunks table for vectors
// of the given dimension.
func OpenPostgres(ctx context.Context, dsn string, dimension int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	p := &Postgres{pool: pool, dim: dimension}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			repository TEXT NOT NULL,
			branch TEXT NOT NULL,
			path TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			start_byte INTEGER NOT NULL,
			end_byte INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			embedding vector(%d),
			vector_state TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (repository, branch, path, ordinal)
		)`, p.dim),
		`CREATE INDEX IF NOT EXISTS idx_chunks_artifact ON chunks(repository, branch, path)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON chunks
			USING gin (to_tsvector('english', text))`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize postgres schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) UpsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO chunks (id, repository, branch, path, ordinal,
		                    start_line, end_line, start_byte, end_byte,
		                    fingerprint, token_count, text, language, mode,
		                    embedding, vector_state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		ON CONFLICT (id) DO UPDATE SET
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			start_byte = excluded.start_byte,
			end_byte = excluded.end_byte,
			fingerprint = excluded.fingerprint,
			token_count = excluded.token_count,
			text = excluded.text,
			language = excluded.language,
			mode = excluded.mode,
			embedding = excluded.embedding,
			vector_state = excluded.vector_state,
			updated_at = now()
	`
	for _, c := range chunks {
		var embedding any
		if len(c.Vector) > 0 {
			embedding = pgvector.NewVector(c.Vector)
		}
		batch.Queue(query,
			c.ID(), c.Repository, c.Branch, c.Path, c.Ordinal,
			c.StartLine, c.EndLine, c.StartByte, c.EndByte,
			c.Fingerprint, c.TokenCount, c.Text, c.Language, string(c.Mode),
			embedding, string(c.VectorState))
	}

	results := p.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert chunk: %w", err)
		}
	}
	return nil
}

func (p *Postgres) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) DeleteArtifactChunks(ctx context.Context, key types.RepoBranch, path string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM chunks WHERE repository = $1 AND branch = $2 AND path = $3`,
		key.Repository, key.Branch, path)
	return err
}

func (p *Postgres) DeleteBranchChunks(ctx context.Context, key types.RepoBranch) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM chunks WHERE repository = $1 AND branch = $2`,
		key.Repository, key.Branch)
	return err
}

func (p *Postgres) ListChunkMetas(ctx context.Context, key types.RepoBranch, path string) ([]ChunkMeta, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, ordinal, fingerprint
		FROM chunks
		WHERE repository = $1 AND branch = $2 AND path = $3
		ORDER BY ordinal
	`, key.Repository, key.Branch, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metas := make([]ChunkMeta, 0)
	for rows.Next() {
		var m ChunkMeta
		if err := rows.Scan(&m.ID, &m.Ordinal, &m.Fingerprint); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (p *Postgres) GetChunks(ctx context.Context, ids []string) ([]*types.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT repository, branch, path, ordinal,
		       start_line, end_line, start_byte, end_byte,
		       fingerprint, token_count, text, language, mode,
		       embedding, vector_state
		FROM chunks
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*types.Chunk, len(ids))
	for rows.Next() {
		var c types.Chunk
		var mode, state string
		var embedding *pgvector.Vector
		err := rows.Scan(
			&c.Repository, &c.Branch, &c.Path, &c.Ordinal,
			&c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte,
			&c.Fingerprint, &c.TokenCount, &c.Text, &c.Language, &mode,
			&embedding, &state,
		)
		if err != nil {
			return nil, err
		}
		c.Mode = types.ChunkMode(mode)
		c.VectorState = types.VectorState(state)
		if embedding != nil {
			c.Vector = embedding.Slice()
		}
		byID[c.ID()] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chunks := make([]*types.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

func (p *Postgres) SearchLexical(ctx context.Context, scopes []types.RepoBranch, query string, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 || strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	clause, args := pgScopeFilter(scopes, 2)
	sqlQuery := `
		SELECT id, ts_rank(to_tsvector('english', text), websearch_to_tsquery('english', $1)) AS score
		FROM chunks
		WHERE to_tsvector('english', text) @@ websearch_to_tsquery('english', $1)
		  AND ` + clause + `
		ORDER BY score DESC, id
		LIMIT ` + fmt.Sprintf("$%d", len(args)+2)
	allArgs := append([]any{query}, args...)
	allArgs = append(allArgs, limit)

	rows, err := p.pool.Query(ctx, sqlQuery, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute lexical search: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, limit)
	for rows.Next() {
		var hit Hit
		var score float32
		if err := rows.Scan(&hit.ChunkID, &score); err != nil {
			return nil, err
		}
		hit.Score = float64(score)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (p *Postgres) SearchVector(ctx context.Context, scopes []types.RepoBranch, vector []float32, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	clause, args := pgScopeFilter(scopes, 2)
	sqlQuery := `
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE vector_state = 'present' AND ` + clause + `
		ORDER BY embedding <=> $1, id
		LIMIT ` + fmt.Sprintf("$%d", len(args)+2)
	allArgs := append([]any{pgvector.NewVector(vector)}, args...)
	allArgs = append(allArgs, limit)

	rows, err := p.pool.Query(ctx, sqlQuery, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, limit)
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.ChunkID, &hit.Score); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// pgScopeFilter builds "(repository = $n AND branch = $n+1) OR ..."
// starting at placeholder index first.
func pgScopeFilter(scopes []types.RepoBranch, first int) (string, []any) {
	clauses := make([]string, len(scopes))
	args := make([]any, 0, len(scopes)*2)
	for i, scope := range scopes {
		clauses[i] = fmt.Sprintf("(repository = $%d AND branch = $%d)", first+i*2, first+i*2+1)
		args = append(args, scope.Repository, scope.Branch)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}
