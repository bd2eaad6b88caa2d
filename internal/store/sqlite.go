package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quarrydev/quarry/pkg/types"
)

// SQLite implements DocumentStore and MetadataStore on one database
// file. Lexical retrieval uses FTS5; vector retrieval scans vector blobs
// and ranks by cosine similarity in Go.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating and migrating the
// schema as needed.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for read concurrency; writes are serialized on one connection.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Branch operations

func (s *SQLite) UpsertBranch(ctx context.Context, branch *types.Branch) error {
	query := `
		INSERT INTO branches (repository, name, is_default, tracked, last_indexed_at, last_notification_at, freshness)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, name) DO UPDATE SET
			is_default = excluded.is_default,
			tracked = excluded.tracked,
			last_indexed_at = excluded.last_indexed_at,
			last_notification_at = excluded.last_notification_at,
			freshness = excluded.freshness
	`
	_, err := s.db.ExecContext(ctx, query,
		branch.Repository, branch.Name, branch.IsDefault, branch.Tracked,
		nullTime(branch.LastIndexedAt), nullTime(branch.LastNotificationAt),
		string(branch.Freshness))
	if err != nil {
		return fmt.Errorf("failed to upsert branch: %w", err)
	}
	return nil
}

func (s *SQLite) GetBranch(ctx context.Context, key types.RepoBranch) (*types.Branch, error) {
	query := `
		SELECT b.repository, b.name, b.is_default, b.tracked,
		       b.last_indexed_at, b.last_notification_at, b.freshness,
		       (SELECT COUNT(*) FROM notifications n
		        WHERE n.repository = b.repository AND n.branch = b.name
		          AND n.status IN ('pending', 'processing')) AS backlog
		FROM branches b
		WHERE b.repository = ? AND b.name = ?
	`
	branch, err := scanBranch(s.db.QueryRowContext(ctx, query, key.Repository, key.Branch))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return branch, err
}

func (s *SQLite) ListBranches(ctx context.Context, repository string) ([]*types.Branch, error) {
	query := `
		SELECT b.repository, b.name, b.is_default, b.tracked,
		       b.last_indexed_at, b.last_notification_at, b.freshness,
		       (SELECT COUNT(*) FROM notifications n
		        WHERE n.repository = b.repository AND n.branch = b.name
		          AND n.status IN ('pending', 'processing')) AS backlog
		FROM branches b
		WHERE (? = '' OR b.repository = ?)
		ORDER BY b.repository, b.name
	`
	rows, err := s.db.QueryContext(ctx, query, repository, repository)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	branches := make([]*types.Branch, 0)
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*types.Branch, error) {
	var branch types.Branch
	var freshness string
	var lastIndexed, lastNotified sql.NullTime
	err := row.Scan(
		&branch.Repository, &branch.Name, &branch.IsDefault, &branch.Tracked,
		&lastIndexed, &lastNotified, &freshness, &branch.Backlog,
	)
	if err != nil {
		return nil, err
	}
	branch.Freshness = types.FreshnessState(freshness)
	if lastIndexed.Valid {
		branch.LastIndexedAt = lastIndexed.Time
	}
	if lastNotified.Valid {
		branch.LastNotificationAt = lastNotified.Time
	}
	return &branch, nil
}

// Artifact operations

func (s *SQLite) UpsertArtifact(ctx context.Context, artifact *types.Artifact) error {
	query := `
		INSERT INTO artifacts (repository, branch, path, size_bytes, kind, parse_status,
		                       fingerprint, last_seen_revision, last_indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, branch, path) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			kind = excluded.kind,
			parse_status = excluded.parse_status,
			fingerprint = excluded.fingerprint,
			last_seen_revision = excluded.last_seen_revision,
			last_indexed_at = excluded.last_indexed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		artifact.Repository, artifact.Branch, artifact.Path,
		artifact.SizeBytes, string(artifact.Kind), string(artifact.ParseStatus),
		artifact.Fingerprint, artifact.LastSeenRevision, nullTime(artifact.LastIndexedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert artifact: %w", err)
	}
	return nil
}

func (s *SQLite) GetArtifact(ctx context.Context, key types.RepoBranch, path string) (*types.Artifact, error) {
	query := `
		SELECT repository, branch, path, size_bytes, kind, parse_status,
		       fingerprint, last_seen_revision, last_indexed_at
		FROM artifacts
		WHERE repository = ? AND branch = ? AND path = ?
	`
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, key.Repository, key.Branch, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return artifact, err
}

func (s *SQLite) ListArtifacts(ctx context.Context, key types.RepoBranch) ([]*types.Artifact, error) {
	query := `
		SELECT repository, branch, path, size_bytes, kind, parse_status,
		       fingerprint, last_seen_revision, last_indexed_at
		FROM artifacts
		WHERE repository = ? AND branch = ?
		ORDER BY path
	`
	rows, err := s.db.QueryContext(ctx, query, key.Repository, key.Branch)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	artifacts := make([]*types.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func (s *SQLite) DeleteArtifacts(ctx context.Context, key types.RepoBranch, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, 0, len(paths)+2)
	args = append(args, key.Repository, key.Branch)
	for _, p := range paths {
		args = append(args, p)
	}
	query := `DELETE FROM artifacts WHERE repository = ? AND branch = ? AND path IN (` + placeholders + `)`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func scanArtifact(row rowScanner) (*types.Artifact, error) {
	var artifact types.Artifact
	var kind, status string
	var lastIndexed sql.NullTime
	err := row.Scan(
		&artifact.Repository, &artifact.Branch, &artifact.Path,
		&artifact.SizeBytes, &kind, &status,
		&artifact.Fingerprint, &artifact.LastSeenRevision, &lastIndexed,
	)
	if err != nil {
		return nil, err
	}
	artifact.Kind = types.ArtifactKind(kind)
	artifact.ParseStatus = types.ParseStatus(status)
	if lastIndexed.Valid {
		artifact.LastIndexedAt = lastIndexed.Time
	}
	return &artifact, nil
}

// Notification operations

func (s *SQLite) CreateNotification(ctx context.Context, n *types.Notification) error {
	query := `
		INSERT INTO notifications (id, repository, branch, source, dedup_key, commit_sha,
		                           received_at, processed_at, status, error, orphaned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.Repository, n.Branch, string(n.Source), n.DedupKey, n.CommitSHA,
		n.ReceivedAt, nullTime(n.ProcessedAt), string(n.Status), n.Error, n.Orphaned)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateNotification(ctx context.Context, n *types.Notification) error {
	query := `
		UPDATE notifications
		SET processed_at = ?, status = ?, error = ?, orphaned = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		nullTime(n.ProcessedAt), string(n.Status), n.Error, n.Orphaned, n.ID)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	return nil
}

func (s *SQLite) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	query := notificationSelect + ` WHERE id = ?`
	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return n, err
}

func (s *SQLite) GetOpenNotificationByDedup(ctx context.Context, dedupKey string) (*types.Notification, error) {
	query := notificationSelect + `
		WHERE dedup_key = ? AND status IN ('pending', 'processing')
		ORDER BY id LIMIT 1
	`
	n, err := scanNotification(s.db.QueryRowContext(ctx, query, dedupKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return n, err
}

func (s *SQLite) ListOpenNotifications(ctx context.Context, key types.RepoBranch) ([]*types.Notification, error) {
	query := notificationSelect + `
		WHERE repository = ? AND branch = ? AND status IN ('pending', 'processing')
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, key.Repository, key.Branch)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]*types.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *SQLite) NextPendingNotification(ctx context.Context) (*types.Notification, error) {
	// ULIDs sort by arrival time, so ORDER BY id is oldest-first.
	query := notificationSelect + `
		WHERE status = 'pending'
		ORDER BY id LIMIT 1
	`
	n, err := scanNotification(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return n, err
}

func (s *SQLite) PruneNotifications(ctx context.Context, before time.Time) (int, error) {
	query := `
		DELETE FROM notifications
		WHERE status IN ('done', 'error') AND received_at < ?
	`
	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

const notificationSelect = `
	SELECT id, repository, branch, source, dedup_key, commit_sha,
	       received_at, processed_at, status, error, orphaned
	FROM notifications
`

func scanNotification(row rowScanner) (*types.Notification, error) {
	var n types.Notification
	var source, status string
	var processed sql.NullTime
	err := row.Scan(
		&n.ID, &n.Repository, &n.Branch, &source, &n.DedupKey, &n.CommitSHA,
		&n.ReceivedAt, &processed, &status, &n.Error, &n.Orphaned,
	)
	if err != nil {
		return nil, err
	}
	n.Source = types.NotificationSource(source)
	n.Status = types.NotificationStatus(status)
	if processed.Valid {
		n.ProcessedAt = processed.Time
	}
	return &n, nil
}

// Chunk operations

func (s *SQLite) UpsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO chunks (id, repository, branch, path, ordinal,
		                    start_line, end_line, start_byte, end_byte,
		                    fingerprint, token_count, text, language, mode,
		                    vector, vector_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			start_byte = excluded.start_byte,
			end_byte = excluded.end_byte,
			fingerprint = excluded.fingerprint,
			token_count = excluded.token_count,
			text = excluded.text,
			language = excluded.language,
			mode = excluded.mode,
			vector = excluded.vector,
			vector_state = excluded.vector_state,
			updated_at = excluded.updated_at
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now()
	for _, c := range chunks {
		var blob []byte
		if len(c.Vector) > 0 {
			blob = serializeVector(c.Vector)
		}
		_, err := stmt.ExecContext(ctx,
			c.ID(), c.Repository, c.Branch, c.Path, c.Ordinal,
			c.StartLine, c.EndLine, c.StartByte, c.EndByte,
			c.Fingerprint, c.TokenCount, c.Text, c.Language, string(c.Mode),
			blob, string(c.VectorState), now)
		if err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID(), err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLite) DeleteArtifactChunks(ctx context.Context, key types.RepoBranch, path string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE repository = ? AND branch = ? AND path = ?`,
		key.Repository, key.Branch, path)
	return err
}

func (s *SQLite) DeleteBranchChunks(ctx context.Context, key types.RepoBranch) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE repository = ? AND branch = ?`,
		key.Repository, key.Branch)
	return err
}

func (s *SQLite) ListChunkMetas(ctx context.Context, key types.RepoBranch, path string) ([]ChunkMeta, error) {
	query := `
		SELECT id, ordinal, fingerprint
		FROM chunks
		WHERE repository = ? AND branch = ? AND path = ?
		ORDER BY ordinal
	`
	rows, err := s.db.QueryContext(ctx, query, key.Repository, key.Branch, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLite) GetChunks(ctx context.Context, ids []string) ([]*types.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT repository, branch, path, ordinal,
		       start_line, end_line, start_byte, end_byte,
		       fingerprint, token_count, text, language, mode,
		       vector, vector_state
		FROM chunks
		WHERE id IN (` + placeholders + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.Chunk, len(ids))
	for rows.Next() {
		var c types.Chunk
		var mode, state string
		var blob []byte
		err := rows.Scan(
			&c.Repository, &c.Branch, &c.Path, &c.Ordinal,
			&c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte,
			&c.Fingerprint, &c.TokenCount, &c.Text, &c.Language, &mode,
			&blob, &state,
		)
		if err != nil {
			return nil, err
		}
		c.Mode = types.ChunkMode(mode)
		c.VectorState = types.VectorState(state)
		if len(blob) > 0 {
			c.Vector = deserializeVector(blob)
		}
		byID[c.ID()] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve request order; missing IDs are skipped.
	chunks := make([]*types.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// Search operations

func (s *SQLite) SearchLexical(ctx context.Context, scopes []types.RepoBranch, query string, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return []Hit{}, nil
	}

	scopeClause, scopeArgs := scopeFilter(scopes, "c")
	sqlQuery := `
		SELECT c.id, bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ? AND ` + scopeClause + `
		ORDER BY score LIMIT ?
	`
	args := append([]any{sanitized}, scopeArgs...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute lexical search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0, limit)
	for rows.Next() {
		var hit Hit
		var bm25 float64
		if err := rows.Scan(&hit.ChunkID, &bm25); err != nil {
			return nil, err
		}
		// bm25() is negative, lower is better; fold into (0, 1].
		hit.Score = bm25ToScore(bm25)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (s *SQLite) SearchVector(ctx context.Context, scopes []types.RepoBranch, vector []float32, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 {
		return []Hit{}, nil
	}

	scopeClause, scopeArgs := scopeFilter(scopes, "chunks")
	query := `
		SELECT id, vector
		FROM chunks
		WHERE vector_state = 'present' AND ` + scopeClause
	rows, err := s.db.QueryContext(ctx, query, scopeArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]Hit, 0, 256)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		stored := deserializeVector(blob)
		if len(stored) != len(vector) {
			continue
		}
		candidates = append(candidates, Hit{ChunkID: id, Score: cosineSimilarity(vector, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topHits(candidates, limit), nil
}

// scopeFilter builds "(repo = ? AND branch = ?) OR ..." over the given
// table alias.
func scopeFilter(scopes []types.RepoBranch, alias string) (string, []any) {
	clauses := make([]string, len(scopes))
	args := make([]any, 0, len(scopes)*2)
	for i, scope := range scopes {
		clauses[i] = "(" + alias + ".repository = ? AND " + alias + ".branch = ?)"
		args = append(args, scope.Repository, scope.Branch)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
