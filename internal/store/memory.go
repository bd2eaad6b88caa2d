package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarrydev/quarry/pkg/types"
)

// Memory implements DocumentStore and MetadataStore in process. It backs
// tests and the throwaway single-run mode; lexical scoring is a term
// frequency count rather than BM25.
type Memory struct {
	mu            sync.RWMutex
	branches      map[types.RepoBranch]*types.Branch
	artifacts     map[types.RepoBranch]map[string]*types.Artifact
	notifications map[string]*types.Notification
	chunks        map[string]*types.Chunk
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		branches:      make(map[types.RepoBranch]*types.Branch),
		artifacts:     make(map[types.RepoBranch]map[string]*types.Artifact),
		notifications: make(map[string]*types.Notification),
		chunks:        make(map[string]*types.Chunk),
	}
}

// Close implements both store interfaces.
func (m *Memory) Close() error { return nil }

// Branch operations

func (m *Memory) UpsertBranch(_ context.Context, branch *types.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *branch
	m.branches[branch.Key()] = &clone
	return nil
}

func (m *Memory) GetBranch(_ context.Context, key types.RepoBranch) (*types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branch, ok := m.branches[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *branch
	clone.Backlog = m.backlogLocked(key)
	return &clone, nil
}

func (m *Memory) ListBranches(_ context.Context, repository string) ([]*types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	branches := make([]*types.Branch, 0)
	for key, branch := range m.branches {
		if repository != "" && key.Repository != repository {
			continue
		}
		clone := *branch
		clone.Backlog = m.backlogLocked(key)
		branches = append(branches, &clone)
	}
	sort.Slice(branches, func(i, j int) bool {
		if branches[i].Repository != branches[j].Repository {
			return branches[i].Repository < branches[j].Repository
		}
		return branches[i].Name < branches[j].Name
	})
	return branches, nil
}

func (m *Memory) backlogLocked(key types.RepoBranch) int {
	count := 0
	for _, n := range m.notifications {
		if n.Key() == key && n.Open() {
			count++
		}
	}
	return count
}

// Artifact operations

func (m *Memory) UpsertArtifact(_ context.Context, artifact *types.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := artifact.Key()
	if m.artifacts[key] == nil {
		m.artifacts[key] = make(map[string]*types.Artifact)
	}
	clone := *artifact
	m.artifacts[key][artifact.Path] = &clone
	return nil
}

func (m *Memory) GetArtifact(_ context.Context, key types.RepoBranch, path string) (*types.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifact, ok := m.artifacts[key][path]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *artifact
	return &clone, nil
}

func (m *Memory) ListArtifacts(_ context.Context, key types.RepoBranch) ([]*types.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifacts := make([]*types.Artifact, 0, len(m.artifacts[key]))
	for _, artifact := range m.artifacts[key] {
		clone := *artifact
		artifacts = append(artifacts, &clone)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

func (m *Memory) DeleteArtifacts(_ context.Context, key types.RepoBranch, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range paths {
		delete(m.artifacts[key], path)
	}
	return nil
}

// Notification operations

func (m *Memory) CreateNotification(_ context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *n
	m.notifications[n.ID] = &clone
	return nil
}

func (m *Memory) UpdateNotification(_ context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; !ok {
		return types.ErrNotFound
	}
	clone := *n
	m.notifications[n.ID] = &clone
	return nil
}

func (m *Memory) GetNotification(_ context.Context, id string) (*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (m *Memory) GetOpenNotificationByDedup(_ context.Context, dedupKey string) (*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.sortedNotificationsLocked() {
		if n.DedupKey == dedupKey && n.Open() {
			clone := *n
			return &clone, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *Memory) ListOpenNotifications(_ context.Context, key types.RepoBranch) ([]*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]*types.Notification, 0)
	for _, n := range m.sortedNotificationsLocked() {
		if n.Key() == key && n.Open() {
			clone := *n
			open = append(open, &clone)
		}
	}
	return open, nil
}

func (m *Memory) NextPendingNotification(_ context.Context) (*types.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.sortedNotificationsLocked() {
		if n.Status == types.NotificationPending {
			clone := *n
			return &clone, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *Memory) PruneNotifications(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, n := range m.notifications {
		if !n.Open() && n.ReceivedAt.Before(before) {
			delete(m.notifications, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *Memory) sortedNotificationsLocked() []*types.Notification {
	all := make([]*types.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		all = append(all, n)
	}
	// ULIDs sort by arrival time.
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Chunk operations

func (m *Memory) UpsertChunks(_ context.Context, chunks []*types.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		clone := *c
		m.chunks[c.ID()] = &clone
	}
	return nil
}

func (m *Memory) DeleteChunks(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if _, ok := m.chunks[id]; ok {
			delete(m.chunks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) DeleteArtifactChunks(_ context.Context, key types.RepoBranch, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.Key() == key && c.Path == path {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *Memory) DeleteBranchChunks(_ context.Context, key types.RepoBranch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.Key() == key {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *Memory) ListChunkMetas(_ context.Context, key types.RepoBranch, path string) ([]ChunkMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metas := make([]ChunkMeta, 0)
	for id, c := range m.chunks {
		if c.Key() == key && c.Path == path {
			metas = append(metas, ChunkMeta{ID: id, Ordinal: c.Ordinal, Fingerprint: c.Fingerprint})
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Ordinal < metas[j].Ordinal })
	return metas, nil
}

func (m *Memory) GetChunks(_ context.Context, ids []string) ([]*types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := make([]*types.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			clone := *c
			chunks = append(chunks, &clone)
		}
	}
	return chunks, nil
}

// Search operations

func (m *Memory) SearchLexical(_ context.Context, scopes []types.RepoBranch, query string, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := make([]Hit, 0)
	for id, c := range m.chunks {
		if !scopeContains(scopes, c.Key()) {
			continue
		}
		text := strings.ToLower(c.Text)
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(text, term))
		}
		if score > 0 {
			candidates = append(candidates, Hit{ChunkID: id, Score: score})
		}
	}
	return topHits(candidates, limit), nil
}

func (m *Memory) SearchVector(_ context.Context, scopes []types.RepoBranch, vector []float32, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := make([]Hit, 0)
	for id, c := range m.chunks {
		if !scopeContains(scopes, c.Key()) || c.VectorState != types.VectorPresent {
			continue
		}
		if len(c.Vector) != len(vector) {
			continue
		}
		candidates = append(candidates, Hit{ChunkID: id, Score: cosineSimilarity(vector, c.Vector)})
	}
	return topHits(candidates, limit), nil
}

func scopeContains(scopes []types.RepoBranch, key types.RepoBranch) bool {
	for _, scope := range scopes {
		if scope == key {
			return true
		}
	}
	return false
}
