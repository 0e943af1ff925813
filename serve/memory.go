package serve

import (
	"context"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// recallThreshold is the minimum cosine similarity a memory must score
// to be surfaced.
const recallThreshold = 0.30

// defaultRecallLimit bounds recall results when the caller passes none.
const defaultRecallLimit = 10

// embedder produces fixed-dimension vectors for text.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryService embeds, stores, and similarity-searches memory
// entries. Deduplication is the model's responsibility: the remember
// tool instructs it to recall first and pass a replace id to
// overwrite; the service performs no implicit merge.
type MemoryService struct {
	store    *store.Store
	embedder embedder
}

// NewMemoryService creates the service.
func NewMemoryService(s *store.Store, e embedder) *MemoryService {
	return &MemoryService{store: s, embedder: e}
}

// Remember embeds content and stores it. With replaceID set the
// existing entry's content and embedding are replaced in one
// operation; NotFound surfaces when it is missing or deleted.
func (m *MemoryService) Remember(ctx context.Context, content string, source store.MemorySource, threadID *int64, replaceID *int64) (*store.MemoryEntry, error) {
	if content == "" {
		return nil, vigil.Validationf("memory content is required")
	}

	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return nil, vigil.Upstreamf(err, "embed memory content")
	}

	if replaceID != nil {
		return m.store.UpdateMemory(ctx, *replaceID, content, vec)
	}
	return m.store.CreateMemory(ctx, content, vec, source, threadID)
}

// Recall embeds query and returns the best-matching live entries above
// the similarity threshold, best first.
func (m *MemoryService) Recall(ctx context.Context, query string, limit int) ([]store.MemoryMatch, error) {
	if query == "" {
		return nil, vigil.Validationf("recall query is required")
	}
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, vigil.Upstreamf(err, "embed recall query")
	}

	return m.store.SearchMemories(ctx, vec, limit, recallThreshold)
}

// List returns all live entries, newest first.
func (m *MemoryService) List(ctx context.Context) ([]store.MemoryEntry, error) {
	return m.store.ListMemories(ctx)
}

// Update replaces an entry's content, re-embedding it in the same
// operation.
func (m *MemoryService) Update(ctx context.Context, id int64, content string) (*store.MemoryEntry, error) {
	if content == "" {
		return nil, vigil.Validationf("memory content is required")
	}
	vec, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return nil, vigil.Upstreamf(err, "embed memory content")
	}
	return m.store.UpdateMemory(ctx, id, content, vec)
}

// Delete soft-deletes an entry.
func (m *MemoryService) Delete(ctx context.Context, id int64) error {
	return m.store.DeleteMemory(ctx, id)
}
