package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	vigil "github.com/MooreSA/vigil"
)

// MemorySource identifies who created a memory entry.
type MemorySource string

const (
	MemoryAgent MemorySource = "agent"
	MemoryUser  MemorySource = "user"
)

// MemoryEntry is one persisted fact with its embedding. The embedding
// is always consistent with the content: every content mutation
// re-embeds in the same operation.
type MemoryEntry struct {
	ID        int64        `json:"id"`
	Content   string       `json:"content"`
	Embedding []float32    `json:"-"`
	Source    MemorySource `json:"source"`
	ThreadID  *int64       `json:"thread_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// MemoryMatch is a similarity-search hit.
type MemoryMatch struct {
	Entry      MemoryEntry `json:"entry"`
	Similarity float64     `json:"similarity"`
}

// CreateMemory inserts a new memory entry.
func (s *Store) CreateMemory(ctx context.Context, content string, embedding []float32, source MemorySource, threadID *int64) (*MemoryEntry, error) {
	vec, err := json.Marshal(embedding)
	if err != nil {
		return nil, vigil.Storagef(err, "encode embedding")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (content, embedding, source, thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		content, string(vec), string(source), threadID, now, now,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "create memory")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, vigil.Storagef(err, "create memory id")
	}
	return &MemoryEntry{ID: id, Content: content, Embedding: embedding, Source: source, ThreadID: threadID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetMemory returns a live memory entry by id.
func (s *Store) GetMemory(ctx context.Context, id int64) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, embedding, source, thread_id, created_at, updated_at
		 FROM memory_entries WHERE id = ? AND deleted_at IS NULL`, id,
	)
	return scanMemory(row)
}

// UpdateMemory replaces an entry's content and embedding together.
func (s *Store) UpdateMemory(ctx context.Context, id int64, content string, embedding []float32) (*MemoryEntry, error) {
	vec, err := json.Marshal(embedding)
	if err != nil {
		return nil, vigil.Storagef(err, "encode embedding")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET content = ?, embedding = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		content, string(vec), s.now().UTC(), id,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "update memory")
	}
	if err := requireRow(res, "memory entry %d", id); err != nil {
		return nil, err
	}
	return s.GetMemory(ctx, id)
}

// ListMemories returns all live entries, newest first.
func (s *Store) ListMemories(ctx context.Context) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding, source, thread_id, created_at, updated_at
		 FROM memory_entries WHERE deleted_at IS NULL ORDER BY id DESC`,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "list memories")
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, vigil.Storagef(err, "list memories")
	}
	return entries, nil
}

// DeleteMemory soft-deletes an entry; idempotent deletes surface as
// NotFound.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return vigil.Storagef(err, "delete memory")
	}
	return requireRow(res, "memory entry %d", id)
}

// SearchMemories returns up to limit live entries whose cosine
// similarity against query meets threshold, best first. The corpus is
// scanned in-process; at personal-assistant scale this stands in for a
// vector index.
func (s *Store) SearchMemories(ctx context.Context, query []float32, limit int, threshold float64) ([]MemoryMatch, error) {
	entries, err := s.ListMemories(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]MemoryMatch, 0, len(entries))
	for _, e := range entries {
		sim := cosineSimilarity(query, e.Embedding)
		if sim >= threshold {
			matches = append(matches, MemoryMatch{Entry: e, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func scanMemory(row rowScanner) (*MemoryEntry, error) {
	var e MemoryEntry
	var vec string
	var threadID sql.NullInt64
	err := row.Scan(&e.ID, &e.Content, &vec, &e.Source, &threadID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vigil.NotFoundf("memory entry not found")
	}
	if err != nil {
		return nil, vigil.Storagef(err, "scan memory")
	}
	if threadID.Valid {
		e.ThreadID = &threadID.Int64
	}
	if err := json.Unmarshal([]byte(vec), &e.Embedding); err != nil {
		return nil, vigil.Storagef(err, "decode embedding")
	}
	return &e, nil
}

// cosineSimilarity returns the cosine of the angle between a and b,
// or 0 when either vector is empty, zero, or the dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
