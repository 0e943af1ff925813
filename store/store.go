package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	vigil "github.com/MooreSA/vigil"
)

// ThreadSource identifies who opened a thread.
type ThreadSource string

const (
	SourceUser ThreadSource = "user"
	SourceWake ThreadSource = "wake"
)

// Thread is one conversation.
type Thread struct {
	ID        int64        `json:"id"`
	Title     *string      `json:"title"`
	Source    ThreadSource `json:"source"`
	JobRunID  *int64       `json:"job_run_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// MessageRole identifies the author of a message row.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// MessageContent is the structured message document. It is the source
// of truth; the row's role column duplicates its "role" field for
// filtering only.
type MessageContent map[string]any

// Message is one message within a thread. Messages are totally ordered
// by id, never by timestamp.
type Message struct {
	ID        int64          `json:"id"`
	ThreadID  int64          `json:"thread_id"`
	Role      MessageRole    `json:"role"`
	Model     *string        `json:"model,omitempty"`
	Content   MessageContent `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store provides typed access to the five entity tables.
type Store struct {
	db *sql.DB

	// now is the clock, injectable for tests.
	now func() time.Time
}

// New wraps an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the store's clock. Test use only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// DB returns the underlying handle, for lifecycle management.
func (s *Store) DB() *sql.DB { return s.db }

// CreateThread inserts a thread. Title may be nil; jobRunID back-links
// a wake thread to the run that produced it.
func (s *Store) CreateThread(ctx context.Context, title *string, source ThreadSource, jobRunID *int64) (*Thread, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (title, source, job_run_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		title, string(source), jobRunID, now, now,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "create thread")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, vigil.Storagef(err, "create thread id")
	}
	return &Thread{ID: id, Title: title, Source: source, JobRunID: jobRunID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetThread returns a thread by id, or NotFound when missing or
// soft-deleted.
func (s *Store) GetThread(ctx context.Context, id int64) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, job_run_id, created_at, updated_at
		 FROM threads WHERE id = ? AND deleted_at IS NULL`, id,
	)
	return scanThread(row)
}

// ListThreads returns all live threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, source, job_run_id, created_at, updated_at
		 FROM threads WHERE deleted_at IS NULL
		 ORDER BY updated_at DESC, id DESC`,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "list threads")
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, vigil.Storagef(err, "list threads")
	}
	return threads, nil
}

// UpdateThreadTitle sets a thread's title.
func (s *Store) UpdateThreadTitle(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		title, s.now().UTC(), id,
	)
	if err != nil {
		return vigil.Storagef(err, "update thread title")
	}
	return requireRow(res, "thread %d", id)
}

// TouchThread bumps a thread's updated_at, used when new messages land.
func (s *Store) TouchThread(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		s.now().UTC(), id,
	)
	if err != nil {
		return vigil.Storagef(err, "touch thread")
	}
	return nil
}

// DeleteThread soft-deletes a thread. Deleting an already-deleted
// thread returns NotFound rather than re-stamping.
func (s *Store) DeleteThread(ctx context.Context, id int64) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return vigil.Storagef(err, "delete thread")
	}
	return requireRow(res, "thread %d", id)
}

// AddMessage appends a message to a thread. The role column and the
// content document's role field must agree; callers enforce that.
func (s *Store) AddMessage(ctx context.Context, threadID int64, role MessageRole, model *string, content MessageContent) (*Message, error) {
	doc, err := json.Marshal(content)
	if err != nil {
		return nil, vigil.Storagef(err, "encode message content")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (thread_id, role, model, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		threadID, string(role), model, string(doc), now,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "add message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, vigil.Storagef(err, "add message id")
	}
	return &Message{ID: id, ThreadID: threadID, Role: role, Model: model, Content: content, CreatedAt: now}, nil
}

// ListMessages returns a thread's live messages in ascending id order.
func (s *Store) ListMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, model, content, created_at
		 FROM messages WHERE thread_id = ? AND deleted_at IS NULL
		 ORDER BY id ASC`, threadID,
	)
	if err != nil {
		return nil, vigil.Storagef(err, "list messages")
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var model sql.NullString
		var doc string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &model, &doc, &m.CreatedAt); err != nil {
			return nil, vigil.Storagef(err, "scan message")
		}
		if model.Valid {
			m.Model = &model.String
		}
		if err := json.Unmarshal([]byte(doc), &m.Content); err != nil {
			return nil, vigil.Storagef(err, "decode message content")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, vigil.Storagef(err, "list messages")
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var title sql.NullString
	var jobRunID sql.NullInt64
	err := row.Scan(&t.ID, &title, &t.Source, &jobRunID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vigil.NotFoundf("thread not found")
	}
	if err != nil {
		return nil, vigil.Storagef(err, "scan thread")
	}
	if title.Valid {
		t.Title = &title.String
	}
	if jobRunID.Valid {
		t.JobRunID = &jobRunID.Int64
	}
	return &t, nil
}

// requireRow converts a zero-row update into NotFound.
func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return vigil.Storagef(err, "rows affected")
	}
	if n == 0 {
		return vigil.NotFoundf(format+" not found", args...)
	}
	return nil
}
