package serve

import (
	"context"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/store"
)

// ThreadService is thin orchestration over thread and message storage.
type ThreadService struct {
	store *store.Store
}

// NewThreadService creates the service.
func NewThreadService(s *store.Store) *ThreadService {
	return &ThreadService{store: s}
}

// Create opens a thread. Wake threads carry a back-link to the job run
// that produced them.
func (t *ThreadService) Create(ctx context.Context, title *string, source store.ThreadSource, jobRunID *int64) (*store.Thread, error) {
	return t.store.CreateThread(ctx, title, source, jobRunID)
}

// Find returns a thread by id.
func (t *ThreadService) Find(ctx context.Context, id int64) (*store.Thread, error) {
	return t.store.GetThread(ctx, id)
}

// List returns all live threads, most recent first.
func (t *ThreadService) List(ctx context.Context) ([]store.Thread, error) {
	return t.store.ListThreads(ctx)
}

// Messages returns a thread's messages in ascending id order.
func (t *ThreadService) Messages(ctx context.Context, threadID int64) ([]store.Message, error) {
	return t.store.ListMessages(ctx, threadID)
}

// AddMessage appends a message, writing both the row role and the
// structured content. The two must agree on role.
func (t *ThreadService) AddMessage(ctx context.Context, threadID int64, role store.MessageRole, model *string, content store.MessageContent) (*store.Message, error) {
	if docRole, _ := content["role"].(string); docRole != string(role) {
		return nil, vigil.Internalf("message content role %q disagrees with row role %q", docRole, role)
	}
	msg, err := t.store.AddMessage(ctx, threadID, role, model, content)
	if err != nil {
		return nil, err
	}
	if err := t.store.TouchThread(ctx, threadID); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateTitle sets a thread's title.
func (t *ThreadService) UpdateTitle(ctx context.Context, id int64, title string) error {
	return t.store.UpdateThreadTitle(ctx, id, title)
}

// Delete soft-deletes a thread.
func (t *ThreadService) Delete(ctx context.Context, id int64) error {
	return t.store.DeleteThread(ctx, id)
}
