package gorm

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ThreadStore is the read-side view of thread-to-group links. The
// authoritative claim happens inside the assignment transaction; this is for
// API consumers that want to know where a thread landed.
type ThreadStore struct {
	store *Store
}

// NewThreadStore creates a thread store.
func NewThreadStore(store *Store) *ThreadStore {
	return &ThreadStore{store: store}
}

// Lookup resolves a thread id to its group. The second return is false when
// the thread has never been claimed.
func (s *ThreadStore) Lookup(ctx context.Context, threadID string) (uuid.UUID, bool, error) {
	var link ThreadLink
	err := s.store.DB.WithContext(ctx).First(&link, "thread_id = ?", threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return link.GroupID, true, nil
}
