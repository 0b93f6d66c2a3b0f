package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fdehq/triage/internal/grouping"
	"github.com/fdehq/triage/internal/vector"
	"github.com/fdehq/triage/internal/vector/pgvector"
	"github.com/fdehq/triage/pkg/models"
)

// AssignStore implements grouping.Store on PostgreSQL. Each assignment runs
// in one transaction that first takes a category-keyed advisory lock, so
// decisions for the same category are serialized across every worker
// process, not just within this one. The lock is released automatically at
// commit or rollback.
type AssignStore struct {
	store *Store
}

// NewAssignStore creates the assignment store.
func NewAssignStore(store *Store) *AssignStore {
	return &AssignStore{store: store}
}

// Assign implements grouping.Store.
func (s *AssignStore) Assign(ctx context.Context, c models.Category, fn func(tx grouping.Tx) error) error {
	return s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", string(c)).Error; err != nil {
			return err
		}
		return fn(&assignTx{tx: tx})
	})
}

// assignTx is the transaction-scoped view handed to the grouping engine.
type assignTx struct {
	tx *gorm.DB
}

func (t *assignTx) ThreadGroup(threadID string) (uuid.UUID, bool, error) {
	var link ThreadLink
	err := t.tx.Where("thread_id = ?", threadID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return link.GroupID, true, nil
}

func (t *assignTx) Nearest(v []float32, c models.Category, k int, maxAge time.Duration) ([]vector.Neighbor, error) {
	return pgvector.NearestTx(t.tx, v, c, k, maxAge)
}

func (t *assignTx) AddMembership(messageID, groupID uuid.UUID, similarity float64) error {
	membership := &Membership{
		MessageID:  messageID,
		GroupID:    groupID,
		Similarity: similarity,
	}
	if err := t.tx.Create(membership).Error; err != nil {
		return err
	}
	// Membership changes count as group updates.
	return t.tx.Model(&IssueGroup{}).
		Where("id = ?", groupID).
		Update("updated_at", time.Now()).Error
}

func (t *assignTx) CreateGroupWithMessage(g *models.IssueGroup, messageID uuid.UUID, threadID string) error {
	record := &IssueGroup{
		ID:       g.ID,
		Title:    g.Title,
		Summary:  g.Summary,
		Category: string(g.Category),
		Status:   string(g.Status),
		Priority: string(g.Priority),
	}
	if err := t.tx.Create(record).Error; err != nil {
		return err
	}

	membership := &Membership{
		MessageID:  messageID,
		GroupID:    record.ID,
		Similarity: models.StructuralMatch,
	}
	if err := t.tx.Create(membership).Error; err != nil {
		return err
	}

	if threadID != "" {
		// A plain insert, not an upsert: if another group claimed the
		// thread meanwhile, the duplicate-key error aborts the whole unit
		// and the retry resolves through thread affinity.
		link := &ThreadLink{ThreadID: threadID, GroupID: record.ID}
		if err := t.tx.Create(link).Error; err != nil {
			return err
		}
	}

	return nil
}

// Compile-time checks.
var (
	_ grouping.Store = (*AssignStore)(nil)
	_ grouping.Tx    = (*assignTx)(nil)
)
