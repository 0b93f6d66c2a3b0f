package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/fdehq/triage/internal/db"
	"github.com/fdehq/triage/pkg/models"
)

// MessageStore provides message persistence. Messages are written once by
// the ingest pipeline and never mutated.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a message store.
func NewMessageStore(store *Store) *MessageStore {
	return &MessageStore{db: store.DB}
}

// Create stores a classified message. The message's ID is filled in when
// unset. Returns db.ErrDuplicateMessage when the external id was already
// ingested.
func (s *MessageStore) Create(ctx context.Context, m *models.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	// Irrelevant messages carry no embedding; the column stays NULL and
	// they never surface as neighbors.
	var embedding *pgvec.Vector
	if len(m.Embedding) > 0 {
		v := pgvec.NewVector(m.Embedding)
		embedding = &v
	}

	record := &Message{
		ID:          m.ID,
		ExternalID:  m.ExternalID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		ChannelID:   m.ChannelID,
		ChannelName: m.ChannelName,
		Text:        m.Text,
		ThreadID:    nullString(m.ThreadID),
		Timestamp:   m.Timestamp,
		Relevant:    m.Relevant,
		Category:    string(m.Category),
		Confidence:  m.Confidence,
		Summary:     m.Summary,
		Embedding:   embedding,
	}

	err := s.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: external id %s", db.ErrDuplicateMessage, m.ExternalID)
	}
	return err
}

// ExistsExternal reports whether a message with the given external id was
// already ingested. Used by the pipeline for cheap pre-insert dedupe; the
// unique index remains the authority.
func (s *MessageStore) ExistsExternal(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("external_id = ?", externalID).
		Count(&count).Error
	return count > 0, err
}

// GetByID retrieves a message by its id.
func (s *MessageStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var record Message
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.toModel(), nil
}

// ListByThread returns all messages in a conversation thread, oldest first.
func (s *MessageStore) ListByThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	var records []Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(records), nil
}

// ListUngrouped returns relevant messages that have no membership, newest
// first. A failed assignment leaves the message here for the next retry
// pass.
func (s *MessageStore) ListUngrouped(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []Message
	err := s.db.WithContext(ctx).
		Where("relevant = ?", true).
		Where("category <> ?", string(models.CategoryIrrelevant)).
		Where("NOT EXISTS (SELECT 1 FROM memberships WHERE memberships.message_id = messages.id)").
		Order("timestamp DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(records), nil
}

func toMessageModels(records []Message) []*models.Message {
	out := make([]*models.Message, len(records))
	for i := range records {
		out[i] = records[i].toModel()
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
