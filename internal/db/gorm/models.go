// Package gorm provides GORM-based PostgreSQL persistence for triage.
package gorm

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/fdehq/triage/pkg/models"
)

// Message is the GORM model for one classified customer message.
// Rows are immutable after insert; the only cascade is via membership
// restructuring.
type Message struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ExternalID  string         `gorm:"uniqueIndex;not null"`
	AuthorID    string         `gorm:"not null"`
	AuthorName  string         `gorm:"type:text"`
	ChannelID   string         `gorm:"index;not null"`
	ChannelName string         `gorm:"type:text"`
	Text        string         `gorm:"type:text;not null"`
	ThreadID    sql.NullString `gorm:"index:idx_messages_thread"`
	Timestamp   time.Time      `gorm:"index:idx_messages_ts,sort:desc;not null"`
	Relevant    bool           `gorm:"not null"`
	Category    string         `gorm:"type:text;check:category IN ('support', 'bug', 'feature', 'question', 'irrelevant');index:idx_messages_category;not null"`
	Confidence  float64        `gorm:"type:float8;not null"`
	Summary     string         `gorm:"type:text"`
	Embedding   *pgvec.Vector  `gorm:"type:vector(1536)"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure an id is set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// IssueGroup is the GORM model for one issue cluster.
type IssueGroup struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Title     string         `gorm:"type:text;not null"`
	Summary   string         `gorm:"type:text"`
	Category  string         `gorm:"type:text;check:category IN ('support', 'bug', 'feature', 'question', 'irrelevant');index:idx_groups_category;not null"`
	Status    string         `gorm:"type:text;check:status IN ('backlog', 'in_progress', 'blocked', 'resolved', 'closed');default:'backlog';index:idx_groups_status;not null"`
	Priority  string         `gorm:"type:text;check:priority IN ('low', 'medium', 'high', 'critical');default:'medium';not null"`
	Assignee  sql.NullString `gorm:"type:text"`
	DueDate   sql.NullTime
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_groups_created,sort:desc"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (IssueGroup) TableName() string { return "issue_groups" }

// BeforeCreate hook to ensure an id is set.
func (g *IssueGroup) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

// Membership links a message to the single group it currently belongs to.
// The primary key on message_id is what makes exclusive membership a
// constraint instead of a convention.
type Membership struct {
	MessageID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID    uuid.UUID `gorm:"type:uuid;index:idx_memberships_group;not null"`
	Similarity float64   `gorm:"type:float8;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (Membership) TableName() string { return "memberships" }

// ThreadLink maps a conversation thread to the group it is attached to.
// The primary key on thread_id makes the claim atomic: the second writer
// hits a duplicate-key error and retries into thread affinity.
type ThreadLink struct {
	ThreadID  string    `gorm:"type:text;primaryKey"`
	GroupID   uuid.UUID `gorm:"type:uuid;index:idx_thread_links_group;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ThreadLink) TableName() string { return "thread_links" }

// toModel converts a Message row to the domain type.
func (m *Message) toModel() *models.Message {
	var embedding []float32
	if m.Embedding != nil {
		embedding = m.Embedding.Slice()
	}
	return &models.Message{
		ID:          m.ID,
		ExternalID:  m.ExternalID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		ChannelID:   m.ChannelID,
		ChannelName: m.ChannelName,
		Text:        m.Text,
		ThreadID:    m.ThreadID.String,
		Timestamp:   m.Timestamp,
		Relevant:    m.Relevant,
		Category:    models.Category(m.Category),
		Confidence:  m.Confidence,
		Summary:     m.Summary,
		Embedding:   embedding,
	}
}

// toModel converts an IssueGroup row to the domain type.
func (g *IssueGroup) toModel() *models.IssueGroup {
	out := &models.IssueGroup{
		ID:        g.ID,
		Title:     g.Title,
		Summary:   g.Summary,
		Category:  models.Category(g.Category),
		Status:    models.Status(g.Status),
		Priority:  models.Priority(g.Priority),
		Assignee:  g.Assignee.String,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
	if g.DueDate.Valid {
		due := g.DueDate.Time
		out.DueDate = &due
	}
	return out
}

// toModel converts a Membership row to the domain type.
func (m *Membership) toModel() *models.Membership {
	return &models.Membership{
		MessageID:  m.MessageID,
		GroupID:    m.GroupID,
		Similarity: m.Similarity,
		CreatedAt:  m.CreatedAt,
	}
}
