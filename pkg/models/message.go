// Package models contains domain models for triage.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies what kind of attention a message needs.
type Category string

const (
	CategorySupport    Category = "support"
	CategoryBug        Category = "bug"
	CategoryFeature    Category = "feature"
	CategoryQuestion   Category = "question"
	CategoryIrrelevant Category = "irrelevant"
)

// AllCategories lists every valid category, including irrelevant.
var AllCategories = []Category{
	CategorySupport,
	CategoryBug,
	CategoryFeature,
	CategoryQuestion,
	CategoryIrrelevant,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Groupable reports whether messages of this category participate in
// issue grouping. Irrelevant messages are stored for audit but never grouped.
func (c Category) Groupable() bool {
	return c.Valid() && c != CategoryIrrelevant
}

// Classification is the output of the upstream classifier for one message.
type Classification struct {
	Relevant   bool     `json:"is_relevant"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
}

// Message is one classified customer utterance. Immutable once stored.
type Message struct {
	ID          uuid.UUID `json:"id"`
	ExternalID  string    `json:"external_id"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Text        string    `json:"text"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Relevant    bool      `json:"is_relevant"`
	Category    Category  `json:"category"`
	Confidence  float64   `json:"confidence"`
	Summary     string    `json:"summary"`
	Embedding   []float32 `json:"-"`
}

// InThread reports whether the message is part of a reply chain.
func (m *Message) InThread() bool {
	return m.ThreadID != ""
}
