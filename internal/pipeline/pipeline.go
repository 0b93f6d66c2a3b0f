// Package pipeline ingests raw chat messages: dedupe, classification,
// embedding, persistence, and group assignment, in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fdehq/triage/internal/classifier"
	"github.com/fdehq/triage/internal/db"
	"github.com/fdehq/triage/internal/embedding"
	"github.com/fdehq/triage/internal/grouping"
	"github.com/fdehq/triage/pkg/models"
)

// Inbound is one raw message as received from the chat platform.
type Inbound struct {
	ExternalID  string    `json:"external_id"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Text        string    `json:"text"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrInvalidMessage marks caller mistakes in the inbound record, as opposed
// to collaborator or storage failures.
var ErrInvalidMessage = errors.New("invalid message")

func (in *Inbound) validate() error {
	if strings.TrimSpace(in.ExternalID) == "" {
		return fmt.Errorf("%w: external_id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}
	return nil
}

// Result describes what happened to one ingested message. Defect names the
// collaborator call that failed when the message was stored anyway.
type Result struct {
	Message    *models.Message      `json:"message"`
	Assignment *grouping.Assignment `json:"assignment,omitempty"`
	Duplicate  bool                 `json:"duplicate"`
	Skipped    bool                 `json:"skipped"`
	Defect     string               `json:"defect,omitempty"`
}

// MessageStore is the persistence the pipeline needs.
type MessageStore interface {
	Create(ctx context.Context, m *models.Message) error
	ExistsExternal(ctx context.Context, externalID string) (bool, error)
}

// Assigner decides and records the group for a stored message.
type Assigner interface {
	Assign(ctx context.Context, m *models.Message) (*grouping.Assignment, error)
}

// Pipeline runs the ingestion stages.
type Pipeline struct {
	store      MessageStore
	classifier classifier.Classifier
	embedder   embedding.Embedder
	assigner   Assigner

	defects atomic.Int64
}

// New creates a pipeline.
func New(store MessageStore, cls classifier.Classifier, emb embedding.Embedder, assigner Assigner) *Pipeline {
	return &Pipeline{
		store:      store,
		classifier: cls,
		embedder:   emb,
		assigner:   assigner,
	}
}

// Ingest processes one raw message end to end. Redelivered messages are
// detected by external id and dropped without side effects, so the chat
// platform may deliver at-least-once.
func (p *Pipeline) Ingest(ctx context.Context, in Inbound) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	exists, err := p.store.ExistsExternal(ctx, in.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		log.Debug().Str("externalId", in.ExternalID).Msg("Duplicate message, skipping")
		return &Result{Duplicate: true}, nil
	}

	// Classification and embedding are independent API calls; run them in
	// parallel. Each failure is captured on its own so one call's outage
	// never cancels the other.
	var (
		cls    *models.Classification
		clsErr error
		vec    []float32
		vecErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		cls, clsErr = p.classifier.Classify(ctx, in.Text)
		return nil
	})
	g.Go(func() error {
		vec, vecErr = p.embedder.Embed(ctx, in.Text)
		return nil
	})
	_ = g.Wait()

	// A collaborator failure is an upstream defect, not a reason to drop
	// the message: store it anyway, unclassified or unembedded, and leave
	// it for the retry pass. No automatic retry happens here.
	switch {
	case clsErr != nil:
		p.defects.Add(1)
		log.Error().Err(clsErr).Str("externalId", in.ExternalID).
			Msg("Classification failed, storing message unclassified")
		return p.finish(ctx, in, models.Classification{}, nil, "classification failed")
	case vecErr != nil:
		p.defects.Add(1)
		log.Error().Err(vecErr).Str("externalId", in.ExternalID).
			Msg("Embedding failed, storing message ungrouped")
		return p.finish(ctx, in, *cls, nil, "embedding failed")
	}

	return p.finish(ctx, in, *cls, vec, "")
}

// Defects reports how many stored messages carry an upstream collaborator
// failure since this process started.
func (p *Pipeline) Defects() int64 {
	return p.defects.Load()
}

// IngestClassified processes a message the caller already classified and
// embedded. Relevant messages must carry an embedding of the expected size.
func (p *Pipeline) IngestClassified(ctx context.Context, in Inbound, cls models.Classification, vec []float32) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if !cls.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidMessage, cls.Category)
	}
	if cls.Confidence < 0 || cls.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrInvalidMessage, cls.Confidence)
	}
	if cls.Relevant && cls.Category.Groupable() && len(vec) != embedding.Dimensions {
		return nil, fmt.Errorf("%w: relevant message needs a %d-dimension embedding, got %d",
			ErrInvalidMessage, embedding.Dimensions, len(vec))
	}

	exists, err := p.store.ExistsExternal(ctx, in.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return &Result{Duplicate: true}, nil
	}

	return p.finish(ctx, in, cls, vec, "")
}

func (p *Pipeline) finish(ctx context.Context, in Inbound, cls models.Classification, vec []float32, defect string) (*Result, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	// Only groupable messages keep their vectors; an irrelevant message is
	// never a neighbor candidate, so its embedding is dead weight.
	if !cls.Relevant || !cls.Category.Groupable() {
		vec = nil
	}

	m := &models.Message{
		ID:          uuid.New(),
		ExternalID:  in.ExternalID,
		AuthorID:    in.AuthorID,
		AuthorName:  in.AuthorName,
		ChannelID:   in.ChannelID,
		ChannelName: in.ChannelName,
		Text:        in.Text,
		ThreadID:    in.ThreadID,
		Timestamp:   ts,
		Relevant:    cls.Relevant,
		Category:    cls.Category,
		Confidence:  cls.Confidence,
		Summary:     cls.Summary,
		Embedding:   vec,
	}

	if err := p.store.Create(ctx, m); err != nil {
		if errors.Is(err, db.ErrDuplicateMessage) {
			// Lost a race with a concurrent delivery of the same message.
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("store message %s: %w", in.ExternalID, err)
	}

	if defect != "" {
		return &Result{Message: m, Defect: defect}, nil
	}

	if !m.Relevant || !m.Category.Groupable() {
		log.Debug().
			Str("externalId", in.ExternalID).
			Str("category", string(m.Category)).
			Msg("Message stored but not grouped")
		return &Result{Message: m, Skipped: true}, nil
	}

	assignment, err := p.assigner.Assign(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("assign message %s: %w", in.ExternalID, err)
	}

	return &Result{Message: m, Assignment: assignment}, nil
}
