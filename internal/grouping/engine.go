// Package grouping implements the incremental assignment algorithm: given a
// newly classified and embedded message, pick the issue group it belongs to
// or allocate a new one.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/fdehq/triage/internal/notify"
	"github.com/fdehq/triage/internal/vector"
	"github.com/fdehq/triage/pkg/models"
)

var (
	// ErrNotGroupable is returned for irrelevant messages; the pipeline is
	// supposed to drop them before they reach the engine.
	ErrNotGroupable = errors.New("message is not groupable")

	// ErrMissingEmbedding is returned when a message arrives without an
	// embedding vector. This is an upstream pipeline defect: the engine
	// never retries it.
	ErrMissingEmbedding = errors.New("message has no embedding")
)

// Rule identifies which assignment rule fired.
type Rule string

const (
	// RuleThread means the message joined the group its reply thread is
	// already attached to.
	RuleThread Rule = "thread"
	// RuleSemantic means the message joined its nearest neighbor's group.
	RuleSemantic Rule = "semantic"
	// RuleNew means no rule matched and a new group was allocated.
	RuleNew Rule = "new"
)

// Assignment describes the outcome of one assignment decision.
type Assignment struct {
	GroupID    uuid.UUID
	Rule       Rule
	Similarity float64
	Created    bool
}

// Tx is the transaction-scoped view the engine decides against. Everything
// between "search neighbors" and "write membership" happens on one Tx, so a
// decision and its write are a single atomic unit.
type Tx interface {
	// ThreadGroup resolves a thread id to the group it is attached to.
	ThreadGroup(threadID string) (uuid.UUID, bool, error)

	// Nearest returns the k most similar grouped messages of the category
	// within the recency window, ordered by descending similarity.
	Nearest(v []float32, c models.Category, k int, maxAge time.Duration) ([]vector.Neighbor, error)

	// AddMembership links the message to an existing group, recording the
	// similarity observed at assignment time.
	AddMembership(messageID, groupID uuid.UUID, similarity float64) error

	// CreateGroupWithMessage atomically creates a group, its first
	// membership (score 1.0), and, when threadID is non-empty, the thread
	// link claiming the thread for the new group.
	CreateGroupWithMessage(g *models.IssueGroup, messageID uuid.UUID, threadID string) error
}

// Store serializes assignment decisions per category and runs them
// transactionally. Serialization must hold across processes (the PostgreSQL
// implementation takes a category-keyed advisory lock inside the
// transaction), so two near-duplicate messages can never both observe "no
// group yet".
type Store interface {
	Assign(ctx context.Context, c models.Category, fn func(tx Tx) error) error
}

// Params are the assignment algorithm tunables.
type Params struct {
	// SimilarityThreshold is the minimum top-1 cosine similarity for
	// semantic grouping.
	SimilarityThreshold float64
	// RecencyWindow bounds how far back neighbors are considered.
	RecencyWindow time.Duration
	// NeighborLimit is how many neighbors to fetch per decision.
	NeighborLimit int
}

// Engine applies the assignment algorithm.
type Engine struct {
	store    Store
	notifier notify.Publisher
	params   Params
}

// NewEngine creates a grouping engine.
func NewEngine(store Store, notifier notify.Publisher, params Params) *Engine {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if params.NeighborLimit <= 0 {
		params.NeighborLimit = 5
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		params:   params,
	}
}

// Assign decides the group for m and writes the membership, in strict
// priority order: thread affinity, then the top-1 semantic gate, then a new
// group. The first rule that fires wins; there is no fallthrough. The whole
// decision retries once on a duplicate-key collision, which means another
// writer won a race and the retry lands on rule 1 or 2.
func (e *Engine) Assign(ctx context.Context, m *models.Message) (*Assignment, error) {
	if !m.Relevant || !m.Category.Groupable() {
		return nil, ErrNotGroupable
	}
	if len(m.Embedding) == 0 {
		return nil, fmt.Errorf("%w: message %s", ErrMissingEmbedding, m.ID)
	}

	var result *Assignment
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		result, err = e.assignOnce(ctx, m)
		if err == nil {
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		log.Debug().
			Str("messageId", m.ID.String()).
			Str("category", string(m.Category)).
			Msg("Assignment collided with concurrent writer, retrying")
	}
	if err != nil {
		return nil, fmt.Errorf("assign message %s: %w", m.ID, err)
	}

	e.publish(ctx, m, result)

	log.Info().
		Str("messageId", m.ID.String()).
		Str("groupId", result.GroupID.String()).
		Str("rule", string(result.Rule)).
		Float64("similarity", result.Similarity).
		Msg("Message assigned")

	return result, nil
}

func (e *Engine) assignOnce(ctx context.Context, m *models.Message) (*Assignment, error) {
	var result Assignment

	err := e.store.Assign(ctx, m.Category, func(tx Tx) error {
		// Rule 1: thread affinity. Reply-chain context is a stronger and
		// cheaper signal than embedding similarity and must not be
		// overridden by it.
		if m.InThread() {
			groupID, ok, err := tx.ThreadGroup(m.ThreadID)
			if err != nil {
				return err
			}
			if ok {
				if err := tx.AddMembership(m.ID, groupID, models.StructuralMatch); err != nil {
					return err
				}
				result = Assignment{GroupID: groupID, Rule: RuleThread, Similarity: models.StructuralMatch}
				return nil
			}
		}

		// Rule 2: top-1 semantic gate. A strict best-neighbor comparison
		// rather than a vote keeps clusters tight: a large group cannot
		// absorb tangential topics through chained weak links.
		neighbors, err := tx.Nearest(m.Embedding, m.Category, e.params.NeighborLimit, e.params.RecencyWindow)
		if err != nil {
			return err
		}
		if len(neighbors) > 0 && neighbors[0].Similarity >= e.params.SimilarityThreshold {
			best := neighbors[0]
			if err := tx.AddMembership(m.ID, best.GroupID, best.Similarity); err != nil {
				return err
			}
			result = Assignment{GroupID: best.GroupID, Rule: RuleSemantic, Similarity: best.Similarity}
			return nil
		}

		// Rule 3: new group, seeded from the message's own classification.
		group := &models.IssueGroup{
			ID:       uuid.New(),
			Title:    models.GroupTitle(m.Category, m.Summary, m.InThread()),
			Summary:  m.Summary,
			Category: m.Category,
			Status:   models.StatusBacklog,
			Priority: models.DerivePriority(m.Category, m.Confidence),
		}
		if err := tx.CreateGroupWithMessage(group, m.ID, m.ThreadID); err != nil {
			return err
		}
		result = Assignment{GroupID: group.ID, Rule: RuleNew, Similarity: models.StructuralMatch, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *Engine) publish(ctx context.Context, m *models.Message, a *Assignment) {
	if a.Created {
		e.notifier.Publish(ctx, notify.NewEvent(notify.GroupCreated, a.GroupID))
	} else {
		e.notifier.Publish(ctx, notify.NewEvent(notify.GroupUpdated, a.GroupID))
	}
	e.notifier.Publish(ctx, notify.NewEvent(notify.MembershipAdded, a.GroupID, m.ID))
}
