// Package vector defines the nearest-neighbor query contract used by the
// grouping engine. Implementations may use any similarity index as long as
// they preserve the functional contract: cosine similarity in [-1, 1],
// descending order, ties broken by more-recent timestamp.
package vector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fdehq/triage/pkg/models"
)

// Neighbor is one nearest-neighbor hit: a grouped message and the cosine
// similarity between its embedding and the query vector.
type Neighbor struct {
	MessageID  uuid.UUID `json:"message_id"`
	GroupID    uuid.UUID `json:"group_id"`
	Similarity float64   `json:"similarity"`
}

// Index performs category-scoped, recency-bounded nearest-neighbor queries
// over grouped messages.
type Index interface {
	// Nearest returns up to k neighbors of v among messages whose category
	// equals c, whose timestamp falls within maxAge of now, and which
	// currently belong to a group. Ordered by descending similarity, ties
	// broken by more-recent timestamp first.
	Nearest(ctx context.Context, v []float32, c models.Category, k int, maxAge time.Duration) ([]Neighbor, error)
}
