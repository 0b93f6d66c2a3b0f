// Package pgvector provides PostgreSQL+pgvector based nearest-neighbor
// search over message embeddings.
package pgvector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/fdehq/triage/internal/vector"
	"github.com/fdehq/triage/pkg/models"
	"github.com/fdehq/triage/pkg/similarity"
)

// nearestSQL joins messages with their memberships so every hit carries the
// group it would pull the new message into. Ungrouped and irrelevant messages
// never appear as neighbors. Distance is cosine (<=>); ties broken by newer
// timestamp first, which makes the ordering deterministic for equal vectors.
const nearestSQL = `
	SELECT m.id, mem.group_id, m.embedding <=> ? AS distance
	FROM messages m
	JOIN memberships mem ON mem.message_id = m.id
	WHERE m.category = ?
	  AND m.timestamp >= ?
	ORDER BY distance ASC, m.timestamp DESC
	LIMIT ?`

// Client implements vector.Index on top of the shared GORM connection.
type Client struct {
	db *gorm.DB
}

// NewClient creates a pgvector-backed nearest-neighbor client.
func NewClient(db *gorm.DB) (*Client, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Client{db: db}, nil
}

// Nearest implements vector.Index.
func (c *Client) Nearest(ctx context.Context, v []float32, cat models.Category, k int, maxAge time.Duration) ([]vector.Neighbor, error) {
	return NearestTx(c.db.WithContext(ctx), v, cat, k, maxAge)
}

// NearestTx runs the nearest-neighbor query on the given GORM handle, which
// may be a transaction. The grouping engine uses this to keep "search
// neighbors, decide, write membership" inside one atomic unit.
func NearestTx(tx *gorm.DB, v []float32, cat models.Category, k int, maxAge time.Duration) ([]vector.Neighbor, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		k = 5
	}
	cutoff := time.Now().Add(-maxAge)

	rows, err := tx.Raw(nearestSQL, pgvec.NewVector(v), string(cat), cutoff, k).Rows()
	if err != nil {
		return nil, fmt.Errorf("query neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []vector.Neighbor
	for rows.Next() {
		var (
			messageID uuid.UUID
			groupID   uuid.UUID
			distance  float64
		)
		if err := rows.Scan(&messageID, &groupID, &distance); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		neighbors = append(neighbors, vector.Neighbor{
			MessageID:  messageID,
			GroupID:    groupID,
			Similarity: similarity.FromCosineDistance(distance),
		})
	}
	return neighbors, rows.Err()
}

// Compile-time check: Client must satisfy vector.Index.
var _ vector.Index = (*Client)(nil)
