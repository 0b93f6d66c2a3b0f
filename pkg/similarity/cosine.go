// Package similarity provides vector similarity utilities.
package similarity

import "math"

// Cosine computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction.
// Mismatched lengths and zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FromCosineDistance converts a pgvector cosine distance (<=> operator,
// range [0, 2]) to a similarity in [-1, 1].
func FromCosineDistance(distance float64) float64 {
	return 1 - distance
}
