// Package embedding turns message text into fixed-size vectors for
// similarity search.
package embedding

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Dimensions is the vector size of the embedding model. The database
// column and index are declared against it.
const Dimensions = 1536

// Embedder produces an embedding vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds text with an OpenAI embedding model.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI API. An empty
// model defaults to text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	m := openai.EmbeddingModel(model)
	if model == "" {
		m = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  m,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed text: empty response")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != Dimensions {
		return nil, fmt.Errorf("embed text: got %d dimensions, want %d", len(vec), Dimensions)
	}
	return vec, nil
}
