// Package classifier decides whether a raw chat message is actionable
// customer feedback and, when it is, which issue category it belongs to.
package classifier

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/fdehq/triage/pkg/models"
)

const systemPrompt = `You are a triage assistant for a customer support team.
You are given one chat message from a product community channel. Decide
whether it is actionable customer feedback and classify it.

Categories:
- support: the user is blocked or something does not work for them
- bug: the user reports broken or incorrect product behavior
- feature: the user asks for new functionality or a change
- question: the user asks how the product works
- irrelevant: greetings, chatter, internal talk, anything non-actionable

Respond with a JSON object only, no prose:
{
  "is_relevant": true or false,
  "category": "support" | "bug" | "feature" | "question" | "irrelevant",
  "confidence": 0.0 to 1.0,
  "summary": "one sentence describing the issue in the user's terms"
}

Irrelevant messages get is_relevant false, category "irrelevant" and an
empty summary.`

// Classifier produces a classification for one message text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*models.Classification, error)
}

// OpenAIClassifier classifies messages with an OpenAI chat model.
type OpenAIClassifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// Config holds classifier settings.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewOpenAIClassifier creates a classifier backed by the OpenAI API.
func NewOpenAIClassifier(cfg Config) *OpenAIClassifier {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}
	return &OpenAIClassifier{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature),
	}
}

// Classify implements Classifier. A transport failure is returned to the
// caller; a malformed model response degrades to irrelevant so one bad
// completion cannot wedge the pipeline.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (*models.Classification, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classify message: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classify message: empty completion")
	}

	result, err := parseClassification(resp.Choices[0].Message.Content)
	if err != nil {
		log.Warn().
			Err(err).
			Str("response", resp.Choices[0].Message.Content).
			Msg("Unparseable classification, treating message as irrelevant")
		return irrelevant(), nil
	}
	return result, nil
}

// parseClassification decodes the model's JSON reply and normalizes it.
// Some models wrap JSON in markdown fences despite instructions.
func parseClassification(raw string) (*models.Classification, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result models.Classification
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}

	result.Category = models.Category(strings.ToLower(string(result.Category)))
	if !result.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", result.Category)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", result.Confidence)
	}
	if !result.Relevant {
		return irrelevant(), nil
	}
	if result.Category == models.CategoryIrrelevant {
		// Contradictory reply: the category verdict wins.
		return irrelevant(), nil
	}
	return &result, nil
}

func irrelevant() *models.Classification {
	return &models.Classification{
		Relevant: false,
		Category: models.CategoryIrrelevant,
	}
}
