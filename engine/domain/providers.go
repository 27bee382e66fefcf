package domain

import (
	"context"
	"strings"
)

// NoAnswer is the sentinel a generation model returns when the supplied
// context cannot answer the question.
const NoAnswer = "NO_ANSWER"

// Embedder produces vector embeddings for text. EmbedBatch preserves input
// order and returns exactly one vector per input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces an answer from retrieved context. Implementations
// return provider errors unmodified; callers decide on fallbacks.
type Generator interface {
	Generate(ctx context.Context, contextText, question string) (string, error)
}

// IsNoAnswer reports whether a generated reply is the refusal sentinel.
func IsNoAnswer(reply string) bool {
	return strings.Contains(reply, NoAnswer)
}
