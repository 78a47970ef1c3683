package domain

import (
	"context"
	"time"
)

// Answer is a generated response with the chunks it was grounded on.
type Answer struct {
	Text      string    `json:"text"`
	Sources   []string  `json:"sources"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one completed query/answer exchange in a conversation.
type Turn struct {
	Query  string
	Answer string
	At     time.Time
}

// GenerationRequest is the input to an answer generator.
type GenerationRequest struct {
	Query   string
	Context []Match
	History []Turn
}

// GenerationResult is the generator output plus token usage.
type GenerationResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Generator composes an answer from a query, retrieved context and history.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}
