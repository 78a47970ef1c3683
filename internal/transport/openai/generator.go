package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/metrics"
)

// DefaultSystemPrompt instructs the model to answer only from the supplied context.
// The retrieved chunks are appended after a blank line.
const DefaultSystemPrompt = "You are an assistant for question-answering tasks. " +
	"Use the following pieces of retrieved context to answer the question. " +
	"If you don't know the answer, say you don't know. " +
	"Use three sentences maximum and keep the answer concise."

// GeneratorConfig extends Config with chat completion parameters.
type GeneratorConfig struct {
	Config
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
}

// Generator answers questions with the OpenAI-compatible chat completions API.
type Generator struct {
	client       *openai.Client
	model        string
	provider     string
	systemPrompt string
	maxTokens    int
	temperature  float32
	logger       *zap.Logger
}

// NewGenerator creates a chat completion generator. Temperature zero keeps answers deterministic.
func NewGenerator(cfg *GeneratorConfig) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	return &Generator{
		client:       newClient(&cfg.Config),
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: prompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		logger:       logger,
	}
}

// Generate implements domain.Generator.
func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return domain.GenerationResult{}, fmt.Errorf("generate for empty query: %w", domain.ErrInvalidInput)
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    g.messages(req),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	duration := time.Since(start)

	if err != nil {
		kind, cerr := classify("chat completion", err)
		metrics.GenerationRequestsTotal.WithLabelValues(g.provider, g.model, "error").Inc()
		g.logger.Debug("Chat completion failed",
			zap.String("kind", kind), zap.Duration("duration", duration), zap.Error(err))
		return domain.GenerationResult{}, cerr
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		metrics.GenerationRequestsTotal.WithLabelValues(g.provider, g.model, "error").Inc()
		return domain.GenerationResult{}, fmt.Errorf("empty chat completion response: %w", domain.ErrProviderUnavailable)
	}

	metrics.GenerationRequestsTotal.WithLabelValues(g.provider, g.model, "success").Inc()
	metrics.GenerationRequestDuration.WithLabelValues(g.provider, g.model).Observe(duration.Seconds())
	metrics.GenerationTokensTotal.WithLabelValues(g.provider, g.model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.GenerationTokensTotal.WithLabelValues(g.provider, g.model, "completion").
		Add(float64(resp.Usage.CompletionTokens))

	model := resp.Model
	if model == "" {
		model = g.model
	}
	return domain.GenerationResult{
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// HealthCheck verifies API availability via ListModels.
func (g *Generator) HealthCheck(ctx context.Context) error {
	return listModels(ctx, g.client)
}

// messages lays out the system prompt with context, prior turns oldest first, then the question.
func (g *Generator) messages(req domain.GenerationRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2+2*len(req.History))
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.systemPrompt + "\n\n" + formatContext(req.Context),
	})
	for _, t := range req.History {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Query},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Answer},
		)
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Query})
}

func formatContext(ms []domain.Match) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = m.Text
	}
	return strings.Join(parts, "\n\n")
}
