// Package docqa is an embeddable document question-answering client:
// ingest text, then ask questions answered from the indexed chunks.
package docqa

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/docqa/internal/app"
	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/usecase/pipeline"
)

// Client is the docqa SDK entry point. Safe for concurrent use.
type Client struct {
	app *app.App
}

// New creates a Client and connects to the vector store.
func New(opts ...Option) (*Client, error) {
	return NewContext(context.Background(), opts...)
}

// NewContext is New with a context bounding connection and schema setup.
func NewContext(ctx context.Context, opts ...Option) (*Client, error) {
	cc := &clientConfig{}
	cc.cfg.HTTP.Port = 1 // unused by the client, required by validation
	for _, o := range opts {
		o(cc)
	}

	if cc.cfg.Database.Driver == "" {
		return nil, errors.New("docqa: vector store required (use WithValkey, WithRedis, WithPgvector or WithMemoryStore)")
	}
	cc.cfg.ApplyDefaults()
	if err := cc.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("docqa: %w", err)
	}

	var ov app.Overrides
	if cc.embedder != nil {
		ov.Embedder = &embedderAdapter{inner: cc.embedder}
	}
	if cc.generator != nil {
		ov.Generator = &generatorAdapter{inner: cc.generator}
	}

	a, err := app.New(ctx, cc.cfg, cc.logger, ov)
	if err != nil {
		return nil, fmt.Errorf("docqa: %w", err)
	}
	return &Client{app: a}, nil
}

// Close releases all resources.
func (c *Client) Close() {
	c.app.Close()
}

// Ingest chunks, embeds and stores doc, replacing any previous version.
func (c *Client) Ingest(ctx context.Context, doc Document) ([]Chunk, error) {
	chunks, err := c.app.Ingest.Ingest(ctx, domain.Document{
		ID:       doc.ID,
		Text:     doc.Text,
		Source:   doc.Source,
		Metadata: doc.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	out := make([]Chunk, len(chunks))
	for i, ch := range chunks {
		out[i] = Chunk{ID: ch.ID, DocumentID: ch.DocumentID, Seq: ch.Seq, TokenCount: ch.TokenCount}
	}
	return out, nil
}

// Delete removes a document and the cached answers citing it.
func (c *Client) Delete(ctx context.Context, documentID string) error {
	if err := c.app.Ingest.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Query answers question from the indexed documents.
func (c *Client) Query(ctx context.Context, question string, opts ...QueryOption) (Answer, error) {
	var qc queryConfig
	for _, o := range opts {
		o(&qc)
	}

	res, err := c.app.Pipeline.Query(ctx, question, qc.conversationID)
	if err != nil {
		return Answer{}, fmt.Errorf("query: %w", err)
	}
	return Answer{
		Text:               res.Answer.Text,
		SupportingChunkIDs: res.SupportingChunkIDs,
		Model:              res.Answer.Model,
		FromCache:          res.FromCache,
		Degraded:           res.Degraded,
	}, nil
}

// FailedStage returns the pipeline stage a Query error originated in, or "".
func FailedStage(err error) string {
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		return string(perr.Stage)
	}
	return ""
}

// Health checks the vector store and providers.
func (c *Client) Health(ctx context.Context) Health {
	report := c.app.Health.Check(ctx)
	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	return Health{Status: string(report.Status), Checks: checks}
}

// embedderAdapter wraps public Embedder to satisfy internal domain.Embedder.
type embedderAdapter struct {
	inner Embedder
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	r, err := a.inner.Embed(ctx, text)
	if err != nil {
		return domain.EmbeddingResult{}, fmt.Errorf("embed: %w", err)
	}
	return domain.EmbeddingResult{
		Embedding:    r.Embedding,
		PromptTokens: r.PromptTokens,
		TotalTokens:  r.TotalTokens,
	}, nil
}

// generatorAdapter wraps public Generator to satisfy internal domain.Generator.
type generatorAdapter struct {
	inner Generator
}

func (a *generatorAdapter) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	pub := GenerationRequest{
		Query:   req.Query,
		Context: make([]Passage, len(req.Context)),
		History: make([]Turn, len(req.History)),
	}
	for i, m := range req.Context {
		pub.Context[i] = Passage{ChunkID: m.ChunkID, Text: m.Text, Source: m.Source, Score: m.Score}
	}
	for i, t := range req.History {
		pub.History[i] = Turn{Query: t.Query, Answer: t.Answer, At: t.At}
	}

	text, err := a.inner.Generate(ctx, pub)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("generate: %w", err)
	}
	return domain.GenerationResult{Text: text}, nil
}
