package domain

import (
	"context"
	"errors"
	"testing"
)

type stubEmbedder struct {
	result    EmbeddingResult
	err       error
	got       string
	healthErr error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) (EmbeddingResult, error) {
	s.got = text
	return s.result, s.err
}

func (s *stubEmbedder) HealthCheck(_ context.Context) error { return s.healthErr }

func TestInstructionEmbedder_PrependsInstruction(t *testing.T) {
	inner := &stubEmbedder{result: EmbeddingResult{Embedding: []float32{0.1, 0.2, 0.3}}}
	emb := NewInstructionEmbedder(inner, "search_document: ")

	result, err := emb.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.got != "search_document: hello world" {
		t.Errorf("expected prepended text, got %q", inner.got)
	}
	if len(result.Embedding) != 3 {
		t.Errorf("expected 3-element vector, got %d", len(result.Embedding))
	}
}

func TestInstructionEmbedder_ErrorPropagation(t *testing.T) {
	inner := &stubEmbedder{err: ErrProviderUnavailable}
	emb := NewInstructionEmbedder(inner, "search_query: ")

	_, err := emb.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected wrapped inner error, got %v", err)
	}
}

func TestInstructionEmbedder_EmptyInstruction(t *testing.T) {
	inner := &stubEmbedder{result: EmbeddingResult{Embedding: []float32{0.5}}}
	emb := NewInstructionEmbedder(inner, "")

	if _, err := emb.Embed(context.Background(), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.got != "test" {
		t.Errorf("expected 'test', got %q", inner.got)
	}
}

func TestInstructionEmbedder_HealthCheckDelegates(t *testing.T) {
	inner := &stubEmbedder{healthErr: errors.New("down")}
	emb := NewInstructionEmbedder(inner, "x")

	if err := emb.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected inner health error")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrProviderUnavailable, KindProviderUnavailable},
		{errors.Join(errors.New("ctx"), ErrDimensionMismatch), KindDimensionMismatch},
		{ErrNoRelevantContext, KindNoRelevantContext},
		{context.Canceled, KindCanceled},
		{context.DeadlineExceeded, KindDeadlineExceeded},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrProviderUnavailable) {
		t.Error("provider unavailable must be retryable")
	}
	if IsRetryable(ErrInvalidInput) {
		t.Error("invalid input must not be retryable")
	}
}
