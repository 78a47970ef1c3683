package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kailas-cloud/docqa/internal/metrics"
)

// Stage is a state of the query state machine.
type Stage string

// Pipeline stages in execution order. DONE and FAILED are terminal.
const (
	StageFingerprinting Stage = "FINGERPRINTING"
	StageCacheCheck     Stage = "CACHE_CHECK"
	StageRetrieving     Stage = "RETRIEVING"
	StageGenerating     Stage = "GENERATING"
	StageCaching        Stage = "CACHING"
	StageMemoryUpdate   Stage = "MEMORY_UPDATE"
	StageDone           Stage = "DONE"
	StageFailed         Stage = "FAILED"
)

// Error is a failed query. Stage is where the failure originated and Kind
// its domain.KindOf classification.
type Error struct {
	Stage Stage
	Kind  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query failed in %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// stageError tags an error with the stage that produced it. It travels through
// the result cache so every waiter of a shared computation sees the origin.
type stageError struct {
	stage Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func inStage(stage Stage, err error) error {
	return &stageError{stage: stage, err: err}
}

func originOf(err error, fallback Stage) Stage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return fallback
}

// trace records visited stages and their latency. The computation inside the
// result cache may outlive the caller, so entries are guarded.
type trace struct {
	mu     sync.Mutex
	now    func() time.Time
	stages []Stage
	since  time.Time
	closed bool
}

func newTrace(now func() time.Time) *trace {
	return &trace{now: now}
}

func (t *trace) enter(s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	now := t.now()
	if n := len(t.stages); n > 0 {
		metrics.StageDuration.WithLabelValues(string(t.stages[n-1])).Observe(now.Sub(t.since).Seconds())
	}
	t.stages = append(t.stages, s)
	t.since = now
	if s == StageDone || s == StageFailed {
		t.closed = true
	}
}

func (t *trace) snapshot() []Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Stage, len(t.stages))
	copy(out, t.stages)
	return out
}
