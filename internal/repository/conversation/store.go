// Package conversation keeps a bounded window of recent turns per session.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/domain"
)

// Config holds memory settings.
type Config struct {
	// Window is the number of turns kept per session; older turns drop silently.
	Window int
	// IdleTimeout is how long a session may go without appends before Sweep removes it.
	IdleTimeout time.Duration
	// SweepInterval enables the background sweeper started by Start. Zero disables it.
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

type session struct {
	turns    []domain.Turn
	lastSeen time.Time
}

// Store is an in-memory session store, safe for concurrent use.
type Store struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a store.
func New(cfg Config) (*Store, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("conversation window must be positive, got %d: %w", cfg.Window, domain.ErrInvalidConfiguration)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// AppendTurn records a completed exchange. The session is created on first use.
func (s *Store) AppendTurn(sessionID, query, answer string) {
	if sessionID == "" {
		return
	}
	now := s.cfg.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{}
		s.sessions[sessionID] = sess
	}
	sess.turns = append(sess.turns, domain.Turn{Query: query, Answer: answer, At: now})
	if over := len(sess.turns) - s.cfg.Window; over > 0 {
		sess.turns = append(sess.turns[:0:0], sess.turns[over:]...)
	}
	sess.lastSeen = now
}

// RecentTurns returns up to maxTurns of the latest turns, most recent last.
// maxTurns <= 0 means the whole window. The slice is a copy.
func (s *Store) RecentTurns(sessionID string, maxTurns int) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	turns := sess.turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out
}

// Sweep removes sessions idle for longer than idle and returns how many.
func (s *Store) Sweep(idle time.Duration) int {
	cutoff := s.cfg.Now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start launches the idle-session sweeper when SweepInterval and
// IdleTimeout are set. Idempotent.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		if s.cfg.SweepInterval <= 0 || s.cfg.IdleTimeout <= 0 {
			close(s.done)
			return
		}
		go s.sweepLoop()
	})
}

// Close stops the sweeper. Idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(s.cfg.IdleTimeout); n > 0 {
				s.cfg.Logger.Debug("Swept idle conversations", zap.Int("removed", n))
			}
		}
	}
}
