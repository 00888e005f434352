package harness

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
)

// Session binds one conversation to an id. Turns are processed one at a time:
// slot admits a single in-flight turn and mu guards the state for readers.
type Session struct {
	id        string
	createdAt time.Time
	slot      chan struct{}

	mu    sync.RWMutex
	state *ConversationState
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID        string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	Usage     ConversationUsage `json:"usage"`
	Digest    *dataset.Digest   `json:"digest,omitempty"`
}

func newSession(id string, state *ConversationState) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now(),
		slot:      make(chan struct{}, 1),
		state:     state,
	}
}

// acquire waits for the session's turn slot or until ctx is done.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.slot }

func (s *Session) info(withDigest bool) SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{ID: s.id, CreatedAt: s.createdAt, Usage: s.state.Usage()}
	if withDigest {
		info.Digest = s.state.Digest()
	}
	return info
}
