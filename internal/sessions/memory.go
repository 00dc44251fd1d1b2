package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voralis/loom/pkg/chat"
)

// MemoryStore keeps sessions in process memory. It backs tests and
// ephemeral runs where persistence across restarts is not wanted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	history  map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		history:  make(map[string][][]byte),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := *session
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.sessions[session.ID] = &stored
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, agentName string, limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, session := range s.sessions {
		if agentName != "" && session.AgentName != agentName {
			continue
		}
		copied := *session
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.history, id)
	return nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg chat.Message) error {
	data, err := chat.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[sessionID] = append(s.history[sessionID], data)
	if session, ok := s.sessions[sessionID]; ok {
		session.UpdatedAt = time.Now()
	}
	return nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[sessionID]
	out := make([]chat.Message, 0, len(rows))
	for _, data := range rows {
		msg, err := chat.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ReplaceHistory implements Store.
func (s *MemoryStore) ReplaceHistory(_ context.Context, sessionID string, msgs []chat.Message) error {
	rows := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		data, err := chat.Encode(msg)
		if err != nil {
			return err
		}
		rows = append(rows, data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[sessionID] = rows
	if session, ok := s.sessions[sessionID]; ok {
		session.UpdatedAt = time.Now()
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
