// Package sessions persists conversation state across process restarts.
// Messages are stored as tagged envelopes so the concrete message type
// survives the round trip; see chat.Encode.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/voralis/loom/pkg/chat"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("sessions: not found")
)

// Session is the persisted metadata for one conversation.
type Session struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the interface for session persistence. Implementations must be
// safe for concurrent use; write serialization per session is layered on
// top with LockingStore.
type Store interface {
	// Create registers a new session.
	Create(ctx context.Context, session *Session) error

	// Get fetches session metadata. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns sessions for an agent, most recently updated first.
	List(ctx context.Context, agentName string, limit int) ([]*Session, error)

	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error

	// AppendMessage appends one message to the session history.
	AppendMessage(ctx context.Context, sessionID string, msg chat.Message) error

	// History returns the full message history in append order.
	History(ctx context.Context, sessionID string) ([]chat.Message, error)

	// ReplaceHistory atomically swaps the stored history, used after
	// compaction collapses a prefix into a summary.
	ReplaceHistory(ctx context.Context, sessionID string, msgs []chat.Message) error

	// Close releases underlying resources.
	Close() error
}
