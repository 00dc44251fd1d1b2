package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voralis/loom/pkg/chat"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")
)

// sessionLock serializes writers for one session. The lock itself is a
// one-slot channel semaphore: sending the token acquires, receiving it
// back releases. A channel send composes with timeouts and context
// cancellation in a single select, which sync.Cond cannot do without
// leaking a waiter.
type sessionLock struct {
	sem chan struct{}

	mu       sync.Mutex // guards holder metadata only
	holder   string
	acquired time.Time
}

func newSessionLock() *sessionLock {
	return &sessionLock{sem: make(chan struct{}, 1)}
}

// claim records holder metadata after the semaphore send succeeded and
// returns the release function.
func (l *sessionLock) claim(holder string) func() {
	l.mu.Lock()
	l.holder = holder
	l.acquired = time.Now()
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.holder = ""
		l.mu.Unlock()
		<-l.sem
	}
}

// LockManager hands out per-session write locks so concurrent writers
// (two Evaluate calls racing on the same session id, compaction against
// an append) cannot interleave history writes.
//
// LockManager is safe for concurrent use.
type LockManager struct {
	locks      map[string]*sessionLock
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// NewLockManager creates a lock manager. defaultTTL bounds Acquire waits
// when the caller passes no timeout.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	mgr := &LockManager{
		locks:      make(map[string]*sessionLock),
		defaultTTL: defaultTTL,
	}
	go mgr.cleanupLoop()
	return mgr
}

func (m *LockManager) lockFor(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[sessionID]
	if !ok {
		lock = newSessionLock()
		m.locks[sessionID] = lock
	}
	return lock
}

// Acquire takes the write lock for a session, waiting up to timeout for
// the current holder to release. The returned function releases the lock.
// A timed-out or cancelled wait leaves nothing behind; later acquirers
// are unaffected.
func (m *LockManager) Acquire(ctx context.Context, sessionID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.defaultTTL
	}
	lock := m.lockFor(sessionID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock.sem <- struct{}{}:
		return lock.claim(holder), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock without waiting. Returns false when held.
func (m *LockManager) TryAcquire(sessionID, holder string) (func(), bool) {
	lock := m.lockFor(sessionID)

	select {
	case lock.sem <- struct{}{}:
		return lock.claim(holder), true
	default:
		return nil, false
	}
}

// Holder reports the current lock holder for a session.
func (m *LockManager) Holder(sessionID string) (holder string, since time.Time, locked bool) {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()
	if !ok {
		return "", time.Time{}, false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.holder, lock.acquired, len(lock.sem) == 1
}

// cleanupLoop periodically drops idle lock entries so the map does not
// grow with every session id ever seen.
func (m *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanup()
	}
}

func (m *LockManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for id, lock := range m.locks {
		select {
		case lock.sem <- struct{}{}:
			lock.mu.Lock()
			idle := lock.acquired.Before(cutoff)
			lock.mu.Unlock()
			if idle {
				// Keep the token while deleting so a waiter that still
				// holds the stale pointer can never acquire it; such a
				// waiter falls back to its timeout.
				delete(m.locks, id)
				continue
			}
			<-lock.sem
		default:
		}
	}
}

// LockingStore wraps a Store so every write takes the session's write
// lock first. Reads pass through unlocked.
type LockingStore struct {
	Store
	locks  *LockManager
	holder string
}

// NewLockingStore wraps store with write locking. holder identifies this
// writer in lock diagnostics.
func NewLockingStore(store Store, locks *LockManager, holder string) *LockingStore {
	return &LockingStore{Store: store, locks: locks, holder: holder}
}

// Create creates a session under its write lock.
func (s *LockingStore) Create(ctx context.Context, session *Session) error {
	release, err := s.locks.Acquire(ctx, session.ID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()
	return s.Store.Create(ctx, session)
}

// Delete deletes a session under its write lock.
func (s *LockingStore) Delete(ctx context.Context, id string) error {
	release, err := s.locks.Acquire(ctx, id, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()
	return s.Store.Delete(ctx, id)
}

// AppendMessage appends under the session's write lock.
func (s *LockingStore) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()
	return s.Store.AppendMessage(ctx, sessionID, msg)
}

// ReplaceHistory rewrites history under the session's write lock.
func (s *LockingStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []chat.Message) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()
	return s.Store.ReplaceHistory(ctx, sessionID, msgs)
}

// WithLock runs fn while holding the session's write lock, for compound
// operations that must be atomic against other writers.
func (s *LockingStore) WithLock(ctx context.Context, sessionID string, fn func(Store) error) error {
	release, err := s.locks.Acquire(ctx, sessionID, s.holder, 0)
	if err != nil {
		return err
	}
	defer release()
	return fn(s.Store)
}
