package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store keeps the live sessions keyed by their opaque cookie value and evicts
// the ones idle longer than the TTL.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store and starts its eviction sweep.
func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	st := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger.Named("session_store"),
		stop:     make(chan struct{}),
	}
	go st.sweep()
	return st
}

// Get returns the session for id, or nil if unknown or expired.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// Create registers a fresh session under a new opaque id.
func (st *Store) Create() (string, *Session) {
	id := uuid.NewString()
	sess := NewSession()
	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()
	st.logger.Info("session created", zap.String("session_id", id))
	return id, sess
}

// Close stops the eviction sweep.
func (st *Store) Close() {
	st.stopOnce.Do(func() { close(st.stop) })
}

func (st *Store) sweep() {
	interval := st.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			st.evictIdle()
		}
	}
}

func (st *Store) evictIdle() {
	cutoff := time.Now().Add(-st.ttl)
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sess := range st.sessions {
		if sess.LastActive().Before(cutoff) {
			delete(st.sessions, id)
			st.logger.Info("session expired", zap.String("session_id", id))
		}
	}
}
