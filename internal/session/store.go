package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store defaults.
const (
	// DefaultCapacity bounds the number of live sessions.
	DefaultCapacity = 100

	// DefaultTTL is how long an untouched session survives before the
	// janitor evicts it.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is how often the janitor scans for idle sessions.
	DefaultSweepInterval = time.Minute
)

// StoreConfig configures a [Store]. Zero values are replaced with defaults.
type StoreConfig struct {
	// Capacity is the maximum number of sessions held at once. Inserting
	// beyond it evicts the oldest session by insertion order.
	Capacity int

	// TTL is the idle lifetime checked by Sweep.
	TTL time.Duration

	// OnEvict is called for every evicted session, outside the store lock.
	// Used to release the session's TTS stream. May be nil.
	OnEvict func(*Session)
}

// Store is the capacity-limited session map. One exclusive lock covers
// insert, lookup, and evict; the critical sections do no I/O. Sessions are
// not locked by the store.
type Store struct {
	capacity int
	ttl      time.Duration
	onEvict  func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // insertion order, oldest first
}

// NewStore creates a Store with the given configuration.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Store{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		onEvict:  cfg.OnEvict,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session with the given id, applying cfg as its
// new configuration, or inserts a new one. The returned bool reports
// whether the session was created by this call. Insertion beyond capacity
// evicts the oldest session.
func (st *Store) GetOrCreate(id string, cfg Config) (*Session, bool) {
	st.mu.Lock()
	if sess, ok := st.sessions[id]; ok {
		sess.SetConfig(cfg)
		sess.Touch()
		st.mu.Unlock()
		return sess, false
	}

	var evicted *Session
	if len(st.sessions) >= st.capacity && len(st.order) > 0 {
		oldest := st.order[0]
		st.order = st.order[1:]
		evicted = st.sessions[oldest]
		delete(st.sessions, oldest)
	}

	sess := NewSession(id, cfg)
	st.sessions[id] = sess
	st.order = append(st.order, id)
	st.mu.Unlock()

	if evicted != nil {
		slog.Info("session store: capacity eviction",
			"session_id", evicted.ID,
			"capacity", st.capacity)
		if st.onEvict != nil {
			st.onEvict(evicted)
		}
	}
	return sess, true
}

// Get returns the session with the given id, if present.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Remove deletes the session with the given id and returns it. Cleanup of
// the removed session is the caller's responsibility; OnEvict is not
// invoked.
func (st *Store) Remove(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	delete(st.sessions, id)
	for i, sid := range st.order {
		if sid == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return sess, true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep evicts sessions untouched for longer than the TTL and returns how
// many were evicted. OnEvict runs outside the lock.
func (st *Store) Sweep(now time.Time) int {
	st.mu.Lock()
	var evicted []*Session
	keep := st.order[:0]
	for _, id := range st.order {
		sess, ok := st.sessions[id]
		if !ok {
			continue
		}
		if now.Sub(sess.LastActive()) > st.ttl {
			delete(st.sessions, id)
			evicted = append(evicted, sess)
			continue
		}
		keep = append(keep, id)
	}
	st.order = keep
	st.mu.Unlock()

	for _, sess := range evicted {
		slog.Info("session store: idle eviction",
			"session_id", sess.ID,
			"idle", now.Sub(sess.LastActive()).Round(time.Second))
		if st.onEvict != nil {
			st.onEvict(sess)
		}
	}
	return len(evicted)
}

// Janitor sweeps idle sessions at the given interval until ctx is done.
// Run it in its own goroutine.
func (st *Store) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep(time.Now())
		}
	}
}
