// Package stream tracks which sources currently have a live ingest loop, so a
// second load against the same container path is refused instead of racing
// the first one for its decoders.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrSourceBusy is returned by Create when the source already has an owner.
var ErrSourceBusy = errors.New("stream: source already has a live ingest loop")

// Stream is one registered ingest loop.
type Stream struct {
	Key       string
	Owner     string
	StartedAt time.Time
	done      chan struct{}
}

// Done is closed when the stream is removed from its manager.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Manager is a registry of live ingest loops keyed by source name.
type Manager struct {
	log     *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		now:     time.Now,
		streams: make(map[string]*Stream),
	}
}

// Create registers owner as the ingest loop reading key. It fails with
// ErrSourceBusy if another owner holds key.
func (m *Manager) Create(key, owner string) (*Stream, error) {
	return m.Replace(nil, key, owner)
}

// Replace registers owner as the ingest loop reading key, taking key over
// from old when old holds it. The check and the handover happen under one
// lock, so no other owner can claim key in between. It fails with
// ErrSourceBusy, leaving old registered, if anyone other than old holds key.
// An old stream registered under a different key is left for Remove.
func (m *Manager) Replace(old *Stream, key, owner string) (*Stream, error) {
	m.mu.Lock()
	cur, held := m.streams[key]
	if held && (old == nil || cur != old) {
		m.mu.Unlock()
		m.log.Warn("source busy, rejecting second ingest loop", "key", key, "owner", cur.Owner, "requester", owner)
		return nil, fmt.Errorf("%w: %s (owned by %s)", ErrSourceBusy, key, cur.Owner)
	}

	s := &Stream{
		Key:       key,
		Owner:     owner,
		StartedAt: m.now(),
		done:      make(chan struct{}),
	}
	m.streams[key] = s
	m.mu.Unlock()

	if held {
		close(cur.done)
		m.log.Info("stream handed over", "key", key, "from", cur.Owner, "to", owner)
		return s, nil
	}
	m.log.Info("stream created", "key", key, "owner", owner)
	return s, nil
}

// Remove unregisters s. Removing a stream that was already replaced or
// removed is a no-op.
func (m *Manager) Remove(s *Stream) {
	if s == nil {
		return
	}
	m.mu.Lock()
	cur, ok := m.streams[s.Key]
	ok = ok && cur == s
	if ok {
		delete(m.streams, s.Key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "key", s.Key, "owner", s.Owner)
	}
}

// Get returns the stream registered for key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}
