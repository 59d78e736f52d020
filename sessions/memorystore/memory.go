// Package memorystore provides an in-process sessions.Store. It is valid
// only for the lifetime of the current process and only correct for a
// single-process deployment.
package memorystore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/sigyl-dev/mcp-gateway/secrets"
	"github.com/sigyl-dev/mcp-gateway/sessions"
)

var _ sessions.Store = (*Store)(nil)

const sweepInterval = time.Minute

type entry struct {
	rec       *sessions.Record
	expiresAt time.Time
}

// Store is an in-memory implementation of sessions.Store with the same TTL
// semantics as the networked backend: every write refreshes the expiry
// window, and reads after expiry report not-found.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	stopCh  chan struct{}
	stopped sync.Once

	// now is swappable for expiry tests.
	now func() time.Time
}

func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = sessions.DefaultTTL
	}
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go s.sweepExpired()
	return s
}

func (s *Store) Create(ctx context.Context, rec *sessions.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[rec.ID]; ok && e.expiresAt.After(s.now()) {
		return sessions.ErrSessionExists
	}
	s.entries[rec.ID] = &entry{rec: copyRecord(rec), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if !e.expiresAt.After(s.now()) {
		delete(s.entries, sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return copyRecord(e.rec), nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok || !e.expiresAt.After(s.now()) {
		delete(s.entries, sessionID)
		return sessions.ErrSessionNotFound
	}

	// Whole-record replacement, never an in-place field update.
	rec := copyRecord(e.rec)
	rec.LastActivityAt = at
	s.entries[sessionID] = &entry{rec: rec, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

func (s *Store) Close() error {
	s.stopped.Do(func() { close(s.stopCh) })
	return nil
}

func (s *Store) sweepExpired() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for id, e := range s.entries {
				if !e.expiresAt.After(now) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func copyRecord(rec *sessions.Record) *sessions.Record {
	cp := *rec
	if rec.Config != nil {
		cp.Config = make(secrets.ResolvedConfig, len(rec.Config))
		maps.Copy(cp.Config, rec.Config)
	}
	return &cp
}
