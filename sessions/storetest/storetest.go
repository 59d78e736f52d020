// Package storetest provides a conformance suite every sessions.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sigyl-dev/mcp-gateway/secrets"
	"github.com/sigyl-dev/mcp-gateway/sessions"
)

// StoreFactory creates a fresh Store instance for testing.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided
// factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGetRoundTrip", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateConflictsOnDuplicate", func(t *testing.T) { testCreateConflict(t, factory) })
	t.Run("GetUnknownReturnsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("TouchUpdatesActivity", func(t *testing.T) { testTouch(t, factory) })
	t.Run("TouchUnknownReturnsNotFound", func(t *testing.T) { testTouchUnknown(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("TouchAfterDeleteDoesNotResurrect", func(t *testing.T) { testTouchAfterDelete(t, factory) })
	t.Run("ConcurrentTouchAndDelete", func(t *testing.T) { testConcurrentTouchDelete(t, factory) })
}

func newRecord(id string) *sessions.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &sessions.Record{
		ID:             id,
		Tenant:         "acme/widgets",
		Config:         secrets.ResolvedConfig{"API_TOKEN": "abc", "RETRIES": int64(3)},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func testCreateAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	id := sessions.NewSessionID()
	rec := newRecord(id)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != id || got.Tenant != rec.Tenant {
		t.Fatalf("record mismatch: got %+v want %+v", got, rec)
	}
	if tok, ok := got.Config["API_TOKEN"].(string); !ok || tok != "abc" {
		t.Fatalf("config not preserved: %+v", got.Config)
	}
}

func testCreateConflict(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	id := sessions.NewSessionID()
	if err := s.Create(ctx, newRecord(id)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, newRecord(id)); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("duplicate Create: want ErrSessionExists, got %v", err)
	}
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	if _, err := s.Get(context.Background(), sessions.NewSessionID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Get unknown: want ErrSessionNotFound, got %v", err)
	}
}

func testTouch(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	id := sessions.NewSessionID()
	if err := s.Create(ctx, newRecord(id)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Now().UTC().Add(5 * time.Second).Truncate(time.Millisecond)
	if err := s.Touch(ctx, id, at); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivityAt.Equal(at) {
		t.Fatalf("LastActivityAt: got %v want %v", got.LastActivityAt, at)
	}
}

func testTouchUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	err := s.Touch(context.Background(), sessions.NewSessionID(), time.Now())
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Touch unknown: want ErrSessionNotFound, got %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	id := sessions.NewSessionID()
	if err := s.Create(ctx, newRecord(id)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Get after delete: want ErrSessionNotFound, got %v", err)
	}
}

func testTouchAfterDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	id := sessions.NewSessionID()
	if err := s.Create(ctx, newRecord(id)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Touch(ctx, id, time.Now()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Touch after delete: want ErrSessionNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("record resurrected after delete")
	}
}

func testConcurrentTouchDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	// Whatever the interleaving, the record must end up either live with an
	// updated timestamp, or gone; a touch must never recreate a deleted
	// record.
	for range 20 {
		id := sessions.NewSessionID()
		if err := s.Create(ctx, newRecord(id)); err != nil {
			t.Fatalf("Create: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Touch(ctx, id, time.Now())
		}()
		go func() {
			defer wg.Done()
			_ = s.Delete(ctx, id)
		}()
		wg.Wait()

		if err := s.Delete(ctx, id); err != nil {
			t.Fatalf("final Delete: %v", err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("record survived delete: %v", err)
		}
	}
}
