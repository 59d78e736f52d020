package memorystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sigyl-dev/mcp-gateway/sessions"
	"github.com/sigyl-dev/mcp-gateway/sessions/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		return New(time.Hour)
	})
}

func TestExpiry(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	rec := &sessions.Record{ID: sessions.NewSessionID(), Tenant: "acme/widgets", CreatedAt: base, LastActivityAt: base}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Still live just inside the window.
	s.now = func() time.Time { return base.Add(59 * time.Minute) }
	if _, err := s.Get(ctx, rec.ID); err != nil {
		t.Fatalf("Get inside TTL: %v", err)
	}

	// A touch refreshes the window.
	if err := s.Touch(ctx, rec.ID, s.now()); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	s.now = func() time.Time { return base.Add(90 * time.Minute) }
	if _, err := s.Get(ctx, rec.ID); err != nil {
		t.Fatalf("Get after refresh: %v", err)
	}

	// Expired reads report not-found.
	s.now = func() time.Time { return base.Add(4 * time.Hour) }
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Get after expiry: want ErrSessionNotFound, got %v", err)
	}

	// A fresh create may reuse an expired identifier.
	s.now = func() time.Time { return base.Add(5 * time.Hour) }
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create after expiry: %v", err)
	}
}
