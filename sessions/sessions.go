// Package sessions defines the session record and the pluggable store
// abstraction that holds it, keyed by an opaque server-generated session
// identifier.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sigyl-dev/mcp-gateway/secrets"
)

var (
	// ErrSessionNotFound indicates no live record exists for the identifier.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a create collided with a live record.
	// Identifiers carry enough entropy that this is a defensive check, not an
	// expected path.
	ErrSessionExists = errors.New("session already exists")
)

// DefaultTTL is the expiry window a TTL-capable backend applies to session
// records; every write refreshes it.
const DefaultTTL = time.Hour

// Record is one logical conversation between a caller and a bound tool
// server instance. Records are replaced whole on every update; no field is
// ever partially updated.
type Record struct {
	ID             string                 `json:"session_id"`
	Tenant         string                 `json:"tenant"`
	Config         secrets.ResolvedConfig `json:"config"`
	CreatedAt      time.Time              `json:"created_at"`
	LastActivityAt time.Time              `json:"last_activity_at"`
}

// Store is the session state backend. Implementations must be safe for
// concurrent use and must serialize mutations for the same identifier, so a
// touch can never resurrect a deleted record.
type Store interface {
	// Create persists a new record. Returns ErrSessionExists if the
	// identifier is already live.
	Create(ctx context.Context, rec *Record) error
	// Get returns the live record, or ErrSessionNotFound if it was never
	// created, was deleted, or has expired.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Touch updates the record's activity timestamp (a whole-record replace)
	// and refreshes its expiry window. Returns ErrSessionNotFound if the
	// record is not live.
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Close releases backend resources.
	Close() error
}

// NewSessionID generates an opaque session identifier with
// cryptographically strong randomness.
func NewSessionID() string {
	return "mcp_" + uuid.NewString()
}
