// Package auth validates caller credentials against the platform registry
// and classifies them into privilege tiers. Positive verdicts are cached for
// a bounded interval; negative verdicts are never cached, so a caller can
// retry immediately once the underlying condition is fixed.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the credential is missing or invalid.
var ErrUnauthorized = errors.New("invalid or missing api key")

// Tier is the privilege level a validated credential carries.
type Tier string

const (
	// TierStandard credentials are tenant-scoped.
	TierStandard Tier = "standard"
	// TierMaster credentials are operator-level and bypass tenant and secret
	// resolution entirely.
	TierMaster Tier = "master"
)

// Verdict is the outcome of validating one credential.
type Verdict struct {
	Valid bool
	Tier  Tier
}

// KeyValidator validates an opaque bearer credential. Implementations must
// be safe for concurrent use and must fail closed: a validation backend
// failure yields Valid=false, never an accepted credential.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Verdict, error)
}

// RegistryAPI is the slice of the registry client the validator needs.
type RegistryAPI interface {
	ValidateKey(ctx context.Context, apiKey string) (valid bool, master bool, err error)
}
