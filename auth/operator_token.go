package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// operatorTokenTier is the claim value an operator token must carry to be
// granted master privileges.
const operatorTokenTier = "master"

// verifyOperatorToken accepts short-lived HS256 tokens minted from the
// master key, so operators can probe a deployed gateway without shipping the
// raw master credential to the probe. The token must be signed with the
// master key and claim tier=master.
func verifyOperatorToken(candidate string, masterKey string) bool {
	// Cheap shape check before invoking the JWT machinery; most credentials
	// are opaque API keys, not tokens.
	if strings.Count(candidate, ".") != 2 {
		return false
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(candidate, claims, func(t *jwt.Token) (any, error) {
		return []byte(masterKey), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil || !tok.Valid {
		return false
	}

	tier, _ := claims["tier"].(string)
	return tier == operatorTokenTier
}

// NewOperatorToken mints an operator token valid for ttl. Intended for
// operational tooling; the gateway itself only verifies.
func NewOperatorToken(masterKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tier": operatorTokenTier,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return tok.SignedString([]byte(masterKey))
}
