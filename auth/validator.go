package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL bounds how long a positive verdict may be reused without a
// remote validation call.
const DefaultCacheTTL = 5 * time.Minute

const defaultCacheSize = 4096

// Config for the caching validator. Defaults can be loaded via envdecode.
type Config struct {
	// MasterKey is the distinguished operator credential. ENV: SIGYL_MASTER_KEY
	MasterKey string `env:"SIGYL_MASTER_KEY"`
	// CacheTTL is the positive-verdict cache window. ENV: SIGYL_KEY_CACHE_TTL
	CacheTTL time.Duration `env:"SIGYL_KEY_CACHE_TTL,default=5m"`
	// CacheSize caps the number of cached verdicts. ENV: SIGYL_KEY_CACHE_SIZE
	CacheSize int `env:"SIGYL_KEY_CACHE_SIZE,default=4096"`
}

var _ KeyValidator = (*CachingValidator)(nil)

// CachingValidator validates credentials against the registry with a
// short-TTL positive-only cache in front. The configured master credential
// short-circuits remote verification entirely, as does a valid operator
// token minted from it.
type CachingValidator struct {
	api       RegistryAPI
	masterKey string
	cache     *expirable.LRU[string, Verdict]
	log       *slog.Logger
}

// Option configures the CachingValidator.
type Option func(*CachingValidator)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(v *CachingValidator) { v.log = log }
}

func NewCachingValidator(api RegistryAPI, cfg Config, opts ...Option) *CachingValidator {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	v := &CachingValidator{
		api:       api,
		masterKey: cfg.MasterKey,
		cache:     expirable.NewLRU[string, Verdict](size, nil, ttl),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate classifies one credential. An empty credential is rejected
// without a remote call. Remote failures fail closed and are not cached.
func (v *CachingValidator) Validate(ctx context.Context, apiKey string) (Verdict, error) {
	if apiKey == "" {
		return Verdict{}, nil
	}

	if v.masterKey != "" {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.masterKey)) == 1 {
			return Verdict{Valid: true, Tier: TierMaster}, nil
		}
		if verifyOperatorToken(apiKey, v.masterKey) {
			return Verdict{Valid: true, Tier: TierMaster}, nil
		}
	}

	if verdict, ok := v.cache.Get(apiKey); ok {
		return verdict, nil
	}

	valid, master, err := v.api.ValidateKey(ctx, apiKey)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		v.log.WarnContext(ctx, "auth.validate.fail", slog.String("err", err.Error()))
		return Verdict{}, nil
	}
	if !valid {
		return Verdict{}, nil
	}

	verdict := Verdict{Valid: true, Tier: TierStandard}
	if master {
		verdict.Tier = TierMaster
	}
	v.cache.Add(apiKey, verdict)
	return verdict, nil
}
