package gateway

import (
	"fmt"

	"github.com/joeshaw/envdecode"

	"github.com/sigyl-dev/mcp-gateway/auth"
	"github.com/sigyl-dev/mcp-gateway/registry"
	"github.com/sigyl-dev/mcp-gateway/sessions/redisstore"
	"github.com/sigyl-dev/mcp-gateway/tenant"
)

// Session backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config assembles every component's settings. All of it can be loaded from
// the environment via NewConfigFromEnv.
type Config struct {
	// ListenAddr for the HTTP server. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// EndpointPath where the transport is mounted. ENV: MCP_ENDPOINT
	EndpointPath string `env:"MCP_ENDPOINT,default=/mcp"`
	// SessionBackend selects "memory" or "redis". ENV: SESSION_BACKEND
	SessionBackend string `env:"SESSION_BACKEND,default=memory"`
	// MetricsEnabled toggles usage reporting. ENV: METRICS_ENABLED
	MetricsEnabled bool `env:"METRICS_ENABLED,default=true"`

	Registry registry.Config
	Auth     auth.Config
	Tenant   tenant.Config
	Redis    redisstore.Config
}

// NewConfigFromEnv loads configuration from the process environment.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if cfg.SessionBackend != BackendMemory && cfg.SessionBackend != BackendRedis {
		return Config{}, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
	return cfg, nil
}
