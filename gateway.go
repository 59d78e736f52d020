// Package gateway wires the multi-tenant protocol gateway together:
// credential validation, tenant and configuration resolution, the session
// store, per-call tool server instances, and usage reporting, all behind a
// single streamable HTTP handler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sigyl-dev/mcp-gateway/auth"
	"github.com/sigyl-dev/mcp-gateway/metrics"
	"github.com/sigyl-dev/mcp-gateway/registry"
	"github.com/sigyl-dev/mcp-gateway/secrets"
	"github.com/sigyl-dev/mcp-gateway/sessions"
	"github.com/sigyl-dev/mcp-gateway/sessions/memorystore"
	"github.com/sigyl-dev/mcp-gateway/sessions/redisstore"
	"github.com/sigyl-dev/mcp-gateway/streaminghttp"
	"github.com/sigyl-dev/mcp-gateway/tenant"
	"github.com/sigyl-dev/mcp-gateway/toolserver"
)

// Option configures the Gateway.
type Option func(*newOptions)

type newOptions struct {
	log   *slog.Logger
	store sessions.Store
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *newOptions) { o.log = log }
}

// WithSessionStore supplies a pre-built store, overriding the configured
// backend. The gateway takes ownership and closes it on Close.
func WithSessionStore(store sessions.Store) Option {
	return func(o *newOptions) { o.store = store }
}

// Gateway is a fully wired gateway instance. Serve it with an http.Server
// pointed at Handler.
type Gateway struct {
	Handler http.Handler

	log     *slog.Logger
	store   sessions.Store
	emitter *metrics.Emitter
}

// New builds a gateway around the given tool server factory.
func New(ctx context.Context, cfg Config, factory toolserver.Factory, opts ...Option) (*Gateway, error) {
	var o newOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	reg, err := registry.New(cfg.Registry, registry.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to build registry client: %w", err)
	}

	validator := auth.NewCachingValidator(reg, cfg.Auth, auth.WithLogger(log))
	tenants := tenant.NewResolver(cfg.Tenant)
	resolver := secrets.NewResolver(reg, log)

	store := o.store
	if store == nil {
		switch cfg.SessionBackend {
		case BackendRedis:
			store, err = redisstore.New(cfg.Redis)
			if err != nil {
				return nil, fmt.Errorf("failed to connect session store: %w", err)
			}
		case BackendMemory:
			// Both backends share the SESSION_TTL knob.
			store = memorystore.New(cfg.Redis.TTL)
		default:
			return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
		}
	}

	g := &Gateway{log: log, store: store}

	handlerOpts := []streaminghttp.Option{streaminghttp.WithLogger(log)}
	if cfg.MetricsEnabled {
		sink := metrics.SinkFunc(func(ctx context.Context, ev metrics.Event) error {
			return reg.PublishEvent(ctx, ev)
		})
		g.emitter = metrics.NewEmitter(sink, metrics.WithLogger(log))
		handlerOpts = append(handlerOpts, streaminghttp.WithEmitter(g.emitter))
	}

	handler, err := streaminghttp.New(cfg.EndpointPath, validator, tenants, resolver, store, factory, handlerOpts...)
	if err != nil {
		_ = store.Close()
		if g.emitter != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = g.emitter.Close(closeCtx)
		}
		return nil, fmt.Errorf("failed to build transport handler: %w", err)
	}
	g.Handler = handler

	return g, nil
}

// Close flushes pending usage events and releases the session store.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if g.emitter != nil {
		if err := g.emitter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush usage events: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session store: %w", err))
	}
	return errors.Join(errs...)
}
