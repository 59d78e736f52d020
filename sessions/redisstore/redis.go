// Package redisstore provides a Redis-backed sessions.Store for multi-node
// deployments. Every write refreshes a fixed expiry window; reads after
// expiry report not-found.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sigyl-dev/mcp-gateway/sessions"
)

var _ sessions.Store = (*Store)(nil)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all session keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:session:"`
	// TTL is the session expiry window. ENV: SESSION_TTL
	TTL time.Duration `env:"SESSION_TTL,default=1h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:session:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = sessions.DefaultTTL
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(sessionID string) string { return s.keyPrefix + sessionID }

func (s *Store) Create(ctx context.Context, rec *sessions.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Record, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec sessions.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.LastActivityAt = at

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	// XX makes the write conditional on the key still being live, so a touch
	// racing a delete cannot resurrect the record.
	ok, err := s.client.SetXX(ctx, s.key(sessionID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setxx: %w", err)
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
