package redisstore

import (
	"testing"

	"github.com/sigyl-dev/mcp-gateway/sessions"
	"github.com/sigyl-dev/mcp-gateway/sessions/storetest"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis.
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis session store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		ss, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		return ss
	})
}
