package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRegistry struct {
	calls  atomic.Int64
	valid  bool
	master bool
	err    error
}

func (f *fakeRegistry) ValidateKey(ctx context.Context, apiKey string) (bool, bool, error) {
	f.calls.Add(1)
	return f.valid, f.master, f.err
}

func TestValidateEmptyKeyRejectedWithoutRemoteCall(t *testing.T) {
	reg := &fakeRegistry{valid: true}
	v := NewCachingValidator(reg, Config{})

	verdict, err := v.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Valid {
		t.Fatal("expected empty key to be rejected")
	}
	if got := reg.calls.Load(); got != 0 {
		t.Fatalf("expected no remote calls, got %d", got)
	}
}

func TestValidateMasterKeyBypassesRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	v := NewCachingValidator(reg, Config{MasterKey: "master-secret"})

	verdict, err := v.Validate(context.Background(), "master-secret")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !verdict.Valid || verdict.Tier != TierMaster {
		t.Fatalf("expected master verdict, got %+v", verdict)
	}
	if got := reg.calls.Load(); got != 0 {
		t.Fatalf("expected no remote calls, got %d", got)
	}
}

func TestValidateOperatorToken(t *testing.T) {
	reg := &fakeRegistry{}
	v := NewCachingValidator(reg, Config{MasterKey: "master-secret"})

	tok, err := NewOperatorToken("master-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewOperatorToken: %v", err)
	}

	verdict, err := v.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !verdict.Valid || verdict.Tier != TierMaster {
		t.Fatalf("expected master verdict for operator token, got %+v", verdict)
	}

	forged, err := NewOperatorToken("wrong-key", time.Minute)
	if err != nil {
		t.Fatalf("NewOperatorToken: %v", err)
	}
	verdict, err = v.Validate(context.Background(), forged)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Tier == TierMaster {
		t.Fatal("token signed with the wrong key must not grant master tier")
	}
}

func TestValidatePositiveVerdictCached(t *testing.T) {
	reg := &fakeRegistry{valid: true}
	v := NewCachingValidator(reg, Config{CacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		verdict, err := v.Validate(context.Background(), "sk_live_abc")
		if err != nil {
			t.Fatalf("Validate #%d: %v", i, err)
		}
		if !verdict.Valid || verdict.Tier != TierStandard {
			t.Fatalf("expected standard verdict, got %+v", verdict)
		}
	}
	if got := reg.calls.Load(); got != 1 {
		t.Fatalf("expected a single remote call, got %d", got)
	}
}

func TestValidateCacheExpiryTriggersRevalidation(t *testing.T) {
	reg := &fakeRegistry{valid: true}
	v := NewCachingValidator(reg, Config{CacheTTL: 20 * time.Millisecond})

	if _, err := v.Validate(context.Background(), "sk_live_abc"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := reg.calls.Load(); got != 1 {
		t.Fatalf("expected one remote call, got %d", got)
	}

	time.Sleep(60 * time.Millisecond)

	verdict, err := v.Validate(context.Background(), "sk_live_abc")
	if err != nil {
		t.Fatalf("Validate after expiry: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected valid verdict, got %+v", verdict)
	}
	if got := reg.calls.Load(); got != 2 {
		t.Fatalf("expired entry must be revalidated remotely; got %d remote calls", got)
	}
}

func TestValidateNegativeVerdictNotCached(t *testing.T) {
	reg := &fakeRegistry{valid: false}
	v := NewCachingValidator(reg, Config{})

	for i := 0; i < 2; i++ {
		verdict, err := v.Validate(context.Background(), "sk_bad")
		if err != nil {
			t.Fatalf("Validate #%d: %v", i, err)
		}
		if verdict.Valid {
			t.Fatal("expected rejection")
		}
	}
	if got := reg.calls.Load(); got != 2 {
		t.Fatalf("negative verdicts must not be cached; got %d remote calls", got)
	}
}

func TestValidateRegistryFailureFailsClosed(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("registry down")}
	v := NewCachingValidator(reg, Config{})

	verdict, err := v.Validate(context.Background(), "sk_live_abc")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Valid {
		t.Fatal("backend failure must fail closed")
	}

	// The failure must not poison the cache: a later success is honored.
	reg.err = nil
	reg.valid = true
	verdict, err = v.Validate(context.Background(), "sk_live_abc")
	if err != nil {
		t.Fatalf("Validate after recovery: %v", err)
	}
	if !verdict.Valid {
		t.Fatal("expected verdict to recover once the registry is healthy")
	}
}

func TestValidateContextCancellation(t *testing.T) {
	reg := &fakeRegistry{err: context.Canceled}
	v := NewCachingValidator(reg, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.Validate(ctx, "sk_live_abc"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
