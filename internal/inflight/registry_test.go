package inflight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	backend, err := NewRedisBackend("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisBackend() error = %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend, s
}

func backends(t *testing.T) map[string]Backend {
	redisBackend, _ := setupTestRedis(t)
	return map[string]Backend{
		"memory": NewMemoryBackend(time.Minute),
		"redis":  redisBackend,
	}
}

func TestBackendReleaseIsCompareAndDelete(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := backend.Claim(ctx, "doc", "old"); err != nil {
				t.Fatalf("Claim() error = %v", err)
			}
			if err := backend.Claim(ctx, "doc", "new"); err != nil {
				t.Fatalf("Claim() error = %v", err)
			}
			if err := backend.Release(ctx, "doc", "old"); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			token, ok, err := backend.Current(ctx, "doc")
			if err != nil || !ok || token != "new" {
				t.Fatalf("Current() = %q, %v, %v; stale release must not drop the newer claim", token, ok, err)
			}
			if err := backend.Release(ctx, "doc", "new"); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if _, ok, _ := backend.Current(ctx, "doc"); ok {
				t.Fatal("claim should be gone")
			}
		})
	}
}

func TestRedisClaimExpires(t *testing.T) {
	backend, s := setupTestRedis(t)
	ctx := context.Background()
	if err := backend.Claim(ctx, "doc", "token"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	s.FastForward(2 * time.Minute)
	if _, ok, err := backend.Current(ctx, "doc"); err != nil || ok {
		t.Fatalf("Current() ok=%v err=%v, want expired", ok, err)
	}
}

func TestMemoryClaimExpires(t *testing.T) {
	backend := NewMemoryBackend(time.Minute)
	now := time.Now()
	backend.now = func() time.Time { return now }
	_ = backend.Claim(context.Background(), "doc", "token")
	now = now.Add(time.Minute)
	if _, ok, _ := backend.Current(context.Background(), "doc"); ok {
		t.Fatal("claim should have expired")
	}
}

func TestStartCancelsPreviousAction(t *testing.T) {
	r := NewRegistry(NewMemoryBackend(time.Minute), nil)
	ctx := context.Background()

	firstCtx, first, err := r.Start(ctx, "doc")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	secondCtx, second, err := r.Start(ctx, "doc")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-firstCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("first action was not canceled")
	}
	if !errors.Is(context.Cause(firstCtx), ErrSuperseded) {
		t.Fatalf("cause = %v, want ErrSuperseded", context.Cause(firstCtx))
	}
	if secondCtx.Err() != nil {
		t.Fatal("newest action must stay live")
	}

	if err := r.Commit(ctx, first); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Commit(first) error = %v, want ErrSuperseded", err)
	}
	if err := r.Commit(ctx, second); err != nil {
		t.Fatalf("Commit(second) error = %v", err)
	}

	r.Finish(first)
	if r.Active() != 1 {
		t.Fatalf("Active() = %d, finishing a stale ticket must keep the newer one", r.Active())
	}
	if err := r.Commit(ctx, second); err != nil {
		t.Fatalf("Commit(second) after stale finish error = %v", err)
	}
	r.Finish(second)
	if r.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", r.Active())
	}
	if secondCtx.Err() == nil {
		t.Fatal("finished action context should be released")
	}
}

func TestActionsOnDifferentDocumentsAreIndependent(t *testing.T) {
	r := NewRegistry(NewMemoryBackend(time.Minute), nil)
	ctx := context.Background()
	aCtx, a, _ := r.Start(ctx, "a")
	_, b, _ := r.Start(ctx, "b")
	defer r.Finish(a)
	defer r.Finish(b)

	if aCtx.Err() != nil {
		t.Fatal("starting an action on b must not cancel a")
	}
	if err := r.Commit(ctx, a); err != nil {
		t.Fatalf("Commit(a) error = %v", err)
	}
}

func TestSupersedeAcrossProcesses(t *testing.T) {
	backend, _ := setupTestRedis(t)
	processA := NewRegistry(backend, nil)
	processB := NewRegistry(backend, nil)
	ctx := context.Background()

	_, fromA, err := processA.Start(ctx, "doc")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, fromB, err := processB.Start(ctx, "doc")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer processA.Finish(fromA)
	defer processB.Finish(fromB)

	if err := processA.Commit(ctx, fromA); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Commit(fromA) error = %v, want ErrSuperseded", err)
	}
	if err := processB.Commit(ctx, fromB); err != nil {
		t.Fatalf("Commit(fromB) error = %v", err)
	}
}

func TestSupersedeWithoutNewAction(t *testing.T) {
	r := NewRegistry(NewMemoryBackend(time.Minute), nil)
	ctx := context.Background()
	actionCtx, ticket, err := r.Start(ctx, "doc")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Finish(ticket)

	if err := r.Supersede(ctx, "doc"); err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}
	if !errors.Is(context.Cause(actionCtx), ErrSuperseded) {
		t.Fatalf("cause = %v, want ErrSuperseded", context.Cause(actionCtx))
	}
	if err := r.Commit(ctx, ticket); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Commit() error = %v, want ErrSuperseded", err)
	}
	if r.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", r.Active())
	}
}
