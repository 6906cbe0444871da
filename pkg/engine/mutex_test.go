package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/engine"
)

func newLocker(store engine.MutexStore, holder string, ttl time.Duration) *engine.Locker {
	return engine.NewLocker(store, engine.LockerConfig{
		Holder:          holder,
		LeaseTTL:        ttl,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}, zerolog.Nop())
}

func TestLockerConcurrentAcquireOneWins(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	lockers := []*engine.Locker{
		newLocker(store, "worker-a", time.Minute),
		newLocker(store, "worker-b", time.Minute),
	}

	type result struct {
		handle *engine.MutexHandle
		err    error
	}
	results := make(chan result, len(lockers))
	start := make(chan struct{})

	var wg sync.WaitGroup
	for _, l := range lockers {
		wg.Add(1)
		go func(l *engine.Locker) {
			defer wg.Done()
			<-start
			h, err := l.Acquire(ctx, engine.MutexStartEngineTask, 200*time.Millisecond)
			results <- result{h, err}
		}(l)
	}
	close(start)
	wg.Wait()
	close(results)

	var winners, timeouts int
	for r := range results {
		switch {
		case r.err == nil:
			winners++
		case engine.IsLockTimeout(r.err):
			timeouts++
		default:
			t.Errorf("unexpected acquire error: %v", r.err)
		}
	}
	if winners != 1 || timeouts != 1 {
		t.Errorf("expected one winner and one timeout, got %d winners and %d timeouts", winners, timeouts)
	}
}

func TestLockerWaitsForRelease(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := newLocker(store, "worker-a", time.Minute)
	b := newLocker(store, "worker-b", time.Minute)

	h, err := a.Acquire(ctx, engine.MutexStartEngineTask, time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = a.Release(ctx, h)
	}()

	h2, err := b.Acquire(ctx, engine.MutexStartEngineTask, 5*time.Second)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if h2.Holder != "worker-b" {
		t.Errorf("expected worker-b to hold the mutex, got %s", h2.Holder)
	}

	m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if m.State != engine.MutexLocked || m.Holder != "worker-b" {
		t.Errorf("unexpected mutex row: %+v", m)
	}
}

func TestLockerMutexesAreIndependent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	l := newLocker(store, "worker-a", time.Minute)

	if _, err := l.Acquire(ctx, engine.MutexStartEngineTask, 100*time.Millisecond); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := l.Acquire(ctx, engine.MutexGenerateSubscription, 100*time.Millisecond); err != nil {
		t.Fatalf("acquire of a different mutex failed: %v", err)
	}
}

func TestLockerRejectsUnknownName(t *testing.T) {
	store := setupStore(t)
	l := newLocker(store, "worker-a", time.Minute)

	_, err := l.Acquire(context.Background(), "REINDEX", time.Second)
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLockerStealsExpiredLease(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	crashed := newLocker(store, "crashed", 30*time.Millisecond)
	survivor := newLocker(store, "survivor", time.Minute)

	stale, err := crashed.Acquire(ctx, engine.MutexStartEngineTask, time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	h, err := survivor.Acquire(ctx, engine.MutexStartEngineTask, 2*time.Second)
	if err != nil {
		t.Fatalf("expected takeover after lease expiry, got %v", err)
	}
	if h.Version() <= stale.Version() {
		t.Errorf("takeover must bump the version: %d <= %d", h.Version(), stale.Version())
	}

	err = crashed.Release(ctx, stale)
	if !engine.IsConflict(err) || engine.ErrorCode(err) != engine.ErrCodeLockLost {
		t.Errorf("expected LOCK_LOST on stale release, got %v", err)
	}

	m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if m.Holder != "survivor" || m.State != engine.MutexLocked {
		t.Errorf("stale release disturbed the new holder: %+v", m)
	}
}

func TestLockerRenewExtendsLease(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	l := newLocker(store, "worker-a", time.Minute)

	h, err := l.Acquire(ctx, engine.MutexGenerateSubscription, time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	before := h.LeaseExpires()
	time.Sleep(5 * time.Millisecond)

	if err := l.Renew(ctx, h); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !h.LeaseExpires().After(before) {
		t.Errorf("lease not extended: %v -> %v", before, h.LeaseExpires())
	}
	if err := l.Release(ctx, h); err != nil {
		t.Errorf("release after renew failed: %v", err)
	}
}

func TestWithMutexReleasesOnError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	l := newLocker(store, "worker-a", time.Minute)

	boom := errors.New("boom")
	err := l.WithMutex(ctx, engine.MutexStartEngineTask, time.Second, func(ctx context.Context) error {
		m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
		if m.State != engine.MutexLocked {
			t.Error("mutex should be held inside the scope")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected scope error, got %v", err)
	}

	m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if m.State != engine.MutexReady {
		t.Errorf("expected READY after scope exit, got %s", m.State)
	}
}

func TestWithMutexReleasesOnPanic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	l := newLocker(store, "worker-a", time.Minute)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = l.WithMutex(ctx, engine.MutexStartEngineTask, time.Second, func(ctx context.Context) error {
			panic("scope panicked")
		})
	}()

	m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if m.State != engine.MutexReady {
		t.Errorf("expected READY after panic, got %s", m.State)
	}
}

func TestWithMutexReleasesAfterCancel(t *testing.T) {
	store := setupStore(t)
	l := newLocker(store, "worker-a", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	err := l.WithMutex(ctx, engine.MutexStartEngineTask, time.Second, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	m, _ := store.GetMutex(context.Background(), engine.MutexStartEngineTask)
	if m.State != engine.MutexReady {
		t.Errorf("expected READY after cancelled scope, got %s", m.State)
	}
}

func TestWithMutexKeepsLeaseDuringSlowScope(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	holder := newLocker(store, "worker-a", 60*time.Millisecond)
	other := newLocker(store, "worker-b", time.Minute)

	err := holder.WithMutex(ctx, engine.MutexStartEngineTask, time.Second, func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		// The original lease lapsed long ago; only renewals keep it exclusive.
		if _, err := other.Acquire(ctx, engine.MutexStartEngineTask, 30*time.Millisecond); !engine.IsLockTimeout(err) {
			t.Errorf("expected lock timeout while the lease is renewed, got %v", err)
		}
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("WithMutex failed: %v", err)
	}

	m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if m.State != engine.MutexReady {
		t.Errorf("expected READY after scope exit, got %s", m.State)
	}
}

func TestWithMutexCancelsScopeWhenLockLost(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	l := newLocker(store, "worker-a", 30*time.Millisecond)

	err := l.WithMutex(ctx, engine.MutexStartEngineTask, time.Second, func(ctx context.Context) error {
		// Clear the row behind the holder's back, as an operator reset would.
		m, err := store.GetMutex(ctx, engine.MutexStartEngineTask)
		if err != nil {
			return err
		}
		if _, err := store.UnlockMutex(ctx, m); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			t.Error("scope context was not cancelled after the lock was lost")
			return nil
		}
	})
	if !engine.IsConflict(err) || engine.ErrorCode(err) != engine.ErrCodeLockLost {
		t.Fatalf("expected LOCK_LOST, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the scope's cancellation to be reported, got %v", err)
	}

	// Lost locks are not released by the former holder.
	m, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if m.State != engine.MutexReady || m.Holder == "worker-a" {
		t.Errorf("expected the reset row untouched, got %s held by %q", m.State, m.Holder)
	}
}

func TestEngineContextWithMutex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var held bool
	_ = f.registry.Register("emr", "start_datastore", func(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
		err := ectx.WithMutex(engine.MutexStartEngineTask, time.Second, func(ctx context.Context) error {
			m, err := ectx.Store().GetMutex(ctx, engine.MutexStartEngineTask)
			if err != nil {
				return err
			}
			held = m.State == engine.MutexLocked
			return nil
		})
		if err != nil {
			return err
		}
		return ectx.Complete()
	})
	f.datastore(t, "D1", nil)
	action := f.action(t, "emr", "start_datastore", "D1")

	if outcome, err := f.dispatcher.Dispatch(ctx, action.ID); err != nil || outcome != engine.OutcomeSucceeded {
		t.Fatalf("expected success, got %s / %v", outcome, err)
	}
	if !held {
		t.Error("mutex was not held inside the handler scope")
	}
}
