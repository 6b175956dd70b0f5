package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, window time.Duration) *Memory {
	t.Helper()
	m := NewMemory()
	m.Init(window)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemory_Increment_Sequential(t *testing.T) {
	m := newTestMemory(t, time.Minute)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		res, err := m.Increment(ctx, "client")
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if res.Hits != i {
			t.Errorf("increment %d: hits = %d, want %d", i, res.Hits, i)
		}
		if !res.Reset.After(time.Now()) {
			t.Errorf("increment %d: reset %v is not in the future", i, res.Reset)
		}
	}
}

func TestMemory_Increment_Concurrent(t *testing.T) {
	m := newTestMemory(t, time.Minute)
	ctx := context.Background()

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range perGoroutine {
				if _, err := m.Increment(ctx, "shared"); err != nil {
					t.Errorf("Increment() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	res, ok, err := m.Get(ctx, "shared")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if want := int64(goroutines * perGoroutine); res.Hits != want {
		t.Errorf("hits = %d, want %d (lost updates)", res.Hits, want)
	}
}

func TestMemory_Increment_KeysIndependent(t *testing.T) {
	m := newTestMemory(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Increment(ctx, "a")
	}
	m.Increment(ctx, "b")

	resA, _, _ := m.Get(ctx, "a")
	resB, _, _ := m.Get(ctx, "b")
	if resA.Hits != 3 || resB.Hits != 1 {
		t.Errorf("hits = a:%d b:%d, want a:3 b:1", resA.Hits, resB.Hits)
	}
}

func TestMemory_WindowRollover(t *testing.T) {
	m := newTestMemory(t, 30*time.Millisecond)
	ctx := context.Background()

	for range 4 {
		m.Increment(ctx, "client")
	}

	time.Sleep(50 * time.Millisecond)

	res, err := m.Increment(ctx, "client")
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if res.Hits != 1 {
		t.Errorf("post-rollover hits = %d, want 1 (fresh window)", res.Hits)
	}
}

func TestMemory_ZeroWindow(t *testing.T) {
	// A non-positive window is legal: every increment starts over.
	m := newTestMemory(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := m.Increment(ctx, "client")
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if res.Hits != 1 {
			t.Errorf("increment %d: hits = %d, want 1", i+1, res.Hits)
		}
	}
}

func TestMemory_Decrement(t *testing.T) {
	t.Run("floors at zero", func(t *testing.T) {
		m := newTestMemory(t, time.Minute)
		ctx := context.Background()

		m.Increment(ctx, "client")
		for range 3 {
			if err := m.Decrement(ctx, "client"); err != nil {
				t.Fatalf("Decrement() error = %v", err)
			}
		}

		res, ok, _ := m.Get(ctx, "client")
		if !ok {
			t.Fatal("Get() ok = false, want record present")
		}
		if res.Hits != 0 {
			t.Errorf("hits = %d, want 0", res.Hits)
		}
	})

	t.Run("unknown key is a no-op", func(t *testing.T) {
		m := newTestMemory(t, time.Minute)
		if err := m.Decrement(context.Background(), "missing"); err != nil {
			t.Errorf("Decrement() error = %v", err)
		}
		if _, ok, _ := m.Get(context.Background(), "missing"); ok {
			t.Error("Decrement() created a record for an unknown key")
		}
	})
}

func TestMemory_Get(t *testing.T) {
	m := newTestMemory(t, time.Minute)
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Error("Get() ok = true for missing key")
	}

	want, _ := m.Increment(ctx, "client")
	got, ok, err := m.Get(ctx, "client")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}

	// Get must not count a hit.
	if got, _, _ := m.Get(ctx, "client"); got.Hits != 1 {
		t.Errorf("Get() mutated the count: hits = %d, want 1", got.Hits)
	}
}

func TestMemory_Get_ExpiredIsAbsent(t *testing.T) {
	m := newTestMemory(t, 20*time.Millisecond)
	ctx := context.Background()

	m.Increment(ctx, "client")
	time.Sleep(40 * time.Millisecond)

	if _, ok, _ := m.Get(ctx, "client"); ok {
		t.Error("Get() ok = true for a logically expired record")
	}
}

func TestMemory_Reset(t *testing.T) {
	m := newTestMemory(t, time.Minute)
	ctx := context.Background()

	for range 5 {
		m.Increment(ctx, "client")
	}
	if err := m.Reset(ctx, "client"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	res, err := m.Increment(ctx, "client")
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if res.Hits != 1 {
		t.Errorf("post-reset hits = %d, want 1", res.Hits)
	}
}

func TestMemory_ResetAll(t *testing.T) {
	m := newTestMemory(t, time.Minute)
	ctx := context.Background()

	for i := range 10 {
		m.Increment(ctx, fmt.Sprintf("client-%d", i))
	}
	if err := m.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll() error = %v", err)
	}
	for i := range 10 {
		if _, ok, _ := m.Get(ctx, fmt.Sprintf("client-%d", i)); ok {
			t.Fatalf("client-%d survived ResetAll", i)
		}
	}
}

func TestMemory_GenerationMigration(t *testing.T) {
	m := newTestMemory(t, time.Hour)
	ctx := context.Background()

	for range 3 {
		m.Increment(ctx, "client")
	}

	// Rotation moves the record into the previous generation; the next
	// increment must migrate it back with its count intact.
	m.rotate()
	if m.current["client"] != nil {
		t.Fatal("record still in current generation after rotation")
	}
	if m.previous["client"] == nil {
		t.Fatal("record not in previous generation after rotation")
	}

	res, _ := m.Increment(ctx, "client")
	if res.Hits != 4 {
		t.Errorf("post-migration hits = %d, want 4", res.Hits)
	}
	if m.previous["client"] != nil {
		t.Error("record referenced by both generations after migration")
	}
}

func TestMemory_TwoRotationsExpire(t *testing.T) {
	m := newTestMemory(t, time.Hour)
	ctx := context.Background()

	for range 7 {
		m.Increment(ctx, "client")
	}
	m.rotate()
	m.rotate()

	// Untouched for two rotations: gone.
	if _, ok, _ := m.Get(ctx, "client"); ok {
		t.Error("record survived two rotations without being touched")
	}
	res, _ := m.Increment(ctx, "client")
	if res.Hits != 1 {
		t.Errorf("hits after expiry = %d, want 1", res.Hits)
	}
}

func TestMemory_PoolNoAliasing(t *testing.T) {
	m := newTestMemory(t, time.Hour)
	ctx := context.Background()

	// Retire key a's record into the pool across two rotations.
	m.Increment(ctx, "a")
	m.rotate()
	m.rotate()
	if len(m.pool) == 0 {
		t.Fatal("expected the retired record in the pool")
	}

	// b takes the recycled record, a gets a fresh one. Their counts
	// must stay independent.
	m.Increment(ctx, "b")
	m.Increment(ctx, "a")
	m.Increment(ctx, "b")
	m.Increment(ctx, "b")

	resA, _, _ := m.Get(ctx, "a")
	resB, _, _ := m.Get(ctx, "b")
	if resA.Hits != 1 {
		t.Errorf("a hits = %d, want 1 (recycled record aliased)", resA.Hits)
	}
	if resB.Hits != 3 {
		t.Errorf("b hits = %d, want 3", resB.Hits)
	}
}

func TestMemory_PoolBoundedByAllocationAverage(t *testing.T) {
	m := newTestMemory(t, time.Hour)
	ctx := context.Background()

	// A burst of 100 fresh keys, then quiet rotations. The pool must
	// shrink toward the moving allocation average instead of pinning
	// all 100 records forever.
	for i := range 100 {
		m.Increment(ctx, fmt.Sprintf("burst-%d", i))
	}
	m.rotate()
	m.rotate()

	m.mu.Lock()
	first := len(m.pool)
	m.mu.Unlock()
	if first == 0 || first > 100 {
		t.Fatalf("pool size after burst = %d, want within (0, 100]", first)
	}

	for range poolHistory {
		m.rotate()
	}

	m.mu.Lock()
	settled := len(m.pool)
	m.mu.Unlock()
	if settled >= first {
		t.Errorf("pool did not shrink after quiet rotations: %d -> %d", first, settled)
	}
}

func TestMemory_InitRestartsTicker(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	m.Init(time.Hour)
	firstStop := m.stopCh

	// Re-Init must cancel the previous ticker before starting another.
	m.Init(time.Minute)
	select {
	case <-firstStop:
	default:
		t.Error("previous rotation goroutine was not stopped by re-Init")
	}
	if m.window != time.Minute {
		t.Errorf("window = %v, want %v", m.window, time.Minute)
	}
}

func TestMemory_CloseIdempotent(t *testing.T) {
	m := NewMemory()
	m.Init(time.Minute)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestMemory_RotationRunsOnTicker(t *testing.T) {
	m := newTestMemory(t, 15*time.Millisecond)
	ctx := context.Background()

	m.Increment(ctx, "client")
	time.Sleep(50 * time.Millisecond)

	m.mu.Lock()
	_, inCurrent := m.current["client"]
	m.mu.Unlock()
	if inCurrent {
		t.Error("record still in current generation after ticker rotations")
	}
}
