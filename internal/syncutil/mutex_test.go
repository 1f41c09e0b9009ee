package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutex_BasicLockUnlock(t *testing.T) {
	m := NewMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock, err = m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestMutex_MutualExclusion(t *testing.T) {
	m := NewMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment; a broken lock shows up as a lost update.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d: mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
}

func TestMutex_ContextDeadline(t *testing.T) {
	m := NewMutex()

	unlock, err := m.LockContext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestMutex_CancelledContextFailsFast(t *testing.T) {
	m := NewMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.LockContext(ctx); err != context.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}

	// The lock must still be free.
	unlock, ok := m.TryLock()
	if !ok {
		t.Fatal("lock leaked by cancelled acquire")
	}
	unlock()
}

func TestMutex_UnlockIdempotent(t *testing.T) {
	m := NewMutex()

	unlock, _ := m.LockContext(context.Background())
	unlock()
	unlock() // must not block or double-release

	first, ok := m.TryLock()
	if !ok {
		t.Fatal("expected lock to be free")
	}
	if _, ok := m.TryLock(); ok {
		t.Fatal("double unlock released the lock twice")
	}
	first()
}

func TestMutex_ReleasedOnPanic(t *testing.T) {
	m := NewMutex()

	func() {
		defer func() { _ = recover() }()
		unlock, _ := m.LockContext(context.Background())
		defer unlock()
		panic("boom")
	}()

	unlock, ok := m.TryLock()
	if !ok {
		t.Fatal("lock not released after panic")
	}
	unlock()
}

func TestMutex_UnlockAllowsNext(t *testing.T) {
	m := NewMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx)
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	// Second goroutine should be blocked.
	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}
