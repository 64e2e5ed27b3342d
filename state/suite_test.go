package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runStoreSuite exercises the StateStore contract against one backend.
// newStore must return a fresh, empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) StateStore) {
	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get("tasks.task.missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		s := newStore(t)

		if err := s.Put("tasks.task.1", []byte(`{"id":"1"}`), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get("tasks.task.1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != `{"id":"1"}` {
			t.Errorf("Get = %s", got)
		}

		kv, err := s.GetKeyValue("tasks.task.1")
		if err != nil {
			t.Fatalf("GetKeyValue failed: %v", err)
		}
		if kv.Revision == 0 || kv.Key != "tasks.task.1" {
			t.Errorf("unexpected entry %+v", kv)
		}

		if err := s.Delete("tasks.task.1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get("tasks.task.1"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete("tasks.task.1"); err != nil {
			t.Errorf("deleting a missing key should succeed, got %v", err)
		}
	})

	t.Run("ValueIsolation", func(t *testing.T) {
		s := newStore(t)
		val := []byte("original")
		s.Put("k", val, 0)
		val[0] = 'X'

		got, _ := s.Get("k")
		got[1] = 'Y'
		again, _ := s.Get("k")
		if string(again) != "original" {
			t.Errorf("stored value was mutated: %s", again)
		}
	})

	t.Run("CreateOnce", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create("tasks.task.2", []byte("a")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := s.Create("tasks.task.2", []byte("b")); err != ErrKeyExists {
			t.Errorf("expected ErrKeyExists, got %v", err)
		}
		got, _ := s.Get("tasks.task.2")
		if string(got) != "a" {
			t.Errorf("second Create overwrote value: %s", got)
		}
	})

	t.Run("CreateAfterDelete", func(t *testing.T) {
		s := newStore(t)
		s.Create("k", []byte("a"))
		s.Delete("k")
		if err := s.Create("k", []byte("b")); err != nil {
			t.Errorf("Create after Delete failed: %v", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.Update("missing", func(b []byte) ([]byte, error) { return b, nil })
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateAbort", func(t *testing.T) {
		s := newStore(t)
		s.Put("k", []byte("keep"), 0)
		boom := errors.New("boom")
		err := s.Update("k", func([]byte) ([]byte, error) { return nil, boom })
		if err != boom {
			t.Errorf("expected fn error to pass through, got %v", err)
		}
		got, _ := s.Get("k")
		if string(got) != "keep" {
			t.Errorf("aborted update changed value: %s", got)
		}
	})

	t.Run("UpdateConcurrent", func(t *testing.T) {
		s := newStore(t)
		s.Put("counter", []byte("0"), 0)

		const writers = 8
		const perWriter = 10
		var wg sync.WaitGroup
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < perWriter; j++ {
					err := s.Update("counter", func(cur []byte) ([]byte, error) {
						var n int
						fmt.Sscanf(string(cur), "%d", &n)
						return []byte(fmt.Sprintf("%d", n+1)), nil
					})
					if err != nil {
						t.Errorf("Update failed: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		got, _ := s.Get("counter")
		if string(got) != fmt.Sprintf("%d", writers*perWriter) {
			t.Errorf("lost updates: counter = %s", got)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		s := newStore(t)
		s.Put("tasks.task.1", []byte("1"), 0)
		s.Put("tasks.task.2", []byte("2"), 0)
		s.Put("tasks.records.1", []byte("[]"), 0)

		keys, err := s.Keys("tasks.task.*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("expected 2 keys, got %v", keys)
		}
	})

	t.Run("Watch", func(t *testing.T) {
		s := newStore(t)
		ch, err := s.Watch("tasks.task.*")
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}

		s.Put("tasks.records.9", []byte("ignored"), 0)
		s.Put("tasks.task.9", []byte("v"), 0)

		select {
		case kv := <-ch:
			if kv.Key != "tasks.task.9" || kv.Operation != OpPut {
				t.Errorf("unexpected event %+v", kv)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for watch event")
		}
	})

	t.Run("LockExclusive", func(t *testing.T) {
		s := newStore(t)
		lock, err := s.Lock("tasks.lease.1", time.Second)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		if lock.Owner() == "" {
			t.Error("lock should carry an owner token")
		}
		if _, err := s.Lock("tasks.lease.1", time.Second); err != ErrLockHeld {
			t.Errorf("expected ErrLockHeld, got %v", err)
		}
		if err := lock.Unlock(); err != nil {
			t.Fatalf("Unlock failed: %v", err)
		}
		if err := lock.Unlock(); err != ErrLockNotHeld {
			t.Errorf("double unlock: expected ErrLockNotHeld, got %v", err)
		}
		again, err := s.Lock("tasks.lease.1", time.Second)
		if err != nil {
			t.Fatalf("re-Lock failed: %v", err)
		}
		again.Unlock()
	})

	t.Run("LockTakeover", func(t *testing.T) {
		s := newStore(t)
		stale, err := s.Lock("tasks.lease.2", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		time.Sleep(100 * time.Millisecond)

		fresh, err := s.Lock("tasks.lease.2", time.Second)
		if err != nil {
			t.Fatalf("expired lock should be taken over, got %v", err)
		}
		if err := stale.Refresh(); err != ErrLockExpired {
			t.Errorf("stale Refresh: expected ErrLockExpired, got %v", err)
		}
		if err := fresh.Refresh(); err != nil {
			t.Errorf("fresh Refresh failed: %v", err)
		}
		fresh.Unlock()
	})

	t.Run("LockRefresh", func(t *testing.T) {
		s := newStore(t)
		lock, _ := s.Lock("tasks.lease.3", 150*time.Millisecond)

		time.Sleep(75 * time.Millisecond)
		if err := lock.Refresh(); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		if err := lock.Refresh(); err != nil {
			t.Errorf("expected lock to still be valid: %v", err)
		}
		lock.Unlock()
	})

	t.Run("LockContention", func(t *testing.T) {
		s := newStore(t)
		var counter, holders, maxHolders int32
		var wg sync.WaitGroup
		wg.Add(4)

		for i := 0; i < 4; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					for {
						lock, err := s.Lock("counter-lock", time.Second)
						if err == ErrLockHeld {
							time.Sleep(2 * time.Millisecond)
							continue
						}
						if err != nil {
							t.Errorf("Lock failed: %v", err)
							return
						}
						if n := atomic.AddInt32(&holders, 1); n > atomic.LoadInt32(&maxHolders) {
							atomic.StoreInt32(&maxHolders, n)
						}
						atomic.AddInt32(&counter, 1)
						atomic.AddInt32(&holders, -1)
						lock.Unlock()
						break
					}
				}
			}()
		}
		wg.Wait()

		if counter != 20 {
			t.Errorf("expected 20, got %d", counter)
		}
		if maxHolders > 1 {
			t.Errorf("lock held by %d holders at once", maxHolders)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		s := newStore(t)
		if err := s.Put("", nil, 0); err != ErrInvalidKey {
			t.Errorf("empty key: expected ErrInvalidKey, got %v", err)
		}
		if err := s.Put("k", nil, -time.Second); err != ErrInvalidTTL {
			t.Errorf("negative TTL: expected ErrInvalidTTL, got %v", err)
		}
		if _, err := s.Lock("k", 0); err != ErrInvalidTTL {
			t.Errorf("zero lock TTL: expected ErrInvalidTTL, got %v", err)
		}
	})

	t.Run("AfterClose", func(t *testing.T) {
		s := newStore(t)
		s.Close()
		if _, err := s.Get("k"); err != ErrClosed {
			t.Errorf("Get: expected ErrClosed, got %v", err)
		}
		if err := s.Create("k", nil); err != ErrClosed {
			t.Errorf("Create: expected ErrClosed, got %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
	})
}
