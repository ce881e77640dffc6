package cache

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCacheSetGetFreshAndStale(t *testing.T) {
	store := openTestStore(t)

	if err := store.Set("k1", []byte(`{"v":1}`), 1*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err := store.Get("k1")
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	time.Sleep(2100 * time.Millisecond)
	res, err = store.Get("k1")
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale {
		t.Fatalf("expected stale hit, got %+v", res)
	}
	var out map[string]int
	hit, err := store.GetJSON("k1", &out)
	if err != nil || hit {
		t.Fatalf("expected stale entry to miss, hit=%v err=%v", hit, err)
	}
}

func TestCacheJSONRoundTrip(t *testing.T) {
	store := openTestStore(t)
	type token struct {
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	}
	if err := store.SetJSON("token:8453:0xabc", token{Symbol: "USDC", Decimals: 6}, time.Hour); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	var got token
	hit, err := store.GetJSON("token:8453:0xabc", &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if got.Symbol != "USDC" || got.Decimals != 6 {
		t.Fatalf("unexpected token %+v", got)
	}
}

func TestCacheDeletePrefix(t *testing.T) {
	store := openTestStore(t)
	for _, key := range []string{"token:1:a", "token:1:b", "token:8453:a"} {
		if err := store.Set(key, []byte(`{}`), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	removed, err := store.DeletePrefix("token:1:")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	res, _ := store.Get("token:8453:a")
	if !res.Hit {
		t.Fatal("expected other chain entry to survive")
	}
}

func TestNilStoreJSONHelpers(t *testing.T) {
	var store *Store
	var out map[string]any
	if hit, err := store.GetJSON("k", &out); hit || err != nil {
		t.Fatalf("expected nil store miss, got hit=%v err=%v", hit, err)
	}
	if err := store.SetJSON("k", out, time.Minute); err != nil {
		t.Fatalf("expected nil store write to be ignored: %v", err)
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set(key, []byte(`{"ok":true}`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(key)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestCachePragmasApplyToEveryConnection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.db.Conn(ctx)
	if err != nil {
		t.Fatalf("first conn: %v", err)
	}
	defer first.Close()
	second, err := store.db.Conn(ctx)
	if err != nil {
		t.Fatalf("second conn: %v", err)
	}
	defer second.Close()

	for i, conn := range []interface {
		QueryRowContext(context.Context, string, ...any) *sql.Row
	}{first, second} {
		var timeout int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		if timeout != 5000 {
			t.Fatalf("conn %d busy_timeout = %d, want 5000", i, timeout)
		}
		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if mode != "wal" {
			t.Fatalf("conn %d journal_mode = %q, want wal", i, mode)
		}
	}
}
