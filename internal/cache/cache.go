// Package cache is a small sqlite-backed TTL store shared by CLI invocations.
// Writes are serialized across processes with a file lock.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

type Result struct {
	Hit   bool
	Value []byte
	Age   time.Duration
	Stale bool
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY, value BLOB NOT NULL, created_at INTEGER NOT NULL, ttl_seconds INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_ = store.Prune()
	return store, nil
}

// DSN is the sqlite data source for path. The pragmas ride on the DSN so
// every pooled connection waits on a locked database instead of failing,
// and busy_timeout comes first so the WAL switch waits too.
func DSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has expired.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	nowUnix := time.Now().UTC().Unix()
	_, err := s.db.Exec("DELETE FROM cache_entries WHERE created_at + ttl_seconds < ?", nowUnix)
	if err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) (Result, error) {
	var value []byte
	var createdUnix int64
	var ttlSeconds int64
	err := s.db.QueryRow("SELECT value, created_at, ttl_seconds FROM cache_entries WHERE key = ?", key).Scan(&value, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{Hit: false}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	return Result{
		Hit:   true,
		Value: value,
		Age:   age,
		Stale: age > ttl,
	}, nil
}

// GetJSON decodes a fresh entry into out. Stale entries count as misses.
func (s *Store) GetJSON(key string, out any) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res, err := s.Get(key)
	if err != nil || !res.Hit || res.Stale {
		return false, err
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	return s.withLock(func() error {
		createdUnix := time.Now().UTC().Unix()
		ttlSeconds := int64(ttl.Seconds())
		if ttlSeconds <= 0 {
			ttlSeconds = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO cache_entries (key, value, created_at, ttl_seconds)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value=excluded.value,
				created_at=excluded.created_at,
				ttl_seconds=excluded.ttl_seconds
		`, key, value, createdUnix, ttlSeconds)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

func (s *Store) SetJSON(key string, value any, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(key, buf, ttl)
}

// DeletePrefix removes every entry whose key starts with prefix.
func (s *Store) DeletePrefix(prefix string) (int64, error) {
	var removed int64
	err := s.withLock(func() error {
		res, err := s.db.Exec("DELETE FROM cache_entries WHERE substr(key, 1, ?) = ?", len(prefix), prefix)
		if err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *Store) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}
