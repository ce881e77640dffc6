package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/contraparty/internal/cache"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

const lockTimeout = 5 * time.Second

// Store is the sqlite-backed journal of approvals, swaps and posted orders.
// The payload column holds the full action; the other columns exist for
// filtering and lookup.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Statuses []string
	Network  string
	Provider string
	Limit    int
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create action store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create action lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", cache.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open action sqlite: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS swap_actions (
			action_id TEXT PRIMARY KEY,
			intent_type TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			network TEXT NOT NULL DEFAULT '',
			chain_id INTEGER NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			order_uid TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_swap_actions_status_updated ON swap_actions(status, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_swap_actions_tx_hash ON swap_actions(tx_hash);",
		"CREATE INDEX IF NOT EXISTS idx_swap_actions_order_uid ON swap_actions(order_uid);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init action schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts action. Writers from concurrent processes serialize on the
// lock file.
func (s *Store) Save(ctx context.Context, action Action) error {
	if strings.TrimSpace(action.ActionID) == "" {
		return fmt.Errorf("save action: missing action id")
	}
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock action store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock action store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	now := time.Now().UTC().Unix()
	createdUnix := unixOr(action.CreatedAt, now)
	updatedUnix := unixOr(action.UpdatedAt, now)
	txHash, orderUID := latestRefs(action)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swap_actions (action_id, intent_type, provider, status, network, chain_id, tx_hash, order_uid, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			intent_type=excluded.intent_type,
			provider=excluded.provider,
			status=excluded.status,
			network=excluded.network,
			chain_id=excluded.chain_id,
			tx_hash=excluded.tx_hash,
			order_uid=excluded.order_uid,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, action.ActionID, action.IntentType, action.Provider, action.Status, action.Network, action.ChainID,
		strings.ToLower(txHash), strings.ToLower(orderUID), createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, actionID string) (Action, error) {
	return s.one(ctx, "SELECT payload FROM swap_actions WHERE action_id = ?", actionID)
}

// Find resolves ref as an action id, a transaction hash or a CoW order uid.
func (s *Store) Find(ctx context.Context, ref string) (Action, error) {
	ref = strings.TrimSpace(ref)
	action, err := s.Get(ctx, ref)
	if err == nil || !clierr.Is(err, clierr.CodeUsage) {
		return action, err
	}
	lower := strings.ToLower(ref)
	return s.one(ctx, `SELECT payload FROM swap_actions
		WHERE tx_hash = ? OR order_uid = ?
		ORDER BY updated_at DESC LIMIT 1`, ref, lower, lower)
}

func (s *Store) one(ctx context.Context, query, ref string, args ...any) (Action, error) {
	if len(args) == 0 {
		args = []any{ref}
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("action not found: %s", ref))
		}
		return Action{}, fmt.Errorf("read action: %w", err)
	}
	var action Action
	if err := json.Unmarshal(payload, &action); err != nil {
		return Action{}, fmt.Errorf("decode action payload: %w", err)
	}
	return action, nil
}

// List returns actions newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Action, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	var (
		where []string
		args  []any
	)
	if statuses := nonEmpty(filter.Statuses); len(statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")+")")
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	if v := strings.TrimSpace(filter.Network); v != "" {
		where = append(where, "network = ?")
		args = append(args, strings.ToLower(v))
	}
	if v := strings.TrimSpace(filter.Provider); v != "" {
		where = append(where, "provider = ?")
		args = append(args, strings.ToLower(v))
	}
	query := "SELECT payload FROM swap_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		var action Action
		if err := json.Unmarshal(payload, &action); err != nil {
			return nil, fmt.Errorf("decode action row: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return actions, nil
}

// latestRefs returns the most recent transaction hash and order uid the
// action's steps recorded.
func latestRefs(action Action) (txHash, orderUID string) {
	for i := len(action.Steps) - 1; i >= 0; i-- {
		step := action.Steps[i]
		if txHash == "" {
			txHash = step.TxHash
		}
		if orderUID == "" {
			orderUID = step.OrderUID
		}
	}
	return txHash, orderUID
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.ToLower(strings.TrimSpace(item)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func unixOr(v string, fallback int64) int64 {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fallback
	}
	return t.UTC().Unix()
}
