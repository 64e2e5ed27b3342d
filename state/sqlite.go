package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL,
	created  INTEGER NOT NULL,
	modified INTEGER NOT NULL,
	expires  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS locks (
	key     TEXT PRIMARY KEY,
	owner   TEXT NOT NULL,
	expires INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL
);

INSERT OR IGNORE INTO meta (id, revision) VALUES (1, 0);
`

// SQLiteStore implements StateStore on a single SQLite file.
// Several processes on one host may share the file; watch notifications
// are only delivered for writes made through the same SQLiteStore.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool

	mu       sync.Mutex
	watchers []*watcher
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create parent directories: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
	return openSQLite(ctx, connStr)
}

// NewSQLiteMemoryStore opens a private in-memory database. Used in tests.
func NewSQLiteMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Writers are serialized; one connection keeps read-modify-write simple.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// nextRevision bumps the store-wide revision counter inside tx.
func nextRevision(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var rev uint64
	err := tx.QueryRowContext(ctx,
		`UPDATE meta SET revision = revision + 1 WHERE id = 1 RETURNING revision`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	return rev, nil
}

// withTx runs fn in a transaction and commits it unless fn fails.
func (s *SQLiteStore) withTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := s.ctx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load reads a live entry along with its expiry.
func (s *SQLiteStore) load(ctx context.Context, q rowQuerier, key string) (*KeyValue, time.Time, error) {
	var (
		kv                         KeyValue
		created, modified, expires int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT value, revision, created, modified, expires FROM kv WHERE key = ?`, key).
		Scan(&kv.Value, &kv.Revision, &created, &modified, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("select: %w", err)
	}
	if expires != 0 && time.Now().UnixNano() >= expires {
		return nil, time.Time{}, ErrNotFound
	}
	kv.Key = key
	kv.Operation = OpPut
	kv.Created = fromNanos(created)
	kv.Modified = fromNanos(modified)
	return &kv, fromNanos(expires), nil
}

// Get retrieves a value by key.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *SQLiteStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()
	kv, _, err := s.load(ctx, s.db, key)
	return kv, err
}

// write upserts key inside tx and returns the stored entry.
func (s *SQLiteStore) write(ctx context.Context, tx *sql.Tx, key string, value []byte, expires time.Time) (*KeyValue, error) {
	rev, err := nextRevision(ctx, tx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, revision, created, modified, expires)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			modified = excluded.modified,
			expires = excluded.expires`,
		key, value, rev, now.UnixNano(), now.UnixNano(), nanos(expires))
	if err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}
	val := make([]byte, len(value))
	copy(val, value)
	return &KeyValue{Key: key, Value: val, Revision: rev, Operation: OpPut, Modified: now}, nil
}

// Put stores a value with optional TTL.
func (s *SQLiteStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	var stored *KeyValue
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		var err error
		stored, err = s.write(ctx, tx, key, value, expires)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(stored)
	return nil
}

// Create stores a value only if the key is absent (or expired).
func (s *SQLiteStore) Create(key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var stored *KeyValue
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		if _, _, err := s.load(ctx, tx, key); err == nil {
			return ErrKeyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		var err error
		stored, err = s.write(ctx, tx, key, value, time.Time{})
		return err
	})
	if err != nil {
		return err
	}
	s.notify(stored)
	return nil
}

// Update atomically rewrites an existing key.
func (s *SQLiteStore) Update(key string, fn UpdateFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var stored *KeyValue
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		cur, expires, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur.Value)
		if err != nil {
			return err
		}
		stored, err = s.write(ctx, tx, key, next, expires)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(stored)
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	var deleted bool
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if deleted {
		s.notify(&KeyValue{Key: key, Operation: OpDelete, Modified: time.Now()})
	}
	return nil
}

// Keys returns all live keys matching a pattern.
func (s *SQLiteStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ctx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE expires = 0 OR expires > ? ORDER BY key`, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// Watch watches for changes made through this store.
func (s *SQLiteStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ch := make(chan *KeyValue, 64)
	s.mu.Lock()
	s.watchers = append(s.watchers, &watcher{pattern: pattern, ch: ch})
	s.mu.Unlock()
	return ch, nil
}

func (s *SQLiteStore) notify(kv *KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		if w.closed.Load() || !MatchPattern(w.pattern, kv.Key) {
			continue
		}
		select {
		case w.ch <- kv:
		default:
			// Channel full, drop notification
		}
	}
}

// Lock acquires a lock row. An expired row is taken over.
func (s *SQLiteStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lock := &sqliteLock{store: s, key: key, owner: uuid.NewString(), ttl: ttl}
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO locks (key, owner, expires) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires = excluded.expires
			WHERE locks.expires <= ?`,
			key, lock.owner, now.Add(ttl).UnixNano(), now.UnixNano())
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockHeld
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Close shuts down the store.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.mu.Unlock()
	return s.db.Close()
}

// sqliteLock implements Lock for SQLiteStore.
type sqliteLock struct {
	store    *SQLiteStore
	key      string
	owner    string
	ttl      time.Duration
	released atomic.Bool
}

// Unlock deletes the lock row if this holder still owns it.
func (l *sqliteLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return ErrClosed
	}
	return l.store.withTx(func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, l.key, l.owner)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockNotHeld
		}
		return nil
	})
}

// Refresh extends the lock if it is still owned and unexpired.
func (l *sqliteLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return ErrClosed
	}
	err := l.store.withTx(func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE locks SET expires = ? WHERE key = ? AND owner = ? AND expires > ?`,
			now.Add(l.ttl).UnixNano(), l.key, l.owner, now.UnixNano())
		if err != nil {
			return fmt.Errorf("refresh lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockExpired
		}
		return nil
	})
	if errors.Is(err, ErrLockExpired) {
		l.released.Store(true)
	}
	return err
}

// Key returns the lock key.
func (l *sqliteLock) Key() string {
	return l.key
}

// Owner returns the holder token.
func (l *sqliteLock) Owner() string {
	return l.owner
}
