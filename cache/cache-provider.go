package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store persists cache entries by key.
// Put must replace an existing entry for the same key atomically,
// so concurrent first renders of one page end with the last write.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the entry has expired, the boolean should be false.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	Put(ctx context.Context, entry CacheEntry) error
	// Invalidate removes the entry for the given key.
	// Invalidating a missing key is not an error.
	Invalidate(ctx context.Context, key string) error
	// Keys calls the given callback for each key with the given prefix.
	Keys(ctx context.Context, prefix string, cb func(string)) error
}

type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]CacheEntry
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]CacheEntry),
	}
}

func (m MemStore) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	entry, ok := m.db[key]
	m.mutex.RUnlock()
	if !ok || entry.IsExpired() {
		return CacheEntry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (m MemStore) Put(_ context.Context, entry CacheEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Key] = entry.Clone()
	return nil
}

func (m MemStore) Invalidate(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemStore) Keys(_ context.Context, prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	// callback may call back into the store
	for _, key := range keys {
		cb(key)
	}
	return nil
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens a store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			created_at INTEGER,
			expires INTEGER,
			entry BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON entries (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	var expires int64
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT expires, entry FROM entries WHERE key = ?", key).Scan(&expires, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "get").Inc()
		return CacheEntry{}, false, fmt.Errorf("sqlite get: %w", err)
	}
	if expires > 0 && time.Now().After(time.Unix(expires, 0)) {
		return CacheEntry{}, false, nil
	}
	entry, err := decodeEntry(data)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "get").Inc()
		return CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (s SQLiteStore) Put(ctx context.Context, entry CacheEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	var expires int64
	if !entry.Expires.IsZero() {
		expires = entry.Expires.Unix()
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(key, created_at, expires, entry) VALUES (?, ?, ?, ?)`,
		entry.Key, entry.CreatedAt.Unix(), expires, data)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (s SQLiteStore) Invalidate(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		StoreErrors.WithLabelValues("sqlite", "invalidate").Inc()
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s SQLiteStore) Keys(ctx context.Context, prefix string, cb func(string)) error {
	query, args := "SELECT key FROM entries", []any{}
	if prefix != "" {
		query, args = query+" WHERE instr(key, ?) = 1", []any{prefix}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "keys").Inc()
		return fmt.Errorf("sqlite keys: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("sqlite keys: %w", err)
	}
	rows.Close()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// Close closes the underlying database.
func (s SQLiteStore) Close() error {
	return s.db.Close()
}
