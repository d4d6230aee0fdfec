package statestore

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite
type SQLiteBackend struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteBackend opens (or creates) the store database at dbPath
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=2000&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	b := &SQLiteBackend{db: db}
	if err := b.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries(expires_at);
	`

	_, err := b.db.Exec(query)
	return err
}

// Set upserts an entry. A zero expiresAt stores NULL, meaning no expiry.
func (b *SQLiteBackend) Set(key string, value []byte, expiresAt time.Time) error {
	if b.closed {
		return fmt.Errorf("database store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.retryOnBusy(func() error {
		return b.setWithTransaction(key, value, expiresAt)
	})
}

func (b *SQLiteBackend) setWithTransaction(key string, value []byte, expiresAt time.Time) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	// Use UPSERT instead of REPLACE, which increases lock contention
	query := `
	INSERT INTO entries (key, value, expires_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at
	`

	_, err = tx.Exec(query, key, value, unixOrNil(expiresAt), time.Now())
	if err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}

	return tx.Commit()
}

// Get returns the value and expiry for key, treating expired rows as absent
func (b *SQLiteBackend) Get(key string) ([]byte, time.Time, error) {
	if b.closed {
		return nil, time.Time{}, fmt.Errorf("database store is closed")
	}

	var value []byte
	var expiresAt time.Time
	err := b.retryOnBusy(func() error {
		var err error
		value, expiresAt, err = b.getInternal(key)
		return err
	})
	return value, expiresAt, err
}

func (b *SQLiteBackend) getInternal(key string) ([]byte, time.Time, error) {
	query := `SELECT value, expires_at FROM entries WHERE key = ?`

	var value []byte
	var expiresAt sql.NullInt64
	err := b.db.QueryRow(query, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	if expiresAt.Valid {
		exp := time.Unix(expiresAt.Int64, 0)
		if time.Now().After(exp) {
			return nil, time.Time{}, nil
		}
		return value, exp, nil
	}

	return value, time.Time{}, nil
}

// Delete removes an entry and reports whether one existed
func (b *SQLiteBackend) Delete(key string) (bool, error) {
	if b.closed {
		return false, fmt.Errorf("database store is closed")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var existed bool
	err := b.retryOnBusy(func() error {
		res, err := b.db.Exec(`DELETE FROM entries WHERE key = ?`, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		existed = n > 0
		return nil
	})
	return existed, err
}

// Exists reports whether a live entry exists for key
func (b *SQLiteBackend) Exists(key string) (bool, error) {
	value, _, err := b.Get(key)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// Keys returns up to limit live keys (0 means all)
func (b *SQLiteBackend) Keys(limit int) ([]string, error) {
	if b.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	query := `
	SELECT key FROM entries
	WHERE expires_at IS NULL OR expires_at > ?
	ORDER BY updated_at ASC
	`
	args := []interface{}{time.Now().Unix()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// CountKeys returns the number of live entries
func (b *SQLiteBackend) CountKeys() (int64, error) {
	if b.closed {
		return 0, fmt.Errorf("database store is closed")
	}

	var n int64
	err := b.db.QueryRow(
		`SELECT COUNT(*) FROM entries WHERE expires_at IS NULL OR expires_at > ?`,
		time.Now().Unix(),
	).Scan(&n)
	return n, err
}

// Ping verifies the database connection
func (b *SQLiteBackend) Ping() error {
	if b.closed {
		return fmt.Errorf("database store is closed")
	}
	return b.db.Ping()
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	b.closed = true
	return b.db.Close()
}

// retryOnBusy retries the operation if SQLite is busy
func (b *SQLiteBackend) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			// Exponential backoff with a little jitter to reduce contention
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

func unixOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
