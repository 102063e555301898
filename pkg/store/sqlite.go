package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteBackend stores keyed blobs in a single sqlite table.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = &SQLiteBackend{}

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, errors.New("sqlite backend: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite backend: open")
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout so a reader and a
// writer can coexist without transient SQLITE_BUSY failures.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite backend: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (b *SQLiteBackend) migrate() error {
	if b == nil || b.db == nil {
		return errors.New("sqlite backend: db is nil")
	}
	_, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS kv_blobs (
	  key TEXT PRIMARY KEY,
	  value BLOB NOT NULL,
	  updated_at_ms INTEGER NOT NULL
	);`)
	if err != nil {
		return errors.Wrap(err, "sqlite backend: migrate")
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b == nil || b.db == nil {
		return nil, false, errors.New("sqlite backend: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv_blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite backend: get")
	}
	return value, true, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, key string, value []byte) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite backend: db is nil")
	}
	if key == "" {
		return errors.New("sqlite backend: key is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv_blobs(key, value, updated_at_ms) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		  value = excluded.value,
		  updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite backend: put")
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite backend: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv_blobs WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, "sqlite backend: delete")
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
