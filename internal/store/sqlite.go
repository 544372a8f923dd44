package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sessionvault/sessionvault/pkg/models"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
`

// SQLite implements Store backed by a SQLite database. Each Commit runs in a
// single transaction, so a batch lands entirely or not at all.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath and ensures the schema.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL keeps reads cheap while commits are in flight.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Commit(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", models.ErrStoreUnavailable, err)
	}

	for _, op := range ops {
		if op.Tombstone {
			_, err = tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", op.Key)
		} else {
			_, err = tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", op.Key, op.Value)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: write %s: %v", models.ErrStoreUnavailable, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", models.ErrStoreUnavailable, key, err)
	}
	return value, true, nil
}

func (s *SQLite) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	// Range scan on the primary key; strings.HasPrefix guards the edge where
	// prefix ends in 0xff bytes.
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE key >= ? AND key < ?", prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", models.ErrStoreUnavailable, prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", models.ErrStoreUnavailable, err)
		}
		if strings.HasPrefix(key, prefix) {
			out[key] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", models.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
