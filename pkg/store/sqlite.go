package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. Suitable for single
// node deployments where durability across process restarts is required
// but no external infrastructure is available.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the kv table if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// SQLite handles one writer at a time; avoid lock contention errors.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		rev   INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value, rev FROM kv WHERE key = ?", key)
	rec := Record{Key: key}
	err := row.Scan(&rec.Value, &rec.Rev)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s: %w", key, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, rev int64) (int64, error) {
	if rev == 0 {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO kv (key, value, rev) VALUES (?, ?, 1) ON CONFLICT (key) DO NOTHING", key, value)
		if err != nil {
			return 0, fmt.Errorf("store: insert %s: %w", key, err)
		}
		// ON CONFLICT DO NOTHING reports zero rows affected when the key
		// already exists, which is exactly a failed create-only write.
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrRevisionMismatch
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE kv SET value = ?, rev = rev + 1 WHERE key = ? AND rev = ?", value, key, rev)
	if err != nil {
		return 0, fmt.Errorf("store: update %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrRevisionMismatch
	}
	return rev + 1, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string, rev int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ? AND rev = ?", key, rev)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, key); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrRevisionMismatch
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, rev FROM kv WHERE key >= ? AND key < ? ORDER BY key", prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Rev); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// prefixEnd returns the smallest key strictly greater than every key with
// the given prefix, for half-open range scans.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return "\xff\xff\xff\xff"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}
