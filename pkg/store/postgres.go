package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for shared deployments
// where many worker processes operate against the same state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db. The kv table is expected to exist; Migrate
// creates it for deployments that let the application own its schema.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the kv table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		rev   BIGINT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value, rev FROM kv WHERE key = $1", key)
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

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, rev int64) (int64, error) {
	if rev == 0 {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO kv (key, value, rev) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING", key, value)
		if err != nil {
			return 0, fmt.Errorf("store: insert %s: %w", key, err)
		}
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
		"UPDATE kv SET value = $1, rev = rev + 1 WHERE key = $2 AND rev = $3", value, key, rev)
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

func (s *PostgresStore) Delete(ctx context.Context, key string, rev int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = $1 AND rev = $2", key, rev)
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

func (s *PostgresStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, rev FROM kv WHERE key >= $1 AND key < $2 ORDER BY key", prefix, prefixEnd(prefix))
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
