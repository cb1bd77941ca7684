package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresPutCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	s := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE kv SET value = $1, rev = rev + 1 WHERE key = $2 AND rev = $3")).
		WithArgs([]byte("v2"), "lease/t1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rev, err := s.Put(ctx, "lease/t1", []byte("v2"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if rev != 4 {
		t.Fatalf("expected rev 4, got %d", rev)
	}

	// Zero rows affected means the precondition failed.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE kv SET value = $1, rev = rev + 1 WHERE key = $2 AND rev = $3")).
		WithArgs([]byte("v3"), "lease/t1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := s.Put(ctx, "lease/t1", []byte("v3"), 3); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCreateOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	s := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv (key, value, rev) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING")).
		WithArgs("task/a", []byte("v")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if _, err := s.Put(context.Background(), "task/a", []byte("v"), 0); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch on existing key, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	s := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value, rev FROM kv WHERE key = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value", "rev"}))

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
