package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// backends under test that need no external infrastructure.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestPutCreateOnly(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rev, err := s.Put(ctx, "a", []byte("1"), 0)
			if err != nil {
				t.Fatal(err)
			}
			if rev != 1 {
				t.Fatalf("expected rev 1, got %d", rev)
			}

			if _, err := s.Put(ctx, "a", []byte("2"), 0); !errors.Is(err, ErrRevisionMismatch) {
				t.Fatalf("expected ErrRevisionMismatch on duplicate create, got %v", err)
			}
		})
	}
}

func TestPutConditional(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rev, _ := s.Put(ctx, "b", []byte("1"), 0)
			rev2, err := s.Put(ctx, "b", []byte("2"), rev)
			if err != nil {
				t.Fatal(err)
			}
			if rev2 != rev+1 {
				t.Fatalf("expected rev %d, got %d", rev+1, rev2)
			}

			// Stale revision must be rejected.
			if _, err := s.Put(ctx, "b", []byte("3"), rev); !errors.Is(err, ErrRevisionMismatch) {
				t.Fatalf("expected ErrRevisionMismatch on stale rev, got %v", err)
			}

			rec, err := s.Get(ctx, "b")
			if err != nil {
				t.Fatal(err)
			}
			if string(rec.Value) != "2" {
				t.Fatalf("stale write must not apply, value = %s", rec.Value)
			}
		})
	}
}

func TestDeleteSemantics(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Delete(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			rev, _ := s.Put(ctx, "c", []byte("1"), 0)
			if err := s.Delete(ctx, "c", rev+5); !errors.Is(err, ErrRevisionMismatch) {
				t.Fatalf("expected ErrRevisionMismatch, got %v", err)
			}
			if err := s.Delete(ctx, "c", rev); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "c"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestScanPrefixOrder(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"task/ns1/3", "task/ns1/1", "task/ns2/2", "timer/x"} {
				if _, err := s.Put(ctx, k, []byte(k), 0); err != nil {
					t.Fatal(err)
				}
			}

			recs, err := s.Scan(ctx, "task/ns1/")
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 2 {
				t.Fatalf("expected 2 records, got %d", len(recs))
			}
			if recs[0].Key != "task/ns1/1" || recs[1].Key != "task/ns1/3" {
				t.Fatalf("expected key order, got %s, %s", recs[0].Key, recs[1].Key)
			}
		})
	}
}

// Exactly one of N concurrent conditional writers may win each revision.
func TestConcurrentCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rev, _ := s.Put(ctx, "contended", []byte("init"), 0)

	const writers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(ctx, "contended", []byte("won"), rev); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one CAS winner, got %d", count)
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := map[string]string{
		"task/":  "task0",
		"a":      "b",
		"a\xff":  "b",
		"":       "\xff\xff\xff\xff",
	}
	for in, want := range cases {
		if got := prefixEnd(in); got != want {
			t.Fatalf("prefixEnd(%q) = %q, want %q", in, got, want)
		}
	}
}
