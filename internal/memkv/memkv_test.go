package memkv

import (
	"context"
	"testing"
)

func TestCreateTransactionBeforeStartFails(t *testing.T) {
	s := New()
	if _, err := s.CreateTransaction(context.Background()); err != ErrNotStarted {
		t.Fatalf("got %v, want ErrNotStarted", err)
	}
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	tx, err := s.CreateTransaction(ctx)
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	if err := tx.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, err := s.CreateTransaction(ctx)
	if err != nil {
		t.Fatalf("create tx2: %v", err)
	}
	v, err := tx2.Get(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("got %q, want v1", v)
	}

	if err := tx2.Delete(ctx, []byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("commit2: %v", err)
	}

	if got := s.Keys(); len(got) != 0 {
		t.Fatalf("expected empty store after delete, got %v", got)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	tx, err := s.CreateTransaction(ctx)
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	if err := tx.Put(ctx, []byte("ghost"), []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got := s.Keys(); len(got) != 0 {
		t.Fatalf("expected rollback to discard pending writes, got %v", got)
	}
}

func TestForEachSeesPendingWritesAndDeletes(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	seed, err := s.CreateTransaction(ctx)
	if err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	if err := seed.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	tx, err := s.CreateTransaction(ctx)
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	if err := tx.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if err := tx.Put(ctx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("put b: %v", err)
	}

	seen := map[string]string{}
	if err := tx.ForEach(ctx, func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	}); err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if _, ok := seen["a"]; ok {
		t.Fatal("deleted key must not be visible within the same transaction")
	}
	if seen["b"] != "2" {
		t.Fatalf("pending write must be visible within the same transaction, got %v", seen)
	}
}
