package memory

import (
	"context"
	"errors"
	"testing"

	"msgarchive/internal/domain"
	"msgarchive/internal/storage"
)

func TestTransactionVisibility(t *testing.T) {
	ctx := context.Background()
	s := New()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Insert(ctx, domain.Record{ID: "01", Topic: "a"}); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatalf("uncommitted row visible, len=%d", s.Len())
	}
	if err := tx.Insert(ctx, domain.Record{ID: "01", Topic: "a"}); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d after commit", s.Len())
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("second commit succeeded")
	}
}

func TestDeleteAndLatest(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Put(domain.Record{ID: "01", Topic: "a"})
	s.Put(domain.Record{ID: "03", Topic: "a"})
	s.Put(domain.Record{ID: "09", Topic: "b"})

	id, ok, err := s.LatestID(ctx, "a")
	if err != nil || !ok || id != "03" {
		t.Fatalf("LatestID = %q, %v, %v", id, ok, err)
	}

	n, err := s.Delete(ctx, "b", "03")
	if err != nil || n != 0 {
		t.Fatalf("delete on wrong topic = %d, %v", n, err)
	}
	n, err = s.Delete(ctx, "a", "03")
	if err != nil || n != 1 {
		t.Fatalf("delete = %d, %v", n, err)
	}
}

func TestFailureHooksAndClose(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.FailBegin = boom
	if _, err := s.Begin(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	s.FailBegin = nil
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Begin(ctx); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
