package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"gatewave.org/internal/store"
)

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec := &store.Record{Key: "c1", Value: []byte(`{}`)}
	if err := s.Put(ctx, "connection", rec, store.IfNotExists()); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}

	dup := &store.Record{Key: "c1", Value: []byte(`{}`)}
	if err := s.Put(ctx, "connection", dup, store.IfNotExists()); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected condition failure, got %v", err)
	}
}

func TestUpdateVersionMismatch(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec := &store.Record{Key: "c1", Value: []byte(`{"a":1}`)}
	if err := s.Put(ctx, "connection", rec, store.IfNotExists()); err != nil {
		t.Fatalf("put: %v", err)
	}

	stale := &store.Record{Key: "c1", Value: []byte(`{"a":2}`)}
	if err := s.Update(ctx, "connection", stale, store.IfVersion(99)); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("expected condition failure, got %v", err)
	}
	if err := s.Update(ctx, "connection", stale, store.IfVersion(1)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if stale.Version != 2 {
		t.Fatalf("expected version 2, got %d", stale.Version)
	}

	if err := s.Update(ctx, "connection", &store.Record{Key: "missing"}, store.None()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec := &store.Record{Key: "c1"}
	if err := s.Put(ctx, "connection", rec, store.None()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "connection", "c1", store.None()); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(ctx, "connection", "c1", store.None()); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestTTLHidesExpiredRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))

	rec := &store.Record{Key: "c1", ExpiresAt: now.Add(time.Minute)}
	if err := s.Put(ctx, "connection", rec, store.IfNotExists()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Get(ctx, "connection", "c1"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "connection", "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found after expiry, got %v", err)
	}

	// The key is reusable once the previous record expired.
	fresh := &store.Record{Key: "c1", ExpiresAt: now.Add(time.Minute)}
	if err := s.Put(ctx, "connection", fresh, store.IfNotExists()); err != nil {
		t.Fatalf("put over expired: %v", err)
	}

	// Sweeps still observe the physical record.
	recs, err := s.ScanWithFilter(ctx, "connection", nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 physical record, got %d", len(recs))
	}
}

func TestQueryByIndex(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, key := range []string{"a", "b"} {
		rec := &store.Record{Key: key, Indexes: map[string]string{"user_id": "u1"}}
		if err := s.Put(ctx, "session", rec, store.None()); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	other := &store.Record{Key: "c", Indexes: map[string]string{"user_id": "u2"}}
	if err := s.Put(ctx, "session", other, store.None()); err != nil {
		t.Fatalf("put c: %v", err)
	}

	recs, err := s.QueryByIndex(ctx, "session", "user_id", "u1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(recs))
	}
}
