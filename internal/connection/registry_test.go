package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"gatewave.org/internal/store/memory"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(memory.WithClock(clock.Now))
	reg := NewRegistry(st, WithClock(clock.Now), WithTTL(10*time.Minute))
	return reg, clock
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	conn, err := reg.Register(ctx, "c3")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if conn.Status != StatusConnected || conn.UserID != "" {
		t.Fatalf("unexpected fresh connection: %+v", conn)
	}

	if _, err := reg.Register(ctx, "c3"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRegisterReplacesExpiredRecord(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t)

	if _, err := reg.Register(ctx, "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(11 * time.Minute)

	// The old id expired without a disconnect; a new CONNECT allocates a
	// fresh record rather than failing.
	conn, err := reg.Register(ctx, "c1")
	if err != nil {
		t.Fatalf("register over expired: %v", err)
	}
	if !conn.ConnectedAt.Equal(clock.Now()) {
		t.Fatalf("expected fresh connectedAt, got %v", conn.ConnectedAt)
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t)

	if _, err := reg.Register(ctx, "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(time.Minute)

	conn, err := reg.Authenticate(ctx, "c1", "u1", map[string]string{MetadataSessionID: "ses_1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if conn.Status != StatusAuthenticated || conn.UserID != "u1" {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	if conn.SessionID() != "ses_1" {
		t.Fatalf("session metadata lost: %+v", conn.Metadata)
	}
	if !conn.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("authenticate must refresh activity: %v", conn.LastActivityAt)
	}

	if _, err := reg.Authenticate(ctx, "ghost", "u1", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchMissingIsNoOp(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	if err := reg.Touch(ctx, "never-registered"); err != nil {
		t.Fatalf("touch of a missing connection must be a no-op, got %v", err)
	}
}

func TestTouchRefreshesActivity(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t)

	if _, err := reg.Register(ctx, "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(9 * time.Minute)
	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clock.Advance(9 * time.Minute)

	// Without the touch the record would have expired by now.
	if _, err := reg.Get(ctx, "c1"); err != nil {
		t.Fatalf("expected touched connection to stay live: %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	if _, err := reg.Register(ctx, "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Remove(ctx, "c1"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := reg.Remove(ctx, "c1"); err != nil {
		t.Fatalf("second remove must not error: %v", err)
	}
	if _, err := reg.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no record after remove, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		if _, err := reg.Register(ctx, fmt.Sprintf("old-%d", i)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	clock.Advance(11 * time.Minute)
	if _, err := reg.Register(ctx, "fresh"); err != nil {
		t.Fatalf("register fresh: %v", err)
	}

	removed, err := reg.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if _, err := reg.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh connection must survive the sweep: %v", err)
	}

	// Sweeps are safe to repeat.
	removed, err = reg.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected idempotent sweep, removed %d", removed)
	}
}

func TestSuspendAndUnsuspend(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	if _, err := reg.Register(ctx, "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Authenticate(ctx, "c1", "u1", nil); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	conn, err := reg.Suspend(ctx, "c1")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if conn.Status != StatusSuspended {
		t.Fatalf("expected suspended, got %s", conn.Status)
	}

	// A suspended connection cannot be re-authenticated in place.
	if _, err := reg.Authenticate(ctx, "c1", "u1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	conn, err = reg.Unsuspend(ctx, "c1")
	if err != nil {
		t.Fatalf("unsuspend: %v", err)
	}
	if conn.Status != StatusConnected || conn.UserID != "" {
		t.Fatalf("unsuspend must reset the binding: %+v", conn)
	}
}

func TestForUser(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	for _, id := range []string{"c1", "c2"} {
		if _, err := reg.Register(ctx, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if _, err := reg.Authenticate(ctx, id, "u1", nil); err != nil {
			t.Fatalf("authenticate %s: %v", id, err)
		}
	}
	if _, err := reg.Register(ctx, "c3"); err != nil {
		t.Fatalf("register c3: %v", err)
	}

	conns, err := reg.ForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for u1, got %d", len(conns))
	}
}

// TestAuthenticatedImpliesUserID drives a random operation sequence and
// checks the core invariant after every step: a connection observed in the
// Authenticated state always carries a user id.
func TestAuthenticatedImpliesUserID(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t)
	rnd := rand.New(rand.NewSource(42))

	ids := []string{"a", "b", "c", "d"}
	users := []string{"u1", "u2", "u3"}

	for step := 0; step < 500; step++ {
		id := ids[rnd.Intn(len(ids))]
		switch rnd.Intn(6) {
		case 0:
			_, _ = reg.Register(ctx, id)
		case 1:
			_, _ = reg.Authenticate(ctx, id, users[rnd.Intn(len(users))], nil)
		case 2:
			_ = reg.Touch(ctx, id)
		case 3:
			_ = reg.Remove(ctx, id)
		case 4:
			_, _ = reg.Suspend(ctx, id)
			_, _ = reg.Unsuspend(ctx, id)
		case 5:
			clock.Advance(time.Duration(rnd.Intn(120)) * time.Second)
			_, _ = reg.SweepExpired(ctx)
		}

		for _, check := range ids {
			conn, err := reg.Get(ctx, check)
			if err != nil {
				continue
			}
			if conn.Status == StatusAuthenticated && conn.UserID == "" {
				t.Fatalf("step %d: authenticated connection %q without user id", step, check)
			}
		}
	}
}
