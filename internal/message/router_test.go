package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"gatewave.org/internal/connection"
	"gatewave.org/internal/store/memory"
)

type fakeSender struct {
	sent map[string][][]byte
	fail map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent: map[string][][]byte{},
		fail: map[string]bool{},
	}
}

func (f *fakeSender) Send(ctx context.Context, connectionID string, payload []byte) error {
	if f.fail[connectionID] {
		return fmt.Errorf("connection %s is gone", connectionID)
	}
	f.sent[connectionID] = append(f.sent[connectionID], payload)
	return nil
}

type routerFixture struct {
	router   *Router
	registry *connection.Registry
	sender   *fakeSender
	clock    *testClock
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(memory.WithClock(clock.Now))
	registry := connection.NewRegistry(st, connection.WithClock(clock.Now))
	sender := newFakeSender()
	return routerFixture{
		router:   NewRouter(st, registry, sender, WithClock(clock.Now)),
		registry: registry,
		sender:   sender,
		clock:    clock,
	}
}

func (f routerFixture) authenticated(t *testing.T, connID, userID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.registry.Register(ctx, connID); err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	meta := map[string]string{connection.MetadataSessionID: sessionID}
	if _, err := f.registry.Authenticate(ctx, connID, userID, meta); err != nil {
		t.Fatalf("authenticate %s: %v", connID, err)
	}
}

func TestAcceptPersistsAndMarksSent(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")

	msg, err := f.router.Accept(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if msg.Status != StatusSent {
		t.Fatalf("expected sent, got %s", msg.Status)
	}
	if msg.UserID != "u1" || msg.SessionID != "ses_1" {
		t.Fatalf("message not attributed: %+v", msg)
	}

	stored, err := f.router.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusSent || stored.Content != "hello" {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
}

func TestAcceptRequiresAuthentication(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)

	if _, err := f.registry.Register(ctx, "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.router.Accept(ctx, "c1", "hello", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for connected-only, got %v", err)
	}
	if _, err := f.router.Accept(ctx, "missing", "hello", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for missing connection, got %v", err)
	}
}

func TestAcceptRejectsInvalidContent(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")

	if _, err := f.router.Accept(ctx, "c1", "   ", ""); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	// Nothing was persisted for the rejected payload.
	msgs, err := f.router.ForSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("for session: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected content must not be stored, got %d messages", len(msgs))
	}
}

func TestDeliverFanOut(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")

	msg, err := f.router.Accept(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.sender.fail["c3"] = true
	res, err := f.router.Deliver(ctx, msg, []string{"c2", "c3", "c4"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != StatusDelivered {
		t.Fatalf("one success is enough for delivered, got %s", res.Status)
	}
	if len(res.Delivered) != 2 || len(res.Failed) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Failed[0].ConnectionID != "c3" {
		t.Fatalf("expected c3 failure, got %+v", res.Failed)
	}

	stored, err := f.router.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusDelivered {
		t.Fatalf("delivery outcome not persisted: %s", stored.Status)
	}

	var got frame
	if err := json.Unmarshal(f.sender.sent["c2"][0], &got); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got.ID != msg.ID || got.Content != "hello" || got.From != "u1" {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestDeliverZeroTargetsFails(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")

	msg, err := f.router.Accept(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	res, err := f.router.Deliver(ctx, msg, nil)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("no targets must fail the message, got %s", res.Status)
	}

	stored, err := f.router.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("failure not persisted: %s", stored.Status)
	}
}

func TestDeliverAllTargetsFail(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")

	msg, err := f.router.Accept(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.sender.fail["c2"] = true
	f.sender.fail["c3"] = true
	res, err := f.router.Deliver(ctx, msg, []string{"c2", "c3"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != StatusFailed || len(res.Failed) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMarkReadAndTerminality(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")

	msg, err := f.router.Accept(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.router.Deliver(ctx, msg, []string{"c1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := f.router.MarkRead(ctx, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := f.router.MarkFailed(ctx, msg.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("read is terminal, got %v", err)
	}
	if err := f.router.MarkRead(ctx, "msg_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForSession(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)
	f.authenticated(t, "c1", "u1", "ses_1")
	f.authenticated(t, "c2", "u2", "ses_2")

	if _, err := f.router.Accept(ctx, "c1", "one", ""); err != nil {
		t.Fatalf("accept one: %v", err)
	}
	if _, err := f.router.Accept(ctx, "c1", "two", ""); err != nil {
		t.Fatalf("accept two: %v", err)
	}
	if _, err := f.router.Accept(ctx, "c2", "other", ""); err != nil {
		t.Fatalf("accept other: %v", err)
	}

	msgs, err := f.router.ForSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("for session: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages for ses_1, got %d", len(msgs))
	}
}
