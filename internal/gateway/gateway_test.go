package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gatewave.org/internal/bind"
	"gatewave.org/internal/connection"
	"gatewave.org/internal/hub"
	"gatewave.org/internal/identity"
	"gatewave.org/internal/message"
	"gatewave.org/internal/session"
	"gatewave.org/internal/store/memory"
)

type fixture struct {
	gw       *Gateway
	hub      *hub.Hub
	registry *connection.Registry
	provider *identity.JWTProvider
	clock    *testClock
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(memory.WithClock(clock.Now))

	provider, err := identity.NewJWTProvider("test-secret", identity.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	registry := connection.NewRegistry(st, connection.WithClock(clock.Now))
	sessions := session.NewManager(st, session.WithClock(clock.Now))
	binder := bind.New(registry, sessions, provider)
	h := hub.New()
	router := message.NewRouter(st, registry, h, message.WithClock(clock.Now))

	return fixture{
		gw:       New(registry, binder, router),
		hub:      h,
		registry: registry,
		provider: provider,
		clock:    clock,
	}
}

func (f fixture) token(t *testing.T, userID, username string) string {
	t.Helper()
	tok, err := f.provider.IssueToken(userID, username, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f fixture) frame(t *testing.T, connID string, fr ClientFrame) (Result, ServerFrame) {
	t.Helper()
	raw, err := json.Marshal(fr)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	res := f.gw.HandleFrame(context.Background(), connID, raw)
	var reply ServerFrame
	if len(res.Reply) > 0 {
		if err := json.Unmarshal(res.Reply, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
	}
	return res, reply
}

func TestConnectAuthSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, reply := f.frame(t, "c1", ClientFrame{Action: ActionAuth, Token: f.token(t, "u1", "alice")})
	if res.Close {
		t.Fatalf("auth must not close: %s", res.Reason)
	}
	if !reply.OK || reply.SessionID == "" || reply.UserID != "u1" {
		t.Fatalf("unexpected auth reply: %+v", reply)
	}

	res, reply = f.frame(t, "c1", ClientFrame{Action: ActionSend, Content: "hello"})
	if res.Close {
		t.Fatalf("send must not close: %s", res.Reason)
	}
	if !reply.OK || reply.MessageID == "" {
		t.Fatalf("unexpected send reply: %+v", reply)
	}
	// No peers are attached, so the message fails delivery but the send
	// itself is acknowledged.
	if reply.Delivery == nil || reply.Delivery.Status != message.StatusFailed {
		t.Fatalf("expected failed delivery with no peers: %+v", reply.Delivery)
	}
}

func TestSendBeforeAuth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, reply := f.frame(t, "c1", ClientFrame{Action: ActionSend, Content: "hello"})
	if res.Close {
		t.Fatalf("unauthenticated send is a reply, not a close")
	}
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected rejection reply, got %+v", reply)
	}
}

func TestAuthWithBadToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, _ := f.frame(t, "c1", ClientFrame{Action: ActionAuth, Token: "garbage"})
	if !res.Close || res.Reason != ReasonUnauthorized {
		t.Fatalf("expected unauthorized close, got %+v", res)
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res := f.gw.HandleFrame(ctx, "c1", []byte("{not json"))
	if !res.Close || res.Reason != ReasonPolicy {
		t.Fatalf("expected policy close for malformed frame, got %+v", res)
	}

	res, _ = f.frame(t, "c1", ClientFrame{Action: "subscribe"})
	if !res.Close || res.Reason != ReasonPolicy {
		t.Fatalf("expected policy close for unknown action, got %+v", res)
	}
}

func TestSendFansOutToUserPeers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok := f.token(t, "u1", "alice")
	for _, id := range []string{"c1", "c2"} {
		if err := f.gw.HandleConnect(ctx, id); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
		if res, _ := f.frame(t, id, ClientFrame{Action: ActionAuth, Token: tok}); res.Close {
			t.Fatalf("auth %s closed: %s", id, res.Reason)
		}
	}
	peer := f.hub.Attach("c2")

	_, reply := f.frame(t, "c1", ClientFrame{Action: ActionSend, Content: "hello"})
	if !reply.OK || reply.Delivery.Status != message.StatusDelivered {
		t.Fatalf("expected delivery to peer, got %+v", reply)
	}

	select {
	case raw := <-peer:
		var got struct {
			Content string `json:"content"`
			From    string `json:"from"`
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode peer frame: %v", err)
		}
		if got.Content != "hello" || got.From != "u1" {
			t.Fatalf("unexpected peer frame: %+v", got)
		}
	default:
		t.Fatalf("peer received nothing")
	}
}

func TestExplicitTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res, _ := f.frame(t, "c1", ClientFrame{Action: ActionAuth, Token: f.token(t, "u1", "alice")}); res.Close {
		t.Fatalf("auth closed")
	}
	target := f.hub.Attach("c9")

	_, reply := f.frame(t, "c1", ClientFrame{Action: ActionSend, Content: "direct", To: []string{"c9"}})
	if !reply.OK || reply.Delivery.Status != message.StatusDelivered {
		t.Fatalf("expected delivery, got %+v", reply)
	}
	if len(target) != 1 {
		t.Fatalf("expected 1 queued frame, got %d", len(target))
	}
}

func TestPingTouchesConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, reply := f.frame(t, "c1", ClientFrame{Action: ActionPing})
	if res.Close || reply.Kind != "pong" || !reply.OK {
		t.Fatalf("unexpected ping result: %+v %+v", res, reply)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.gw.HandleDisconnect(ctx, "c1")
	if _, err := f.registry.Get(ctx, "c1"); err == nil {
		t.Fatalf("connection must be gone after disconnect")
	}
}
