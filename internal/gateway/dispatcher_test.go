package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func mustMarshal(t *testing.T, fr ClientFrame) []byte {
	t.Helper()
	raw, err := json.Marshal(fr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestDispatcherProcessesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	results := make(chan Result, 4)
	d := NewDispatcher(f.gw, "c1", func(r Result) { results <- r })

	// Auth queued before send: the send must see an authenticated connection.
	if err := d.Enqueue(mustMarshal(t, ClientFrame{Action: ActionAuth, Token: f.token(t, "u1", "alice")})); err != nil {
		t.Fatalf("enqueue auth: %v", err)
	}
	if err := d.Enqueue(mustMarshal(t, ClientFrame{Action: ActionSend, Content: "hello"})); err != nil {
		t.Fatalf("enqueue send: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.Run(runCtx)
	defer d.Close()

	var replies []ServerFrame
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.Close {
				t.Fatalf("unexpected close: %s", res.Reason)
			}
			var fr ServerFrame
			if err := json.Unmarshal(res.Reply, &fr); err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			replies = append(replies, fr)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}

	if replies[0].Kind != "auth" || !replies[0].OK {
		t.Fatalf("first reply must be the auth ack: %+v", replies[0])
	}
	if replies[1].Kind != "send" || !replies[1].OK {
		t.Fatalf("second reply must be the send ack: %+v", replies[1])
	}
}

func TestDispatcherStopsOnClosingResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.gw.HandleConnect(ctx, "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	results := make(chan Result, 1)
	d := NewDispatcher(f.gw, "c1", func(r Result) { results <- r })
	if err := d.Enqueue([]byte("{broken")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case res := <-results:
		if !res.Close || res.Reason != ReasonPolicy {
			t.Fatalf("expected policy close, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher must exit after a closing result")
	}
}

func TestDispatcherBacklogLimit(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.gw, "c1", func(Result) {})

	raw := mustMarshal(t, ClientFrame{Action: ActionPing})
	for i := 0; i < defaultBacklog; i++ {
		if err := d.Enqueue(raw); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := d.Enqueue(raw); err != ErrBacklogFull {
		t.Fatalf("expected ErrBacklogFull, got %v", err)
	}
}
