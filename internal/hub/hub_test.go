package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSendDeliversToAttached(t *testing.T) {
	ctx := context.Background()
	h := New()

	ch := h.Attach("c1")
	if err := h.Send(ctx, "c1", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := string(<-ch); got != "hello" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func TestSendToUnattached(t *testing.T) {
	ctx := context.Background()
	h := New()
	if err := h.Send(ctx, "ghost", []byte("x")); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestSendToSlowClient(t *testing.T) {
	ctx := context.Background()
	h := New(WithBuffer(1))

	h.Attach("c1")
	if err := h.Send(ctx, "c1", []byte("one")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	// Nobody drains the channel; the second send must fail fast.
	if err := h.Send(ctx, "c1", []byte("two")); !errors.Is(err, ErrSlowClient) {
		t.Fatalf("expected ErrSlowClient, got %v", err)
	}
}

func TestDetachClosesChannel(t *testing.T) {
	ctx := context.Background()
	h := New()

	ch := h.Attach("c1")
	h.Detach("c1")
	if _, open := <-ch; open {
		t.Fatalf("channel must be closed after detach")
	}
	if err := h.Send(ctx, "c1", []byte("x")); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached after detach, got %v", err)
	}
	// Detaching again is fine.
	h.Detach("c1")
}

func TestReattachReplacesPump(t *testing.T) {
	h := New()

	old := h.Attach("c1")
	fresh := h.Attach("c1")
	if _, open := <-old; open {
		t.Fatalf("previous channel must be closed on reattach")
	}

	if err := h.Send(context.Background(), "c1", []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := string(<-fresh); got != "hi" {
		t.Fatalf("unexpected payload: %q", got)
	}
	if h.Size() != 1 {
		t.Fatalf("expected 1 attached connection, got %d", h.Size())
	}
}

func TestSendDuringDetachChurn(t *testing.T) {
	ctx := context.Background()
	h := New(WithBuffer(1))

	// Senders race the attach/detach cycle below. A send that lands on a
	// channel while Detach closes it would panic the process.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = h.Send(ctx, "c1", []byte("x"))
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		h.Attach("c1")
		h.Detach("c1")
	}

	close(stop)
	wg.Wait()

	if h.Size() != 0 {
		t.Fatalf("expected no attached connections, got %d", h.Size())
	}
}

func TestBroadcast(t *testing.T) {
	h := New(WithBuffer(1))

	c1 := h.Attach("c1")
	c2 := h.Attach("c2")
	h.Broadcast([]byte("all"))

	for name, ch := range map[string]<-chan []byte{"c1": c1, "c2": c2} {
		select {
		case got := <-ch:
			if string(got) != "all" {
				t.Fatalf("%s: unexpected payload %q", name, got)
			}
		default:
			t.Fatalf("%s: expected broadcast payload", name)
		}
	}
}
