// Package hub fan-outs encoded frames to attached connections. It is the
// in-process bridge between the router and whatever transport (WebSocket
// write pumps) drains each connection's outbound channel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gatewave.org/internal/obs"
)

// defaultBuffer bounds the per-connection outbound queue. A full queue
// means the client is too slow to keep up; sends to it fail rather than
// block the router.
const defaultBuffer = 16

// ErrNotAttached indicates no transport is draining the connection.
var ErrNotAttached = errors.New("hub: connection not attached")

// ErrSlowClient indicates the connection's outbound queue is full.
var ErrSlowClient = errors.New("hub: outbound queue full")

// Hub tracks attached connections and their outbound channels.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]chan []byte
	buffer int
	rec    obs.Recorder
}

// Option configures Hub.
type Option func(*Hub)

// WithBuffer sets the per-connection outbound queue depth.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(rec obs.Recorder) Option {
	return func(h *Hub) {
		if rec != nil {
			h.rec = rec
		}
	}
}

// New constructs an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		conns:  make(map[string]chan []byte),
		buffer: defaultBuffer,
		rec:    obs.NopRecorder{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers a connection and returns the channel its write pump
// must drain. Attaching an id twice closes the previous channel first, so
// a stale pump from a dropped transport cannot shadow the live one.
func (h *Hub) Attach(connectionID string) <-chan []byte {
	ch := make(chan []byte, h.buffer)

	h.mu.Lock()
	if prev, ok := h.conns[connectionID]; ok {
		close(prev)
	}
	h.conns[connectionID] = ch
	h.mu.Unlock()

	obs.ConnectionAttached()
	return ch
}

// Detach unregisters the connection and closes its channel. Detaching an
// unknown id is a no-op.
func (h *Hub) Detach(connectionID string) {
	h.mu.Lock()
	ch, ok := h.conns[connectionID]
	if ok {
		delete(h.conns, connectionID)
		close(ch)
	}
	h.mu.Unlock()

	if ok {
		obs.ConnectionDetached()
	}
}

// Send queues a frame for one connection. It never blocks: an absent
// connection or a full queue is reported as an error so the router can
// count the target as failed.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The read lock must cover the send itself: Detach closes the channel
	// under the write lock, so releasing early would allow a send on a
	// closed channel.
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, connectionID)
	}

	select {
	case ch <- payload:
		return nil
	default:
		h.rec.Record("gateway_hub_drops_total", 1, map[string]string{"reason": "slow_client"})
		return fmt.Errorf("%w: %s", ErrSlowClient, connectionID)
	}
}

// Attached reports whether a transport is currently draining the connection.
func (h *Hub) Attached(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connectionID]
	return ok
}

// Broadcast queues a frame for every attached connection, dropping it for
// connections whose queue is full.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.conns {
		select {
		case ch <- payload:
		default:
			h.rec.Record("gateway_hub_drops_total", 1, map[string]string{"reason": "slow_client"})
		}
	}
}

// Size returns the number of attached connections.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
