package gateway

import (
	"context"
	"errors"
	"sync"
)

// defaultBacklog bounds how many frames may queue per connection before
// the client is considered abusive.
const defaultBacklog = 32

// ErrBacklogFull indicates the connection is pushing frames faster than
// the gateway processes them.
var ErrBacklogFull = errors.New("gateway: frame backlog full")

// Dispatcher serializes frame handling for a single connection. Frames
// from one socket are processed strictly in arrival order, so an auth
// frame always settles before the send that follows it.
type Dispatcher struct {
	gw           *Gateway
	connectionID string
	emit         func(Result)
	frames       chan []byte
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewDispatcher constructs a dispatcher for one connection. emit receives
// each frame's Result on the dispatcher goroutine.
func NewDispatcher(gw *Gateway, connectionID string, emit func(Result)) *Dispatcher {
	return &Dispatcher{
		gw:           gw,
		connectionID: connectionID,
		emit:         emit,
		frames:       make(chan []byte, defaultBacklog),
		stop:         make(chan struct{}),
	}
}

// Enqueue queues one inbound frame. It never blocks; a full backlog is an
// error the transport should treat as a policy violation.
func (d *Dispatcher) Enqueue(raw []byte) error {
	select {
	case d.frames <- raw:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Run processes frames until the context ends, Close is called, or a
// frame's Result demands the connection close.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case raw := <-d.frames:
			res := d.gw.HandleFrame(ctx, d.connectionID, raw)
			d.emit(res)
			if res.Close {
				return
			}
		}
	}
}

// Close stops the dispatcher. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
