package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gatewave.org/internal/gateway"
	"gatewave.org/internal/obs"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxFrameSize caps inbound frames; content is limited to 10k
	// characters, so anything larger is abuse.
	maxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Authentication is token-based inside the protocol, not cookie-based,
	// so cross-origin upgrades carry no ambient credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func closeCode(reason string) int {
	switch reason {
	case gateway.ReasonUnauthorized, gateway.ReasonPolicy:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// WebSocket upgrades the request and runs the connection until the client
// goes away or the gateway closes it.
func (a *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	connID := uuid.NewString()
	if err := a.gw.HandleConnect(r.Context(), connID); err != nil {
		obs.LogEvent("error", "connect failed", map[string]any{
			"connection_id": connID,
			"error":         err.Error(),
		})
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	out := a.hub.Attach(connID)
	replies := make(chan gateway.Result, 8)
	d := gateway.NewDispatcher(a.gw, connID, emitTo(ctx, replies))

	go d.Run(ctx)
	go writePump(ctx, cancel, ws, out, replies)
	readPump(ws, d)

	cancel()
	d.Close()
	a.hub.Detach(connID)
	a.gw.HandleDisconnect(context.WithoutCancel(r.Context()), connID)
	_ = ws.Close()
}

// emitTo forwards dispatcher results into the write pump's reply channel.
// The pump may already be gone when a result lands, so the send must yield
// to the connection context or the dispatcher goroutine leaks.
func emitTo(ctx context.Context, replies chan<- gateway.Result) func(gateway.Result) {
	return func(res gateway.Result) {
		select {
		case replies <- res:
		case <-ctx.Done():
		}
	}
}

func readPump(ws *websocket.Conn, d *gateway.Dispatcher) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := d.Enqueue(raw); err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many inflight frames"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func writePump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, out <-chan []byte, replies <-chan gateway.Result) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Closing the socket unblocks the read pump when the write side quits.
	defer func() { _ = ws.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		case frame, ok := <-out:
			if !ok {
				// Detached, or a newer transport took over the id.
				cancel()
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				cancel()
				return
			}
		case res := <-replies:
			if len(res.Reply) > 0 {
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, res.Reply); err != nil {
					cancel()
					return
				}
			}
			if res.Close {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCode(res.Reason), res.Reason),
					time.Now().Add(writeWait))
				cancel()
				return
			}
		}
	}
}
