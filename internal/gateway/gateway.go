// Package gateway ties the connection registry, the authentication binder,
// and the message router into a single entry point for transport handlers.
// The transport (WebSocket) stays a thin shell: it forwards connects,
// frames, and disconnects here and writes back whatever this package says.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gatewave.org/internal/bind"
	"gatewave.org/internal/connection"
	"gatewave.org/internal/identity"
	"gatewave.org/internal/message"
	"gatewave.org/internal/obs"
)

// Frame actions accepted from clients.
const (
	ActionAuth = "auth"
	ActionSend = "send"
	ActionPing = "ping"
)

// Close reasons reported to transports when a connection must go.
const (
	ReasonPolicy       = "policy_violation"
	ReasonUnauthorized = "unauthorized"
	ReasonServerError  = "server_error"
)

// ClientFrame is the JSON envelope clients send over the socket.
type ClientFrame struct {
	Action  string   `json:"action"`
	Token   string   `json:"token,omitempty"`
	Content string   `json:"content,omitempty"`
	To      []string `json:"to,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// ServerFrame is the JSON envelope the gateway writes back for control
// traffic. Message fan-out uses the router's own frame shape.
type ServerFrame struct {
	Kind      string                  `json:"kind"`
	OK        bool                    `json:"ok"`
	Error     string                  `json:"error,omitempty"`
	SessionID string                  `json:"session_id,omitempty"`
	UserID    string                  `json:"user_id,omitempty"`
	MessageID string                  `json:"message_id,omitempty"`
	Delivery  *message.DeliveryResult `json:"delivery,omitempty"`
}

// Result tells the transport what to do after an event: optionally write a
// reply, and optionally close the connection with a reason.
type Result struct {
	Reply  []byte
	Close  bool
	Reason string
}

// Gateway orchestrates the connection lifecycle.
type Gateway struct {
	registry *connection.Registry
	binder   *bind.Binder
	router   *message.Router
	rec      obs.Recorder
}

// Option configures Gateway.
type Option func(*Gateway)

// WithRecorder sets the metrics sink.
func WithRecorder(rec obs.Recorder) Option {
	return func(g *Gateway) {
		if rec != nil {
			g.rec = rec
		}
	}
}

// New constructs a Gateway.
func New(registry *connection.Registry, binder *bind.Binder, router *message.Router, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		binder:   binder,
		router:   router,
		rec:      obs.NopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleConnect registers a fresh connection record for the transport's id.
func (g *Gateway) HandleConnect(ctx context.Context, connectionID string) error {
	if _, err := g.registry.Register(ctx, connectionID); err != nil {
		return fmt.Errorf("connect %s: %w", connectionID, err)
	}
	obs.LogEvent("info", "connection opened", map[string]any{"connection_id": connectionID})
	return nil
}

// HandleDisconnect tears the connection down. The session, if any, is left
// alone; only the connection record goes.
func (g *Gateway) HandleDisconnect(ctx context.Context, connectionID string) {
	g.binder.Unbind(ctx, connectionID)
	obs.LogEvent("info", "connection closed", map[string]any{"connection_id": connectionID})
}

// HandleFrame processes one inbound frame from the connection. Errors the
// client can act on come back as reply frames; only malformed traffic and
// internal failures close the connection.
func (g *Gateway) HandleFrame(ctx context.Context, connectionID string, raw []byte) Result {
	var fr ClientFrame
	if err := json.Unmarshal(raw, &fr); err != nil {
		g.rec.Record("gateway_frames_total", 1, map[string]string{"action": "malformed"})
		return closeResult(ReasonPolicy, "malformed frame")
	}

	action := strings.ToLower(fr.Action)
	g.rec.Record("gateway_frames_total", 1, map[string]string{"action": action})

	switch action {
	case ActionAuth:
		return g.handleAuth(ctx, connectionID, fr)
	case ActionSend:
		return g.handleSend(ctx, connectionID, fr)
	case ActionPing:
		if err := g.registry.Touch(ctx, connectionID); err != nil {
			obs.LogEvent("warn", "ping touch failed", map[string]any{
				"connection_id": connectionID,
				"error":         err.Error(),
			})
		}
		return replyResult(ServerFrame{Kind: "pong", OK: true})
	default:
		return closeResult(ReasonPolicy, fmt.Sprintf("unknown action %q", fr.Action))
	}
}

func (g *Gateway) handleAuth(ctx context.Context, connectionID string, fr ClientFrame) Result {
	if strings.TrimSpace(fr.Token) == "" {
		return replyResult(ServerFrame{Kind: "auth", Error: "token is required"})
	}

	res, err := g.binder.Bind(ctx, connectionID, fr.Token)
	switch {
	case errors.Is(err, identity.ErrCredentialExpired),
		errors.Is(err, identity.ErrInvalidCredential):
		// Auth failures close the socket so a client cannot brute-force
		// tokens over one connection.
		return closeResult(ReasonUnauthorized, "authentication failed")
	case errors.Is(err, connection.ErrInvalidTransition):
		return closeResult(ReasonPolicy, "connection cannot authenticate")
	case err != nil:
		obs.LogEvent("error", "bind failed", map[string]any{
			"connection_id": connectionID,
			"error":         err.Error(),
		})
		return closeResult(ReasonServerError, "internal error")
	}

	return replyResult(ServerFrame{
		Kind:      "auth",
		OK:        true,
		SessionID: res.Session.ID,
		UserID:    res.User.ID,
	})
}

func (g *Gateway) handleSend(ctx context.Context, connectionID string, fr ClientFrame) Result {
	msg, err := g.router.Accept(ctx, connectionID, fr.Content, fr.ReplyTo)
	switch {
	case errors.Is(err, message.ErrUnauthenticated):
		return replyResult(ServerFrame{Kind: "send", Error: "authenticate first"})
	case errors.Is(err, message.ErrInvalidContent):
		return replyResult(ServerFrame{Kind: "send", Error: err.Error()})
	case err != nil:
		obs.LogEvent("error", "accept failed", map[string]any{
			"connection_id": connectionID,
			"error":         err.Error(),
		})
		return closeResult(ReasonServerError, "internal error")
	}

	targets := fr.To
	if len(targets) == 0 {
		// No explicit targets: fan out to the sender's other connections,
		// which keeps multi-device clients in sync.
		targets, err = g.peerConnections(ctx, msg.UserID, connectionID)
		if err != nil {
			obs.LogEvent("error", "peer lookup failed", map[string]any{
				"connection_id": connectionID,
				"error":         err.Error(),
			})
			return closeResult(ReasonServerError, "internal error")
		}
	}

	delivery, err := g.router.Deliver(ctx, msg, targets)
	if err != nil {
		obs.LogEvent("error", "deliver failed", map[string]any{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return closeResult(ReasonServerError, "internal error")
	}

	return replyResult(ServerFrame{
		Kind:      "send",
		OK:        true,
		MessageID: msg.ID,
		Delivery:  &delivery,
	})
}

func (g *Gateway) peerConnections(ctx context.Context, userID, exclude string) ([]string, error) {
	conns, err := g.registry.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(conns))
	for _, c := range conns {
		if c.ID == exclude || c.Status != connection.StatusAuthenticated {
			continue
		}
		targets = append(targets, c.ID)
	}
	return targets, nil
}

func replyResult(fr ServerFrame) Result {
	out, err := json.Marshal(fr)
	if err != nil {
		return closeResult(ReasonServerError, "internal error")
	}
	return Result{Reply: out}
}

func closeResult(reason, detail string) Result {
	out, _ := json.Marshal(ServerFrame{Kind: "close", Error: detail})
	return Result{Reply: out, Close: true, Reason: reason}
}
