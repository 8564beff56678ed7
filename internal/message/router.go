package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gatewave.org/internal/connection"
	"gatewave.org/internal/ids"
	"gatewave.org/internal/obs"
	"gatewave.org/internal/store"
)

const (
	// Kind is the store namespace for message records.
	Kind = "message"
	// IndexSession is the secondary index over the owning session id.
	IndexSession = "session_id"

	// retention bounds how long delivered history stays in the store.
	defaultRetention = 30 * 24 * time.Hour
)

// Sender pushes an encoded frame to a single live connection. The hub
// implements it; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// DeliveryFailure names one target that could not be reached and why.
type DeliveryFailure struct {
	ConnectionID string `json:"connection_id"`
	Reason       string `json:"reason"`
}

// DeliveryResult summarises a fan-out: which targets got the frame and
// which did not. Partial failure is not an error; the message is
// Delivered as long as at least one target succeeded.
type DeliveryResult struct {
	MessageID string            `json:"message_id"`
	Delivered []string          `json:"delivered"`
	Failed    []DeliveryFailure `json:"failed,omitempty"`
	Status    Status            `json:"status"`
}

// Router accepts inbound messages from authenticated connections and
// routes them to target connections.
type Router struct {
	store     store.Store
	registry  *connection.Registry
	sender    Sender
	now       func() time.Time
	rec       obs.Recorder
	retention time.Duration
}

// Option configures Router.
type Option func(*Router)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Router) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(rec obs.Recorder) Option {
	return func(r *Router) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// WithRetention sets how long message records are kept before store-level
// TTL reclaims them.
func WithRetention(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.retention = d
		}
	}
}

// NewRouter constructs a Router.
func NewRouter(st store.Store, registry *connection.Registry, sender Sender, opts ...Option) *Router {
	r := &Router{
		store:     st,
		registry:  registry,
		sender:    sender,
		now:       time.Now,
		rec:       obs.NopRecorder{},
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Accept validates an inbound payload from the given connection, persists
// it, and marks it Sent. The connection must hold a bound session; a
// missing or unauthenticated connection is rejected before any validation,
// and content rejections are returned to the caller so the sender hears
// about them.
func (r *Router) Accept(ctx context.Context, connectionID, content, replyTo string) (Message, error) {
	conn, err := r.registry.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return Message{}, ErrUnauthenticated
		}
		return Message{}, fmt.Errorf("accept on %s: %w", connectionID, err)
	}
	if conn.Status != connection.StatusAuthenticated {
		return Message{}, ErrUnauthenticated
	}

	msg, err := New(ids.Message(), content, TypeUser, conn.UserID, conn.SessionID(), r.now())
	if err != nil {
		r.rec.Record("gateway_messages_total", 1, map[string]string{"event": "rejected"})
		return Message{}, err
	}
	msg.ReplyToMessageID = replyTo

	rec, err := encode(msg, r.now().Add(r.retention))
	if err != nil {
		return Message{}, err
	}
	if err := r.store.Put(ctx, Kind, rec, store.IfNotExists()); err != nil {
		return Message{}, fmt.Errorf("persist message %s: %w", msg.ID, err)
	}

	sent, err := msg.WithStatus(StatusSent)
	if err != nil {
		return Message{}, err
	}
	if err := r.write(ctx, sent, store.IfVersion(rec.Version)); err != nil {
		return Message{}, err
	}

	// Inbound traffic counts as activity on the connection.
	if err := r.registry.Touch(ctx, connectionID); err != nil {
		obs.LogEvent("warn", "activity refresh failed", map[string]any{
			"connection_id": connectionID,
			"error":         err.Error(),
		})
	}

	r.rec.Record("gateway_messages_total", 1, map[string]string{"event": "accepted"})
	return sent, nil
}

// Deliver fans the message out to the target connections. One successful
// send is enough to count the message Delivered; zero targets or a full
// fan-out failure marks it Failed. Either way the outcome is persisted and
// reported, never silently dropped.
func (r *Router) Deliver(ctx context.Context, msg Message, targets []string) (DeliveryResult, error) {
	result := DeliveryResult{MessageID: msg.ID}
	frame, err := buildFrame(msg)
	if err != nil {
		return result, err
	}

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.sender.Send(ctx, target, frame); err != nil {
			result.Failed = append(result.Failed, DeliveryFailure{
				ConnectionID: target,
				Reason:       err.Error(),
			})
			continue
		}
		result.Delivered = append(result.Delivered, target)
	}

	final := StatusDelivered
	if len(result.Delivered) == 0 {
		final = StatusFailed
	}
	if err := r.setStatus(ctx, msg.ID, final); err != nil {
		return result, err
	}
	result.Status = final

	r.rec.Record("gateway_messages_total", 1, map[string]string{"event": string(final)})
	if final == StatusFailed {
		obs.LogEvent("warn", "message delivery failed", map[string]any{
			"message_id": msg.ID,
			"targets":    len(targets),
		})
	}
	return result, nil
}

// Get loads a message by id.
func (r *Router) Get(ctx context.Context, id string) (Message, error) {
	msg, _, err := r.load(ctx, id)
	return msg, err
}

// ForSession returns the stored messages attributed to a session.
func (r *Router) ForSession(ctx context.Context, sessionID string) ([]Message, error) {
	recs, err := r.store.QueryByIndex(ctx, Kind, IndexSession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", sessionID, err)
	}
	msgs := make([]Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := decode(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkRead records a read receipt for the message.
func (r *Router) MarkRead(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusRead)
}

// MarkFailed force-fails a message, typically from an operator action.
func (r *Router) MarkFailed(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusFailed)
}

func (r *Router) setStatus(ctx context.Context, id string, to Status) error {
	msg, version, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	next, err := msg.WithStatus(to)
	if err != nil {
		return err
	}
	return r.write(ctx, next, store.IfVersion(version))
}

func (r *Router) load(ctx context.Context, id string) (Message, int64, error) {
	rec, err := r.store.Get(ctx, Kind, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Message{}, 0, ErrNotFound
		}
		return Message{}, 0, fmt.Errorf("load message %s: %w", id, err)
	}
	msg, err := decode(rec)
	if err != nil {
		return Message{}, 0, err
	}
	return msg, rec.Version, nil
}

func (r *Router) write(ctx context.Context, msg Message, cond store.Condition) error {
	rec, err := encode(msg, r.now().Add(r.retention))
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, Kind, rec, cond); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("write message %s: %w", msg.ID, err)
	}
	return nil
}

// frame is the wire shape pushed to receiving connections.
type frame struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func buildFrame(msg Message) ([]byte, error) {
	out, err := json.Marshal(frame{
		Kind:      "message",
		ID:        msg.ID,
		From:      msg.UserID,
		Type:      msg.Type,
		Content:   msg.Content,
		ReplyTo:   msg.ReplyToMessageID,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", msg.ID, err)
	}
	return out, nil
}

func encode(msg Message, expires time.Time) (*store.Record, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	rec := &store.Record{
		Key:       msg.ID,
		Value:     value,
		ExpiresAt: expires,
	}
	if msg.SessionID != "" {
		rec.Indexes = map[string]string{IndexSession: msg.SessionID}
	}
	return rec, nil
}

func decode(rec *store.Record) (Message, error) {
	var msg Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", rec.Key, err)
	}
	return msg, nil
}
