package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gatewave.org/internal/obs"
	"gatewave.org/internal/store"
)

const (
	// Kind is the store namespace for connection records.
	Kind = "connection"
	// IndexUser is the secondary index over the owning user id.
	IndexUser = "user_id"

	defaultTTL = 2 * time.Hour
)

// Registry owns connection records in the durable store. It is stateless
// between calls; every operation is a store round trip.
type Registry struct {
	store store.Store
	now   func() time.Time
	ttl   time.Duration
	rec   obs.Recorder
}

// Option configures Registry.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithTTL sets the idle TTL applied to new connections.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl >= MinTTL && ttl <= MaxTTL {
			r.ttl = ttl
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(rec obs.Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// NewRegistry constructs a Registry over the given store.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		now:   time.Now,
		ttl:   defaultTTL,
		rec:   obs.NopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a record for a freshly connected socket. A live record
// under the same id fails with ErrDuplicate; an expired leftover is
// replaced, since transport ids are never reused for live connections.
func (r *Registry) Register(ctx context.Context, id string) (Connection, error) {
	conn, err := New(id, r.now(), r.ttl)
	if err != nil {
		return Connection{}, err
	}
	rec, err := encode(conn)
	if err != nil {
		return Connection{}, err
	}
	if err := r.store.Put(ctx, Kind, rec, store.IfNotExists()); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			r.rec.Record("gateway_connections_total", 1, map[string]string{"event": "register", "outcome": "duplicate"})
			return Connection{}, ErrDuplicate
		}
		return Connection{}, fmt.Errorf("register %s: %w", id, err)
	}
	r.rec.Record("gateway_connections_total", 1, map[string]string{"event": "register", "outcome": "ok"})
	return conn, nil
}

// Get loads a live connection.
func (r *Registry) Get(ctx context.Context, id string) (Connection, error) {
	conn, _, err := r.load(ctx, id)
	return conn, err
}

// Authenticate binds the connection to a verified user. The write is
// conditional on the version observed during the read so a concurrent
// disconnect is never resurrected.
func (r *Registry) Authenticate(ctx context.Context, id, userID string, metadata map[string]string) (Connection, error) {
	conn, version, err := r.load(ctx, id)
	if err != nil {
		return Connection{}, err
	}
	authed, err := conn.WithAuthentication(userID, metadata, r.now())
	if err != nil {
		return Connection{}, err
	}
	rec, err := encode(authed)
	if err != nil {
		return Connection{}, err
	}
	if err := r.store.Update(ctx, Kind, rec, store.IfVersion(version)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("authenticate %s: %w", id, err)
	}
	r.rec.Record("gateway_connections_total", 1, map[string]string{"event": "authenticate", "outcome": "ok"})
	return authed, nil
}

// Touch refreshes the activity timestamp. A missing connection is a no-op:
// disconnect races are expected and non-fatal. The write is unconditional
// (last-write-wins is acceptable for activity updates).
func (r *Registry) Touch(ctx context.Context, id string) error {
	conn, _, err := r.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := encode(conn.WithActivity(r.now()))
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, Kind, rec, store.None()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// Remove deletes the connection record. Idempotent: absence is not an
// error, since disconnect cleanup may run twice under retries.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, Kind, id, store.None()); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	r.rec.Record("gateway_connections_total", 1, map[string]string{"event": "remove", "outcome": "ok"})
	return nil
}

// Suspend administratively parks the connection.
func (r *Registry) Suspend(ctx context.Context, id string) (Connection, error) {
	return r.transition(ctx, id, StatusSuspended)
}

// Unsuspend returns a suspended connection to the Connected state; the
// client must re-authenticate before sending messages.
func (r *Registry) Unsuspend(ctx context.Context, id string) (Connection, error) {
	return r.transition(ctx, id, StatusConnected)
}

func (r *Registry) transition(ctx context.Context, id string, to Status) (Connection, error) {
	conn, version, err := r.load(ctx, id)
	if err != nil {
		return Connection{}, err
	}
	next, err := conn.WithStatus(to, r.now())
	if err != nil {
		return Connection{}, err
	}
	if to == StatusConnected {
		// Suspension invalidates any previous binding.
		next.UserID = ""
	}
	rec, err := encode(next)
	if err != nil {
		return Connection{}, err
	}
	if err := r.store.Update(ctx, Kind, rec, store.IfVersion(version)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	return next, nil
}

// ForUser returns the live connections bound to a user.
func (r *Registry) ForUser(ctx context.Context, userID string) ([]Connection, error) {
	recs, err := r.store.QueryByIndex(ctx, Kind, IndexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("query connections for %s: %w", userID, err)
	}
	out := make([]Connection, 0, len(recs))
	for _, rec := range recs {
		conn, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// SweepExpired removes records whose activity TTL has elapsed. It is safe
// to run concurrently and repeatedly; partial progress under cancellation
// is kept, and individual delete failures are left for the next sweep.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.now()
	recs, err := r.store.ScanWithFilter(ctx, Kind, func(rec *store.Record) bool {
		conn, err := decode(rec)
		if err != nil {
			return false
		}
		return conn.Expired(now)
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired connections: %w", err)
	}

	removed := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := r.store.Delete(ctx, Kind, rec.Key, store.None()); err != nil {
			obs.LogEvent("warn", "connection sweep delete failed", map[string]any{
				"connection_id": rec.Key,
				"error":         err.Error(),
			})
			continue
		}
		removed++
	}
	if removed > 0 {
		r.rec.Record("gateway_connections_total", float64(removed), map[string]string{"event": "sweep", "outcome": "ok"})
	}
	return removed, nil
}

func (r *Registry) load(ctx context.Context, id string) (Connection, int64, error) {
	rec, err := r.store.Get(ctx, Kind, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Connection{}, 0, ErrNotFound
		}
		return Connection{}, 0, fmt.Errorf("load %s: %w", id, err)
	}
	conn, err := decode(rec)
	if err != nil {
		return Connection{}, 0, err
	}
	// TTL may have elapsed before any sweep ran; treat as absent.
	if conn.Expired(r.now()) {
		return Connection{}, 0, ErrNotFound
	}
	return conn, rec.Version, nil
}

func encode(c Connection) (*store.Record, error) {
	value, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode connection %s: %w", c.ID, err)
	}
	rec := &store.Record{
		Key:       c.ID,
		Value:     value,
		ExpiresAt: c.ExpiresAt(),
	}
	if c.UserID != "" {
		rec.Indexes = map[string]string{IndexUser: c.UserID}
	}
	return rec, nil
}

func decode(rec *store.Record) (Connection, error) {
	var c Connection
	if err := json.Unmarshal(rec.Value, &c); err != nil {
		return Connection{}, fmt.Errorf("decode connection %s: %w", rec.Key, err)
	}
	return c, nil
}
