package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gatewave.org/internal/ids"
	"gatewave.org/internal/obs"
	"gatewave.org/internal/store"
)

const (
	// Kind is the store namespace for session records.
	Kind = "session"
	// IndexUser is the secondary index over the owning user id.
	IndexUser = "user_id"

	// retentionGrace keeps expired session records around long enough for
	// diagnostics before store-level TTL reclaims them.
	retentionGrace = 24 * time.Hour
)

// Manager owns session records in the durable store.
type Manager struct {
	store store.Store
	now   func() time.Time
	rec   obs.Recorder
}

// Option configures Manager.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(rec obs.Recorder) Option {
	return func(m *Manager) {
		if rec != nil {
			m.rec = rec
		}
	}
}

// NewManager constructs a Manager over the given store.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		now:   time.Now,
		rec:   obs.NopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateForUser mints a fresh active session for a verified identity.
func (m *Manager) CreateForUser(ctx context.Context, userID, username string, groups []string, duration time.Duration) (Session, error) {
	s, err := New(ids.Session(), userID, username, groups, m.now(), duration)
	if err != nil {
		return Session{}, err
	}
	rec, err := encode(s)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Put(ctx, Kind, rec, store.IfNotExists()); err != nil {
		return Session{}, fmt.Errorf("create session for %s: %w", userID, err)
	}
	m.rec.Record("gateway_sessions_total", 1, map[string]string{"event": "create"})
	return s, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	s, _, err := m.load(ctx, id)
	return s, err
}

// FindActiveForUser returns the most recently active valid session for the
// user, so reconnects reuse an existing session instead of minting
// duplicates. ErrNotFound means no session qualifies.
func (m *Manager) FindActiveForUser(ctx context.Context, userID string) (Session, error) {
	recs, err := m.store.QueryByIndex(ctx, Kind, IndexUser, userID)
	if err != nil {
		return Session{}, fmt.Errorf("query sessions for %s: %w", userID, err)
	}
	now := m.now()
	var (
		best  Session
		found bool
	)
	for _, rec := range recs {
		s, err := decode(rec)
		if err != nil {
			return Session{}, err
		}
		if !s.Valid(now) {
			continue
		}
		if !found || s.LastActivityAt.After(best.LastActivityAt) {
			best = s
			found = true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best, nil
}

// Extend recomputes the session expiry from now + duration.
func (m *Manager) Extend(ctx context.Context, id string, duration time.Duration) (Session, error) {
	s, version, err := m.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	extended, err := s.WithExtension(m.now(), duration)
	if err != nil {
		return Session{}, err
	}
	if err := m.write(ctx, extended, store.IfVersion(version)); err != nil {
		return Session{}, err
	}
	m.rec.Record("gateway_sessions_total", 1, map[string]string{"event": "extend"})
	return extended, nil
}

// Touch refreshes the activity timestamp only. A missing session is a
// no-op; the write is last-write-wins.
func (m *Manager) Touch(ctx context.Context, id string) error {
	s, _, err := m.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.write(ctx, s.WithActivity(m.now()), store.None()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Deactivate marks the session inactive (explicit logout or admin action).
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusInactive)
}

// Reactivate marks the session active again. Validity is still governed by
// the original expiry; a lapsed session needs an explicit Extend.
func (m *Manager) Reactivate(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusActive)
}

// IsValid reports whether the session authorises activity right now.
func (m *Manager) IsValid(s Session) bool {
	return s.Valid(m.now())
}

// SweepExpired marks expired active sessions inactive. Store-level TTL
// reclaims the records after the retention grace. Partial progress under
// cancellation is kept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	recs, err := m.store.ScanWithFilter(ctx, Kind, func(rec *store.Record) bool {
		s, err := decode(rec)
		if err != nil {
			return false
		}
		return s.Status == StatusActive && s.Expired(now)
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired sessions: %w", err)
	}

	swept := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		s, err := decode(rec)
		if err != nil {
			continue
		}
		if err := m.write(ctx, s.WithStatus(StatusInactive), store.IfVersion(rec.Version)); err != nil {
			obs.LogEvent("warn", "session sweep failed", map[string]any{
				"session_id": rec.Key,
				"error":      err.Error(),
			})
			continue
		}
		swept++
	}
	if swept > 0 {
		m.rec.Record("gateway_sessions_total", float64(swept), map[string]string{"event": "sweep"})
	}
	return swept, nil
}

func (m *Manager) setStatus(ctx context.Context, id string, status Status) error {
	s, version, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == status {
		return nil
	}
	return m.write(ctx, s.WithStatus(status), store.IfVersion(version))
}

func (m *Manager) load(ctx context.Context, id string) (Session, int64, error) {
	rec, err := m.store.Get(ctx, Kind, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, 0, ErrNotFound
		}
		return Session{}, 0, fmt.Errorf("load session %s: %w", id, err)
	}
	s, err := decode(rec)
	if err != nil {
		return Session{}, 0, err
	}
	return s, rec.Version, nil
}

func (m *Manager) write(ctx context.Context, s Session, cond store.Condition) error {
	rec, err := encode(s)
	if err != nil {
		return err
	}
	if err := m.store.Update(ctx, Kind, rec, cond); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	return nil
}

func encode(s Session) (*store.Record, error) {
	value, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return &store.Record{
		Key:       s.ID,
		Value:     value,
		Indexes:   map[string]string{IndexUser: s.UserID},
		ExpiresAt: s.ExpiresAt.Add(retentionGrace),
	}, nil
}

func decode(rec *store.Record) (Session, error) {
	var s Session
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", rec.Key, err)
	}
	return s, nil
}
