// Package bind orchestrates the handshake between a raw connection and a
// verified identity: credential verification, session reuse/creation, and
// the conditional connection→session link.
package bind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatewave.org/internal/connection"
	"gatewave.org/internal/identity"
	"gatewave.org/internal/obs"
	"gatewave.org/internal/session"
)

const (
	defaultVerifyTimeout   = 5 * time.Second
	defaultSessionDuration = 60 * time.Minute
)

// Result carries the session and user a successful bind resolved.
type Result struct {
	Session session.Session
	User    identity.User
}

// Binder links authenticated identities to live connections.
type Binder struct {
	registry        *connection.Registry
	sessions        *session.Manager
	provider        identity.Provider
	verifyTimeout   time.Duration
	sessionDuration time.Duration
	rec             obs.Recorder
}

// Option configures Binder.
type Option func(*Binder)

// WithVerifyTimeout bounds the identity-provider verification call.
func WithVerifyTimeout(d time.Duration) Option {
	return func(b *Binder) {
		if d > 0 {
			b.verifyTimeout = d
		}
	}
}

// WithSessionDuration sets the lifetime of sessions minted during bind.
func WithSessionDuration(d time.Duration) Option {
	return func(b *Binder) {
		if d > 0 {
			b.sessionDuration = d
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(rec obs.Recorder) Option {
	return func(b *Binder) {
		if rec != nil {
			b.rec = rec
		}
	}
}

// New constructs a Binder.
func New(registry *connection.Registry, sessions *session.Manager, provider identity.Provider, opts ...Option) *Binder {
	b := &Binder{
		registry:        registry,
		sessions:        sessions,
		provider:        provider,
		verifyTimeout:   defaultVerifyTimeout,
		sessionDuration: defaultSessionDuration,
		rec:             obs.NopRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind verifies the credential, resolves or creates a session for the user,
// and links the connection to it. If the link step fails, any session
// created here stays valid so an idempotent retry can reuse it, while the
// connection remains unauthenticated. Verification failures are never
// retried: a bad credential will not become valid by retrying.
func (b *Binder) Bind(ctx context.Context, connectionID, credential string) (Result, error) {
	vctx, cancel := context.WithTimeout(ctx, b.verifyTimeout)
	user, err := b.provider.Verify(vctx, credential)
	cancel()
	if err != nil {
		// A verification timeout must not leave the connection
		// half-authenticated; treat it like an expired credential.
		if errors.Is(err, context.DeadlineExceeded) {
			err = identity.ErrCredentialExpired
		}
		b.rec.Record("gateway_binds_total", 1, map[string]string{"outcome": outcomeFor(err)})
		return Result{}, err
	}

	s, err := b.sessions.FindActiveForUser(ctx, user.ID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s, err = b.sessions.CreateForUser(ctx, user.ID, user.Username, user.Groups, b.sessionDuration)
		if err != nil {
			return Result{}, fmt.Errorf("bind %s: %w", connectionID, err)
		}
	case err != nil:
		return Result{}, fmt.Errorf("bind %s: %w", connectionID, err)
	default:
		if err := b.sessions.Touch(ctx, s.ID); err != nil {
			return Result{}, fmt.Errorf("bind %s: %w", connectionID, err)
		}
	}

	meta := map[string]string{connection.MetadataSessionID: s.ID}
	if _, err := b.registry.Authenticate(ctx, connectionID, user.ID, meta); err != nil {
		b.rec.Record("gateway_binds_total", 1, map[string]string{"outcome": "link_failed"})
		return Result{}, err
	}

	b.rec.Record("gateway_binds_total", 1, map[string]string{"outcome": "ok"})
	obs.LogEvent("info", "connection bound", map[string]any{
		"connection_id": connectionID,
		"user_id":       user.ID,
		"session_id":    s.ID,
	})
	return Result{Session: s, User: user}, nil
}

// Unbind removes the connection record on disconnect. The owning session is
// deliberately left alone: other connections, or a future reconnect, may
// still use it. Cleanup failures are logged and swallowed; the next sweep
// recovers them and the user-visible disconnect always succeeds.
func (b *Binder) Unbind(ctx context.Context, connectionID string) {
	if err := b.registry.Remove(ctx, connectionID); err != nil {
		obs.LogEvent("warn", "disconnect cleanup failed", map[string]any{
			"connection_id": connectionID,
			"error":         err.Error(),
		})
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, identity.ErrCredentialExpired):
		return "credential_expired"
	case errors.Is(err, identity.ErrInvalidCredential):
		return "invalid_credential"
	default:
		return "error"
	}
}
