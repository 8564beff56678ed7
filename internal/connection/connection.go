// Package connection owns the transport-level connection entity and its
// registry. A connection is ephemeral: it is created on transport CONNECT,
// optionally bound to an authenticated session, and deleted on DISCONNECT
// or by an expiry sweep.
package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates connection lifecycle states.
type Status string

const (
	StatusConnected     Status = "connected"
	StatusAuthenticated Status = "authenticated"
	StatusDisconnected  Status = "disconnected"
	StatusSuspended     Status = "suspended"
)

// TTL bounds for a connection record.
const (
	MinTTL = 1 * time.Second
	MaxTTL = 7 * 24 * time.Hour
)

// Connection is one live transport-level socket. Values are immutable
// snapshots: every transition returns a new value carrying forward
// unspecified fields.
type Connection struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	Status         Status            `json:"status"`
	ConnectedAt    time.Time         `json:"connected_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	TTLSeconds     int64             `json:"ttl_seconds"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// New creates a freshly connected, unauthenticated connection.
func New(id string, now time.Time, ttl time.Duration) (Connection, error) {
	c := Connection{
		ID:             strings.TrimSpace(id),
		Status:         StatusConnected,
		ConnectedAt:    now.UTC(),
		LastActivityAt: now.UTC(),
		TTLSeconds:     int64(ttl / time.Second),
	}
	if err := c.Validate(now); err != nil {
		return Connection{}, err
	}
	return c, nil
}

// Validate enforces the entity invariants at the given instant.
func (c Connection) Validate(now time.Time) error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	switch c.Status {
	case StatusConnected, StatusAuthenticated, StatusDisconnected, StatusSuspended:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, c.Status)
	}
	if c.ConnectedAt.After(now) || c.LastActivityAt.After(now) {
		return fmt.Errorf("%w: timestamps must not be in the future", ErrInvalidInput)
	}
	if c.Status == StatusAuthenticated && c.UserID == "" {
		return fmt.Errorf("%w: authenticated connection requires user id", ErrInvalidInput)
	}
	ttl := time.Duration(c.TTLSeconds) * time.Second
	if ttl < MinTTL || ttl > MaxTTL {
		return fmt.Errorf("%w: ttl %s out of range", ErrInvalidInput, ttl)
	}
	return nil
}

// ExpiresAt is the instant the record becomes eligible for expiry.
func (c Connection) ExpiresAt() time.Time {
	return c.LastActivityAt.Add(time.Duration(c.TTLSeconds) * time.Second)
}

// Expired reports whether the connection has outlived its TTL.
func (c Connection) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// CanTransition reports whether the state machine allows from→to.
// Disconnected is terminal; Suspended may be entered from any live state
// and only leaves back to Connected.
func CanTransition(from, to Status) bool {
	if from == StatusDisconnected {
		return false
	}
	switch to {
	case StatusConnected:
		return from == StatusSuspended
	case StatusAuthenticated:
		return from == StatusConnected || from == StatusAuthenticated
	case StatusDisconnected:
		return true
	case StatusSuspended:
		return from != StatusSuspended
	default:
		return false
	}
}

// WithActivity returns a snapshot with a refreshed activity timestamp.
func (c Connection) WithActivity(now time.Time) Connection {
	c.LastActivityAt = now.UTC()
	c.Metadata = cloneMeta(c.Metadata)
	return c
}

// WithAuthentication returns an authenticated snapshot bound to the user.
// Extra metadata (e.g. the owning session id) is merged in.
func (c Connection) WithAuthentication(userID string, metadata map[string]string, now time.Time) (Connection, error) {
	if !CanTransition(c.Status, StatusAuthenticated) {
		return Connection{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, StatusAuthenticated)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Connection{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	c.UserID = userID
	c.Status = StatusAuthenticated
	c.LastActivityAt = now.UTC()
	merged := cloneMeta(c.Metadata)
	for k, v := range metadata {
		if merged == nil {
			merged = make(map[string]string, len(metadata))
		}
		merged[k] = v
	}
	c.Metadata = merged
	return c, nil
}

// WithStatus returns a snapshot in the target state, validating the transition.
func (c Connection) WithStatus(to Status, now time.Time) (Connection, error) {
	if !CanTransition(c.Status, to) {
		return Connection{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.LastActivityAt = now.UTC()
	c.Metadata = cloneMeta(c.Metadata)
	return c, nil
}

// SessionID returns the owning session recorded during authentication, if any.
func (c Connection) SessionID() string {
	return c.Metadata[MetadataSessionID]
}

// MetadataSessionID is the metadata key carrying the owning session id.
const MetadataSessionID = "session_id"

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	// ErrNotFound indicates the connection is absent (often benign on
	// cleanup paths).
	ErrNotFound = errors.New("connection: not found")
	// ErrDuplicate indicates a register attempt for an id that is still live.
	ErrDuplicate = errors.New("connection: duplicate connection")
	// ErrInvalidTransition indicates a state-machine violation.
	ErrInvalidTransition = errors.New("connection: invalid transition")
	// ErrInvalidInput indicates entity invariants were violated.
	ErrInvalidInput = errors.New("connection: invalid input")
)
