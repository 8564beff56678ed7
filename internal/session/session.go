// Package session owns the logical presence of a verified identity. A
// session outlives individual connections so a user can reconnect after a
// network blip without re-authenticating, as long as the session has not
// expired.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates session states. Validity is a predicate over status
// AND expiry, not the stored status alone.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Session is a verified identity's logical presence. Values are immutable
// snapshots; transitions return new values.
type Session struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	Username           string            `json:"username"`
	Groups             []string          `json:"groups,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	LastActivityAt     time.Time         `json:"last_activity_at"`
	Status             Status            `json:"status"`
	MaxDurationMinutes int               `json:"max_duration_minutes"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// New creates an active session for a verified identity.
func New(id, userID, username string, groups []string, now time.Time, duration time.Duration) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if duration <= 0 {
		return Session{}, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidInput)
	}
	now = now.UTC()
	s := Session{
		ID:                 id,
		UserID:             userID,
		Username:           strings.TrimSpace(username),
		Groups:             append([]string(nil), groups...),
		CreatedAt:          now,
		ExpiresAt:          now.Add(duration),
		LastActivityAt:     now,
		Status:             StatusActive,
		MaxDurationMinutes: int(duration / time.Minute),
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return Session{}, fmt.Errorf("%w: expiry must follow creation", ErrInvalidInput)
	}
	return s, nil
}

// Valid reports whether the session authorises activity at the given
// instant. This predicate, not the stored status alone, is the source of
// truth: a session can be logically expired before any sweep has run.
func (s Session) Valid(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// Expired reports whether the expiry instant has passed.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// WithExtension recomputes the expiry from now + duration. The new expiry
// never lands before the last recorded activity.
func (s Session) WithExtension(now time.Time, duration time.Duration) (Session, error) {
	if duration <= 0 {
		return Session{}, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidInput)
	}
	now = now.UTC()
	expires := now.Add(duration)
	if expires.Before(s.LastActivityAt) {
		expires = s.LastActivityAt
	}
	s.ExpiresAt = expires
	s.LastActivityAt = now
	s.MaxDurationMinutes = int(duration / time.Minute)
	s.Groups = append([]string(nil), s.Groups...)
	s.Metadata = cloneMeta(s.Metadata)
	return s, nil
}

// WithActivity refreshes the activity timestamp only.
func (s Session) WithActivity(now time.Time) Session {
	s.LastActivityAt = now.UTC()
	s.Groups = append([]string(nil), s.Groups...)
	s.Metadata = cloneMeta(s.Metadata)
	return s
}

// WithStatus flips the session between Active and Inactive. Reactivation
// does not move the expiry: a session past its original expiresAt stays
// invalid until explicitly extended.
func (s Session) WithStatus(status Status) Session {
	s.Status = status
	s.Groups = append([]string(nil), s.Groups...)
	s.Metadata = cloneMeta(s.Metadata)
	return s
}

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
	// ErrNotFound indicates the session is absent.
	ErrNotFound = errors.New("session: not found")
	// ErrInvalidInput indicates entity invariants were violated.
	ErrInvalidInput = errors.New("session: invalid input")
)
