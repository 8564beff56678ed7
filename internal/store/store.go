// Package store defines the durable key-value interface the gateway core
// persists through. All gateway state (connections, sessions, messages)
// lives behind this interface so multiple gateway processes can share one
// backing store.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the record does not exist or has passed its TTL.
	ErrNotFound = errors.New("store: not found")
	// ErrConditionFailed indicates a conditional write lost to a concurrent writer.
	ErrConditionFailed = errors.New("store: condition failed")
	// ErrUnavailable indicates a transient infrastructure failure; idempotent
	// callers may retry with backoff.
	ErrUnavailable = errors.New("store: unavailable")
)

// Record is one durable item. Value carries the JSON-encoded entity; Version
// increases on every successful write and backs optimistic conditional
// updates. A zero ExpiresAt means the record never expires.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	Indexes   map[string]string
	ExpiresAt time.Time
}

// Clone returns a deep copy so callers can mutate results safely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Key:       r.Key,
		Version:   r.Version,
		ExpiresAt: r.ExpiresAt,
	}
	if r.Value != nil {
		out.Value = append([]byte(nil), r.Value...)
	}
	if r.Indexes != nil {
		out.Indexes = make(map[string]string, len(r.Indexes))
		for k, v := range r.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

// Live reports whether the record has not expired at the given instant.
func (r *Record) Live(now time.Time) bool {
	return r.ExpiresAt.IsZero() || now.Before(r.ExpiresAt)
}

type condKind int

const (
	condNone condKind = iota
	condNotExists
	condVersion
)

// Condition guards a write. The zero value applies no condition.
type Condition struct {
	kind    condKind
	version int64
}

// None applies no write condition (last-write-wins).
func None() Condition { return Condition{} }

// IfNotExists succeeds only when no live record occupies the key.
func IfNotExists() Condition { return Condition{kind: condNotExists} }

// IfVersion succeeds only when the stored version matches.
func IfVersion(v int64) Condition { return Condition{kind: condVersion, version: v} }

// Store is the narrow persistence interface consumed by the gateway core.
//
// Reads treat expired records as absent. ScanWithFilter is the one
// exception: it surfaces expired records so sweep jobs can reclaim them.
// Every method is a blocking I/O call; callers must not hold in-process
// locks across it.
type Store interface {
	// Get returns the live record stored under kind/key.
	Get(ctx context.Context, kind, key string) (*Record, error)

	// Put creates or replaces a record. On success the implementation
	// stores the record with a version one greater than the previous live
	// version (or 1 when none existed) and reflects it in rec.Version.
	Put(ctx context.Context, kind string, rec *Record, cond Condition) error

	// Update rewrites an existing record; it fails with ErrNotFound when
	// the record is absent.
	Update(ctx context.Context, kind string, rec *Record, cond Condition) error

	// Delete removes a record. Deleting an absent record is not an error
	// unless a condition demands its presence.
	Delete(ctx context.Context, kind, key string, cond Condition) error

	// QueryByIndex returns live records whose named secondary index equals
	// the given value.
	QueryByIndex(ctx context.Context, kind, index, value string) ([]*Record, error)

	// ScanWithFilter visits every record of a kind, expired ones included,
	// and returns those the predicate keeps.
	ScanWithFilter(ctx context.Context, kind string, keep func(*Record) bool) ([]*Record, error)
}
