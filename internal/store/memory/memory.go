// Package memory provides an in-process store.Store used by tests and
// single-node development runs. It is not authoritative across processes.
package memory

import (
	"context"
	"sync"
	"time"

	"gatewave.org/internal/store"
)

// Store keeps records in a two-level map guarded by a single mutex.
type Store struct {
	mu    sync.RWMutex
	kinds map[string]map[string]*store.Record
	now   func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source (useful for TTL tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		kinds: make(map[string]map[string]*store.Record),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) bucket(kind string) map[string]*store.Record {
	b, ok := s.kinds[kind]
	if !ok {
		b = make(map[string]*store.Record)
		s.kinds[kind] = b
	}
	return b
}

// live returns the record under kind/key if it exists and has not expired.
func (s *Store) live(kind, key string) *store.Record {
	b, ok := s.kinds[kind]
	if !ok {
		return nil
	}
	rec, ok := b[key]
	if !ok || !rec.Live(s.now()) {
		return nil
	}
	return rec
}

func (s *Store) Get(ctx context.Context, kind, key string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.live(kind, key)
	if rec == nil {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Put(ctx context.Context, kind string, rec *store.Record, cond store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.live(kind, rec.Key)
	if err := check(cond, prev); err != nil {
		return err
	}
	stored := rec.Clone()
	if prev != nil {
		stored.Version = prev.Version + 1
	} else {
		stored.Version = 1
	}
	s.bucket(kind)[rec.Key] = stored
	rec.Version = stored.Version
	return nil
}

func (s *Store) Update(ctx context.Context, kind string, rec *store.Record, cond store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.live(kind, rec.Key)
	if prev == nil {
		return store.ErrNotFound
	}
	if err := check(cond, prev); err != nil {
		return err
	}
	stored := rec.Clone()
	stored.Version = prev.Version + 1
	s.bucket(kind)[rec.Key] = stored
	rec.Version = stored.Version
	return nil
}

func (s *Store) Delete(ctx context.Context, kind, key string, cond store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.live(kind, key)
	if prev == nil {
		// Absence is fine for unconditional deletes: cleanup paths retry.
		if cond == store.None() {
			delete(s.bucket(kind), key)
			return nil
		}
		return store.ErrNotFound
	}
	if err := check(cond, prev); err != nil {
		return err
	}
	delete(s.bucket(kind), key)
	return nil
}

func (s *Store) QueryByIndex(ctx context.Context, kind, index, value string) ([]*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*store.Record
	for _, rec := range s.kinds[kind] {
		if !rec.Live(now) {
			continue
		}
		if rec.Indexes[index] == value && value != "" {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Store) ScanWithFilter(ctx context.Context, kind string, keep func(*store.Record) bool) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Record
	for _, rec := range s.kinds[kind] {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if keep == nil || keep(rec.Clone()) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func check(cond store.Condition, prev *store.Record) error {
	switch cond {
	case store.None():
		return nil
	case store.IfNotExists():
		if prev != nil {
			return store.ErrConditionFailed
		}
		return nil
	default:
		if prev == nil || cond != store.IfVersion(prev.Version) {
			return store.ErrConditionFailed
		}
		return nil
	}
}
