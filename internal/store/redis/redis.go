// Package redis implements store.Store on Redis. Records live as JSON
// envelopes under per-kind keys with native TTL; secondary indexes are
// kept as sets of record keys. Conditional writes run inside WATCH
// transactions so concurrent gateway processes agree on versions.
//
// Native TTL means expired records vanish on their own, so sweep scans
// find nothing left to reclaim here. That is the intended trade: Redis
// does the janitor work the SQL store leaves to sweeps.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gatewave.org/internal/store"
)

const keyPrefix = "gw:"

// Store keeps records in a Redis database.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

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

// Open connects and verifies the server is reachable.
func Open(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(rdb, opts...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping reports store reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// envelope is the stored JSON shape.
type envelope struct {
	Value     json.RawMessage   `json:"value"`
	Version   int64             `json:"version"`
	Indexes   map[string]string `json:"indexes,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

func recordKey(kind, key string) string {
	return keyPrefix + kind + ":" + key
}

func indexKey(kind, index, value string) string {
	return keyPrefix + "idx:" + kind + ":" + index + ":" + value
}

func encode(rec *store.Record, version int64) (string, error) {
	raw, err := json.Marshal(envelope{
		Value:     rec.Value,
		Version:   version,
		Indexes:   rec.Indexes,
		ExpiresAt: rec.ExpiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	return string(raw), nil
}

func decode(key, raw string) (*store.Record, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &store.Record{
		Key:       key,
		Value:     env.Value,
		Version:   env.Version,
		Indexes:   env.Indexes,
		ExpiresAt: env.ExpiresAt,
	}, nil
}

func (s *Store) Get(ctx context.Context, kind, key string) (*store.Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(kind, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	rec, err := decode(key, raw)
	if err != nil {
		return nil, err
	}
	// TTL eviction is not instantaneous; double-check against the clock.
	if !rec.Live(s.now()) {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, kind string, rec *store.Record, cond store.Condition) error {
	return s.conditionalWrite(ctx, kind, rec.Key, cond, false, func(pipe redis.Pipeliner, prev *store.Record) (int64, error) {
		version := int64(1)
		if prev != nil {
			version = prev.Version + 1
		}
		if err := s.queueWrite(ctx, pipe, kind, rec, prev, version); err != nil {
			return 0, err
		}
		return version, nil
	}, &rec.Version)
}

func (s *Store) Update(ctx context.Context, kind string, rec *store.Record, cond store.Condition) error {
	return s.conditionalWrite(ctx, kind, rec.Key, cond, true, func(pipe redis.Pipeliner, prev *store.Record) (int64, error) {
		version := prev.Version + 1
		if err := s.queueWrite(ctx, pipe, kind, rec, prev, version); err != nil {
			return 0, err
		}
		return version, nil
	}, &rec.Version)
}

func (s *Store) Delete(ctx context.Context, kind, key string, cond store.Condition) error {
	rkey := recordKey(kind, key)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.loadLive(ctx, tx, kind, key)
		if err != nil {
			return err
		}
		if prev == nil && cond != store.None() {
			return store.ErrNotFound
		}
		if prev != nil {
			if err := check(cond, prev); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rkey)
			if prev != nil {
				for index, value := range prev.Indexes {
					pipe.SRem(ctx, indexKey(kind, index, value), key)
				}
			}
			return nil
		})
		return err
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConditionFailed
	}
	return wrapKnown(err)
}

func (s *Store) QueryByIndex(ctx context.Context, kind, index, value string) ([]*store.Record, error) {
	if value == "" {
		return nil, nil
	}
	members, err := s.rdb.SMembers(ctx, indexKey(kind, index, value)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	now := s.now()
	var out []*store.Record
	for _, member := range members {
		raw, err := s.rdb.Get(ctx, recordKey(kind, member)).Result()
		if errors.Is(err, redis.Nil) {
			// The record expired out from under the index; clean up lazily.
			s.rdb.SRem(ctx, indexKey(kind, index, value), member)
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}
		rec, err := decode(member, raw)
		if err != nil {
			return nil, err
		}
		if !rec.Live(now) || rec.Indexes[index] != value {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) ScanWithFilter(ctx context.Context, kind string, keep func(*store.Record) bool) ([]*store.Record, error) {
	var (
		out    []*store.Record
		cursor uint64
	)
	pattern := recordKey(kind, "*")
	prefix := recordKey(kind, "")
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for _, rkey := range keys {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			raw, err := s.rdb.Get(ctx, rkey).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, unavailable(err)
			}
			rec, err := decode(rkey[len(prefix):], raw)
			if err != nil {
				return nil, err
			}
			if keep == nil || keep(rec.Clone()) {
				out = append(out, rec)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// --- helpers ---

func (s *Store) loadLive(ctx context.Context, tx *redis.Tx, kind, key string) (*store.Record, error) {
	raw, err := tx.Get(ctx, recordKey(kind, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	rec, err := decode(key, raw)
	if err != nil {
		return nil, err
	}
	if !rec.Live(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *Store) conditionalWrite(ctx context.Context, kind, key string, cond store.Condition, requireExisting bool, write func(redis.Pipeliner, *store.Record) (int64, error), versionOut *int64) error {
	rkey := recordKey(kind, key)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.loadLive(ctx, tx, kind, key)
		if err != nil {
			return err
		}
		if requireExisting && prev == nil {
			return store.ErrNotFound
		}
		if err := check(cond, prev); err != nil {
			return err
		}
		var version int64
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			version, err = write(pipe, prev)
			return err
		})
		if err != nil {
			return err
		}
		*versionOut = version
		return nil
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConditionFailed
	}
	return wrapKnown(err)
}

func (s *Store) queueWrite(ctx context.Context, pipe redis.Pipeliner, kind string, rec, prev *store.Record, version int64) error {
	raw, err := encode(rec, version)
	if err != nil {
		return err
	}
	rkey := recordKey(kind, rec.Key)
	pipe.Set(ctx, rkey, raw, 0)
	if !rec.ExpiresAt.IsZero() {
		pipe.ExpireAt(ctx, rkey, rec.ExpiresAt)
	} else {
		pipe.Persist(ctx, rkey)
	}

	// Reconcile index membership against the previous record.
	if prev != nil {
		for index, value := range prev.Indexes {
			if rec.Indexes[index] != value {
				pipe.SRem(ctx, indexKey(kind, index, value), rec.Key)
			}
		}
	}
	for index, value := range rec.Indexes {
		pipe.SAdd(ctx, indexKey(kind, index, value), rec.Key)
	}
	return nil
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

func wrapKnown(err error) error {
	switch {
	case err == nil,
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConditionFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unavailable(err)
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
