// Package pg implements store.Store on PostgreSQL. All kinds share one
// table keyed by (kind, key); conditional writes run inside short
// row-locking transactions so concurrent gateway processes agree on
// versions.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatewave.org/internal/store"
)

type Store struct {
	db  *sql.DB
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

// Open connects to PostgreSQL via the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an existing pool (used by tests).
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports store reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, kind, key string) (*store.Record, error) {
	rec, err := s.fetch(ctx, s.db, kind, key, false)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.Live(s.now()) {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, kind string, rec *store.Record, cond store.Condition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.fetch(ctx, tx, kind, rec.Key, true)
		if err != nil {
			return err
		}
		live := liveOnly(prev, s.now())
		if err := check(cond, live); err != nil {
			return err
		}
		version := int64(1)
		if live != nil {
			version = live.Version + 1
		}
		if err := s.upsert(ctx, tx, kind, rec, version); err != nil {
			return err
		}
		rec.Version = version
		return nil
	})
}

func (s *Store) Update(ctx context.Context, kind string, rec *store.Record, cond store.Condition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.fetch(ctx, tx, kind, rec.Key, true)
		if err != nil {
			return err
		}
		live := liveOnly(prev, s.now())
		if live == nil {
			return store.ErrNotFound
		}
		if err := check(cond, live); err != nil {
			return err
		}
		version := live.Version + 1
		if err := s.upsert(ctx, tx, kind, rec, version); err != nil {
			return err
		}
		rec.Version = version
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, kind, key string, cond store.Condition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.fetch(ctx, tx, kind, key, true)
		if err != nil {
			return err
		}
		live := liveOnly(prev, s.now())
		if live == nil {
			// Absence is fine for unconditional deletes: cleanup paths retry.
			if cond != store.None() {
				return store.ErrNotFound
			}
		} else if err := check(cond, live); err != nil {
			return err
		}
		if prev == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`delete from gateway_records where kind=$1 and key=$2`, kind, key); err != nil {
			return unavailable(err)
		}
		return nil
	})
}

func (s *Store) QueryByIndex(ctx context.Context, kind, index, value string) ([]*store.Record, error) {
	if value == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select key, value, version, indexes, expires_at
		from gateway_records
		where kind=$1 and indexes->>$2 = $3
	`, kind, index, value)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	now := s.now()
	var out []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !rec.Live(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ScanWithFilter(ctx context.Context, kind string, keep func(*store.Record) bool) ([]*store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, value, version, indexes, expires_at
		from gateway_records
		where kind=$1
	`, kind)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(rec.Clone()) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.Record, error) {
	var (
		rec        store.Record
		indexesRaw []byte
		expires    sql.NullTime
	)
	if err := row.Scan(&rec.Key, &rec.Value, &rec.Version, &indexesRaw, &expires); err != nil {
		return nil, unavailable(err)
	}
	if len(indexesRaw) > 0 {
		if err := json.Unmarshal(indexesRaw, &rec.Indexes); err != nil {
			return nil, fmt.Errorf("decode indexes for %s: %w", rec.Key, err)
		}
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return &rec, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// fetch loads the physical row, expired or not. forUpdate locks it for the
// remainder of the transaction.
func (s *Store) fetch(ctx context.Context, q querier, kind, key string, forUpdate bool) (*store.Record, error) {
	query := `
		select key, value, version, indexes, expires_at
		from gateway_records
		where kind=$1 and key=$2`
	if forUpdate {
		query += ` for update`
	}
	rec, err := scanRecord(q.QueryRowContext(ctx, query, kind, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, kind string, rec *store.Record, version int64) error {
	indexes := rec.Indexes
	if indexes == nil {
		indexes = map[string]string{}
	}
	indexesRaw, err := json.Marshal(indexes)
	if err != nil {
		return fmt.Errorf("encode indexes for %s: %w", rec.Key, err)
	}
	var expires sql.NullTime
	if !rec.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into gateway_records(kind, key, value, version, indexes, expires_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (kind, key) do update
		set value=excluded.value, version=excluded.version,
		    indexes=excluded.indexes, expires_at=excluded.expires_at
	`, kind, rec.Key, rec.Value, version, indexesRaw, expires); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func liveOnly(rec *store.Record, now time.Time) *store.Record {
	if rec == nil || !rec.Live(now) {
		return nil
	}
	return rec
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

// unavailable wraps driver failures so callers can detect transient store
// trouble without matching on driver error strings.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
