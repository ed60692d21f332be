package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"offsync.org/internal/migrate"
)

//go:embed migrations
var migrations embed.FS

// Supported SQL backends.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

type dialect struct {
	name   string
	driver string
	bind   func(n int) string
}

var dialects = map[string]dialect{
	Postgres: {name: Postgres, driver: "pgx", bind: migrate.Dollar},
	SQLite:   {name: SQLite, driver: "sqlite3", bind: migrate.Question},
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQL implements Store on top of database/sql. Records live in a single
// kv_records table keyed by (bucket, key); times are stored as unix milliseconds.
type SQL struct {
	db *sql.DB
	d  dialect
}

var _ Store = (*SQL)(nil)

// OpenSQL connects to the given backend, pings it and applies the schema.
func OpenSQL(ctx context.Context, backend, dsn string) (*SQL, error) {
	d, ok := dialects[backend]
	if !ok {
		return nil, fmt.Errorf("kv: unsupported backend %q", backend)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	if backend == SQLite {
		// single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(15 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQL{db: db, d: d}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: migrate: %w", err)
	}
	return s, nil
}

// NewSQL wraps an existing connection without touching the schema.
func NewSQL(db *sql.DB, backend string) (*SQL, error) {
	d, ok := dialects[backend]
	if !ok {
		return nil, fmt.Errorf("kv: unsupported backend %q", backend)
	}
	return &SQL{db: db, d: d}, nil
}

// Migrations returns the migration manager for this backend's schema.
func (s *SQL) Migrations() *migrate.Manager {
	return NewMigrationManager(s.db, s.d.name)
}

// NewMigrationManager builds a migration manager for an arbitrary connection.
func NewMigrationManager(db *sql.DB, backend string) *migrate.Manager {
	d := dialects[backend]
	return migrate.NewManager(db, migrations, "migrations/"+backend, migrate.WithBindVar(d.bind))
}

// Migrate applies pending schema migrations.
func (s *SQL) Migrate(ctx context.Context) error {
	return s.Migrations().Up(ctx)
}

// DB exposes the underlying pool (readiness probes).
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Get(ctx context.Context, bucket, key string) (Record, error) {
	return s.tx(s.db).Get(ctx, bucket, key)
}

func (s *SQL) Put(ctx context.Context, bucket string, rec Record) error {
	return s.tx(s.db).Put(ctx, bucket, rec)
}

func (s *SQL) Delete(ctx context.Context, bucket, key string) error {
	return s.tx(s.db).Delete(ctx, bucket, key)
}

func (s *SQL) Range(ctx context.Context, bucket string, q Query) ([]Record, error) {
	return s.tx(s.db).Range(ctx, bucket, q)
}

func (s *SQL) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(s.tx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) tx(q querier) *sqlTx { return &sqlTx{q: q, d: s.d} }

type sqlTx struct {
	q querier
	d dialect
}

func (t *sqlTx) Get(ctx context.Context, bucket, key string) (Record, error) {
	if err := validate(bucket, key); err != nil {
		return Record{}, err
	}
	query := fmt.Sprintf(`select value, domain, ts, expires_at from kv_records where bucket = %s and key = %s`,
		t.d.bind(1), t.d.bind(2))
	rec := Record{Key: key}
	var ts int64
	var exp sql.NullInt64
	err := t.q.QueryRowContext(ctx, query, bucket, key).Scan(&rec.Value, &rec.Domain, &ts, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Timestamp = fromMillis(ts)
	if exp.Valid {
		rec.Expiry = fromMillis(exp.Int64)
	}
	return rec, nil
}

func (t *sqlTx) Put(ctx context.Context, bucket string, rec Record) error {
	if err := validate(bucket, rec.Key); err != nil {
		return err
	}
	value := rec.Value
	if value == nil {
		value = []byte{}
	}
	var exp sql.NullInt64
	if !rec.Expiry.IsZero() {
		exp = sql.NullInt64{Int64: rec.Expiry.UnixMilli(), Valid: true}
	}
	query := fmt.Sprintf(`insert into kv_records(bucket, key, value, domain, ts, expires_at)
		values (%s, %s, %s, %s, %s, %s)
		on conflict (bucket, key) do update
		set value = excluded.value, domain = excluded.domain, ts = excluded.ts, expires_at = excluded.expires_at`,
		t.d.bind(1), t.d.bind(2), t.d.bind(3), t.d.bind(4), t.d.bind(5), t.d.bind(6))
	_, err := t.q.ExecContext(ctx, query, bucket, rec.Key, value, rec.Domain, toMillis(rec.Timestamp), exp)
	return err
}

func (t *sqlTx) Delete(ctx context.Context, bucket, key string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	query := fmt.Sprintf(`delete from kv_records where bucket = %s and key = %s`, t.d.bind(1), t.d.bind(2))
	_, err := t.q.ExecContext(ctx, query, bucket, key)
	return err
}

func (t *sqlTx) Range(ctx context.Context, bucket string, q Query) ([]Record, error) {
	var (
		sb   strings.Builder
		args = []any{bucket}
	)
	arg := func(v any) string {
		args = append(args, v)
		return t.d.bind(len(args))
	}
	sb.WriteString(`select key, value, domain, ts, expires_at from kv_records where bucket = `)
	sb.WriteString(t.d.bind(1))

	switch q.Index {
	case IndexExpiry:
		sb.WriteString(` and expires_at is not null`)
		if !q.From.IsZero() {
			sb.WriteString(` and expires_at >= ` + arg(q.From.UnixMilli()))
		}
		if !q.To.IsZero() {
			sb.WriteString(` and expires_at < ` + arg(q.To.UnixMilli()))
		}
		sb.WriteString(` order by expires_at asc, key asc`)
	case IndexTimestamp:
		if !q.From.IsZero() {
			sb.WriteString(` and ts >= ` + arg(q.From.UnixMilli()))
		}
		if !q.To.IsZero() {
			sb.WriteString(` and ts < ` + arg(q.To.UnixMilli()))
		}
		sb.WriteString(` order by ts asc, key asc`)
	case IndexDomain:
		sb.WriteString(` and domain = ` + arg(q.Domain))
		sb.WriteString(` order by ts asc, key asc`)
	default:
		sb.WriteString(` order by key asc`)
	}
	if q.Limit > 0 {
		sb.WriteString(` limit ` + arg(q.Limit))
	}

	rows, err := t.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  int64
			exp sql.NullInt64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Domain, &ts, &exp); err != nil {
			return nil, err
		}
		rec.Timestamp = fromMillis(ts)
		if exp.Valid {
			rec.Expiry = fromMillis(exp.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
