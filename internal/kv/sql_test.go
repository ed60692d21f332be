package kv

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T, backend string) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQL(db, backend)
	if err != nil {
		t.Fatalf("NewSQL: %v", err)
	}
	return store, mock
}

func TestSQLGetNotFound(t *testing.T) {
	store, mock := newMockStore(t, Postgres)
	mock.ExpectQuery(`select value, domain, ts, expires_at from kv_records where bucket = \$1 and key = \$2`).
		WithArgs("cache", "k").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "cache", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLGetDecodesTimes(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	exp := ts.Add(5 * time.Second)
	mock.ExpectQuery(`select value, domain, ts, expires_at from kv_records where bucket = \? and key = \?`).
		WithArgs("cache", "k").
		WillReturnRows(sqlmock.NewRows([]string{"value", "domain", "ts", "expires_at"}).
			AddRow([]byte("v"), "medical", ts.UnixMilli(), exp.UnixMilli()))

	rec, err := store.Get(context.Background(), "cache", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Timestamp.Equal(ts) || !rec.Expiry.Equal(exp) || rec.Domain != "medical" || string(rec.Value) != "v" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSQLPutUpserts(t *testing.T) {
	store, mock := newMockStore(t, Postgres)
	exp := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	mock.ExpectExec(`insert into kv_records\(bucket, key, value, domain, ts, expires_at\)`).
		WithArgs("cache", "k", []byte{}, "", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Put(context.Background(), "cache", Record{Key: "k", Expiry: exp}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLRangeByExpiryBuildsBoundedQuery(t *testing.T) {
	store, mock := newMockStore(t, Postgres)
	to := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`expires_at is not null and expires_at < \$2 order by expires_at asc, key asc limit \$3`).
		WithArgs("cache", to.UnixMilli(), 50).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "domain", "ts", "expires_at"}).
			AddRow("a", []byte("1"), "", int64(0), to.Add(-time.Second).UnixMilli()).
			AddRow("b", []byte("2"), "", int64(0), nil))

	recs, err := store.Range(context.Background(), "cache", Query{Index: IndexExpiry, To: to, Limit: 50})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(recs) != 2 || recs[0].Key != "a" || recs[0].Expiry.IsZero() || !recs[1].Expiry.IsZero() {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestSQLUpdateRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t, SQLite)
	mock.ExpectBegin()
	mock.ExpectExec(`delete from kv_records where bucket = \? and key = \?`).
		WithArgs("queue", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.Update(context.Background(), func(tx Tx) error {
		if err := tx.Delete(context.Background(), "queue", "1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOpenSQLUnknownBackend(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQL(ctx, SQLite, "file::memory:?cache=shared")
	if err != nil {
		if strings.Contains(err.Error(), "cgo") || strings.Contains(err.Error(), "CGO") {
			t.Skipf("sqlite3 unavailable: %v", err)
		}
		t.Fatalf("OpenSQL: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Put(ctx, "cache", Record{Key: "k", Value: []byte("v"), Timestamp: now, Expiry: now.Add(time.Second)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := store.Get(ctx, "cache", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Value) != "v" || !rec.Timestamp.Equal(now) {
		t.Fatalf("unexpected record %+v", rec)
	}
	expired, err := store.Range(ctx, "cache", Query{Index: IndexExpiry, To: now.Add(2 * time.Second)})
	if err != nil || len(expired) != 1 {
		t.Fatalf("Range: %v %+v", err, expired)
	}
	applied, err := store.Migrations().Status(ctx)
	if err != nil || len(applied) != 1 {
		t.Fatalf("Status: %v %v", err, applied)
	}
}
