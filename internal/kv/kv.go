// Package kv is the persistence capability behind the cache, the request
// queue and the credential session: a transactional key-value store split
// into buckets, with secondary indexes by domain, timestamp and expiry.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("kv: not found")
	ErrInvalidInput = errors.New("kv: invalid input")
	ErrClosed       = errors.New("kv: store closed")
)

// Record is a single stored value. A zero Expiry means the record never expires.
type Record struct {
	Key       string
	Value     []byte
	Domain    string
	Timestamp time.Time
	Expiry    time.Time
}

// Index selects the ordering and filter applied by Range.
type Index int

const (
	// IndexKey returns every record ordered by key.
	IndexKey Index = iota
	// IndexExpiry returns records with an expiry inside [From, To), earliest first.
	IndexExpiry
	// IndexTimestamp returns records with a timestamp inside [From, To), oldest first.
	IndexTimestamp
	// IndexDomain returns records of Query.Domain, oldest first.
	IndexDomain
)

// Query bounds a Range call. Zero From/To leave that side of the range open.
type Query struct {
	Index  Index
	Domain string
	From   time.Time
	To     time.Time
	Limit  int
}

// Tx is the set of operations available inside and outside a transaction.
type Tx interface {
	Get(ctx context.Context, bucket, key string) (Record, error)
	Put(ctx context.Context, bucket string, rec Record) error
	Delete(ctx context.Context, bucket, key string) error
	Range(ctx context.Context, bucket string, q Query) ([]Record, error)
}

// Store is a durable (or in-memory) key-value persistence capability.
type Store interface {
	Tx
	// Update runs fn in a transaction. Changes are applied only if fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

func validate(bucket, key string) error {
	if bucket == "" || key == "" {
		return ErrInvalidInput
	}
	return nil
}

// matches reports whether rec satisfies the filter part of q.
func matches(rec Record, q Query) bool {
	switch q.Index {
	case IndexExpiry:
		if rec.Expiry.IsZero() {
			return false
		}
		return inRange(rec.Expiry, q.From, q.To)
	case IndexTimestamp:
		return inRange(rec.Timestamp, q.From, q.To)
	case IndexDomain:
		return rec.Domain == q.Domain
	default:
		return true
	}
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
