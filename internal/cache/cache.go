// Package cache keeps fetched API responses in a kv.Store with absolute
// expiry instants. Entries are visible only while now < ExpiresAt.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"offsync.org/internal/kv"
	"offsync.org/internal/obs"
)

const bucket = "cache"

var ErrInvalidTTL = errors.New("cache: ttl must be a positive number of seconds")

// Entry is a cached payload and its lifetime.
type Entry struct {
	Key       string
	Domain    string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is no longer visible at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the TTL cache.
type Store struct {
	kv  kv.Store
	now func() time.Time
	log *logrus.Entry
}

// Option configures Store behavior.
type Option func(*Store) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// New creates a cache over store.
func New(store kv.Store, opts ...Option) (*Store, error) {
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	s := &Store{kv: store, now: time.Now, log: obs.Component("cache")}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Key derives the cache key of a request: lower(method)-url-params, where
// params is canonical JSON ("{}" when empty).
func Key(method, url string, params map[string]string) string {
	encoded := "{}"
	if len(params) > 0 {
		// encoding/json sorts map keys
		if b, err := json.Marshal(params); err == nil {
			encoded = string(b)
		}
	}
	return strings.ToLower(method) + "-" + url + "-" + encoded
}

// Put stores value under key, replacing any existing entry.
func (s *Store) Put(ctx context.Context, key, domain string, value []byte, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return ErrInvalidTTL
	}
	now := s.now().UTC()
	rec := kv.Record{
		Key:       key,
		Value:     value,
		Domain:    domain,
		Timestamp: now,
		Expiry:    now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	if err := s.kv.Put(ctx, bucket, rec); err != nil {
		return fmt.Errorf("cache: put %q: %w", key, err)
	}
	return nil
}

// Get returns the payload stored under key while it is fresh. An expired
// entry is deleted and reported as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok, err := s.Peek(ctx, key)
	if err != nil || !ok {
		if err == nil {
			obs.CacheRequests.WithLabelValues("miss").Inc()
		}
		return nil, false, err
	}
	if e.Expired(s.now()) {
		obs.CacheRequests.WithLabelValues("expired").Inc()
		if err := s.kv.Delete(ctx, bucket, key); err != nil {
			return nil, false, fmt.Errorf("cache: evict %q: %w", key, err)
		}
		obs.CacheEvictions.WithLabelValues("lazy").Inc()
		return nil, false, nil
	}
	obs.CacheRequests.WithLabelValues("hit").Inc()
	return e.Payload, true, nil
}

// Peek returns the entry under key whether or not it has expired, without
// evicting it.
func (s *Store) Peek(ctx context.Context, key string) (Entry, bool, error) {
	rec, err := s.kv.Get(ctx, bucket, key)
	if errors.Is(err, kv.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	return entryFrom(rec), true, nil
}

// Status is the outcome of Lookup.
type Status int

const (
	Miss Status = iota
	Hit
	Stale
)

// Lookup classifies the entry under key without evicting it. A Stale entry
// is returned so callers can fall back to it when the API is unreachable.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, Status, error) {
	e, ok, err := s.Peek(ctx, key)
	switch {
	case err != nil:
		return Entry{}, Miss, err
	case !ok:
		obs.CacheRequests.WithLabelValues("miss").Inc()
		return Entry{}, Miss, nil
	case e.Expired(s.now()):
		obs.CacheRequests.WithLabelValues("expired").Inc()
		return e, Stale, nil
	default:
		obs.CacheRequests.WithLabelValues("hit").Inc()
		return e, Hit, nil
	}
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, bucket, key)
}

// SweepExpired deletes every entry whose expiry has passed, earliest first,
// and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		removed = 0
		recs, err := tx.Range(ctx, bucket, kv.Query{
			Index: kv.IndexExpiry,
			// the SQL backend stores milliseconds
			To: now.Add(time.Millisecond),
		})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if now.Before(rec.Expiry) {
				continue
			}
			if err := tx.Delete(ctx, bucket, rec.Key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}
	if removed > 0 {
		obs.CacheEvictions.WithLabelValues("sweep").Add(float64(removed))
		s.log.WithField("removed", removed).Debug("cache_swept")
	}
	return removed, nil
}

// EnforceFootprint evicts the oldest entries of domain until the payloads of
// the rest fit in maxBytes. A non-positive limit disables the check.
func (s *Store) EnforceFootprint(ctx context.Context, domain string, maxBytes int64) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}
	evicted := 0
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		evicted = 0
		recs, err := tx.Range(ctx, bucket, kv.Query{Index: kv.IndexDomain, Domain: domain})
		if err != nil {
			return err
		}
		var total int64
		for _, rec := range recs {
			total += int64(len(rec.Value))
		}
		for _, rec := range recs {
			if total <= maxBytes {
				break
			}
			if err := tx.Delete(ctx, bucket, rec.Key); err != nil {
				return err
			}
			total -= int64(len(rec.Value))
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: enforce footprint of %q: %w", domain, err)
	}
	if evicted > 0 {
		obs.CacheEvictions.WithLabelValues("footprint").Add(float64(evicted))
		s.log.WithFields(logrus.Fields{"domain": domain, "evicted": evicted}).Info("cache_footprint_enforced")
	}
	return evicted, nil
}

// Run sweeps expired entries every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("cache_sweep_failed")
			}
		}
	}
}

func entryFrom(rec kv.Record) Entry {
	return Entry{
		Key:       rec.Key,
		Domain:    rec.Domain,
		Payload:   rec.Value,
		CreatedAt: rec.Timestamp,
		ExpiresAt: rec.Expiry,
	}
}
