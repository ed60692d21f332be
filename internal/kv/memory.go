package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory implements Store in process memory for development and testing.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string]Record
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]Record)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Get(ctx context.Context, bucket, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	return m.get(bucket, key)
}

func (m *Memory) Put(ctx context.Context, bucket string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.put(bucket, rec)
}

func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.delete(bucket, key)
}

func (m *Memory) Range(ctx context.Context, bucket string, q Query) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return rangeRecords(m.buckets[bucket], nil, q), nil
}

// Update holds the store lock for the whole transaction; staged writes are
// applied only when fn succeeds.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memTx{db: m, staged: make(map[string]map[string]*Record)}
	if err := fn(tx); err != nil {
		return err
	}
	for bucket, writes := range tx.staged {
		for key, rec := range writes {
			if rec == nil {
				_ = m.delete(bucket, key)
				continue
			}
			_ = m.put(bucket, *rec)
		}
	}
	return nil
}

// Close releases the store. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buckets = nil
	return nil
}

// Len reports the number of records in a bucket.
func (m *Memory) Len(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets[bucket])
}

func (m *Memory) get(bucket, key string) (Record, error) {
	if err := validate(bucket, key); err != nil {
		return Record{}, err
	}
	rec, ok := m.buckets[bucket][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) put(bucket string, rec Record) error {
	if err := validate(bucket, rec.Key); err != nil {
		return err
	}
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]Record)
		m.buckets[bucket] = b
	}
	b[rec.Key] = cloneRecord(rec)
	return nil
}

func (m *Memory) delete(bucket, key string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	delete(m.buckets[bucket], key)
	return nil
}

type memTx struct {
	db     *Memory
	staged map[string]map[string]*Record
}

func (tx *memTx) Get(ctx context.Context, bucket, key string) (Record, error) {
	if rec, ok := tx.staged[bucket][key]; ok {
		if rec == nil {
			return Record{}, ErrNotFound
		}
		return cloneRecord(*rec), nil
	}
	return tx.db.get(bucket, key)
}

func (tx *memTx) Put(ctx context.Context, bucket string, rec Record) error {
	if err := validate(bucket, rec.Key); err != nil {
		return err
	}
	c := cloneRecord(rec)
	tx.stage(bucket)[rec.Key] = &c
	return nil
}

func (tx *memTx) Delete(ctx context.Context, bucket, key string) error {
	if err := validate(bucket, key); err != nil {
		return err
	}
	tx.stage(bucket)[key] = nil
	return nil
}

func (tx *memTx) Range(ctx context.Context, bucket string, q Query) ([]Record, error) {
	return rangeRecords(tx.db.buckets[bucket], tx.staged[bucket], q), nil
}

func (tx *memTx) stage(bucket string) map[string]*Record {
	s, ok := tx.staged[bucket]
	if !ok {
		s = make(map[string]*Record)
		tx.staged[bucket] = s
	}
	return s
}

func rangeRecords(base map[string]Record, staged map[string]*Record, q Query) []Record {
	out := make([]Record, 0, len(base))
	for key, rec := range base {
		if _, overridden := staged[key]; overridden {
			continue
		}
		if matches(rec, q) {
			out = append(out, cloneRecord(rec))
		}
	}
	for _, rec := range staged {
		if rec != nil && matches(*rec, q) {
			out = append(out, cloneRecord(*rec))
		}
	}
	sortRecords(out, q.Index)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func sortRecords(recs []Record, idx Index) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch idx {
		case IndexExpiry:
			if !a.Expiry.Equal(b.Expiry) {
				return a.Expiry.Before(b.Expiry)
			}
		case IndexTimestamp, IndexDomain:
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
		}
		return a.Key < b.Key
	})
}

func cloneRecord(rec Record) Record {
	if rec.Value != nil {
		v := make([]byte, len(rec.Value))
		copy(v, rec.Value)
		rec.Value = v
	}
	return rec
}
