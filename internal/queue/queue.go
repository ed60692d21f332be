// Package queue is the durable FIFO of requests that could not reach the
// API. Every mutation is written through to a kv.Store so pending work
// survives a restart.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"offsync.org/internal/events"
	"offsync.org/internal/ids"
	"offsync.org/internal/kv"
	"offsync.org/internal/obs"
)

const (
	bucket            = "queue"
	DefaultMaxRetries = 3
)

// Replayer sends a queued request to the API. It must not enqueue.
type Replayer interface {
	Replay(ctx context.Context, req Request) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, req Request) error

func (f ReplayFunc) Replay(ctx context.Context, req Request) error { return f(ctx, req) }

// Connectivity reports whether the API is reachable.
type Connectivity interface {
	Online() bool
}

type replayerBox struct{ r Replayer }

// Queue is safe for concurrent use.
type Queue struct {
	store      kv.Store
	conn       Connectivity
	bus        *events.Bus
	now        func() time.Time
	maxRetries int
	log        *logrus.Entry

	replayer atomic.Pointer[replayerBox]
	draining atomic.Bool

	mu    sync.Mutex
	items []Request
}

// Option configures Queue behavior.
type Option func(*Queue) error

// WithMaxRetries sets how many failed replays a request survives.
func WithMaxRetries(n int) Option {
	return func(q *Queue) error {
		if n < 1 {
			return fmt.Errorf("queue: max retries must be positive, got %d", n)
		}
		q.maxRetries = n
		return nil
	}
}

// WithConnectivity makes Enqueue drain when online and stops a drain pass
// when connectivity drops.
func WithConnectivity(c Connectivity) Option {
	return func(q *Queue) error {
		q.conn = c
		return nil
	}
}

// WithEvents publishes enqueue, synced and dropped events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(q *Queue) error {
		q.bus = bus
		return nil
	}
}

// WithReplayer binds the replayer at construction time.
func WithReplayer(r Replayer) Option {
	return func(q *Queue) error {
		q.SetReplayer(r)
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(q *Queue) error {
		if fn != nil {
			q.now = fn
		}
		return nil
	}
}

// Open loads the persisted queue from store in FIFO order.
func Open(ctx context.Context, store kv.Store, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue: store is required")
	}
	q := &Queue{
		store:      store,
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		log:        obs.Component("queue"),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}

	recs, err := store.Range(ctx, bucket, kv.Query{Index: kv.IndexKey})
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	for _, rec := range recs {
		var req Request
		if err := json.Unmarshal(rec.Value, &req); err != nil {
			q.log.WithError(err).WithField("id", rec.Key).Error("queue_record_corrupt")
			continue
		}
		q.items = append(q.items, req)
	}
	// ULIDs sort in enqueue order
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].ID < q.items[j].ID })
	obs.QueueDepth.Set(float64(len(q.items)))
	if len(q.items) > 0 {
		q.log.WithField("pending", len(q.items)).Info("queue_restored")
	}
	return q, nil
}

// SetReplayer binds the replayer used by Drain.
func (q *Queue) SetReplayer(r Replayer) {
	if r != nil {
		q.replayer.Store(&replayerBox{r: r})
	}
}

// Enqueue appends req and persists it. The stored copy, with its assigned
// ID, timestamp and idempotency key, is returned. A GET equal to one already
// pending is not queued twice; the pending copy is returned. When online a
// drain pass runs before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Request, error) {
	return q.enqueue(ctx, req, true)
}

// Defer queues req like Enqueue but never drains; the request waits for
// the next pass (reconnect, trigger or the periodic drain).
func (q *Queue) Defer(ctx context.Context, req Request) (Request, error) {
	return q.enqueue(ctx, req, false)
}

func (q *Queue) enqueue(ctx context.Context, req Request, drain bool) (Request, error) {
	req.Method = strings.ToUpper(req.Method)
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	now := q.now().UTC()
	req.ID = ids.NewAt(now)
	req.EnqueuedAt = now
	req.Retries = 0
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = ids.IdempotencyKey()
	}

	q.mu.Lock()
	if pending, ok := q.pendingRead(req); ok {
		q.mu.Unlock()
		q.log.WithFields(logrus.Fields{"id": pending.ID, "url": req.URL}).Debug("read_already_queued")
		return pending, nil
	}
	if err := q.persist(ctx, req); err != nil {
		q.mu.Unlock()
		return Request{}, err
	}
	q.items = append(q.items, req)
	depth := len(q.items)
	q.mu.Unlock()

	obs.QueueDepth.Set(float64(depth))
	q.bus.Publish(events.QueueEnqueued, req)
	q.log.WithFields(logrus.Fields{"id": req.ID, "method": req.Method, "url": req.URL}).Info("request_enqueued")

	if drain && q.conn != nil && q.conn.Online() {
		if _, err := q.Drain(ctx); err != nil {
			q.log.WithError(err).Warn("drain_after_enqueue_failed")
		}
	}
	return req, nil
}

// Drain replays every queued request in FIFO order. A successful replay
// removes the request; a failed one is kept until it has failed
// MaxRetries times and is then dropped with a queue.dropped event. A
// failure matching ErrPermanent drops the request at once. A call
// made while another pass is running returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context) (Result, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	box := q.replayer.Load()
	if box == nil {
		return Result{}, ErrNoReplayer
	}
	r := box.r

	var res Result
	for _, req := range q.List() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if q.conn != nil && !q.conn.Online() {
			res.Interrupted = true
			break
		}
		fields := logrus.Fields{"id": req.ID, "method": req.Method, "url": req.URL}

		replayErr := r.Replay(ctx, req)
		if replayErr == nil {
			if err := q.remove(ctx, req.ID); err != nil {
				return res, err
			}
			res.Replayed++
			obs.QueueReplays.WithLabelValues("success").Inc()
			q.log.WithFields(fields).Info("request_replayed")
			continue
		}

		fields["error"] = replayErr.Error()
		obs.QueueReplays.WithLabelValues("failure").Inc()
		req.Retries++
		fields["retries"] = req.Retries
		if req.Retries >= q.maxRetries || errors.Is(replayErr, ErrPermanent) {
			if err := q.remove(ctx, req.ID); err != nil {
				return res, err
			}
			res.Dropped++
			obs.QueueDropped.Inc()
			q.bus.Publish(events.QueueDropped, req)
			q.log.WithFields(fields).Warn("request_dropped")
			continue
		}
		if err := q.update(ctx, req); err != nil {
			return res, err
		}
		res.Failed++
		q.log.WithFields(fields).Info("replay_failed")
	}

	if res.Replayed > 0 {
		q.bus.Publish(events.QueueSynced, res)
	}
	return res, nil
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a snapshot of pending requests in replay order.
func (q *Queue) List() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, len(q.items))
	copy(out, q.items)
	return out
}

// MaxRetries returns the configured retry budget.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// pendingRead finds a queued GET for the same URL and params. Callers
// hold q.mu.
func (q *Queue) pendingRead(req Request) (Request, bool) {
	if req.Method != http.MethodGet {
		return Request{}, false
	}
	for _, item := range q.items {
		if item.Method == http.MethodGet && item.URL == req.URL && maps.Equal(item.Params, req.Params) {
			return item, true
		}
	}
	return Request{}, false
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Delete(ctx, bucket, id); err != nil {
		return fmt.Errorf("queue: delete %s: %w", id, err)
	}
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	obs.QueueDepth.Set(float64(len(q.items)))
	return nil
}

func (q *Queue) update(ctx context.Context, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persist(ctx, req); err != nil {
		return err
	}
	for i, item := range q.items {
		if item.ID == req.ID {
			q.items[i] = req
			break
		}
	}
	return nil
}

// persist writes req through to the store. Callers hold q.mu.
func (q *Queue) persist(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: encode %s: %w", req.ID, err)
	}
	rec := kv.Record{Key: req.ID, Value: data, Domain: req.Domain, Timestamp: req.EnqueuedAt}
	if err := q.store.Put(ctx, bucket, rec); err != nil {
		return fmt.Errorf("queue: persist %s: %w", req.ID, err)
	}
	return nil
}
