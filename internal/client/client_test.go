package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"offsync.org/internal/auth"
	"offsync.org/internal/cache"
	"offsync.org/internal/kv"
	"offsync.org/internal/queue"
)

type fakeCreds struct {
	mu         sync.Mutex
	token      string
	refresh    string
	expired    bool
	refreshes  int
	terminated []string
	refreshFn  func() error
}

func (f *fakeCreds) AuthorizationValue() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return "", false
	}
	return "Bearer " + f.token, true
}

func (f *fakeCreds) RefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh
}

func (f *fakeCreds) IsExpired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired
}

func (f *fakeCreds) Refresh(ctx context.Context, refreshToken string) (auth.Session, error) {
	f.mu.Lock()
	f.refreshes++
	fn := f.refreshFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return auth.Session{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = "fresh"
	f.expired = false
	return auth.Session{AccessToken: f.token, RefreshToken: refreshToken}, nil
}

func (f *fakeCreds) Terminate(ctx context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, reason)
	f.token = ""
}

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) Online() bool { return c.online.Load() }

func onlineConn(v bool) *fakeConn {
	c := &fakeConn{}
	c.online.Store(v)
	return c
}

type fixedPolicy struct {
	domain string
	ttl    int
}

func (p fixedPolicy) CacheFor(string) (string, int) { return p.domain, p.ttl }

type fixture struct {
	client *Client
	queue  *queue.Queue
	cache  *cache.Store
	store  *kv.Memory
	now    time.Time
}

func newFixture(t *testing.T, baseURL string, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: kv.NewMemory(), now: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)}
	var err error
	f.cache, err = cache.New(f.store, cache.WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	f.queue, err = queue.Open(context.Background(), f.store)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	base := []Option{WithCache(f.cache), WithQueue(f.queue), WithCachePolicy(fixedPolicy{domain: "portfolio", ttl: 60})}
	f.client, err = New(baseURL, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestOfflinePostIsQueuedWithoutIO(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, WithConnectivity(onlineConn(false)))
	_, err := f.client.Post(context.Background(), "/trades", map[string]any{"symbol": "ACME", "qty": 3})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("offline post performed %d requests", hits.Load())
	}
	items := f.queue.List()
	if len(items) != 1 {
		t.Fatalf("expected exactly one queued request, got %d", len(items))
	}
	if items[0].Method != http.MethodPost || items[0].URL != "/trades" || items[0].IdempotencyKey == "" {
		t.Fatalf("unexpected queued request %+v", items[0])
	}
	if string(items[0].Body) != `{"qty":3,"symbol":"ACME"}` {
		t.Fatalf("unexpected body %s", items[0].Body)
	}
}

func TestOfflineGetMissIsQueued(t *testing.T) {
	f := newFixture(t, "http://api.invalid", WithConnectivity(onlineConn(false)))
	_, err := f.client.Get(context.Background(), "/holdings", nil)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Status != http.StatusInternalServerError {
		t.Fatalf("expected default status 500, got %v", err)
	}
	if items := f.queue.List(); len(items) != 1 || items[0].Method != http.MethodGet || items[0].Domain != "portfolio" {
		t.Fatalf("unexpected queue %+v", items)
	}
}

func TestGetCachesResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/holdings" || r.URL.Query().Get("page") != "2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		body, err := f.client.Get(ctx, "/holdings", map[string]string{"page": "2"})
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		if string(body) != `{"items":[]}` {
			t.Fatalf("unexpected body %s", body)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one network call, got %d", hits.Load())
	}
	e, ok, _ := f.cache.Peek(ctx, cache.Key("GET", "/holdings", map[string]string{"page": "2"}))
	if !ok || e.Domain != "portfolio" || !e.ExpiresAt.Equal(f.now.Add(60*time.Second)) {
		t.Fatalf("unexpected cache entry %+v", e)
	}
}

func TestGetServesStaleOnNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	key := cache.Key("GET", "/holdings", nil)
	if err := f.cache.Put(ctx, key, "portfolio", []byte(`{"stale":true}`), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f.now = f.now.Add(time.Hour)

	body, err := f.client.Get(ctx, "/holdings", nil)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if string(body) != `{"stale":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if f.queue.Len() != 0 {
		t.Fatal("stale read must not be queued")
	}
}

func TestGetNetworkFailureWithoutStaleEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newFixture(t, srv.URL)
	_, err := f.client.Get(context.Background(), "/holdings", nil)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindNetwork || ce.Status != http.StatusInternalServerError {
		t.Fatalf("expected network error with status 500, got %v", err)
	}
}

func TestWriteNetworkFailureIsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newFixture(t, srv.URL)
	_, err := f.client.Put(context.Background(), "/profile", map[string]string{"name": "Ana"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected one queued request, got %d", f.queue.Len())
	}
}

func TestOnlineWriteFailureDoesNotReplayImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	store := kv.NewMemory()
	var replays atomic.Int32
	q, err := queue.Open(context.Background(), store,
		queue.WithConnectivity(onlineConn(true)),
		queue.WithReplayer(queue.ReplayFunc(func(context.Context, queue.Request) error {
			replays.Add(1)
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c, err := New(srv.URL, WithQueue(q), WithConnectivity(onlineConn(true)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Post(context.Background(), "/trades", map[string]int{"qty": 1}); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if q.Len() != 1 || replays.Load() != 0 {
		t.Fatalf("expected the write deferred, len=%d replays=%d", q.Len(), replays.Load())
	}
	if got := q.List()[0].Retries; got != 0 {
		t.Fatalf("deferred write should keep its retry budget, retries=%d", got)
	}
}

func TestApplicationErrorIsNotQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"quantity must be positive"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, err := f.client.Post(context.Background(), "/trades", map[string]int{"qty": -1})
	var ce *Error
	if !errors.As(err, &ce) || !errors.Is(err, ErrApplication) {
		t.Fatalf("expected application error, got %v", err)
	}
	if ce.Status != http.StatusUnprocessableEntity || ce.Detail != "quantity must be positive" {
		t.Fatalf("unexpected error %+v", ce)
	}
	if f.queue.Len() != 0 {
		t.Fatal("application errors must not be queued")
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale", refresh: "r-1", expired: true}
	f := newFixture(t, srv.URL, WithCredentials(creds))

	body, err := f.client.Post(context.Background(), "/trades", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if creds.refreshes != 1 || hits.Load() != 2 {
		t.Fatalf("expected one refresh and one retry, got refreshes=%d hits=%d", creds.refreshes, hits.Load())
	}
	if len(creds.terminated) != 0 {
		t.Fatalf("session terminated unexpectedly: %v", creds.terminated)
	}
}

func TestSecondUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale", refresh: "r-1", expired: true}
	f := newFixture(t, srv.URL, WithCredentials(creds))

	_, err := f.client.Get(context.Background(), "/holdings", nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if creds.refreshes != 1 || hits.Load() != 2 {
		t.Fatalf("expected refreshes=1 hits=2, got refreshes=%d hits=%d", creds.refreshes, hits.Load())
	}
	if len(creds.terminated) != 1 {
		t.Fatalf("expected session termination, got %v", creds.terminated)
	}
	if f.queue.Len() != 0 {
		t.Fatal("auth failures must not be queued")
	}
}

func TestUnauthorizedWithoutRefreshTokenTerminates(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale", expired: true}
	f := newFixture(t, srv.URL, WithCredentials(creds))

	_, err := f.client.Delete(context.Background(), "/holdings/1", nil)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindAuth || ce.Status != http.StatusUnauthorized {
		t.Fatalf("expected auth error, got %v", err)
	}
	if creds.refreshes != 0 || hits.Load() != 1 || len(creds.terminated) != 1 {
		t.Fatalf("refreshes=%d hits=%d terminated=%v", creds.refreshes, hits.Load(), creds.terminated)
	}
}

func TestRefreshFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale", refresh: "r-1", expired: true, refreshFn: func() error { return auth.ErrRefresh }}
	f := newFixture(t, srv.URL, WithCredentials(creds))

	_, err := f.client.Get(context.Background(), "/holdings", nil)
	if !errors.Is(err, ErrAuthentication) || !errors.Is(err, auth.ErrRefresh) {
		t.Fatalf("expected auth error wrapping refresh failure, got %v", err)
	}
}

func TestUnauthorizedAfterConcurrentRotationRetriesWithCurrentToken(t *testing.T) {
	var (
		mu        sync.Mutex
		oldHits   int
		bothOld   = make(chan struct{})
		freshSeen = make(chan struct{})
		freshOnce sync.Once
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			freshOnce.Do(func() { close(freshSeen) })
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		mu.Lock()
		oldHits++
		n := oldHits
		if n == 2 {
			close(bothOld)
		}
		mu.Unlock()
		if n == 1 {
			<-bothOld
		} else {
			// answer after the other request has refreshed and retried
			<-freshSeen
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "old", refresh: "r-1", expired: true}
	f := newFixture(t, srv.URL, WithCredentials(creds))

	errs := make(chan error, 2)
	for _, path := range []string{"/holdings", "/risk"} {
		go func(path string) {
			_, err := f.client.Get(context.Background(), path, nil)
			errs <- err
		}(path)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Get: %v", err)
		}
	}

	creds.mu.Lock()
	defer creds.mu.Unlock()
	if creds.refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", creds.refreshes)
	}
	if len(creds.terminated) != 0 || creds.token != "fresh" {
		t.Fatalf("refreshed session must survive, terminated=%v token=%q", creds.terminated, creds.token)
	}
}

func TestInterruptedRefreshKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	interrupted := fmt.Errorf("%w: %w", auth.ErrRefreshInterrupted, context.Canceled)
	creds := &fakeCreds{token: "stale", refresh: "r-1", expired: true, refreshFn: func() error { return interrupted }}
	f := newFixture(t, srv.URL, WithCredentials(creds))

	_, err := f.client.Get(context.Background(), "/holdings", nil)
	if !IsNetwork(err) || !errors.Is(err, auth.ErrRefreshInterrupted) {
		t.Fatalf("expected network error wrapping the interruption, got %v", err)
	}
	if len(creds.terminated) != 0 {
		t.Fatalf("interrupted refresh must not terminate, got %v", creds.terminated)
	}
}

func TestApplicationErrorIsPermanentForReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()
	f := newFixture(t, srv.URL)

	err := f.client.Replay(context.Background(), queue.Request{Method: http.MethodPost, URL: "/trades"})
	if !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("expected permanent replay failure, got %v", err)
	}

	srv.Close()
	err = f.client.Replay(context.Background(), queue.Request{Method: http.MethodPost, URL: "/trades"})
	if err == nil || errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("network failure must stay retryable, got %v", err)
	}
}

func TestReplaySendsIdempotencyKeyAndCachesGet(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	if err := f.client.Replay(ctx, queue.Request{Method: "POST", URL: "/trades", IdempotencyKey: "key-1"}); err != nil {
		t.Fatalf("Replay POST: %v", err)
	}
	if err := f.client.Replay(ctx, queue.Request{Method: "GET", URL: "/risk", Domain: "portfolio-risk"}); err != nil {
		t.Fatalf("Replay GET: %v", err)
	}
	if keys[0] != "key-1" {
		t.Fatalf("expected idempotency key to be sent, got %q", keys[0])
	}
	e, ok, _ := f.cache.Peek(ctx, cache.Key("GET", "/risk", nil))
	if !ok || e.Domain != "portfolio-risk" {
		t.Fatalf("replayed GET should be cached, got %+v ok=%v", e, ok)
	}
}

func TestOpenBreakerIsNetworkFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	srv.Close()

	f := newFixture(t, srv.URL, WithBreaker(gobreaker.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = f.client.Get(ctx, "/holdings", nil)
	}
	_, err := f.client.Get(ctx, "/holdings", nil)
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker network error, got %v", err)
	}
}
