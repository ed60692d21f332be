// Package client is the API client of the sync layer. Reads are served from
// the cache when fresh, writes are queued when the API cannot be reached,
// and a 401 triggers at most one credential refresh and one retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"offsync.org/internal/auth"
	"offsync.org/internal/cache"
	"offsync.org/internal/ids"
	"offsync.org/internal/obs"
	"offsync.org/internal/queue"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultTTLSeconds = 300
	maxResponseBytes  = 8 << 20
)

// Credentials is the part of the credential manager the client needs.
type Credentials interface {
	AuthorizationValue() (string, bool)
	RefreshToken() string
	IsExpired() bool
	Refresh(ctx context.Context, refreshToken string) (auth.Session, error)
	Terminate(ctx context.Context, reason string)
}

// ResponseCache stores successful GET responses.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (cache.Entry, cache.Status, error)
	Put(ctx context.Context, key, domain string, value []byte, ttlSeconds int) error
}

// Enqueuer accepts requests for later replay. Defer queues without running
// a drain pass.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Request, error)
	Defer(ctx context.Context, req queue.Request) (queue.Request, error)
}

// Connectivity reports whether the API is reachable.
type Connectivity interface {
	Online() bool
}

// CachePolicy maps a URL to its data domain and cache lifetime in seconds.
type CachePolicy interface {
	CacheFor(url string) (domain string, ttlSeconds int)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	cache   ResponseCache
	queue   Enqueuer
	conn    Connectivity
	policy  CachePolicy
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

var _ queue.Replayer = (*Client)(nil)

// Option configures Client behavior.
type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("client: http client is nil")
		}
		c.http = hc
		return nil
	}
}

func WithCredentials(creds Credentials) Option {
	return func(c *Client) error { c.creds = creds; return nil }
}

func WithCache(rc ResponseCache) Option {
	return func(c *Client) error { c.cache = rc; return nil }
}

func WithQueue(q Enqueuer) Option {
	return func(c *Client) error { c.queue = q; return nil }
}

func WithConnectivity(conn Connectivity) Option {
	return func(c *Client) error { c.conn = conn; return nil }
}

func WithCachePolicy(p CachePolicy) Option {
	return func(c *Client) error { c.policy = p; return nil }
}

// WithBreaker guards the transport with a circuit breaker. While open,
// calls fail as network errors without touching the network.
func WithBreaker(st gobreaker.Settings) Option {
	return func(c *Client) error {
		if st.Name == "" {
			st.Name = "api"
		}
		if st.ReadyToTrip == nil {
			st.ReadyToTrip = func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && ratio >= 0.6
			}
		}
		log := c.log
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("breaker_state_changed")
		}
		c.breaker = gobreaker.NewCircuitBreaker(st)
		return nil
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     obs.Component("client"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the response body of GET url. A fresh cache entry is returned
// without network I/O. Offline, the read is queued and ErrOffline returned.
// On a network failure a stale entry is served when one exists.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	key := cache.Key(http.MethodGet, path, params)
	var (
		cached cache.Entry
		status = cache.Miss
	)
	if c.cache != nil {
		var err error
		cached, status, err = c.cache.Lookup(ctx, key)
		if err != nil {
			c.log.WithError(err).Warn("cache_read_failed")
		}
		if status == cache.Hit {
			obs.ClientRequests.WithLabelValues(http.MethodGet, "cache_hit").Inc()
			return cached.Payload, nil
		}
	}

	domain, ttl := c.cacheFor(path)
	if !c.online() {
		return nil, c.enqueueOffline(ctx, queue.Request{Method: http.MethodGet, URL: path, Params: params, Domain: domain})
	}

	body, err := c.send(ctx, http.MethodGet, path, params, nil, "")
	if err == nil {
		if c.cache != nil {
			if err := c.cache.Put(ctx, key, domain, body, ttl); err != nil {
				c.log.WithError(err).Warn("cache_write_failed")
			}
		}
		return body, nil
	}
	if IsNetwork(err) && status == cache.Stale {
		obs.ClientRequests.WithLabelValues(http.MethodGet, "stale").Inc()
		c.log.WithFields(logrus.Fields{"url": path, "expired_at": cached.ExpiresAt}).Info("serving_stale")
		return cached.Payload, nil
	}
	return nil, err
}

func (c *Client) Post(ctx context.Context, path string, data any) ([]byte, error) {
	return c.write(ctx, http.MethodPost, path, data)
}

func (c *Client) Put(ctx context.Context, path string, data any) ([]byte, error) {
	return c.write(ctx, http.MethodPut, path, data)
}

func (c *Client) Delete(ctx context.Context, path string, data any) ([]byte, error) {
	return c.write(ctx, http.MethodDelete, path, data)
}

// Replay sends a queued request without any fallback. A replayed GET
// refreshes the cache.
func (c *Client) Replay(ctx context.Context, req queue.Request) error {
	body, err := c.send(ctx, req.Method, req.URL, req.Params, req.Body, req.IdempotencyKey)
	if err != nil {
		return err
	}
	if req.Method == http.MethodGet && c.cache != nil {
		domain, ttl := c.cacheFor(req.URL)
		if req.Domain != "" {
			domain = req.Domain
		}
		if err := c.cache.Put(ctx, cache.Key(req.Method, req.URL, req.Params), domain, body, ttl); err != nil {
			c.log.WithError(err).Warn("cache_write_failed")
		}
	}
	return nil
}

func (c *Client) write(ctx context.Context, method, path string, data any) ([]byte, error) {
	payload, err := encodeBody(data)
	if err != nil {
		return nil, newError(KindApplication, http.StatusBadRequest, "invalid request body", err)
	}
	domain, _ := c.cacheFor(path)
	req := queue.Request{Method: method, URL: path, Body: payload, Domain: domain, IdempotencyKey: ids.IdempotencyKey()}
	if !c.online() {
		return nil, c.enqueueOffline(ctx, req)
	}

	body, err := c.send(ctx, method, path, nil, payload, req.IdempotencyKey)
	if err != nil && IsNetwork(err) && c.queue != nil {
		// the API just failed; replaying now would only repeat the failure
		if _, qerr := c.queue.Defer(ctx, req); qerr != nil {
			c.log.WithError(qerr).Error("enqueue_failed")
		}
	}
	return body, err
}

// enqueueOffline queues req and returns the offline error.
func (c *Client) enqueueOffline(ctx context.Context, req queue.Request) error {
	obs.ClientRequests.WithLabelValues(req.Method, "offline").Inc()
	if c.queue == nil {
		return newError(KindOffline, 0, "offline", nil)
	}
	if _, err := c.queue.Enqueue(ctx, req); err != nil {
		return newError(KindOffline, 0, "offline, request not queued", err)
	}
	return newError(KindOffline, 0, "offline, request queued", nil)
}

// send performs the request with credentials attached and handles 401.
func (c *Client) send(ctx context.Context, method, path string, params map[string]string, body []byte, idemKey string) ([]byte, error) {
	status, respBody, sentAuth, err := c.roundTrip(ctx, method, path, params, body, idemKey)
	if err != nil {
		obs.ClientRequests.WithLabelValues(method, "network").Inc()
		return nil, err
	}
	if status == http.StatusUnauthorized {
		status, respBody, err = c.reauthenticate(ctx, method, path, params, body, idemKey, sentAuth)
		if err != nil {
			return nil, err
		}
	}
	if status >= 400 {
		obs.ClientRequests.WithLabelValues(method, "application").Inc()
		return nil, newError(KindApplication, status, detailOf(respBody, status), nil)
	}
	obs.ClientRequests.WithLabelValues(method, "ok").Inc()
	return respBody, nil
}

// reauthenticate handles a 401 for a request sent with sentAuth. When the
// credentials were rotated after the request went out, the request is
// retried once with the current ones. Otherwise the credentials are
// refreshed once and the request retried once. Any other outcome terminates
// the session.
func (c *Client) reauthenticate(ctx context.Context, method, path string, params map[string]string, body []byte, idemKey, sentAuth string) (int, []byte, error) {
	fail := func(reason string, err error) (int, []byte, error) {
		obs.ClientRequests.WithLabelValues(method, "auth").Inc()
		if c.creds != nil {
			c.creds.Terminate(ctx, reason)
		}
		return 0, nil, newError(KindAuth, http.StatusUnauthorized, reason, err)
	}
	if c.creds == nil {
		return fail("unauthorized", nil)
	}

	if current, ok := c.creds.AuthorizationValue(); !ok || current == sentAuth {
		rt := c.creds.RefreshToken()
		if rt == "" || !c.creds.IsExpired() {
			return fail("unauthorized", nil)
		}
		if _, err := c.creds.Refresh(ctx, rt); err != nil {
			if errors.Is(err, auth.ErrRefreshInterrupted) {
				obs.ClientRequests.WithLabelValues(method, "network").Inc()
				return 0, nil, newError(KindNetwork, 0, "credential refresh interrupted", err)
			}
			return fail("refresh failed", err)
		}
	} else {
		c.log.WithFields(logrus.Fields{"method": method, "url": path}).Debug("credentials_rotated_retry")
	}

	status, respBody, retryAuth, err := c.roundTrip(ctx, method, path, params, body, idemKey)
	if err != nil {
		obs.ClientRequests.WithLabelValues(method, "network").Inc()
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		// a rotation racing the retry is not this request's failure to report
		if current, ok := c.creds.AuthorizationValue(); ok && current != retryAuth {
			obs.ClientRequests.WithLabelValues(method, "auth").Inc()
			return 0, nil, newError(KindAuth, http.StatusUnauthorized, "unauthorized after refresh", nil)
		}
		return fail("unauthorized after refresh", nil)
	}
	return status, respBody, nil
}

// roundTrip returns a network-class *Error for transport failures only,
// along with the Authorization value the request carried.
func (c *Client) roundTrip(ctx context.Context, method, path string, params map[string]string, body []byte, idemKey string) (int, []byte, string, error) {
	req, err := c.newRequest(ctx, method, path, params, body, idemKey)
	if err != nil {
		return 0, nil, "", newError(KindNetwork, 0, "invalid request", err)
	}
	sentAuth := req.Header.Get("Authorization")

	type response struct {
		status int
		body   []byte
	}
	do := func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		return response{status: resp.StatusCode, body: data}, nil
	}

	var out any
	if c.breaker != nil {
		out, err = c.breaker.Execute(do)
	} else {
		out, err = do()
	}
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"method": method, "url": path}).Warn("request_failed")
		return 0, nil, sentAuth, newError(KindNetwork, 0, "network failure", err)
	}
	r := out.(response)
	return r.status, r.body, sentAuth, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, params map[string]string, body []byte, idemKey string) (*http.Request, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if c.creds != nil {
		if v, ok := c.creds.AuthorizationValue(); ok {
			req.Header.Set("Authorization", v)
		}
	}
	return req, nil
}

func (c *Client) online() bool {
	return c.conn == nil || c.conn.Online()
}

func (c *Client) cacheFor(path string) (string, int) {
	if c.policy == nil {
		return "", DefaultTTLSeconds
	}
	domain, ttl := c.policy.CacheFor(path)
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	return domain, ttl
}

func encodeBody(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func detailOf(body []byte, status int) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 512 {
		return s
	}
	return http.StatusText(status)
}
