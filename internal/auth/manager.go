package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"offsync.org/internal/events"
	"offsync.org/internal/kv"
	"offsync.org/internal/obs"
)

const (
	sessionBucket = "session"
	sessionKey    = "current"

	DefaultRefreshTimeout = 30 * time.Second
)

// Manager owns the credential session of the process. It is the single
// writer of session state; every change is persisted to the store.
type Manager struct {
	provider Provider
	store    kv.Store
	bus      *events.Bus
	now      func() time.Time
	log      *logrus.Entry

	refreshTimeout time.Duration

	mu      sync.RWMutex
	session *Session

	refreshGroup singleflight.Group
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithRefreshTimeout bounds a single token exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("auth: refresh timeout must be positive, got %s", d)
		}
		m.refreshTimeout = d
		return nil
	}
}

// WithEvents publishes session lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(m *Manager) error {
		m.bus = bus
		return nil
	}
}

// NewManager constructs a Manager. store may be nil, in which case the
// session lives in memory only.
func NewManager(provider Provider, store kv.Store, opts ...Option) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("auth: provider is required")
	}
	m := &Manager{
		provider: provider,
		store:    store,
		now:      time.Now,
		log:      obs.Component("auth"),

		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Load restores a previously persisted session. A missing session is not an error.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rec, err := m.store.Get(ctx, sessionBucket, sessionKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(rec.Value, &s); err != nil {
		return fmt.Errorf("auth: decode session: %w", err)
	}
	if !s.Authenticated() {
		return nil
	}
	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()
	return nil
}

// SignIn exchanges credentials for a session.
func (m *Manager) SignIn(ctx context.Context, identifier, secret string) (Session, error) {
	s, err := m.provider.SignIn(ctx, identifier, secret)
	if err != nil {
		m.log.WithError(err).Warn("sign_in_failed")
		return Session{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	s = s.withTokenClaims()
	if !s.Authenticated() {
		return Session{}, fmt.Errorf("%w: provider returned no access token", ErrAuthentication)
	}
	m.set(ctx, s)
	m.bus.Publish(events.SessionStarted, s.User)
	m.log.WithField("user_id", s.User.ID).Info("signed_in")
	return s, nil
}

// Refresh exchanges refreshToken for a new session. Concurrent callers share
// a single in-flight exchange, which runs detached from any caller's context:
// a caller that gives up gets ErrRefreshInterrupted while the exchange goes
// on for the others. The session is terminated only when the provider
// rejects the exchange.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	ch := m.refreshGroup.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(fctx, refreshToken)
	})
	select {
	case <-ctx.Done():
		return Session{}, fmt.Errorf("%w: %w", ErrRefreshInterrupted, ctx.Err())
	case res := <-ch:
		if res.Shared {
			m.log.Debug("refresh_shared")
		}
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		obs.AuthRefresh.WithLabelValues("failure").Inc()
		m.Terminate(ctx, "missing_refresh_token")
		return Session{}, fmt.Errorf("%w: %w", ErrRefresh, ErrNoSession)
	}

	// another exchange already rotated the token pair
	m.mu.RLock()
	var current *Session
	if m.session != nil && m.session.RefreshToken != refreshToken && !m.session.ExpiredAt(m.now()) {
		cp := *m.session
		current = &cp
	}
	m.mu.RUnlock()
	if current != nil {
		return *current, nil
	}

	s, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			obs.AuthRefresh.WithLabelValues("interrupted").Inc()
			m.log.WithError(err).Warn("refresh_interrupted")
			return Session{}, fmt.Errorf("%w: %w", ErrRefreshInterrupted, err)
		}
		obs.AuthRefresh.WithLabelValues("failure").Inc()
		m.log.WithError(err).Warn("refresh_failed")
		m.Terminate(ctx, "refresh_failed")
		return Session{}, fmt.Errorf("%w: %w", ErrRefresh, err)
	}
	s = s.withTokenClaims()
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	m.mu.RLock()
	if m.session != nil && s.User.ID == "" {
		s.User = m.session.User
	}
	m.mu.RUnlock()

	m.set(ctx, s)
	obs.AuthRefresh.WithLabelValues("success").Inc()
	m.bus.Publish(events.SessionRefreshed, s.User)
	return s, nil
}

// Session returns a copy of the active session.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// AuthorizationValue returns the Authorization header value, if signed in.
func (m *Manager) AuthorizationValue() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || !m.session.Authenticated() {
		return "", false
	}
	return "Bearer " + m.session.AccessToken, true
}

// RefreshToken returns the stored refresh token or "".
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.RefreshToken
}

// IsExpired compares the stored expiry with the clock. No session or no
// recorded expiry counts as expired.
func (m *Manager) IsExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return true
	}
	return m.session.ExpiredAt(m.now())
}

// SignOut revokes the session remotely (best effort) and always clears it locally.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.RLock()
	var token string
	if m.session != nil {
		token = m.session.AccessToken
	}
	m.mu.RUnlock()

	if token != "" {
		if err := m.provider.Revoke(ctx, token); err != nil {
			m.log.WithError(err).Warn("revoke_failed")
		}
	}
	m.Terminate(ctx, "sign_out")
	return nil
}

// Terminate clears the session locally without contacting the provider.
func (m *Manager) Terminate(ctx context.Context, reason string) {
	m.mu.Lock()
	had := m.session != nil
	m.session = nil
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, sessionBucket, sessionKey); err != nil {
			m.log.WithError(err).Warn("session_clear_failed")
		}
	}
	if had {
		m.bus.Publish(events.SessionTerminated, reason)
		m.log.WithField("reason", reason).Info("session_terminated")
	}
}

// set replaces the session and persists it. A persistence failure is logged;
// the in-memory session stays usable.
func (m *Manager) set(ctx context.Context, s Session) {
	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		m.log.WithError(err).Error("session_encode_failed")
		return
	}
	rec := kv.Record{Key: sessionKey, Value: data, Timestamp: m.now().UTC()}
	if err := m.store.Put(ctx, sessionBucket, rec); err != nil {
		m.log.WithError(err).Error("session_persist_failed")
	}
}
