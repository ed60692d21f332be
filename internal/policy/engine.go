// Package policy maps data domains to synchronization profiles and runs
// per-domain prefetch and background registration.
package policy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"offsync.org/internal/events"
	"offsync.org/internal/obs"
)

// Fetcher issues a cached GET. The API client implements it.
type Fetcher interface {
	Get(ctx context.Context, url string, params map[string]string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string, params map[string]string) ([]byte, error)

func (f FetcherFunc) Get(ctx context.Context, url string, params map[string]string) ([]byte, error) {
	return f(ctx, url, params)
}

// Background registers queue draining with the background-sync coordinator.
type Background interface {
	Register(ctx context.Context) error
}

// Footprint trims a domain's cached responses to a byte budget.
type Footprint interface {
	EnforceFootprint(ctx context.Context, domain string, maxBytes int64) (int, error)
}

// Connectivity reports whether the API is reachable.
type Connectivity interface {
	Online() bool
}

// Options modify a single SyncDomain call.
type Options struct {
	// Force bypasses debouncing.
	Force bool
}

// Report describes one SyncDomain call.
type Report struct {
	Domain               string   `json:"domain"`
	Strategy             Strategy `json:"strategy"`
	Skipped              bool     `json:"skipped"`
	Offline              bool     `json:"offline,omitempty"`
	Fetched              int      `json:"fetched"`
	Failed               int      `json:"failed"`
	BackgroundRegistered bool     `json:"background_registered"`
	Evicted              int      `json:"evicted"`
}

// Engine is safe for concurrent use.
type Engine struct {
	profiles   map[string]*Profile
	normalized map[string]*Profile
	fallback   *Profile
	ordered    []*Profile

	fetcher   Fetcher
	bg        Background
	footprint Footprint
	conn      Connectivity
	bus       *events.Bus
	limiter   *rate.Limiter
	parallel  int
	now       func() time.Time
	log       *logrus.Entry

	mu         sync.Mutex
	inProgress map[*Profile]int
	lastSync   map[*Profile]time.Time
}

// Option configures Engine behavior.
type Option func(*Engine) error

// WithProfiles replaces the built-in profile set.
func WithProfiles(profiles []Profile) Option {
	return func(e *Engine) error {
		return e.load(profiles)
	}
}

func WithFetcher(f Fetcher) Option {
	return func(e *Engine) error { e.fetcher = f; return nil }
}

func WithBackground(bg Background) Option {
	return func(e *Engine) error { e.bg = bg; return nil }
}

func WithFootprint(f Footprint) Option {
	return func(e *Engine) error { e.footprint = f; return nil }
}

func WithEvents(bus *events.Bus) Option {
	return func(e *Engine) error { e.bus = bus; return nil }
}

// WithConnectivity skips syncs while the API is unreachable.
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) error { e.conn = c; return nil }
}

// WithRateLimit bounds prefetch requests per second across all domains.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Engine) error {
		if perSecond <= 0 || burst <= 0 {
			return fmt.Errorf("policy: invalid rate limit %v/%d", perSecond, burst)
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithParallelism bounds concurrent prefetches of one domain.
func WithParallelism(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("policy: parallelism must be positive, got %d", n)
		}
		e.parallel = n
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// New creates an engine with DefaultProfiles unless WithProfiles is given.
func New(opts ...Option) (*Engine, error) {
	def := DefaultProfile()
	e := &Engine{
		fallback:   &def,
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
		parallel:   4,
		now:        time.Now,
		log:        obs.Component("policy"),
		inProgress: make(map[*Profile]int),
		lastSync:   make(map[*Profile]time.Time),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.profiles == nil {
		if err := e.load(DefaultProfiles()); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) load(profiles []Profile) error {
	e.profiles = make(map[string]*Profile, len(profiles))
	e.normalized = make(map[string]*Profile, len(profiles))
	e.ordered = e.ordered[:0]
	for i := range profiles {
		p := profiles[i]
		if strings.TrimSpace(p.Domain) == "" {
			return errors.New("policy: profile without domain")
		}
		if !p.Strategy.Valid() {
			return fmt.Errorf("policy: %s: unknown strategy %q", p.Domain, p.Strategy)
		}
		if p.CacheDuration <= 0 {
			return fmt.Errorf("policy: %s: cache duration must be positive", p.Domain)
		}
		key := normalize(p.Domain)
		if _, dup := e.normalized[key]; dup {
			return fmt.Errorf("policy: duplicate profile for %q", p.Domain)
		}
		p.Prefetch = append([]string(nil), p.Prefetch...)
		e.profiles[p.Domain] = &p
		e.normalized[key] = &p
		e.ordered = append(e.ordered, &p)
	}
	sort.Slice(e.ordered, func(i, j int) bool { return e.ordered[i].Domain < e.ordered[j].Domain })
	return nil
}

// ResolveProfile returns the profile of domain: exact match, then
// normalized match, then the default profile. Equivalent names resolve to
// the same *Profile. The result must not be modified.
func (e *Engine) ResolveProfile(domain string) *Profile {
	if p, ok := e.profiles[domain]; ok {
		return p
	}
	if p, ok := e.normalized[normalize(domain)]; ok {
		return p
	}
	return e.fallback
}

// Profiles returns a copy of the configured profiles ordered by domain.
func (e *Engine) Profiles() []Profile {
	out := make([]Profile, 0, len(e.ordered))
	for _, p := range e.ordered {
		out = append(out, *p)
	}
	return out
}

// AllowsOfflineView reports whether cached data of domain may be shown offline.
func (e *Engine) AllowsOfflineView(domain string) bool {
	return e.ResolveProfile(domain).OfflineView
}

// AllowsOfflineEdit reports whether edits of domain may be queued while
// offline. Read-only domains never allow it.
func (e *Engine) AllowsOfflineEdit(domain string) bool {
	p := e.ResolveProfile(domain)
	return p.OfflineEdit && p.Strategy != ReadOnly
}

// CacheFor returns the domain and cache lifetime of url, matched against
// the prefetch patterns of every profile. Patterns are exact paths, path
// globs or prefixes ending in '/'. Unmatched urls get ("", 0).
func (e *Engine) CacheFor(url string) (string, int) {
	p := url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	for _, prof := range e.ordered {
		for _, pattern := range prof.Prefetch {
			if matchPattern(pattern, p) {
				return prof.Domain, prof.CacheDuration
			}
		}
	}
	return "", 0
}

func matchPattern(pattern, p string) bool {
	if pattern == p {
		return true
	}
	if strings.HasSuffix(pattern, "/") && strings.HasPrefix(p, pattern) {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, p)
		return err == nil && ok
	}
	return false
}

// SyncDomain prefetches the endpoints of domain's profile and, for
// selective-sync and full-sync profiles with background sync enabled,
// registers background draining. A domain already syncing, or synced within
// its cache duration, is skipped unless opts.Force is set. While offline
// every sync is skipped: prefetching would only queue reads.
func (e *Engine) SyncDomain(ctx context.Context, domain string, opts Options) (Report, error) {
	p := e.ResolveProfile(domain)
	rep := Report{Domain: p.Domain, Strategy: p.Strategy}
	fields := logrus.Fields{"domain": p.Domain, "strategy": p.Strategy}

	if e.conn != nil && !e.conn.Online() {
		rep.Skipped, rep.Offline = true, true
		obs.DomainSyncs.WithLabelValues(p.Domain, "offline").Inc()
		e.log.WithFields(fields).Debug("domain_sync_offline")
		return rep, nil
	}

	e.mu.Lock()
	last, synced := e.lastSync[p]
	fresh := synced && e.now().Sub(last) < time.Duration(p.CacheDuration)*time.Second
	if !opts.Force && (e.inProgress[p] > 0 || fresh) {
		e.mu.Unlock()
		rep.Skipped = true
		obs.DomainSyncs.WithLabelValues(p.Domain, "skipped").Inc()
		e.log.WithFields(fields).Debug("domain_sync_skipped")
		return rep, nil
	}
	e.inProgress[p]++
	e.mu.Unlock()

	err := e.sync(ctx, p, &rep)

	e.mu.Lock()
	e.inProgress[p]--
	if e.inProgress[p] == 0 {
		delete(e.inProgress, p)
	}
	if err == nil {
		e.lastSync[p] = e.now()
	}
	e.mu.Unlock()

	if err != nil {
		obs.DomainSyncs.WithLabelValues(p.Domain, "failed").Inc()
		e.log.WithFields(fields).WithError(err).Warn("domain_sync_failed")
		return rep, err
	}
	obs.DomainSyncs.WithLabelValues(p.Domain, "synced").Inc()
	e.bus.Publish(events.DomainSynced, rep)
	e.log.WithFields(fields).WithField("fetched", rep.Fetched).Info("domain_synced")
	return rep, nil
}

func (e *Engine) sync(ctx context.Context, p *Profile, rep *Report) error {
	var errs []error

	if err := e.prefetch(ctx, p, rep); err != nil {
		errs = append(errs, err)
	}

	switch p.Strategy {
	case SelectiveSync, FullSync:
		if p.BackgroundSync && e.bg != nil {
			if err := e.bg.Register(ctx); err != nil {
				errs = append(errs, fmt.Errorf("register background sync: %w", err))
			} else {
				rep.BackgroundRegistered = true
			}
		}
	}

	if p.MaxCacheBytes > 0 && e.footprint != nil {
		n, err := e.footprint.EnforceFootprint(ctx, p.Domain, p.MaxCacheBytes)
		if err != nil {
			errs = append(errs, err)
		}
		rep.Evicted = n
	}
	return errors.Join(errs...)
}

func (e *Engine) prefetch(ctx context.Context, p *Profile, rep *Report) error {
	if e.fetcher == nil || len(p.Prefetch) == 0 {
		return nil
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, url := range p.Prefetch {
		if strings.ContainsAny(url, "*?[") {
			continue
		}
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := e.fetcher.Get(gctx, url, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				errs = append(errs, fmt.Errorf("prefetch %s: %w", url, err))
				return nil
			}
			rep.Fetched++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// MountDomain syncs domain when its profile asks for sync on mount.
func (e *Engine) MountDomain(ctx context.Context, domain string) (Report, error) {
	p := e.ResolveProfile(domain)
	if !p.SyncOnMount {
		return Report{Domain: p.Domain, Strategy: p.Strategy, Skipped: true}, nil
	}
	return e.SyncDomain(ctx, domain, Options{})
}

// Run syncs every background-enabled profile each interval until ctx is
// done. Debouncing applies.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
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
			for _, p := range e.ordered {
				if !p.BackgroundSync {
					continue
				}
				if _, err := e.SyncDomain(ctx, p.Domain, Options{}); err != nil && ctx.Err() != nil {
					return
				}
			}
		}
	}
}
