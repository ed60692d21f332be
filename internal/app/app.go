// Package app is the application root: it builds every sync service from
// the configuration and owns their lifetimes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"offsync.org/internal/audit"
	"offsync.org/internal/auth"
	"offsync.org/internal/bgsync"
	"offsync.org/internal/cache"
	"offsync.org/internal/client"
	"offsync.org/internal/config"
	"offsync.org/internal/connectivity"
	"offsync.org/internal/events"
	"offsync.org/internal/httpapi"
	"offsync.org/internal/kv"
	"offsync.org/internal/obs"
	"offsync.org/internal/policy"
	"offsync.org/internal/queue"
)

var (
	_ client.Credentials   = (*auth.Manager)(nil)
	_ client.CachePolicy   = (*policy.Engine)(nil)
	_ policy.Background    = (*bgsync.Coordinator)(nil)
	_ policy.Footprint     = (*cache.Store)(nil)
	_ bgsync.Drainer       = (*queue.Queue)(nil)
	_ httpapi.Syncer       = (*policy.Engine)(nil)
	_ httpapi.Trigger      = (*bgsync.Coordinator)(nil)
	_ httpapi.Sweeper      = (*cache.Store)(nil)
	_ httpapi.Connectivity = (*connectivity.Monitor)(nil)
)

// App holds the constructed services. Fields are set by New and must not be
// replaced afterwards.
type App struct {
	Config       *config.Config
	Bus          *events.Bus
	Store        kv.Store
	Connectivity *connectivity.Monitor
	Auth         *auth.Manager
	Cache        *cache.Store
	Queue        *queue.Queue
	Client       *client.Client
	Worker       *bgsync.Worker
	Background   *bgsync.Coordinator
	Policy       *policy.Engine

	log       *logrus.Entry
	closeOnce sync.Once
}

// New opens the store and builds every service. The worker platform, when
// configured, is started with ctx.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{Config: cfg, Bus: events.New(), log: obs.Component("app")}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if err := a.build(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	httpClient := &http.Client{Timeout: cfg.API.Timeout}

	a.Connectivity = connectivity.New(true, a.Bus)

	provider, err := newProvider(cfg.Auth, httpClient)
	if err != nil {
		return err
	}
	if a.Auth, err = auth.NewManager(provider, a.Store, auth.WithEvents(a.Bus)); err != nil {
		return err
	}
	if err := a.Auth.Load(ctx); err != nil {
		a.log.WithError(err).Warn("session_restore_failed")
	}

	if a.Cache, err = cache.New(a.Store); err != nil {
		return err
	}
	a.Queue, err = queue.Open(ctx, a.Store,
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithConnectivity(a.Connectivity),
		queue.WithEvents(a.Bus),
	)
	if err != nil {
		return err
	}

	var platforms []bgsync.Platform
	if cfg.Sync.BackgroundMode == "worker" {
		a.Worker = bgsync.NewWorker(a.Bus)
		a.Worker.Start(ctx)
		platforms = append(platforms, a.Worker)
	}
	a.Background, err = bgsync.New(a.Queue,
		bgsync.WithPlatform(bgsync.Detect(platforms...)),
		bgsync.WithEvents(a.Bus),
	)
	if err != nil {
		return err
	}

	policyOpts := []policy.Option{
		// the client is built after the engine, which is its cache policy
		policy.WithFetcher(policy.FetcherFunc(func(ctx context.Context, url string, params map[string]string) ([]byte, error) {
			return a.Client.Get(ctx, url, params)
		})),
		policy.WithBackground(a.Background),
		policy.WithFootprint(a.Cache),
		policy.WithEvents(a.Bus),
		policy.WithConnectivity(a.Connectivity),
		policy.WithRateLimit(cfg.Sync.RatePerSecond, cfg.Sync.Burst),
		policy.WithParallelism(cfg.Sync.Parallelism),
	}
	if len(cfg.Sync.Profiles) > 0 {
		policyOpts = append(policyOpts, policy.WithProfiles(cfg.Sync.Profiles))
	}
	if a.Policy, err = policy.New(policyOpts...); err != nil {
		return err
	}

	clientOpts := []client.Option{
		client.WithHTTPClient(httpClient),
		client.WithCredentials(a.Auth),
		client.WithCache(a.Cache),
		client.WithQueue(a.Queue),
		client.WithConnectivity(a.Connectivity),
		client.WithCachePolicy(a.Policy),
	}
	if cfg.API.Breaker {
		clientOpts = append(clientOpts, client.WithBreaker(gobreaker.Settings{Name: "api"}))
	}
	if a.Client, err = client.New(cfg.API.BaseURL, clientOpts...); err != nil {
		return err
	}
	a.Queue.SetReplayer(a.Client)
	return nil
}

// Run starts the long-running loops and blocks until ctx is done: audit
// trail, background registration, cache sweeping, scheduled domain sync and
// the connectivity probe when configured.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	auditDone := audit.Subscribe(ctx, a.Bus)

	if err := a.Background.Register(ctx); err != nil {
		a.log.WithError(err).Warn("background_sync_unavailable")
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { a.Cache.Run(ctx, cfg.Cache.SweepInterval) })
	spawn(func() { a.drainLoop(ctx, cfg.Queue.DrainInterval) })
	spawn(func() { a.Policy.Run(ctx, cfg.Sync.Interval) })
	if cfg.Connectivity.ProbeURL != "" {
		spawn(func() {
			a.Connectivity.Probe(ctx, nil, cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval)
		})
	}

	a.log.WithFields(logrus.Fields{
		"pending":    a.Queue.Len(),
		"background": a.Background.Mode(),
		"store":      cfg.Store.Backend,
	}).Info("sync_layer_running")

	<-ctx.Done()
	wg.Wait()
	<-auditDone
	return nil
}

// drainLoop retries pending requests every interval while online. It covers
// writes deferred after a network failure that did not flip connectivity.
func (a *App) drainLoop(ctx context.Context, interval time.Duration) {
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
			if a.Queue.Len() == 0 || !a.Connectivity.Online() {
				continue
			}
			if _, err := a.Background.Trigger(ctx); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Warn("periodic_drain_failed")
			}
		}
	}
}

// OpsAPI builds the local ops HTTP API over the services.
func (a *App) OpsAPI(version string) *httpapi.API {
	api := httpapi.New(httpapi.Deps{
		Ready:        httpapi.ReadyFunc(a.Ready),
		Queue:        a.Queue,
		Background:   a.Background,
		Policy:       a.Policy,
		Cache:        a.Cache,
		Connectivity: a.Connectivity,
		Bus:          a.Bus,
	}, version)
	api.SetRateLimit(a.Config.HTTP.RateBurst, a.Config.HTTP.RatePerSecond)
	return api
}

// Ready pings the SQL store when one is used.
func (a *App) Ready(ctx context.Context) error {
	if s, ok := a.Store.(*kv.SQL); ok {
		return s.DB().PingContext(ctx)
	}
	return nil
}

// Close stops background machinery and closes the store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Background != nil {
			a.Background.Close()
		}
		if a.Worker != nil {
			a.Worker.Close()
		}
		err = a.Store.Close()
	})
	return err
}

func openStore(ctx context.Context, cfg config.Store) (kv.Store, error) {
	switch cfg.Backend {
	case "memory":
		return kv.NewMemory(), nil
	case kv.SQLite, kv.Postgres:
		s, err := kv.OpenSQL(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
}

func newProvider(cfg config.Auth, hc *http.Client) (auth.Provider, error) {
	switch cfg.Provider {
	case "gotrue":
		return auth.NewHTTPProvider(cfg.BaseURL, cfg.APIKey, hc), nil
	case "oauth2":
		if cfg.TokenURL == "" {
			return nil, errors.New("app: auth.token_url is required for the oauth2 provider")
		}
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		return auth.NewOAuth2Provider(oc, cfg.RevokeURL, hc), nil
	default:
		return nil, fmt.Errorf("app: unknown auth provider %q", cfg.Provider)
	}
}
