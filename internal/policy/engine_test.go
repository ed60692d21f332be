package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	mu    sync.Mutex
	urls  []string
	getFn func(ctx context.Context, url string) error
}

func (f *fakeFetcher) Get(ctx context.Context, url string, params map[string]string) ([]byte, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	fn := f.getFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, url); err != nil {
			return nil, err
		}
	}
	return []byte("{}"), nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.urls...)
	sort.Strings(out)
	return out
}

type fakeBackground struct{ calls atomic.Int32 }

func (b *fakeBackground) Register(context.Context) error {
	b.calls.Add(1)
	return nil
}

type fakeFootprint struct {
	domain string
	max    int64
}

func (f *fakeFootprint) EnforceFootprint(ctx context.Context, domain string, maxBytes int64) (int, error) {
	f.domain, f.max = domain, maxBytes
	return 2, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestResolveProfileNormalization(t *testing.T) {
	e := newEngine(t)
	a := e.ResolveProfile("gas_vehicle")
	b := e.ResolveProfile("gas-vehicle")
	c := e.ResolveProfile(" GAS_Vehicle ")
	if a != b || b != c {
		t.Fatal("equivalent domain names must resolve to the same profile")
	}
	if a.Domain != "gas-vehicle" {
		t.Fatalf("unexpected profile %q", a.Domain)
	}
}

func TestResolveProfileDefault(t *testing.T) {
	e := newEngine(t)
	p := e.ResolveProfile("unknown-domain")
	if p != e.ResolveProfile("something-else") {
		t.Fatal("default profile should be shared")
	}
	if p.Strategy != ReadOnly || p.CacheDuration != 3600 || p.BackgroundSync || len(p.Prefetch) != 0 {
		t.Fatalf("unexpected default profile %+v", p)
	}
}

func TestWithProfilesRejectsDuplicates(t *testing.T) {
	_, err := New(WithProfiles([]Profile{
		{Domain: "gas_vehicle", Strategy: ReadOnly, CacheDuration: 60},
		{Domain: "gas-vehicle", Strategy: ReadOnly, CacheDuration: 60},
	}))
	if err == nil {
		t.Fatal("expected duplicate profile error")
	}
	if _, err := New(WithProfiles([]Profile{{Domain: "x", Strategy: "mirror", CacheDuration: 60}})); err == nil {
		t.Fatal("expected unknown strategy error")
	}
}

func TestSyncDomainDebounce(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	f := &fakeFetcher{}
	e := newEngine(t, WithFetcher(f), WithClock(clk.now), WithRateLimit(1000, 10))
	ctx := context.Background()

	rep, err := e.SyncDomain(ctx, "portfolio_risk", Options{})
	if err != nil || rep.Skipped || rep.Fetched != 2 {
		t.Fatalf("first sync: %+v err=%v", rep, err)
	}
	if rep, _ := e.SyncDomain(ctx, "portfolio-risk", Options{}); !rep.Skipped {
		t.Fatal("second sync within cache duration should be skipped")
	}
	if rep, _ := e.SyncDomain(ctx, "portfolio-risk", Options{Force: true}); rep.Skipped {
		t.Fatal("forced sync must not be skipped")
	}
	clk.t = clk.t.Add(301 * time.Second)
	if rep, _ := e.SyncDomain(ctx, "portfolio-risk", Options{}); rep.Skipped {
		t.Fatal("sync after cache duration must run")
	}
	if got := len(f.fetched()); got != 6 {
		t.Fatalf("expected 6 prefetches, got %d", got)
	}
}

func TestSyncDomainSkipsWhileInProgressUnlessForced(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := &fakeFetcher{getFn: func(ctx context.Context, url string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	e := newEngine(t, WithFetcher(f), WithRateLimit(1000, 10))
	ctx := context.Background()

	first := make(chan Report, 1)
	go func() {
		rep, _ := e.SyncDomain(ctx, "medical", Options{})
		first <- rep
	}()
	<-entered
	if rep, _ := e.SyncDomain(ctx, "medical", Options{}); !rep.Skipped {
		t.Fatal("sync of a domain already in progress must be skipped")
	}

	forced := make(chan Report, 1)
	go func() {
		rep, _ := e.SyncDomain(ctx, "medical", Options{Force: true})
		forced <- rep
	}()
	close(release)
	if rep := <-first; rep.Skipped || rep.Fetched != 2 {
		t.Fatalf("unexpected first report %+v", rep)
	}
	if rep := <-forced; rep.Skipped || rep.Fetched != 2 {
		t.Fatalf("forced sync must run, got %+v", rep)
	}
	if got := len(f.fetched()); got != 4 {
		t.Fatalf("expected 4 prefetches, got %d", got)
	}
}

func TestStrategyDispatch(t *testing.T) {
	cases := []struct {
		profile  Profile
		register bool
	}{
		{Profile{Domain: "ro", Strategy: ReadOnly, CacheDuration: 60, BackgroundSync: true, Prefetch: []string{"/ro"}}, false},
		{Profile{Domain: "sel-off", Strategy: SelectiveSync, CacheDuration: 60, Prefetch: []string{"/s"}}, false},
		{Profile{Domain: "sel-on", Strategy: SelectiveSync, CacheDuration: 60, BackgroundSync: true, Prefetch: []string{"/s"}}, true},
		{Profile{Domain: "full", Strategy: FullSync, CacheDuration: 60, BackgroundSync: true, Prefetch: []string{"/f"}}, true},
	}
	for _, tc := range cases {
		bg := &fakeBackground{}
		f := &fakeFetcher{}
		e := newEngine(t, WithProfiles([]Profile{tc.profile}), WithFetcher(f), WithBackground(bg), WithRateLimit(1000, 10))
		rep, err := e.SyncDomain(context.Background(), tc.profile.Domain, Options{})
		if err != nil {
			t.Fatalf("%s: %v", tc.profile.Domain, err)
		}
		if rep.BackgroundRegistered != tc.register || (bg.calls.Load() == 1) != tc.register {
			t.Fatalf("%s: background registered=%v calls=%d", tc.profile.Domain, rep.BackgroundRegistered, bg.calls.Load())
		}
		if got := f.fetched(); len(got) != 1 || got[0] != tc.profile.Prefetch[0] {
			t.Fatalf("%s: unexpected prefetches %v", tc.profile.Domain, got)
		}
	}
}

func TestSyncDomainFailureIsNotDebounced(t *testing.T) {
	fail := errors.New("offline")
	var failing atomic.Bool
	failing.Store(true)
	f := &fakeFetcher{getFn: func(context.Context, string) error {
		if failing.Load() {
			return fail
		}
		return nil
	}}
	e := newEngine(t, WithFetcher(f), WithRateLimit(1000, 10))
	ctx := context.Background()

	rep, err := e.SyncDomain(ctx, "gas-vehicle", Options{})
	if !errors.Is(err, fail) || rep.Failed != 1 {
		t.Fatalf("expected prefetch failure, rep=%+v err=%v", rep, err)
	}
	failing.Store(false)
	if rep, err := e.SyncDomain(ctx, "gas-vehicle", Options{}); err != nil || rep.Skipped {
		t.Fatalf("retry after failure should run, rep=%+v err=%v", rep, err)
	}
}

func TestSyncEnforcesFootprint(t *testing.T) {
	fp := &fakeFootprint{}
	e := newEngine(t, WithFootprint(fp))
	rep, err := e.SyncDomain(context.Background(), "medical", Options{})
	if err != nil {
		t.Fatalf("SyncDomain: %v", err)
	}
	if fp.domain != "medical" || fp.max != 5<<20 || rep.Evicted != 2 {
		t.Fatalf("footprint not enforced: %+v rep=%+v", fp, rep)
	}
}

func TestMountDomain(t *testing.T) {
	f := &fakeFetcher{}
	e := newEngine(t, WithFetcher(f), WithRateLimit(1000, 10))
	if rep, _ := e.MountDomain(context.Background(), "gas-vehicle"); !rep.Skipped {
		t.Fatal("gas-vehicle does not sync on mount")
	}
	if rep, _ := e.MountDomain(context.Background(), "medical"); rep.Skipped {
		t.Fatal("medical syncs on mount")
	}
}

func TestOfflinePermissions(t *testing.T) {
	e := newEngine(t)
	if !e.AllowsOfflineEdit("medical") {
		t.Fatal("medical allows offline edits")
	}
	if e.AllowsOfflineEdit("gas-vehicle") || e.AllowsOfflineEdit("unknown") {
		t.Fatal("read-only domains never allow offline edits")
	}
	if !e.AllowsOfflineView("unknown") {
		t.Fatal("default profile allows offline view")
	}
}

func TestCacheFor(t *testing.T) {
	e := newEngine(t, WithProfiles([]Profile{
		{Domain: "medical", Strategy: FullSync, CacheDuration: 1800, Prefetch: []string{"/medical/records", "/medical/analyses/"}},
		{Domain: "vehicles", Strategy: ReadOnly, CacheDuration: 600, Prefetch: []string{"/vehicles/*/diagnostics"}},
	}))
	cases := []struct {
		url    string
		domain string
		ttl    int
	}{
		{"/medical/records", "medical", 1800},
		{"/medical/records?page=2", "medical", 1800},
		{"/medical/analyses/17", "medical", 1800},
		{"/vehicles/gas/diagnostics", "vehicles", 600},
		{"/billing", "", 0},
	}
	for _, tc := range cases {
		domain, ttl := e.CacheFor(tc.url)
		if domain != tc.domain || ttl != tc.ttl {
			t.Fatalf("CacheFor(%q) = %q, %d; want %q, %d", tc.url, domain, ttl, tc.domain, tc.ttl)
		}
	}
}

type switchConn struct{ online atomic.Bool }

func (c *switchConn) Online() bool { return c.online.Load() }

func TestOfflineMountsDoNotPrefetch(t *testing.T) {
	conn := &switchConn{}
	f := &fakeFetcher{}
	e := newEngine(t, WithFetcher(f), WithConnectivity(conn), WithRateLimit(1000, 10))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rep, err := e.MountDomain(ctx, "portfolio-risk")
		if err != nil {
			t.Fatalf("MountDomain: %v", err)
		}
		if !rep.Skipped || !rep.Offline {
			t.Fatalf("offline mount should be skipped, got %+v", rep)
		}
	}
	if got := len(f.fetched()); got != 0 {
		t.Fatalf("offline mounts prefetched %d urls", got)
	}

	conn.online.Store(true)
	rep, err := e.MountDomain(ctx, "portfolio-risk")
	if err != nil {
		t.Fatalf("MountDomain: %v", err)
	}
	if rep.Skipped || rep.Fetched != 2 {
		t.Fatalf("online mount should sync, got %+v", rep)
	}
}
