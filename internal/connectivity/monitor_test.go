package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"offsync.org/internal/events"
)

func TestSetPublishesTransitionsOnly(t *testing.T) {
	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx, events.Online, events.Offline)

	m := New(true, bus)
	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)

	want := []events.Type{events.Offline, events.Online}
	for _, w := range want {
		select {
		case evt := <-ch:
			if evt.Type != w {
				t.Fatalf("expected %s, got %s", w, evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", w)
		}
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event %s", evt.Type)
	default:
	}
	if !m.Online() {
		t.Fatal("expected online")
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	m := New(false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Probe(ctx, srv.Client(), srv.URL, 10*time.Millisecond)
		close(done)
	}()

	waitFor(t, func() bool { return m.Online() })
	srv.Close()
	waitFor(t, func() bool { return !m.Online() })

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
