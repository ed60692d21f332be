// Package connectivity holds the process-wide online/offline flag and
// publishes transitions on the event bus.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offsync.org/internal/events"
	"offsync.org/internal/obs"
)

// Monitor tracks connectivity. The zero value is not usable; use New.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	bus    *events.Bus
	log    *logrus.Entry
}

// New creates a monitor with the given initial state.
func New(online bool, bus *events.Bus) *Monitor {
	return &Monitor{online: online, bus: bus, log: obs.Component("connectivity")}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set updates the state. A change publishes events.Online or events.Offline;
// setting the current value again is silent.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	if online {
		m.log.Info("went_online")
		m.bus.Publish(events.Online, nil)
		return
	}
	m.log.Warn("went_offline")
	m.bus.Publish(events.Offline, nil)
}

// Probe polls url every interval and sets the state from the outcome: any
// HTTP response counts as online, a transport error as offline. It returns
// when ctx is done.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	check := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			m.log.WithError(err).Error("probe_request_invalid")
			return
		}
		resp, err := client.Do(req)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.Set(false)
			return
		}
		resp.Body.Close()
		m.Set(true)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
