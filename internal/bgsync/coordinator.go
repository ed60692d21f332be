// Package bgsync drains the request queue when connectivity returns. It
// prefers a platform background-sync capability and falls back to
// listening for connectivity.online events.
package bgsync

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"offsync.org/internal/events"
	"offsync.org/internal/obs"
	"offsync.org/internal/queue"
)

const DefaultTag = "offsync-queue"

var (
	ErrUnavailable = errors.New("bgsync: background sync unavailable")
	ErrUnknownTag  = errors.New("bgsync: unknown tag")
)

// Task is the work a platform runs for a registered tag.
type Task func(ctx context.Context) error

// Platform is a background-sync capability: it runs registered tasks
// opportunistically, typically once connectivity is restored.
type Platform interface {
	Register(ctx context.Context, tag string, task Task) error
	Trigger(ctx context.Context, tag string) error
}

// Drainer is the queue operation the coordinator schedules.
type Drainer interface {
	Drain(ctx context.Context) (queue.Result, error)
}

// Mode reports how the coordinator is bound.
type Mode string

const (
	ModeNone     Mode = "none"
	ModePlatform Mode = "platform"
	ModeManual   Mode = "manual"
)

// Coordinator is safe for concurrent use.
type Coordinator struct {
	drainer  Drainer
	platform Platform
	bus      *events.Bus
	tag      string
	log      *logrus.Entry

	mu     sync.Mutex
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures Coordinator behavior.
type Option func(*Coordinator) error

// WithPlatform selects the platform capability. A nil platform leaves only
// the manual fallback.
func WithPlatform(p Platform) Option {
	return func(c *Coordinator) error {
		c.platform = p
		return nil
	}
}

// WithEvents sets the bus used by the manual fallback.
func WithEvents(bus *events.Bus) Option {
	return func(c *Coordinator) error {
		c.bus = bus
		return nil
	}
}

func WithTag(tag string) Option {
	return func(c *Coordinator) error {
		if tag == "" {
			return errors.New("bgsync: empty tag")
		}
		c.tag = tag
		return nil
	}
}

// New creates a coordinator for drainer.
func New(drainer Drainer, opts ...Option) (*Coordinator, error) {
	if drainer == nil {
		return nil, errors.New("bgsync: drainer is required")
	}
	c := &Coordinator{drainer: drainer, tag: DefaultTag, mode: ModeNone, log: obs.Component("bgsync")}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register binds the drain task to the platform, or to connectivity.online
// events when the platform is absent or refuses. Calling it again once
// registered does nothing.
func (c *Coordinator) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeNone {
		return nil
	}

	if c.platform != nil {
		err := c.platform.Register(ctx, c.tag, c.task)
		if err == nil {
			c.mode = ModePlatform
			c.log.WithField("tag", c.tag).Info("background_sync_registered")
			return nil
		}
		c.log.WithError(err).Warn("platform_registration_failed")
	}

	if c.bus == nil {
		return ErrUnavailable
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	online := c.bus.Subscribe(listenCtx, events.Online)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range online {
			if _, err := c.drainer.Drain(listenCtx); err != nil && listenCtx.Err() == nil {
				c.log.WithError(err).Warn("reconnect_drain_failed")
			}
		}
	}()
	c.cancel, c.done = cancel, done
	c.mode = ModeManual
	c.log.Info("reconnect_listener_registered")
	return nil
}

// Trigger asks for an immediate drain. Through the platform the drain runs
// asynchronously and the zero Result is returned; otherwise the queue is
// drained before Trigger returns.
func (c *Coordinator) Trigger(ctx context.Context) (queue.Result, error) {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	if mode == ModePlatform {
		err := c.platform.Trigger(ctx, c.tag)
		if err == nil {
			return queue.Result{}, nil
		}
		c.log.WithError(err).Warn("platform_trigger_failed")
	}
	return c.drainer.Drain(ctx)
}

// Mode reports the current binding.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Close stops the reconnect listener. Platform registrations are owned by
// the platform.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	if c.mode == ModeManual {
		c.mode = ModeNone
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Coordinator) task(ctx context.Context) error {
	res, err := c.drainer.Drain(ctx)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"replayed": res.Replayed,
		"failed":   res.Failed,
		"dropped":  res.Dropped,
		"skipped":  res.Skipped,
	}).Debug("background_drain")
	return nil
}
