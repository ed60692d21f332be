package bgsync

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"offsync.org/internal/events"
	"offsync.org/internal/obs"
)

var ErrBusy = errors.New("bgsync: trigger backlog full")

// Worker is an in-process Platform. Once started it runs a registered task
// when triggered and runs every task when connectivity returns.
type Worker struct {
	bus *events.Bus
	log *logrus.Entry

	mu      sync.Mutex
	tasks   map[string]Task
	pending chan string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Platform = (*Worker)(nil)

// NewWorker creates a stopped worker. bus may be nil, in which case only
// explicit triggers run tasks.
func NewWorker(bus *events.Bus) *Worker {
	return &Worker{
		bus:     bus,
		log:     obs.Component("bgsync.worker"),
		tasks:   make(map[string]Task),
		pending: make(chan string, 16),
	}
}

// Start launches the worker goroutine. It stops when ctx is done or Close
// is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	var online <-chan events.Event
	if w.bus != nil {
		online = w.bus.Subscribe(ctx, events.Online)
	}
	w.running, w.cancel, w.done = true, cancel, make(chan struct{})
	go w.loop(ctx, online, w.done)
}

// Available reports whether the worker accepts registrations.
func (w *Worker) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) Register(ctx context.Context, tag string, task Task) error {
	if task == nil {
		return errors.New("bgsync: nil task")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return ErrUnavailable
	}
	w.tasks[tag] = task
	return nil
}

func (w *Worker) Trigger(ctx context.Context, tag string) error {
	w.mu.Lock()
	running := w.running
	_, known := w.tasks[tag]
	w.mu.Unlock()
	if !running {
		return ErrUnavailable
	}
	if !known {
		return ErrUnknownTag
	}
	select {
	case w.pending <- tag:
		return nil
	default:
		return ErrBusy
	}
}

// Close stops the worker and waits for the running task to return.
func (w *Worker) Close() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.running, w.cancel, w.done = false, nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Worker) loop(ctx context.Context, online <-chan events.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case tag := <-w.pending:
			w.run(ctx, tag)
		case _, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			w.mu.Lock()
			tags := make([]string, 0, len(w.tasks))
			for tag := range w.tasks {
				tags = append(tags, tag)
			}
			w.mu.Unlock()
			for _, tag := range tags {
				w.run(ctx, tag)
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, tag string) {
	w.mu.Lock()
	task := w.tasks[tag]
	w.mu.Unlock()
	if task == nil {
		return
	}
	if err := task(ctx); err != nil && ctx.Err() == nil {
		w.log.WithError(err).WithField("tag", tag).Warn("task_failed")
	}
}

// Detect returns the first candidate that reports itself available, or nil.
// Candidates without an Available method are assumed available.
func Detect(candidates ...Platform) Platform {
	for _, p := range candidates {
		if p == nil {
			continue
		}
		if a, ok := p.(interface{ Available() bool }); ok && !a.Available() {
			continue
		}
		return p
	}
	return nil
}
