// ABOUTME: Event channel delivering ticket events to a single registered listener
// ABOUTME: A dispatcher goroutine delivers in FIFO order outside every engine lock

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/idenmobile/internal/store"
)

// Listener receives identity events.
type Listener interface {
	OnEvent(ev *store.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev *store.Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev *store.Event) { f(ev) }

// job is one queued delivery. listener is captured at publish time so a
// listener registered later never sees older events.
type job struct {
	ev       *store.Event
	listener Listener
	after    func()
}

// Channel delivers events for one identity.
type Channel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	listener Listener
	queue    []job
	closed   bool
	done     chan struct{}

	dispatcher atomic.Uint64 // goroutine id of dispatch

	log    store.EventStore
	logger *slog.Logger
}

// New creates a channel and starts its dispatcher. log backs List.
func New(log store.EventStore, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		done:   make(chan struct{}),
		log:    log,
		logger: logger.With("component", "events"),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.dispatch()
	return c
}

// SetListener replaces the listener. nil removes it.
func (c *Channel) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Publish queues ev for the current listener. after, if non-nil, runs on the
// dispatcher right after the listener returns. With no listener and no after
// the event is dropped; it remains in the persisted log.
func (c *Channel) Publish(ev *store.Event, after func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("channel closed, dropping event", "ticket_id", ev.TicketID)
		return
	}
	if c.listener == nil && after == nil {
		c.logger.Debug("no listener, dropping event", "ticket_id", ev.TicketID, "seq", ev.Seq)
		return
	}
	c.queue = append(c.queue, job{ev: ev, listener: c.listener, after: after})
	c.cond.Signal()
}

// Go runs fn on the dispatcher, ordered with queued events.
func (c *Channel) Go(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.queue = append(c.queue, job{after: fn})
	c.cond.Signal()
}

// List returns the persisted event log.
func (c *Channel) List(ctx context.Context) ([]*store.Event, error) {
	return c.log.ListEvents(ctx)
}

// Close stops accepting events, delivers what is already queued and waits for
// the dispatcher to exit. Called from a listener or callback it returns
// without waiting; the remaining queue drains once that delivery returns.
// It is safe to call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	if c.OnDispatcher() {
		return
	}
	<-c.done
}

// OnDispatcher reports whether the caller runs on the dispatcher goroutine,
// that is inside a listener or callback.
func (c *Channel) OnDispatcher() bool {
	id := c.dispatcher.Load()
	return id != 0 && id == goroutineID()
}

func (c *Channel) dispatch() {
	defer close(c.done)
	c.dispatcher.Store(goroutineID())

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		j := c.queue[0]
		c.queue[0] = job{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.deliver(j)
	}
}

// deliver runs outside c.mu so listeners may call back into the identity.
func (c *Channel) deliver(j job) {
	if j.ev != nil && j.listener != nil {
		c.protect("listener", func() { j.listener.OnEvent(j.ev) })
	}
	if j.after != nil {
		c.protect("callback", j.after)
	}
}

// protect runs fn, logging a panic instead of killing the dispatcher.
func (c *Channel) protect(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event "+what+" panicked", "panic", r)
		}
	}()
	fn()
}
