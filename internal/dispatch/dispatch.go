// Package dispatch implements the Event Dispatcher: a bounded, drop-oldest
// queue with a single worker that invokes registered callbacks in arrival
// order, isolating each callback from panics (spec.md §4.5).
package dispatch

import (
	"sync"

	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/logging"
)

// Capacity is the fixed queue depth named by spec.md §4.5.
const Capacity = 64

// Token identifies a subscription for later Unsubscribe.
type Token uint64

// Callback receives one dispatched frame. Panics inside a callback are
// recovered and logged; they never take down the dispatcher.
type Callback func(frame.Frame)

// Dispatcher is the Event Dispatcher of spec.md §4.5. A single instance is
// used for the Event stream; the LiveSample stream uses a second, separate
// instance (spec.md §4.3's "separate, bounded, drop-oldest" rule).
type Dispatcher struct {
	onDrop func()

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []frame.Frame
	stopped bool
	doneCh  chan struct{}

	subsMu    sync.Mutex
	subs      map[Token]Callback
	nextToken Token
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithDropCounter registers a hook invoked once per dropped frame, so the
// Event queue and the LiveSample queue can report to distinct metrics.
func WithDropCounter(fn func()) Option {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// New constructs and starts a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:   make(map[Token]Callback),
		doneCh: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Subscribe registers cb and returns a token for later Unsubscribe.
func (d *Dispatcher) Subscribe(cb Callback) Token {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.nextToken++
	tok := d.nextToken
	d.subs[tok] = cb
	return tok
}

// Unsubscribe removes a previously registered callback. Safe to call more
// than once; a missing token is a no-op.
func (d *Dispatcher) Unsubscribe(tok Token) {
	d.subsMu.Lock()
	delete(d.subs, tok)
	d.subsMu.Unlock()
}

// Publish enqueues f for delivery. If the queue is already at Capacity, the
// oldest queued frame is dropped and the drop counter (if any) is invoked.
func (d *Dispatcher) Publish(f frame.Frame) {
	d.mu.Lock()
	if len(d.queue) >= Capacity {
		d.queue = d.queue[1:]
		if d.onDrop != nil {
			d.onDrop()
		}
	}
	d.queue = append(d.queue, f)
	d.cond.Signal()
	d.mu.Unlock()
}

// Stop signals the worker to exit once the frames already queued have been
// delivered, and waits for it to do so.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.doneCh
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopped {
			d.mu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.invokeAll(f)
	}
}

func (d *Dispatcher) invokeAll(f frame.Frame) {
	d.subsMu.Lock()
	cbs := make([]Callback, 0, len(d.subs))
	for _, cb := range d.subs {
		cbs = append(cbs, cb)
	}
	d.subsMu.Unlock()

	for _, cb := range cbs {
		invokeSafely(cb, f)
	}
}

func invokeSafely(cb Callback, f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("dispatch_callback_panic", "panic", r)
		}
	}()
	cb(f)
}
