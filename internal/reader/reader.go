// Package reader implements the Reader Task: the single long-lived goroutine
// that owns all reads off a serial transport, decodes frames, and routes
// them to the Command Channel, Event Dispatcher, or LiveSample sink
// (spec.md §4.3).
package reader

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/logging"
	"github.com/diodedynamics/fixturecore/internal/metrics"
	"github.com/diodedynamics/fixturecore/internal/serialport"
)

// State is one of the two states the task can be in.
type State int

const (
	StateRunning State = iota
	StatePaused
)

func (s State) String() string {
	if s == StatePaused {
		return "Paused"
	}
	return "Running"
}

// Transport is the subset of *serialport.Transport the reader needs,
// narrowed for testability.
type Transport interface {
	ReadLine() (string, error)
	IsOpen() bool
}

// CommandSink receives decoded Response frames for correlation against the
// Command Channel's slot table.
type CommandSink interface {
	// DeliverResponse attempts to match f to a live slot (by CmdSeq, or by
	// oldest-in-flight compat fallback when f has no CmdSeq). It reports
	// whether a slot accepted the frame.
	DeliverResponse(f frame.Frame) bool
}

// EventSink receives decoded Event or LiveSample frames. internal/dispatch's
// Dispatcher implements this.
type EventSink interface {
	Publish(f frame.Frame)
}

// Options configures a Reader.
type Options struct {
	Commands CommandSink
	Events   EventSink
	Live     EventSink

	// OnTransportLost is invoked exactly once, after the read loop gives up
	// on a run of transient I/O errors or the transport reports closed.
	OnTransportLost func(err error)

	// MaxElapsedTime bounds how long the task backs off across consecutive
	// transient read errors before treating the transport as lost. Zero
	// selects a 5s default.
	MaxElapsedTime time.Duration
}

// Reader is the Reader Task of spec.md §4.3.
type Reader struct {
	tr   Transport
	opts Options

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	pauseDepth int
	stopped    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reader bound to tr. Call Start to launch the task.
func New(tr Transport, opts Options) *Reader {
	if opts.MaxElapsedTime <= 0 {
		opts.MaxElapsedTime = 5 * time.Second
	}
	r := &Reader{
		tr:     tr,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the background read loop. It must be called at most once.
func (r *Reader) Start() {
	go r.loop()
}

// State reports the task's current state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pause requests the task park itself before its next read. Pauses nest:
// every Pause must be matched by exactly one Resume. Pause blocks until the
// task has acknowledged by entering StatePaused.
func (r *Reader) Pause() {
	r.mu.Lock()
	r.pauseDepth++
	metrics.SetReaderPauseDepth(r.pauseDepth)
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if r.state == StatePaused || r.stopped {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// Resume decrements the pause counter; when it reaches zero the task is
// signaled to resume reading.
func (r *Reader) Resume() {
	r.mu.Lock()
	if r.pauseDepth > 0 {
		r.pauseDepth--
	}
	metrics.SetReaderPauseDepth(r.pauseDepth)
	if r.pauseDepth == 0 {
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// Stop requests cooperative shutdown and waits for the task to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	close(r.stopCh)
	r.cond.Broadcast()
	<-r.doneCh
}

// Done returns a channel closed when the task has exited.
func (r *Reader) Done() <-chan struct{} { return r.doneCh }

func (r *Reader) loop() {
	defer close(r.doneCh)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.opts.MaxElapsedTime

	for {
		if r.shouldStop() {
			return
		}
		if r.waitIfPaused() {
			return
		}

		line, err := r.tr.ReadLine()
		if err != nil {
			if err == serialport.ErrReadTimeout {
				continue
			}
			if !r.tr.IsOpen() {
				r.transportLost(err)
				return
			}
			d := b.NextBackOff()
			if d == backoff.Stop {
				r.transportLost(err)
				return
			}
			metrics.IncError(metrics.ErrTransport)
			logging.L().Warn("reader_io_error", "error", err, "backoff", d)
			select {
			case <-time.After(d):
			case <-r.stopCh:
				return
			}
			continue
		}
		b.Reset()

		f := frame.Decode(line)
		r.dispatch(f)

		select {
		case <-r.stopCh:
			return
		default:
		}
	}
}

func (r *Reader) shouldStop() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// waitIfPaused parks the task on the condition variable while pauseDepth >
// 0, transitioning state to Paused for the duration. It reports whether a
// Stop arrived while parked.
func (r *Reader) waitIfPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pauseDepth == 0 {
		r.state = StateRunning
		return false
	}
	r.state = StatePaused
	for r.pauseDepth > 0 && !r.stopped {
		r.cond.Wait()
	}
	r.state = StateRunning
	return r.stopped
}

func (r *Reader) dispatch(f frame.Frame) {
	switch f.Kind {
	case frame.KindResponse:
		if r.opts.Commands == nil || !r.opts.Commands.DeliverResponse(f) {
			metrics.IncResponseDiscarded()
		}
	case frame.KindEvent:
		if r.opts.Events != nil {
			r.opts.Events.Publish(f)
		}
	case frame.KindLiveSample:
		if r.opts.Live != nil {
			r.opts.Live.Publish(f)
		}
	case frame.KindChecksumMismatch:
		metrics.IncChecksumMismatch()
		logging.L().Debug("checksum_mismatch", "raw", f.Raw)
	}
}

func (r *Reader) transportLost(err error) {
	logging.L().Error("transport_lost", "error", err)
	if r.opts.OnTransportLost != nil {
		r.opts.OnTransportLost(err)
	}
}
