// Package command implements the Command Channel: the single synchronous
// entry point for sending a command frame and waiting for its correlated
// response (spec.md §4.4).
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/metrics"
	"github.com/diodedynamics/fixturecore/internal/serialport"
)

var (
	// ErrTimeout is returned when no matching response arrives before the
	// caller's deadline.
	ErrTimeout = errors.New("command: timeout")
	// ErrTransportLost is returned when the transport fails while a command
	// is outstanding.
	ErrTransportLost = errors.New("command: transport lost")
	// ErrUnexpectedResponse is returned when a response arrives but does not
	// carry the caller's expected discriminator prefix.
	ErrUnexpectedResponse = errors.New("command: unexpected response")
	// ErrClosed is returned by Send after Abort/Close.
	ErrClosed = errors.New("command: channel closed")
)

// Transport is the subset of *serialport.Transport the Command Channel
// needs to issue a command and, for SendPaused, to read its response
// directly.
type Transport interface {
	WriteBytes([]byte) error
	DiscardInput()
	ReadLine() (string, error)
}

// Pauser is the subset of *reader.Reader's pause protocol SendPaused needs.
type Pauser interface {
	Pause()
	Resume()
}

type slot struct {
	seq  uint16
	done chan frame.Frame
}

// Channel is the Command Channel of spec.md §4.4.
type Channel struct {
	sendMu  sync.Mutex // serializes commands on this transport
	tr      Transport
	nextSeq uint16

	mu     sync.Mutex
	slots  map[uint16]*slot
	order  []uint16 // oldest-first insertion order, for the compat fallback
	closed bool
	lostCh chan struct{}
}

// New constructs a Channel bound to tr.
func New(tr Transport) *Channel {
	return &Channel{
		tr:     tr,
		slots:  make(map[uint16]*slot),
		lostCh: make(chan struct{}),
	}
}

// Send issues cmdText as a reliable command frame and blocks until a
// correlated response arrives, the timeout elapses, or the transport is
// lost. If expectedDiscriminator is non-empty, the response payload must
// start with it or ErrUnexpectedResponse is returned (spec.md §4.4 step 7).
func (c *Channel) Send(ctx context.Context, cmdText string, timeout time.Duration, expectedDiscriminator string) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	start := time.Now()
	defer func() { metrics.ObserveCommandDuration(time.Since(start).Seconds()) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.nextSeq++
	seq := c.nextSeq
	sl := &slot{seq: seq, done: make(chan frame.Frame, 1)}
	c.slots[seq] = sl
	c.order = append(c.order, seq)
	c.mu.Unlock()

	metrics.SetCommandInFlight(true)
	defer metrics.SetCommandInFlight(false)

	c.tr.DiscardInput()

	line := frame.EncodeCommand(cmdText, seq)
	if err := c.tr.WriteBytes([]byte(line)); err != nil {
		c.removeSlot(seq)
		return "", fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-sl.done:
		return c.finish(f, expectedDiscriminator)
	case <-timer.C:
		c.removeSlot(seq)
		metrics.IncCommandTimeout()
		return "", ErrTimeout
	case <-ctx.Done():
		c.removeSlot(seq)
		return "", ctx.Err()
	case <-c.lostCh:
		c.removeSlot(seq)
		return "", ErrTransportLost
	}
}

func (c *Channel) finish(f frame.Frame, expectedDiscriminator string) (string, error) {
	if expectedDiscriminator != "" && !strings.HasPrefix(f.Payload, expectedDiscriminator) {
		return f.Payload, ErrUnexpectedResponse
	}
	return f.Payload, nil
}

// SendPaused behaves like Send but pauses rdr, writes the command, and reads
// the response line directly off the transport within timeout rather than
// waiting for the Reader Task to deliver it through the slot table. The SMT
// Controller's test_panel uses this to avoid racing the reader for a large
// PANELX response (spec.md §4.7). rdr is resumed on every exit path.
func (c *Channel) SendPaused(rdr Pauser, cmdText string, timeout time.Duration, expectedDiscriminator string) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	start := time.Now()
	defer func() { metrics.ObserveCommandDuration(time.Since(start).Seconds()) }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.nextSeq++
	seq := c.nextSeq
	c.mu.Unlock()

	rdr.Pause()
	defer rdr.Resume()

	metrics.SetCommandInFlight(true)
	defer metrics.SetCommandInFlight(false)

	c.tr.DiscardInput()
	line := frame.EncodeCommand(cmdText, seq)
	if err := c.tr.WriteBytes([]byte(line)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransportLost, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			metrics.IncCommandTimeout()
			return "", ErrTimeout
		}
		raw, err := c.tr.ReadLine()
		if err != nil {
			if err == serialport.ErrReadTimeout {
				continue
			}
			return "", fmt.Errorf("%w: %v", ErrTransportLost, err)
		}
		f := frame.Decode(raw)
		if f.Kind == frame.KindChecksumMismatch {
			metrics.IncChecksumMismatch()
			continue // spec §8: mismatch dropped, next valid frame accepted
		}
		return c.finish(f, expectedDiscriminator)
	}
}

// DeliverResponse implements reader.CommandSink. It matches f to a live slot
// by CmdSeq, or — if f carries no CmdSeq — to the oldest outstanding slot as
// a compat fallback for firmware that omits CMDSEQ (spec.md §4.3).
func (c *Channel) DeliverResponse(f frame.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sl *slot
	if f.HasCmdSeq {
		sl = c.slots[f.CmdSeq]
		if sl != nil {
			c.removeSlotLocked(f.CmdSeq)
		}
	} else if len(c.order) > 0 {
		oldest := c.order[0]
		sl = c.slots[oldest]
		c.removeSlotLocked(oldest)
	}
	if sl == nil {
		return false
	}
	select {
	case sl.done <- f:
	default:
	}
	return true
}

// Abort fails every outstanding slot with ErrTransportLost and marks the
// channel closed; subsequent Send calls return ErrClosed. Called by the
// Reader Task's OnTransportLost hook.
func (c *Channel) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.lostCh)
	c.slots = make(map[uint16]*slot)
	c.order = nil
}

func (c *Channel) removeSlot(seq uint16) {
	c.mu.Lock()
	c.removeSlotLocked(seq)
	c.mu.Unlock()
}

func (c *Channel) removeSlotLocked(seq uint16) {
	delete(c.slots, seq)
	for i, s := range c.order {
		if s == seq {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
