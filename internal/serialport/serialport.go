// Package serialport owns exactly one serial handle per device connection:
// open/close, raw byte writes, line reads with a bounded idle timeout, and
// input discard (spec.md §4.1).
package serialport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("serialport: closed")

// ErrReadTimeout is returned by ReadLine when no newline arrives within the
// configured read timeout. It is a transient condition, not a fatal one.
var ErrReadTimeout = errors.New("serialport: read timeout")

// port abstracts github.com/tarm/serial for testability.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openFunc is a test seam; replaced in tests to avoid touching real hardware.
var openFunc = func(name string, baud int, readTimeout time.Duration) (port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Transport is the Line Transport of spec.md §4.1: one open serial handle,
// plus a byte buffer accumulating a partial line across idle-timeout reads.
type Transport struct {
	mu       sync.Mutex
	p        port
	buf      []byte // bytes read but not yet delivered as a complete line
	scratch  []byte
	portName string
	baud     int
	closed   bool
}

// Open opens name at baud with the given per-read idle timeout. A read that
// receives nothing within readTimeout returns ErrReadTimeout from ReadLine,
// not a fatal error — callers (the Reader Task) treat it as "nothing yet."
func Open(name string, baud int, readTimeout time.Duration) (*Transport, error) {
	p, err := openFunc(name, baud, readTimeout)
	if err != nil {
		return nil, err
	}
	return &Transport{p: p, scratch: make([]byte, 256), portName: name, baud: baud}, nil
}

// PortName reports the OS path this transport was opened against.
func (t *Transport) PortName() string { return t.portName }

// Baud reports the baud rate this transport was opened at.
func (t *Transport) Baud() int { return t.baud }

// WriteBytes writes p in full, returning any short-write or I/O error.
func (t *Transport) WriteBytes(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	_, err := t.p.Write(p)
	return err
}

// ReadLine blocks until a newline-terminated line arrives or the configured
// read timeout elapses (surfaced as ErrReadTimeout), returning the line with
// the trailing newline (and any \r) stripped. Bytes read but not yet
// newline-terminated are buffered across calls, so a frame split across two
// idle-timeout boundaries is never dropped as a lost partial line.
//
// On the real tarm/serial transport (VMIN=0/VTIME on Linux), an idle read
// surfaces as (0, io.EOF) rather than an error implementing Timeout() — so
// io.EOF is treated as the same transient "nothing yet" signal, matching how
// the device's read loop is driven upstream.
func (t *Transport) ReadLine() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}

	for {
		if idx := bytes.IndexByte(t.buf, '\n'); idx >= 0 {
			line := append([]byte(nil), t.buf[:idx]...)
			t.buf = append([]byte(nil), t.buf[idx+1:]...)
			return trimEOL(string(line)), nil
		}

		n, err := t.p.Read(t.scratch)
		if n > 0 {
			t.buf = append(t.buf, t.scratch[:n]...)
		}
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				return "", ErrReadTimeout
			}
			return "", err
		}
		if n == 0 {
			// Defensive: a port returning (0, nil) with no error and no
			// data would otherwise spin; treat it as an idle tick too.
			return "", ErrReadTimeout
		}
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// DiscardInput drops any bytes currently buffered but not yet consumed,
// used before each command and identification probe so stale partial lines
// from an earlier exchange do not get misread as a fresh frame.
func (t *Transport) DiscardInput() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.buf = t.buf[:0]
}

// Close closes the underlying handle. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.p.Close()
}

// IsOpen reports whether Close has not yet been called.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}
