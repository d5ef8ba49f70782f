package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diodedynamics/fixturecore/internal/frame"
	"github.com/diodedynamics/fixturecore/internal/serialport"
)

type fakeTransport struct {
	mu         sync.Mutex
	written    []string
	writeErr   error
	discards   int
	readLines  []string
	readCursor int
}

func (f *fakeTransport) ReadLine() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readCursor >= len(f.readLines) {
		return "", serialport.ErrReadTimeout
	}
	line := f.readLines[f.readCursor]
	f.readCursor++
	return line, nil
}

type fakePauser struct {
	mu          sync.Mutex
	pauseCount  int
	resumeCount int
}

func (p *fakePauser) Pause() {
	p.mu.Lock()
	p.pauseCount++
	p.mu.Unlock()
}

func (p *fakePauser) Resume() {
	p.mu.Lock()
	p.resumeCount++
	p.mu.Unlock()
}

func (f *fakeTransport) WriteBytes(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, string(p))
	return nil
}

func (f *fakeTransport) DiscardInput() {
	f.mu.Lock()
	f.discards++
	f.mu.Unlock()
}

func (f *fakeTransport) lastWritten() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return ""
	}
	return f.written[len(f.written)-1]
}

func TestSend_DeliversMatchedResponse(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr)

	resultCh := make(chan struct {
		payload string
		err     error
	}, 1)
	go func() {
		payload, err := c.Send(context.Background(), "TX:1,2", time.Second, "PANELX:")
		resultCh <- struct {
			payload string
			err     error
		}{payload, err}
	}()

	// Wait for the write to land, then extract seq and deliver a matching response.
	waitFor(t, func() bool { return tr.lastWritten() != "" })
	seq := extractSeq(t, tr.lastWritten())

	ok := c.DeliverResponse(frame.Frame{Kind: frame.KindResponse, Payload: "PANELX:1=12.0,2.0", HasCmdSeq: true, CmdSeq: seq})
	if !ok {
		t.Fatal("DeliverResponse: want true")
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Send: err = %v", res.err)
	}
	if res.payload != "PANELX:1=12.0,2.0" {
		t.Fatalf("Send: payload = %q", res.payload)
	}
	if tr.discards != 1 {
		t.Fatalf("DiscardInput called %d times, want 1", tr.discards)
	}
}

func TestSend_OldestInFlightFallback(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr)

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "V", time.Second, "")
		resultCh <- err
	}()
	waitFor(t, func() bool { return tr.lastWritten() != "" })

	// Deliver a response with no CmdSeq — must fall back to oldest in-flight.
	ok := c.DeliverResponse(frame.Frame{Kind: frame.KindResponse, Payload: "OK"})
	if !ok {
		t.Fatal("DeliverResponse (no cmd_seq): want true")
	}
	if err := <-resultCh; err != nil {
		t.Fatalf("Send: err = %v", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr)

	_, err := c.Send(context.Background(), "X", 20*time.Millisecond, "")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send: err = %v, want ErrTimeout", err)
	}

	// The slot must have been removed; a stray late response matches nothing.
	if c.DeliverResponse(frame.Frame{Kind: frame.KindResponse, Payload: "late"}) {
		t.Fatal("DeliverResponse after timeout: want false (no live slot)")
	}
}

func TestSend_UnexpectedDiscriminator(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr)

	resultCh := make(chan struct {
		payload string
		err     error
	}, 1)
	go func() {
		payload, err := c.Send(context.Background(), "TX:1", time.Second, "PANELX:")
		resultCh <- struct {
			payload string
			err     error
		}{payload, err}
	}()
	waitFor(t, func() bool { return tr.lastWritten() != "" })
	seq := extractSeq(t, tr.lastWritten())

	c.DeliverResponse(frame.Frame{Kind: frame.KindResponse, Payload: "ERR:BUSY", HasCmdSeq: true, CmdSeq: seq})
	res := <-resultCh
	if !errors.Is(res.err, ErrUnexpectedResponse) {
		t.Fatalf("Send: err = %v, want ErrUnexpectedResponse", res.err)
	}
}

func TestAbort_FailsOutstandingSend(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr)

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "X", time.Second, "")
		resultCh <- err
	}()
	waitFor(t, func() bool { return tr.lastWritten() != "" })

	c.Abort()
	if err := <-resultCh; !errors.Is(err, ErrTransportLost) {
		t.Fatalf("Send after Abort: err = %v, want ErrTransportLost", err)
	}

	if _, err := c.Send(context.Background(), "X", time.Second, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send on closed channel: err = %v, want ErrClosed", err)
	}
}

func TestSendPaused_PausesAndResumesAroundDirectRead(t *testing.T) {
	tr := &fakeTransport{readLines: []string{"PANELX:1=12.0,2.0"}}
	c := New(tr)
	p := &fakePauser{}

	payload, err := c.SendPaused(p, "TX:1", time.Second, "PANELX:")
	if err != nil {
		t.Fatalf("SendPaused: err = %v", err)
	}
	if payload != "PANELX:1=12.0,2.0" {
		t.Fatalf("SendPaused: payload = %q", payload)
	}
	if p.pauseCount != 1 || p.resumeCount != 1 {
		t.Fatalf("pause/resume counts = %d/%d, want 1/1", p.pauseCount, p.resumeCount)
	}
}

func TestSendPaused_SkipsChecksumMismatchThenAcceptsNext(t *testing.T) {
	body := "PANELX:1=12.0,2.0"
	goodChk := fmt.Sprintf("%02X", xor8(body))
	badChk := "00"
	if badChk == goodChk {
		badChk = "01"
	}
	badLine := body + ":CHK=" + badChk
	goodLine := body + ":CHK=" + goodChk

	tr := &fakeTransport{readLines: []string{badLine, goodLine}}
	c := New(tr)
	p := &fakePauser{}

	payload, err := c.SendPaused(p, "TX:1", time.Second, "PANELX:")
	if err != nil {
		t.Fatalf("SendPaused: err = %v", err)
	}
	if payload != body {
		t.Fatalf("SendPaused: payload = %q, want %q", payload, body)
	}
}

func xor8(body string) byte {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return c
}

func TestSendPaused_Timeout(t *testing.T) {
	tr := &fakeTransport{} // no lines queued: every ReadLine times out
	c := New(tr)
	p := &fakePauser{}

	_, err := c.SendPaused(p, "TX:1", 20*time.Millisecond, "PANELX:")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendPaused: err = %v, want ErrTimeout", err)
	}
	if p.pauseCount != 1 || p.resumeCount != 1 {
		t.Fatalf("pause/resume counts = %d/%d, want 1/1 even on timeout", p.pauseCount, p.resumeCount)
	}
}

func extractSeq(t *testing.T, line string) uint16 {
	t.Helper()
	i := strings.Index(line, ":SEQ=")
	if i < 0 {
		t.Fatalf("no :SEQ= in %q", line)
	}
	rest := line[i+len(":SEQ="):]
	j := strings.IndexByte(rest, ':')
	if j >= 0 {
		rest = rest[:j]
	}
	var seq uint16
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		seq = seq*10 + uint16(c-'0')
	}
	return seq
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
