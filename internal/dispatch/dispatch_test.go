package dispatch

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diodedynamics/fixturecore/internal/frame"
)

func TestDispatcher_DeliversInArrivalOrder(t *testing.T) {
	d := New()
	defer d.Stop()

	var mu sync.Mutex
	var got []string
	d.Subscribe(func(f frame.Frame) {
		mu.Lock()
		got = append(got, f.Payload)
		mu.Unlock()
	})

	for _, p := range []string{"EVENT:A", "EVENT:B", "EVENT:C"} {
		d.Publish(frame.Frame{Kind: frame.KindEvent, Payload: p})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"EVENT:A", "EVENT:B", "EVENT:C"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestDispatcher_DropsOldestWhenFull(t *testing.T) {
	var drops int32
	d := New(WithDropCounter(func() { atomic.AddInt32(&drops, 1) }))
	defer d.Stop()

	// Block the single worker on a callback that never returns until
	// released, so the queue backs up past Capacity.
	release := make(chan struct{})
	var entered int32
	var mu sync.Mutex
	var last string
	d.Subscribe(func(f frame.Frame) {
		if atomic.AddInt32(&entered, 1) == 1 {
			<-release
		}
		mu.Lock()
		last = f.Payload
		mu.Unlock()
	})

	for i := 0; i < Capacity+10; i++ {
		d.Publish(frame.Frame{Kind: frame.KindEvent, Payload: strconv.Itoa(i)})
	}
	close(release)

	waitFor(t, func() bool { return atomic.LoadInt32(&drops) > 0 })
	// The newest frame is never the one dropped, so it is delivered last.
	newest := strconv.Itoa(Capacity + 9)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == newest
	})
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d := New()
	defer d.Stop()

	var count int32
	tok := d.Subscribe(func(f frame.Frame) { atomic.AddInt32(&count, 1) })
	d.Unsubscribe(tok)

	d.Publish(frame.Frame{Kind: frame.KindEvent, Payload: "x"})
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Fatalf("count = %d, want 0 after Unsubscribe", count)
	}
}

func TestDispatcher_PanicInCallbackDoesNotKillWorker(t *testing.T) {
	d := New()
	defer d.Stop()

	d.Subscribe(func(f frame.Frame) { panic("boom") })

	var ok int32
	d.Subscribe(func(f frame.Frame) { atomic.StoreInt32(&ok, 1) })

	d.Publish(frame.Frame{Kind: frame.KindEvent, Payload: "x"})
	waitFor(t, func() bool { return atomic.LoadInt32(&ok) == 1 })
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
