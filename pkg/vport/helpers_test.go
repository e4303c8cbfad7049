package vport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/sammck-go/dwvport/share"
)

func testLogger() dwshare.Logger {
	return dwshare.NewLogger("test", dwshare.LogLevelWarning)
}

func newTestInstance(t *testing.T, cfg InstanceConfig, opts ...Option) *Instance {
	t.Helper()
	inst := NewInstance(testLogger(), cfg, opts...)
	t.Cleanup(func() {
		inst.Shutdown(nil)
	})
	return inst
}

func newSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// waitFor polls cond until it is true or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// eventRecorder is an EventSink that remembers what it was given
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
