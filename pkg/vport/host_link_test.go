package vport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// chanDevice is a Device fed from a channel
type chanDevice struct {
	in      chan byte
	mu      sync.Mutex
	written []byte
}

func (d *chanDevice) Read1() int {
	select {
	case b := <-d.in:
		return int(b)
	case <-time.After(20 * time.Millisecond):
		return -1
	}
}

func (d *chanDevice) ReadN(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(d.Read1())
	}
	return buf
}

func (d *chanDevice) Write1(b byte) { d.WriteN([]byte{b}) }

func (d *chanDevice) WriteN(data []byte) {
	d.mu.Lock()
	d.written = append(d.written, data...)
	d.mu.Unlock()
}

func (d *chanDevice) Written() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.written)
}

func (d *chanDevice) Connected() bool    { return true }
func (d *chanDevice) DeviceName() string { return "chan" }
func (d *chanDevice) DeviceType() string { return "test" }
func (d *chanDevice) Client() string     { return "" }
func (d *chanDevice) BytesRead() int64   { return 0 }
func (d *chanDevice) Close() error       { return nil }

func TestHostLink(t *testing.T) {
	dev := &chanDevice{in: make(chan byte, 8)}
	inst := newTestInstance(t, InstanceConfig{}, WithDevice(dev))
	local, remote := newSocketPair(t)
	if _, err := inst.attach(2, local, ConnModeRaw, UtilModeTCPIn); err != nil {
		t.Fatalf("attach: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewHostLink(inst, 2).Run(ctx) }()

	remote.Write([]byte("to host"))
	waitFor(t, 2*time.Second, "device write", func() bool { return dev.Written() == "to host" })

	dev.in <- 'Q'
	buf := make([]byte, 1)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(remote, buf); err != nil || buf[0] != 'Q' {
		t.Errorf("remote read %q, %v", buf, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after cancel")
	}
}
