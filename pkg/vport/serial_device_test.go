package vport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

type fakeSerialPort struct {
	mu      sync.Mutex
	in      []byte
	out     bytes.Buffer
	timeout time.Duration
	closed  bool
}

func (p *fakeSerialPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

// Read behaves like a serial line with a read timeout: no data is (0, nil)
func (p *fakeSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *fakeSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakeSerialPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func withFakeSerial(t *testing.T, open func(name string, mode *serial.Mode) (serialPort, error)) {
	t.Helper()
	saved := openSerialPort
	openSerialPort = open
	t.Cleanup(func() { openSerialPort = saved })
}

func TestSerialDevice(t *testing.T) {
	fake := &fakeSerialPort{in: []byte{5, 6}}
	var gotMode *serial.Mode
	withFakeSerial(t, func(name string, mode *serial.Mode) (serialPort, error) {
		gotMode = mode
		return fake, nil
	})

	dev := NewSerialDevice(testLogger(), "/dev/ttyTEST", 57600, false)
	if b := dev.Read1(); b != 5 {
		t.Fatalf("Read1 = %d, want 5", b)
	}
	if gotMode == nil || gotMode.BaudRate != 57600 || gotMode.DataBits != 8 {
		t.Errorf("mode = %+v", gotMode)
	}
	if fake.timeout != AcceptTimeout {
		t.Errorf("read timeout = %s", fake.timeout)
	}
	if b := dev.Read1(); b != 6 {
		t.Fatalf("Read1 = %d, want 6", b)
	}
	if b := dev.Read1(); b != -1 {
		t.Errorf("Read1 on idle line = %d", b)
	}
	dev.WriteN([]byte("hi"))
	if fake.out.String() != "hi" {
		t.Errorf("written %q", fake.out.String())
	}
	if !dev.Connected() || dev.DeviceName() != "/dev/ttyTEST" || dev.DeviceType() != "serial" {
		t.Error("wrong device description")
	}
	if dev.BytesRead() != 2 {
		t.Errorf("BytesRead = %d", dev.BytesRead())
	}
	dev.Close()
	if dev.Connected() || !fake.closed {
		t.Error("Close left the line open")
	}
}

func TestSerialDeviceOpenFailure(t *testing.T) {
	withFakeSerial(t, func(name string, mode *serial.Mode) (serialPort, error) {
		return nil, errors.New("no such device")
	})
	dev := NewSerialDevice(testLogger(), "/dev/missing", 0, false)
	dev.timeout = 10 * time.Millisecond
	if b := dev.Read1(); b != -1 {
		t.Errorf("Read1 = %d, want -1", b)
	}
	if dev.Connected() {
		t.Error("Connected after open failure")
	}
	dev.WriteN([]byte{1})
}
