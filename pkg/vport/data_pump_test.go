package vport

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestLineFilter(t *testing.T) {
	f := newLineFilter()
	var out []byte
	for _, b := range []byte{'a', 13, 10, 13, 0, 13, 13, 10, 10} {
		if f.pass(b, true) {
			out = append(out, b)
		}
	}
	want := []byte{'a', 13, 13, 13, 13, 10}
	if !bytes.Equal(out, want) {
		t.Errorf("filtered = %v, want %v", out, want)
	}
}

func TestPumpLineEndings(t *testing.T) {
	tests := []struct {
		name string
		mode ConnMode
		intr byte
		quit byte
		in   []byte
		want []byte
	}{
		{"telnet CR LF with flags", ConnModeTelnet, 3, 0, []byte{13, 10}, []byte{13}},
		{"telnet CR NUL with flags", ConnModeTelnet, 0, 5, []byte{13, 0}, []byte{13}},
		{"telnet CR A with flags", ConnModeTelnet, 3, 5, []byte{13, 65}, []byte{13, 65}},
		{"telnet CR LF without flags", ConnModeTelnet, 0, 0, []byte{13, 10}, []byte{13, 10}},
		{"raw CR LF with flags", ConnModeRaw, 3, 5, []byte{13, 10}, []byte{13, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newTestInstance(t, InstanceConfig{})
			ports := inst.Ports()
			ports.OpenPort(1)
			ports.SetFlowChars(1, tt.intr, tt.quit)
			local, remote := newSocketPair(t)
			if _, err := inst.attach(1, local, tt.mode, UtilModeTCPIn); err != nil {
				t.Fatalf("attach: %s", err)
			}
			// The trailing marker shows every earlier byte has been handled
			remote.Write(append(append([]byte{}, tt.in...), 'Z'))
			want := append(append([]byte{}, tt.want...), 'Z')
			waitFor(t, 2*time.Second, "queued bytes", func() bool {
				return ports.BytesWaiting(1) >= len(want)
			})
			time.Sleep(20 * time.Millisecond)
			if got := ports.ReadFromPort(1, 100); !bytes.Equal(got, want) {
				t.Errorf("queue = %v, want %v", got, want)
			}
		})
	}
}

func TestPumpFIFO(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{})
	local, remote := newSocketPair(t)
	connID, err := inst.attach(2, local, ConnModeRaw, UtilModeTCPIn)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	ports := inst.Ports()
	if !ports.IsOpen(2) || !ports.IsConnected(2) || ports.Conn(2) != connID {
		t.Fatal("port not opened and bound by the pump")
	}
	if m := ports.UtilMode(2); m != UtilModeTCPIn {
		t.Errorf("UtilMode = %s", m)
	}
	remote.Write([]byte{1})
	remote.Write([]byte{2, 3})
	waitFor(t, 2*time.Second, "3 bytes", func() bool { return ports.BytesWaiting(2) == 3 })
	if got := ports.ReadFromPort(2, 10); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("queue = %v", got)
	}
}

func TestPumpRelaysHostBytes(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{})
	local, remote := newSocketPair(t)
	if _, err := inst.attach(2, local, ConnModeRaw, UtilModeTCPIn); err != nil {
		t.Fatalf("attach: %s", err)
	}
	if _, err := inst.Ports().WriteToConn(2, []byte("OK")); err != nil {
		t.Fatalf("WriteToConn: %s", err)
	}
	buf := make([]byte, 2)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(remote, buf); err != nil || string(buf) != "OK" {
		t.Errorf("remote read %q, %v", buf, err)
	}
}

func TestPumpDrainsBeforeClose(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{
		DrainPollInterval: 10 * time.Millisecond,
		DrainGrace:        10 * time.Second,
	})
	ports := inst.Ports()
	local, remote := newSocketPair(t)
	connID, err := inst.attach(4, local, ConnModeRaw, UtilModeTCPIn)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	remote.Write([]byte("0123456789"))
	waitFor(t, 2*time.Second, "10 bytes", func() bool { return ports.BytesWaiting(4) == 10 })
	remote.Close()

	waitFor(t, 2*time.Second, "disconnect", func() bool { return !ports.IsConnected(4) })
	// The host has not read yet, so the port must stay open and reserved
	time.Sleep(200 * time.Millisecond)
	if !ports.IsOpen(4) {
		t.Fatal("port closed before its queue drained")
	}
	if ports.Conn(4) != connID {
		t.Errorf("binding dropped during drain: %d", ports.Conn(4))
	}

	// A new connection waits for the drain instead of mixing into it
	other, otherRemote := newSocketPair(t)
	otherRemote.Write([]byte("new"))
	type attachResult struct {
		id  int
		err error
	}
	attached := make(chan attachResult, 1)
	go func() {
		id, err := inst.attach(4, other, ConnModeRaw, UtilModeTCPIn)
		attached <- attachResult{id, err}
	}()

	if got := ports.ReadFromPort(4, 4); string(got) != "0123" {
		t.Errorf("first read %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if !ports.IsOpen(4) || ports.Conn(4) != connID {
		t.Fatal("port released with bytes still queued")
	}
	select {
	case r := <-attached:
		t.Fatalf("attach finished during drain: %d, %v", r.id, r.err)
	default:
	}
	if got := ports.ReadFromPort(4, 100); string(got) != "456789" {
		t.Errorf("second read %q", got)
	}

	var r attachResult
	select {
	case r = <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting connection never attached")
	}
	if r.err != nil {
		t.Fatalf("attach after drain: %s", r.err)
	}
	if ports.Conn(4) != r.id {
		t.Errorf("port bound to conn #%d, want #%d", ports.Conn(4), r.id)
	}
	waitFor(t, 2*time.Second, "new bytes", func() bool { return ports.BytesWaiting(4) == 3 })
	if got := ports.ReadFromPort(4, 100); string(got) != "new" {
		t.Errorf("queue after handover = %q", got)
	}
	waitFor(t, 2*time.Second, "old slot release", func() bool { return inst.Pool().Len() == 1 })
}

func TestPumpWaitingConnGivesUp(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{
		DrainPollInterval: 10 * time.Millisecond,
		DrainGrace:        150 * time.Millisecond,
	})
	ports := inst.Ports()
	local, remote := newSocketPair(t)
	connID, err := inst.attach(4, local, ConnModeRaw, UtilModeTCPIn)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	remote.Write([]byte("x"))
	waitFor(t, 2*time.Second, "1 byte", func() bool { return ports.BytesWaiting(4) == 1 })
	remote.Close()
	waitFor(t, 2*time.Second, "disconnect", func() bool { return !ports.IsConnected(4) })

	// Hand the port to a connection that never lets go
	ports.SetConn(4, connID+100)
	other, _ := newSocketPair(t)
	if _, err := inst.attach(4, other, ConnModeRaw, UtilModeTCPIn); !errors.Is(err, ErrPortBusy) {
		t.Errorf("attach to a port never released = %v, want ErrPortBusy", err)
	}
}

func TestPumpDrainGrace(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{
		DrainPollInterval: 10 * time.Millisecond,
		DrainGrace:        100 * time.Millisecond,
	})
	ports := inst.Ports()
	local, remote := newSocketPair(t)
	if _, err := inst.attach(4, local, ConnModeRaw, UtilModeTCPIn); err != nil {
		t.Fatalf("attach: %s", err)
	}
	remote.Write([]byte("xyz"))
	waitFor(t, 2*time.Second, "3 bytes", func() bool { return ports.BytesWaiting(4) == 3 })
	remote.Close()
	waitFor(t, 3*time.Second, "port close after grace", func() bool { return !ports.IsOpen(4) })
	if n := ports.BytesWaiting(4); n != 0 {
		t.Errorf("%d bytes left on a closed port", n)
	}
}

func TestPumpSecondConnRejected(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{})
	a, _ := newSocketPair(t)
	b, bRemote := newSocketPair(t)
	if _, err := inst.attach(1, a, ConnModeRaw, UtilModeTCPIn); err != nil {
		t.Fatalf("attach: %s", err)
	}
	if _, err := inst.attach(1, b, ConnModeRaw, UtilModeTCPIn); !errors.Is(err, ErrPortBusy) {
		t.Fatalf("second attach = %v, want ErrPortBusy", err)
	}
	if n := inst.Pool().Len(); n != 1 {
		t.Errorf("pool holds %d conns", n)
	}
	bRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bRemote.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("rejected socket not closed: %v", err)
	}
}

func TestTermPumpLeavesPortOpen(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{})
	ports := inst.Ports()
	local, remote := newSocketPair(t)
	if _, err := inst.attach(0, local, ConnModeTerm, UtilModeTCPIn); err != nil {
		t.Fatalf("attach: %s", err)
	}
	remote.Write([]byte("q"))
	waitFor(t, 2*time.Second, "byte", func() bool { return ports.BytesWaiting(0) == 1 })
	remote.Close()
	waitFor(t, 2*time.Second, "slot release", func() bool { return inst.Pool().Len() == 0 })
	if !ports.IsOpen(0) {
		t.Error("term pump closed its port")
	}
	if ports.Conn(0) != -1 {
		t.Errorf("term pump left conn #%d bound", ports.Conn(0))
	}
}

func TestPumpShutdown(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{})
	local, remote := newSocketPair(t)
	if _, err := inst.attach(3, local, ConnModeRaw, UtilModeTCPIn); err != nil {
		t.Fatalf("attach: %s", err)
	}
	inst.Shutdown(nil)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("socket not closed by shutdown: %v", err)
	}
	if n := inst.Pool().Len(); n != 0 {
		t.Errorf("%d slots still in use", n)
	}
}
