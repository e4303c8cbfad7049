package vport

import (
	"context"
	"net"
	"strings"
	"testing"
)

func TestPortStatus(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{MaxPorts: 8, PoolCapacity: 4})
	ports := inst.Ports()
	ports.OpenPort(1)
	ports.SetUtilMode(1, UtilModeTCPListen)
	ports.SetFlowChars(1, 3, 5)
	ports.WriteToHost(1, 'a', 'b')
	ports.OpenPort(2)
	ports.ClosePort(2)

	want := "1|open|1|1|tcplisten|2|-1|||0305|\r\n" +
		"2|closed|\r\n"
	if got := inst.PortStatus(); got != want {
		t.Errorf("PortStatus =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatPortStatusPeer(t *testing.T) {
	s := PortSnapshot{
		ID:       4,
		Open:     true,
		Opens:    2,
		UtilMode: UtilModeTCPIn,
		ConnID:   0,
		PeerAddr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 4321},
	}
	if got, want := FormatPortStatus(s), "4|open|2|2|tcpin|0|0|10.0.0.9|4321|0000|\r\n"; got != want {
		t.Errorf("FormatPortStatus = %q, want %q", got, want)
	}
}

func TestInstanceStatus(t *testing.T) {
	inst := newTestInstance(t, InstanceConfig{Num: 2, Name: "coco", PoolCapacity: 4},
		WithDevice(&chanDevice{in: make(chan byte)}))
	status := inst.InstanceStatus()
	for _, line := range []string{
		"num|2\r\n",
		"name|coco\r\n",
		"runid|" + inst.RunID() + "\r\n",
		"devicetype|test\r\n",
		"deviceconnected|true\r\n",
		"poolused|0\r\n",
		"poolcapacity|4\r\n",
	} {
		if !strings.Contains(status, line) {
			t.Errorf("status missing %q:\n%s", line, status)
		}
	}
}

func TestHostAnnouncer(t *testing.T) {
	pt := NewPortTable(testLogger(), 4)
	a := NewHostAnnouncer(pt)
	ctx := context.Background()
	if err := a.Publish(ctx, Event{Type: EventListening, Port: 1, LocalPort: 9000}); err == nil {
		t.Error("announce to a closed port succeeded")
	}
	pt.OpenPort(1)
	a.Publish(ctx, Event{Type: EventListening, Port: 1, LocalPort: 9000})
	a.Publish(ctx, Event{Type: EventDisconnected, Port: 1})
	a.Publish(ctx, Event{Type: EventConnected, Port: 1, ConnID: 3, LocalPort: 9000, PeerAddr: "10.1.1.1"})
	want := "OK listening on port 9000\n\r3 9000 10.1.1.1\r"
	if got := string(pt.ReadFromPort(1, 100)); got != want {
		t.Errorf("announcements = %q, want %q", got, want)
	}
}

func TestMultiSink(t *testing.T) {
	r1, r2 := &eventRecorder{}, &eventRecorder{}
	var calls int
	m := MultiSink{r1, nil, EventSinkFunc(func(ctx context.Context, ev Event) error {
		calls++
		return context.Canceled
	}), r2}
	err := m.Publish(context.Background(), Event{Type: EventRejected})
	if err == nil {
		t.Error("sink error was lost")
	}
	if len(r1.ofType(EventRejected)) != 1 || len(r2.ofType(EventRejected)) != 1 || calls != 1 {
		t.Error("not every sink was called")
	}
}
