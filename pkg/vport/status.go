package vport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// FormatPortStatus renders one port status line
func FormatPortStatus(s PortSnapshot) string {
	if !s.Open {
		return fmt.Sprintf("%d|closed|\r\n", s.ID)
	}
	var peerIP, peerPort string
	if s.PeerAddr != nil {
		if h, p, err := net.SplitHostPort(s.PeerAddr.String()); err == nil {
			peerIP, peerPort = h, p
		}
	}
	return fmt.Sprintf("%d|open|%d|%d|%s|%d|%d|%s|%s|%02x%02x|\r\n",
		s.ID, s.Opens, s.UtilMode.Code(), s.UtilMode, s.BytesWaiting,
		s.ConnID, peerIP, peerPort, s.PDInt, s.PDQut)
}

// PortSnapshots returns the state of every port that has been used
func (inst *Instance) PortSnapshots() []PortSnapshot {
	var snaps []PortSnapshot
	for id := 0; id < inst.ports.MaxPorts(); id++ {
		if s, ok := inst.ports.Snapshot(id); ok {
			snaps = append(snaps, s)
		}
	}
	return snaps
}

// PortStatus returns one status line per used port
func (inst *Instance) PortStatus() string {
	var sb strings.Builder
	for _, s := range inst.PortSnapshots() {
		sb.WriteString(FormatPortStatus(s))
	}
	return sb.String()
}

// InstanceStatusFields returns the instance status as ordered key/value pairs
func (inst *Instance) InstanceStatusFields() [][2]string {
	fields := [][2]string{
		{"num", strconv.Itoa(inst.cfg.Num)},
		{"name", inst.cfg.Name},
		{"runid", inst.runID},
		{"uptime", time.Since(inst.started).Round(time.Second).String()},
	}
	if dev := inst.device; dev != nil {
		fields = append(fields,
			[2]string{"devicetype", dev.DeviceType()},
			[2]string{"devicename", dev.DeviceName()},
			[2]string{"deviceconnected", strconv.FormatBool(dev.Connected())},
			[2]string{"deviceclient", dev.Client()},
			[2]string{"devicebytesread", strconv.FormatInt(dev.BytesRead(), 10)},
		)
	}
	open, total, rejected := inst.connStats.Snapshot()
	fields = append(fields,
		[2]string{"poolused", strconv.Itoa(inst.pool.Len())},
		[2]string{"poolcapacity", strconv.Itoa(inst.pool.Capacity())},
		[2]string{"connsopen", strconv.Itoa(int(open))},
		[2]string{"connstotal", strconv.Itoa(int(total))},
		[2]string{"connsrejected", strconv.Itoa(int(rejected))},
	)
	return fields
}

// InstanceStatus returns "key|value" lines describing the instance
func (inst *Instance) InstanceStatus() string {
	var sb strings.Builder
	for _, f := range inst.InstanceStatusFields() {
		sb.WriteString(f[0])
		sb.WriteByte('|')
		sb.WriteString(f[1])
		sb.WriteString("\r\n")
	}
	return sb.String()
}
