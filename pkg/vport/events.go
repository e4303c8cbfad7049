package vport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType names a port lifecycle event
type EventType string

const (
	EventListening      EventType = "listening"
	EventListenFailed   EventType = "listen_failed"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventRejected       EventType = "rejected"
	EventPortClosed     EventType = "port_closed"
	EventOutboundFailed EventType = "outbound_failed"
)

// Event describes something that happened to a virtual port. Events are
// published best-effort: a sink that fails never affects the data path.
type Event struct {
	Type      EventType `json:"type"`
	Instance  int       `json:"instance"`
	RunID     string    `json:"run_id"`
	Port      int       `json:"port"`
	ConnID    int       `json:"conn_id"`
	LocalPort int       `json:"local_port,omitempty"`
	PeerAddr  string    `json:"peer_addr,omitempty"`
	Code      byte      `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// EventSink receives port lifecycle events
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, ev Event) error

// Publish calls f
func (f EventSinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// MultiSink fans an event out to several sinks. Every sink is called; the
// errors are joined.
type MultiSink []EventSink

// Publish delivers ev to every sink
func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }

// HostAnnouncer reports listener and connection events to the legacy host by
// queueing utility responses on the affected port, the way a host-side
// "tcp listen" utility expects to read them.
type HostAnnouncer struct {
	ports *PortTable
}

// NewHostAnnouncer creates a HostAnnouncer writing into ports
func NewHostAnnouncer(ports *PortTable) *HostAnnouncer {
	return &HostAnnouncer{ports: ports}
}

// Publish queues the utility response for ev, if it has one
func (a *HostAnnouncer) Publish(ctx context.Context, ev Event) error {
	var msg string
	switch ev.Type {
	case EventListening:
		msg = fmt.Sprintf("OK listening on port %d\n\r", ev.LocalPort)
	case EventListenFailed, EventOutboundFailed:
		msg = fmt.Sprintf("FAIL %d %s\r", ev.Code, ev.Message)
	case EventConnected:
		msg = fmt.Sprintf("%d %d %s\r", ev.ConnID, ev.LocalPort, ev.PeerAddr)
	default:
		return nil
	}
	if !a.ports.IsOpen(ev.Port) {
		return fmt.Errorf("announce %s: port %d is not open", ev.Type, ev.Port)
	}
	return a.ports.WriteStringToHost(ev.Port, msg)
}
