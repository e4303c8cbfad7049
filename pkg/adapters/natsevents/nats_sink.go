// Package natsevents publishes virtual port lifecycle events to NATS
package natsevents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sammck-go/dwvport/pkg/vport"
)

// Config holds the NATS connection settings for a Sink
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	// SubjectPrefix is prepended to "<instance>.<event>"; default "dwvport"
	SubjectPrefix string
}

// Sink is a vport.EventSink publishing core NATS messages
type Sink struct {
	conn   *nats.Conn
	prefix string
}

var _ vport.EventSink = (*Sink)(nil)

// New connects to NATS. The connection reconnects on its own; events published
// while it is down are lost.
func New(cfg Config) (*Sink, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "dwvport"
	}
	if cfg.Name == "" {
		cfg.Name = "dwvportd"
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Name(cfg.Name),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}
	return &Sink{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event is published on
func (s *Sink) Subject(ev vport.Event) string {
	return fmt.Sprintf("%s.%d.%s", s.prefix, ev.Instance, ev.Type)
}

// Publish sends ev as JSON
func (s *Sink) Publish(ctx context.Context, ev vport.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", s.Subject(ev), err)
	}
	return nil
}

// Conn exposes the underlying connection
func (s *Sink) Conn() *nats.Conn {
	return s.conn
}

// Close flushes pending messages and closes the connection
func (s *Sink) Close() error {
	err := s.conn.FlushTimeout(2 * time.Second)
	s.conn.Close()
	return err
}
