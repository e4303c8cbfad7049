package natsevents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sammck-go/dwvport/pkg/vport"
)

func TestSinkPublish(t *testing.T) {
	sink, err := New(Config{URL: nats.DefaultURL, ReconnectWait: time.Second})
	if err != nil {
		t.Skip("NATS not available:", err)
	}
	defer sink.Close()

	sub, err := sink.Conn().SubscribeSync("dwvport.7.>")
	if err != nil {
		t.Fatalf("subscribe: %s", err)
	}
	defer sub.Unsubscribe()
	if err := sink.Conn().Flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}

	ev := vport.Event{Type: vport.EventConnected, Instance: 7, Port: 3, ConnID: 1, PeerAddr: "127.0.0.1"}
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %s", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("no message: %s", err)
	}
	if msg.Subject != "dwvport.7.connected" {
		t.Errorf("subject = %q", msg.Subject)
	}
	var got vport.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got.Port != 3 || got.ConnID != 1 || got.Type != vport.EventConnected {
		t.Errorf("got %+v", got)
	}
}

func TestSubject(t *testing.T) {
	s := &Sink{prefix: "dw"}
	if got := s.Subject(vport.Event{Instance: 2, Type: vport.EventListenFailed}); got != "dw.2.listen_failed" {
		t.Errorf("Subject = %q", got)
	}
}
