package redisstatus

import (
	"context"
	"testing"
	"time"

	"github.com/sammck-go/dwvport/share"
)

type fakeSource struct{}

func (fakeSource) PortStatus() string {
	return "3|open|1|2|tcpin|0|0|127.0.0.1|5555|0000|\r\n"
}

func (fakeSource) InstanceStatusFields() [][2]string {
	return [][2]string{{"num", "0"}, {"name", "test"}}
}

func TestReporter(t *testing.T) {
	r, err := New(dwshare.NewLogger("test", dwshare.LogLevelWarning), Config{
		Addr: "localhost:6379",
		TTL:  time.Minute,
	})
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer r.Close()

	ctx := context.Background()
	instance := "test-" + time.Now().Format("150405.000000")
	if err := r.Report(ctx, instance, fakeSource{}); err != nil {
		t.Fatalf("Report: %s", err)
	}
	got, err := r.PortStatus(ctx, instance)
	if err != nil {
		t.Fatalf("PortStatus: %s", err)
	}
	if got != (fakeSource{}).PortStatus() {
		t.Errorf("PortStatus = %q", got)
	}
	name, err := r.client.HGet(ctx, statusKey(instance), "name").Result()
	if err != nil || name != "test" {
		t.Errorf("status name = %q, %v", name, err)
	}
	ttl, err := r.client.TTL(ctx, portStatusKey(instance)).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %s, %v", ttl, err)
	}
	r.client.Del(ctx, portStatusKey(instance), statusKey(instance))
}

func TestKeys(t *testing.T) {
	if got := portStatusKey("dw0"); got != "dwvport:dw0:portstatus" {
		t.Errorf("portStatusKey = %q", got)
	}
	if got := statusKey("dw0"); got != "dwvport:dw0:status" {
		t.Errorf("statusKey = %q", got)
	}
}
