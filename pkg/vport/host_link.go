package vport

import (
	"context"
	"time"

	"github.com/sammck-go/dwvport/share"
)

// HostLink bridges the device to a single virtual port: bytes the host sends
// over the device go out through the port's connection, and bytes queued on
// the port are written back to the device.
type HostLink struct {
	dwshare.Logger
	inst *Instance
	dev  Device
	port int
	poll time.Duration
}

// NewHostLink creates a HostLink for port on the instance's device
func NewHostLink(inst *Instance, port int) *HostLink {
	return &HostLink{
		Logger: inst.Fork("hostlink port %d", port),
		inst:   inst,
		dev:    inst.device,
		port:   port,
		poll:   20 * time.Millisecond,
	}
}

// Run relays until ctx is done or the instance shuts down. The device read
// side blocks for at most the accept timeout, so Run returns within that long.
func (h *HostLink) Run(ctx context.Context) error {
	if h.dev == nil {
		return h.Errorf("no device")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-h.inst.ShutdownStartedChan():
			cancel()
		}
	}()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.toDevice(ctx)
	}()
	h.ILogf("bridging %s %s", h.dev.DeviceType(), h.dev.DeviceName())
	for ctx.Err() == nil {
		b := h.dev.Read1()
		if b < 0 {
			continue
		}
		if _, err := h.inst.ports.WriteToConn(h.port, []byte{byte(b)}); err != nil {
			h.TLogf("dropping byte: %s", err)
		}
	}
	<-done
	return nil
}

// toDevice moves queued port bytes to the device while a client is attached
func (h *HostLink) toDevice(ctx context.Context) {
	t := time.NewTicker(h.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for h.dev.Connected() {
			data := h.inst.ports.ReadFromPort(h.port, 256)
			if len(data) == 0 {
				break
			}
			h.dev.WriteN(data)
		}
	}
}
