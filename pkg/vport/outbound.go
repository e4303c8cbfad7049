package vport

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/ziutek/telnet"
	"golang.org/x/net/proxy"
)

// Connect opens an outbound TCP connection for a virtual port and relays it
// like an accepted one. Failed dials are retried with backoff up to the
// configured limit. In telnet mode the socket is wrapped so IAC sequences are
// handled on the wire.
func (inst *Instance) Connect(ctx context.Context, port int, host string, tcpPort int, mode ConnMode) (int, error) {
	if mode == ConnModeHTTP {
		return -1, inst.Errorf("connect port %d: %w", port, ErrModeUnsupported)
	}
	ports := inst.ports
	if err := ports.OpenPort(port); err != nil {
		return -1, err
	}
	ports.SetUtilMode(port, UtilModeTCPOut)

	addr := net.JoinHostPort(host, strconv.Itoa(tcpPort))
	ocfg := inst.cfg.Outbound
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    ocfg.MaxRetryInterval,
		Factor: 2,
		Jitter: true,
	}
	var conn net.Conn
	for {
		var err error
		conn, err = inst.dialOutbound(ctx, addr)
		if err == nil {
			break
		}
		attempt := int(b.Attempt())
		if attempt >= ocfg.MaxRetries || ctx.Err() != nil || inst.IsStartedShutdown() {
			inst.WLogf("port %d: cannot connect to %s: %s", port, addr, err)
			ports.SetUtilMode(port, UtilModeNone)
			inst.publish(Event{
				Type:     EventOutboundFailed,
				Port:     port,
				ConnID:   -1,
				PeerAddr: host,
				Code:     RCNetNoConnect,
				Message:  err.Error(),
			})
			return -1, inst.Errorf("connect port %d to %s: %w", port, addr, err)
		}
		d := b.Duration()
		inst.ILogf("port %d: connect to %s failed (%s), retrying in %s", port, addr, err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
		case <-inst.ShutdownStartedChan():
		}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if mode == ConnModeTelnet {
		tconn, err := telnet.NewConn(conn)
		if err != nil {
			conn.Close()
			return -1, inst.Errorf("telnet on %s: %w", addr, err)
		}
		conn = tconn
	}
	connID, err := inst.attach(port, conn, mode, UtilModeTCPOut)
	if err != nil {
		return -1, err
	}
	inst.ILogf("port %d: connected to %s as conn #%d", port, addr, connID)
	inst.announceConnection(port, connID, conn)
	return connID, nil
}

// dialOutbound makes one dial attempt, through the configured proxy if any
func (inst *Instance) dialOutbound(ctx context.Context, addr string) (net.Conn, error) {
	ocfg := inst.cfg.Outbound
	dialer := &net.Dialer{Timeout: ocfg.DialTimeout}
	if ocfg.Proxy == "" {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	u, err := url.Parse(ocfg.Proxy)
	if err != nil {
		return nil, inst.Errorf("invalid proxy url %q: %w", ocfg.Proxy, err)
	}
	pd, err := proxy.FromURL(u, dialer)
	if err != nil {
		return nil, inst.Errorf("proxy %s: %w", u.Host, err)
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return pd.Dial("tcp", addr)
}
