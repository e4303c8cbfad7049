package vport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/sammck-go/dwvport/share"
)

// ListenerConfig describes a TCP listener bound to a virtual port
type ListenerConfig struct {
	// TCPPort is the TCP port to listen on; 0 picks a free one
	TCPPort int

	// ListenAddress is the local address to bind, empty for all interfaces
	ListenAddress string

	// Mode is the relay mode for accepted connections
	Mode ConnMode

	// Telnet runs telnet option negotiation before relaying, and relays in
	// telnet mode
	Telnet bool

	// Banner writes the instance banner to each client before relaying
	Banner bool
}

// PortListener accepts TCP connections for one virtual port and hands each to
// a DataPump. A single bind failure is reported and does not affect other
// ports.
type PortListener struct {
	dwshare.ShutdownHelper
	inst     *Instance
	port     int
	cfg      ListenerConfig
	listener net.Listener
}

func newPortListener(inst *Instance, port int, cfg ListenerConfig) *PortListener {
	l := &PortListener{
		inst: inst,
		port: port,
		cfg:  cfg,
	}
	l.InitShutdownHelper(inst.Fork("port %d: listener", port), l)
	return l
}

// Port returns the virtual port this listener serves
func (l *PortListener) Port() int {
	return l.port
}

// Addr returns the bound address, or nil before Listen succeeds
func (l *PortListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Listen binds the listening socket with address reuse enabled, registers it
// with the pool, and puts the port in listen mode
func (l *PortListener) Listen() error {
	return l.DoOnceActivate(func() error {
		addr := net.JoinHostPort(l.cfg.ListenAddress, strconv.Itoa(l.cfg.TCPPort))
		lc := net.ListenConfig{Control: reuseAddrControl}
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			l.ELogf("cannot listen on %s: %s", addr, err)
			l.inst.publish(Event{
				Type:      EventListenFailed,
				Port:      l.port,
				ConnID:    -1,
				LocalPort: l.cfg.TCPPort,
				Code:      RCNetIOError,
				Message:   err.Error(),
			})
			return l.Errorf("listen on %s: %w", addr, err)
		}
		ports := l.inst.ports
		if err := ports.OpenPort(l.port); err != nil {
			ln.Close()
			return err
		}
		l.listener = ln
		l.inst.pool.AddListener(l.port, ln)
		ports.SetUtilMode(l.port, UtilModeTCPListen)
		tcpPort := l.cfg.TCPPort
		if a, ok := ln.Addr().(*net.TCPAddr); ok {
			tcpPort = a.Port
		}
		l.ILogf("listening on %s (%s)", ln.Addr(), l.describe())
		l.inst.publish(Event{
			Type:      EventListening,
			Port:      l.port,
			ConnID:    -1,
			LocalPort: tcpPort,
		})
		return nil
	}, true)
}

func (l *PortListener) describe() string {
	s := l.cfg.Mode.String()
	if l.cfg.Telnet {
		s += ", telnet"
	}
	if l.cfg.Banner {
		s += ", banner"
	}
	return s
}

// Serve accepts connections until the listening socket is closed, either by
// ClosePort on the instance or by shutdown
func (l *PortListener) Serve() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.IsStartedShutdown() {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.WLogf("accept failed: %s", err)
			select {
			case <-l.ShutdownStartedChan():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		l.handle(conn)
	}
	l.DLogf("stopped accepting")
	l.inst.pool.RemoveListener(l.port, l.listener)
	l.inst.forgetListener(l)
	l.StartShutdown(nil)
}

func (l *PortListener) handle(conn net.Conn) {
	l.ILogf("new connection from %s", conn.RemoteAddr())
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	switch {
	case l.cfg.Mode == ConnModeHTTP:
		l.ELogf("http mode is no longer supported, dropping %s", conn.RemoteAddr())
		conn.Close()
	case l.cfg.Telnet || l.cfg.Banner:
		pf := newTelnetPreflight(l.inst, l.Logger, l.port, conn, l.cfg)
		if !l.inst.trackPending(conn) {
			conn.Close()
			return
		}
		if !l.inst.goWorker(pf.Run) {
			l.inst.untrackPending(conn)
			conn.Close()
		}
	case l.inst.IsPortBusy(l.port):
		// The previous client may still be draining; wait off the accept loop
		if !l.inst.trackPending(conn) {
			conn.Close()
			return
		}
		parked := func() {
			defer l.inst.untrackPending(conn)
			l.attach(conn, l.cfg.Mode)
		}
		if !l.inst.goWorker(parked) {
			l.inst.untrackPending(conn)
			conn.Close()
		}
	default:
		l.attach(conn, l.cfg.Mode)
	}
}

// attach hands an accepted connection to a pump and announces it
func (l *PortListener) attach(conn net.Conn, mode ConnMode) {
	connID, err := l.inst.attach(l.port, conn, mode, UtilModeTCPIn)
	if err != nil {
		if errors.Is(err, ErrPoolFull) {
			l.ELogf("connection pool full, dropping %s", conn.RemoteAddr())
		} else {
			l.WLogf("dropping %s: %s", conn.RemoteAddr(), err)
		}
		return
	}
	l.inst.announceConnection(l.port, connID, conn)
}

// HandleOnceShutdown closes the listening socket
func (l *PortListener) HandleOnceShutdown(completionErr error) error {
	if l.listener != nil {
		if err := l.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.DLogf("close: %s", err)
		}
	}
	return completionErr
}
