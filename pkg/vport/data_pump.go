package vport

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/dwvport/share"
	"go.uber.org/atomic"
)

// lineFilter drops the LF or NUL that immediately follows a CR. It tracks the
// last byte received, whether or not that byte was forwarded.
type lineFilter struct {
	last int
}

func newLineFilter() lineFilter {
	return lineFilter{last: -1}
}

// pass returns true if b should be forwarded. When active is false every byte
// passes, but the last byte is still tracked.
func (f *lineFilter) pass(b byte, active bool) bool {
	prev := f.last
	f.last = int(b)
	if active && prev == charCR && (b == charLF || b == charNUL) {
		return false
	}
	return true
}

// DataPump relays bytes from one pooled TCP connection into a virtual port's
// queue until the connection ends, the port is closed, or the pump is shut
// down. On exit it waits for the legacy host to drain the queue, then closes
// the port and frees the pool slot.
type DataPump struct {
	dwshare.ShutdownHelper
	inst      *Instance
	port      int
	connID    int
	conn      *dwshare.CountingConn
	mode      ConnMode
	utilMode  UtilMode
	wantToDie atomic.Bool
	filter    lineFilter
}

func newDataPump(inst *Instance, port int, connID int, utilMode UtilMode) (*DataPump, error) {
	conn, err := inst.pool.GetConn(connID)
	if err != nil {
		return nil, err
	}
	mode, err := inst.pool.GetMode(connID)
	if err != nil {
		return nil, err
	}
	p := &DataPump{
		inst:     inst,
		port:     port,
		connID:   connID,
		conn:     dwshare.NewCountingConn(conn),
		mode:     mode,
		utilMode: utilMode,
		filter:   newLineFilter(),
	}
	p.InitShutdownHelper(inst.Fork("port %d: conn #%d", port, connID), p)
	return p, nil
}

// Start binds the connection to the port and starts relaying in the
// background. The port is opened if it is not already open. If another
// connection is bound to the port, Start fails with ErrPortBusy and nothing is
// changed.
func (p *DataPump) Start() error {
	return p.DoOnceActivate(func() error {
		ports := p.inst.ports
		if !ports.IsOpen(p.port) {
			p.DLogf("port not open, opening")
			if err := ports.OpenPort(p.port); err != nil {
				return err
			}
		}
		if err := ports.BindConn(p.port, p.connID, p.conn); err != nil {
			return err
		}
		p.inst.pool.SetConnPort(p.connID, p.port)
		ports.MarkConnected(p.port)
		if err := ports.SetUtilMode(p.port, p.utilMode); err != nil {
			p.WLogf("%s", err)
		}
		p.ShutdownWG().Add(1)
		go p.run()
		p.ILogf("relaying %s from %s", p.mode, p.conn.RemoteAddr())
		return nil
	}, false)
}

// Mode returns the relay mode of the pumped connection
func (p *DataPump) Mode() ConnMode {
	return p.mode
}

// BytesReceived returns the number of bytes read from the connection
func (p *DataPump) BytesReceived() int64 {
	return p.conn.BytesRead()
}

// BytesSent returns the number of bytes the legacy host wrote to the
// connection
func (p *DataPump) BytesSent() int64 {
	return p.conn.BytesWritten()
}

// keepGoing is the loop condition: no shutdown requested, and the port still
// open (term mode ignores the port)
func (p *DataPump) keepGoing() bool {
	if p.wantToDie.Load() {
		return false
	}
	return p.mode == ConnModeTerm || p.inst.ports.IsOpen(p.port)
}

func (p *DataPump) run() {
	defer p.ShutdownWG().Done()
	ports := p.inst.ports
	r := bufio.NewReader(p.conn)
	for p.keepGoing() {
		b, err := r.ReadByte()
		if err != nil {
			switch {
			case p.wantToDie.Load():
				p.DLogf("read interrupted by shutdown")
			case errors.Is(err, io.EOF):
				p.ILogf("connection closed by peer")
			case errors.Is(err, net.ErrClosed):
				p.DLogf("connection closed locally")
			default:
				p.WLogf("read failed: %s", err)
			}
			break
		}
		active := p.mode.filtersLineEndings() && (ports.FlowInterrupt(p.port) || ports.FlowQuiet(p.port))
		if !p.filter.pass(b, active) {
			continue
		}
		if err := ports.WriteToHost(p.port, b); err != nil {
			p.ELogf("queue write failed: %s", err)
			break
		}
	}
	p.exit()
	p.StartShutdown(nil)
}

// exit runs the shutdown sequence after the relay loop ends
func (p *DataPump) exit() {
	ports := p.inst.ports
	ports.MarkDisconnected(p.port)
	// The binding is kept while draining so no new connection can take the
	// port and have its data mixed with ours.
	ports.SetPortChannel(p.port, nil)

	if p.mode != ConnModeTerm {
		p.DLogf("waiting for %d bytes to drain", ports.BytesWaiting(p.port))
		if !ports.WaitDrained(p.inst.ctx, p.port, p.inst.cfg.DrainPollInterval, p.inst.cfg.DrainGrace) {
			p.WLogf("closing port with %d bytes undelivered", ports.BytesWaiting(p.port))
		}
		reopen := UtilModeNone
		if len(p.inst.pool.ListenerAddrs(p.port)) > 0 && !p.wantToDie.Load() {
			// Back to listening
			reopen = UtilModeTCPListen
		}
		if ports.ReleasePort(p.port, p.connID, reopen) {
			p.DLogf("port released (%s)", reopen)
		}
	}
	ports.UnbindConn(p.port, p.connID)
	if !p.wantToDie.Load() {
		p.conn.CloseWrite()
	}
	p.conn.Close()
	p.inst.pool.ClearConn(p.connID)
	p.inst.connStats.Close()
	p.inst.publish(Event{
		Type:     EventDisconnected,
		Port:     p.port,
		ConnID:   p.connID,
		PeerAddr: remoteIP(p.conn),
	})
	p.ILogf("closed (received %s, sent %s) %s",
		sizestr.ToString(p.conn.BytesRead()), sizestr.ToString(p.conn.BytesWritten()), p.inst.connStats.String())
}

// HandleOnceShutdown requests termination and closes the socket, which
// unblocks a pending read. The relay goroutine finishes the exit sequence.
func (p *DataPump) HandleOnceShutdown(completionErr error) error {
	p.wantToDie.Store(true)
	if err := p.conn.Close(); err != nil {
		p.TLogf("close: %s", err)
	}
	return completionErr
}
