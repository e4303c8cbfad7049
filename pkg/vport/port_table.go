package vport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/dwvport/share"
)

// Port is the state of one virtual port. Every field is guarded by mu; the
// table never holds a global lock on the byte path.
type Port struct {
	id        int
	mu        sync.Mutex
	open      bool
	opens     int
	connected bool
	utilMode  UtilMode

	// pdInt and pdQut are the interrupt and quit characters from the host's
	// path descriptor. A non-zero value means the flag is set.
	pdInt byte
	pdQut byte

	// pending holds bytes destined for the legacy host, oldest first
	pending []byte

	// drained is closed whenever pending is empty, and replaced by a fresh
	// channel when bytes arrive. unbound and idle follow connID < 0 and
	// !connected the same way.
	drained chan struct{}
	unbound chan struct{}
	idle    chan struct{}

	connID int
	conn   net.Conn
}

// PortSnapshot is a point-in-time copy of a Port for status reporting
type PortSnapshot struct {
	ID           int
	Open         bool
	Opens        int
	Connected    bool
	UtilMode     UtilMode
	BytesWaiting int
	ConnID       int
	PeerAddr     net.Addr
	PDInt        byte
	PDQut        byte
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func newPort(id int) *Port {
	return &Port{
		id:      id,
		connID:  -1,
		drained: closedChan(),
		unbound: closedChan(),
		idle:    closedChan(),
	}
}

// syncSignal keeps *ch closed while cond holds and open while it does not
func syncSignal(ch *chan struct{}, cond bool) {
	select {
	case <-*ch:
		if !cond {
			*ch = make(chan struct{})
		}
	default:
		if cond {
			close(*ch)
		}
	}
}

// signalLocked brings the signal channels in step with the port state
func (p *Port) signalLocked() {
	syncSignal(&p.drained, len(p.pending) == 0)
	syncSignal(&p.unbound, p.connID < 0)
	syncSignal(&p.idle, !p.connected)
}

// PortTable holds the per-port state for an instance. Entries are allocated on
// first use; a never-used entry is "null" and is left out of status output.
type PortTable struct {
	logger dwshare.Logger
	mu     sync.Mutex
	ports  []*Port
}

// NewPortTable creates a PortTable with maxPorts slots
func NewPortTable(logger dwshare.Logger, maxPorts int) *PortTable {
	if maxPorts <= 0 {
		maxPorts = DefaultMaxPorts
	}
	return &PortTable{
		logger: logger.Fork("ports"),
		ports:  make([]*Port, maxPorts),
	}
}

// MaxPorts returns the number of port slots
func (t *PortTable) MaxPorts() int {
	return len(t.ports)
}

// Valid returns true if id names a slot in the table
func (t *PortTable) Valid(id int) bool {
	return id >= 0 && id < len(t.ports)
}

// get returns the entry for id, allocating it if needed
func (t *PortTable) get(id int) (*Port, error) {
	if !t.Valid(id) {
		return nil, t.logger.Errorf("port %d: %w", id, ErrPortNotValid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.ports[id]
	if p == nil {
		p = newPort(id)
		t.ports[id] = p
	}
	return p, nil
}

// peek returns the entry for id, or nil if it is invalid or null
func (t *PortTable) peek(id int) *Port {
	if !t.Valid(id) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ports[id]
}

// IsNull returns true if the port has never been used
func (t *PortTable) IsNull(id int) bool {
	return t.peek(id) == nil
}

// OpenPort marks a port open. Opening an open port is a no-op.
func (t *PortTable) OpenPort(id int) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		p.open = true
		p.opens++
		t.logger.DLogf("port %d opened", id)
	}
	return nil
}

// ClosePort closes a port from any state: its queue is discarded, its util
// mode reset, its binding dropped, and its bound socket (if any) closed, which
// unblocks the bound pump. Drain waiters are woken.
func (t *PortTable) ClosePort(id int) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	conn := t.closeLocked(p)
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// ReleasePort closes a port on behalf of connection connID, after that
// connection has drained. It does nothing if the port has since been closed
// externally or is bound to a different connection. Returns true if the port
// was closed.
//
// With a reopen mode other than UtilModeNone the port is reopened in that
// mode under the same lock, so a connection waiting for the port never sees
// it between the close and the reopen.
func (t *PortTable) ReleasePort(id int, connID int, reopen UtilMode) bool {
	p := t.peek(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	if p.connID != connID || !p.open {
		p.mu.Unlock()
		return false
	}
	conn := t.closeLocked(p)
	if reopen != UtilModeNone {
		p.open = true
		p.opens++
		p.utilMode = reopen
		t.logger.DLogf("port %d reopened for %s", id, reopen)
	}
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return true
}

func (t *PortTable) closeLocked(p *Port) net.Conn {
	conn := p.conn
	if p.open {
		t.logger.DLogf("port %d closed (%d bytes discarded)", p.id, len(p.pending))
	}
	p.open = false
	p.connected = false
	p.utilMode = UtilModeNone
	p.pending = nil
	p.connID = -1
	p.conn = nil
	p.signalLocked()
	return conn
}

// IsOpen returns true if the port is open
func (t *PortTable) IsOpen(id int) bool {
	p := t.peek(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// SetUtilMode sets the port's utility mode. Any mode other than UtilModeNone
// requires the port to be open.
func (t *PortTable) SetUtilMode(id int, mode UtilMode) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if mode != UtilModeNone && !p.open {
		return t.logger.Errorf("port %d: cannot set util mode %s on a closed port", id, mode)
	}
	p.utilMode = mode
	return nil
}

// UtilMode returns the port's utility mode
func (t *PortTable) UtilMode(id int) UtilMode {
	p := t.peek(id)
	if p == nil {
		return UtilModeNone
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilMode
}

// WriteToHost appends bytes to the port's queue for the legacy host, in
// order. This is the only path from TCP to the host.
func (t *PortTable) WriteToHost(id int, data ...byte) error {
	if len(data) == 0 {
		return nil
	}
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.pending = append(p.pending, data...)
	p.signalLocked()
	p.mu.Unlock()
	return nil
}

// WriteStringToHost queues a text message for the legacy host
func (t *PortTable) WriteStringToHost(id int, s string) error {
	return t.WriteToHost(id, []byte(s)...)
}

// ReadFromPort removes and returns up to max queued bytes, oldest first. It is
// the legacy host's side of the queue.
func (t *PortTable) ReadFromPort(id int, max int) []byte {
	p := t.peek(id)
	if p == nil || max <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, p.pending[:n])
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	p.signalLocked()
	return out
}

// BytesWaiting returns the number of bytes queued for the legacy host
func (t *PortTable) BytesWaiting(id int) int {
	p := t.peek(id)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// WaitDrained blocks until the port's queue is empty or the port is closed
// (returning true), or until grace elapses or ctx is done (returning false).
// It wakes on the drained signal and rechecks every poll interval regardless.
func (t *PortTable) WaitDrained(ctx context.Context, id int, poll time.Duration, grace time.Duration) bool {
	p := t.peek(id)
	if p == nil {
		return true
	}
	if poll <= 0 {
		poll = DefaultDrainPollInterval
	}
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		n := len(p.pending)
		done := !p.open || n == 0
		drained := p.drained
		p.mu.Unlock()
		if done {
			return true
		}
		t.logger.TLogf("port %d: %d bytes left", id, n)
		select {
		case <-drained:
		case <-ticker.C:
		case <-deadline.C:
			t.logger.DLogf("port %d: gave up waiting for %d bytes to drain", id, n)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// await waits until the channel picked from the port is closed, returning
// false if timeout passes or ctx is done first. A null port has nothing to
// wait for.
func (t *PortTable) await(ctx context.Context, id int, timeout time.Duration, pick func(p *Port) chan struct{}) bool {
	p := t.peek(id)
	if p == nil {
		return true
	}
	p.mu.Lock()
	ch := pick(p)
	p.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitUnbound blocks until no connection is bound to the port. It returns
// false if timeout passes or ctx is done first.
func (t *PortTable) WaitUnbound(ctx context.Context, id int, timeout time.Duration) bool {
	return t.await(ctx, id, timeout, func(p *Port) chan struct{} { return p.unbound })
}

// WaitDisconnected blocks until the port's connection is marked
// disconnected. It returns false if timeout passes or ctx is done first.
func (t *PortTable) WaitDisconnected(ctx context.Context, id int, timeout time.Duration) bool {
	return t.await(ctx, id, timeout, func(p *Port) chan struct{} { return p.idle })
}

// MarkConnected records that the port has a live connection
func (t *PortTable) MarkConnected(id int) error {
	return t.setConnected(id, true)
}

// MarkDisconnected records that the port's connection has ended. The port
// stays open.
func (t *PortTable) MarkDisconnected(id int) error {
	return t.setConnected(id, false)
}

func (t *PortTable) setConnected(id int, connected bool) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = connected
	p.signalLocked()
	p.mu.Unlock()
	return nil
}

// IsConnected returns true between MarkConnected and MarkDisconnected
func (t *PortTable) IsConnected(id int) bool {
	p := t.peek(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// BindConn binds connection connID and its socket to the port. It fails with
// ErrPortBusy if a different connection is bound, which keeps at most one
// connection per port.
func (t *PortTable) BindConn(id int, connID int, conn net.Conn) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connID >= 0 && p.connID != connID {
		return t.logger.Errorf("port %d bound to conn #%d, refusing conn #%d: %w", id, p.connID, connID, ErrPortBusy)
	}
	p.connID = connID
	p.conn = conn
	p.signalLocked()
	return nil
}

// UnbindConn drops the binding if connID is still the bound connection
func (t *PortTable) UnbindConn(id int, connID int) {
	p := t.peek(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connID == connID {
		p.connID = -1
		p.conn = nil
		p.signalLocked()
	}
}

// SetConn records the bound connection id without touching the socket
func (t *PortTable) SetConn(id int, connID int) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connID = connID
	p.signalLocked()
	p.mu.Unlock()
	return nil
}

// Conn returns the bound connection id, or -1
func (t *PortTable) Conn(id int) int {
	p := t.peek(id)
	if p == nil {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connID
}

// SetPortChannel sets or (with nil) clears the socket associated with the port
func (t *PortTable) SetPortChannel(id int, conn net.Conn) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

// PortChannel returns the socket associated with the port, or nil
func (t *PortTable) PortChannel(id int) net.Conn {
	p := t.peek(id)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// WriteToConn sends host bytes out through the port's socket. This is the
// host-to-TCP half of the relay.
func (t *PortTable) WriteToConn(id int, data []byte) (int, error) {
	conn := t.PortChannel(id)
	if conn == nil {
		return 0, t.logger.Errorf("port %d has no connection: %w", id, ErrConnNotValid)
	}
	return conn.Write(data)
}

// SetFlowChars sets the interrupt (PD.INT) and quit (PD.QUT) characters
func (t *PortTable) SetFlowChars(id int, intr byte, quit byte) error {
	p, err := t.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.pdInt = intr
	p.pdQut = quit
	p.mu.Unlock()
	return nil
}

// FlowInterrupt returns true if the port's PD.INT flag is set
func (t *PortTable) FlowInterrupt(id int) bool {
	intr, _ := t.flowChars(id)
	return intr != 0
}

// FlowQuiet returns true if the port's PD.QUT flag is set
func (t *PortTable) FlowQuiet(id int) bool {
	_, quit := t.flowChars(id)
	return quit != 0
}

func (t *PortTable) flowChars(id int) (byte, byte) {
	p := t.peek(id)
	if p == nil {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pdInt, p.pdQut
}

// Snapshot copies a port's state. ok is false for a null or invalid port.
func (t *PortTable) Snapshot(id int) (snap PortSnapshot, ok bool) {
	p := t.peek(id)
	if p == nil {
		return snap, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap = PortSnapshot{
		ID:           id,
		Open:         p.open,
		Opens:        p.opens,
		Connected:    p.connected,
		UtilMode:     p.utilMode,
		BytesWaiting: len(p.pending),
		ConnID:       p.connID,
		PDInt:        p.pdInt,
		PDQut:        p.pdQut,
	}
	if p.conn != nil {
		snap.PeerAddr = p.conn.RemoteAddr()
	}
	return snap, true
}
