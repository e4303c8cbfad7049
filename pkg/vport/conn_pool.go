package vport

import (
	"net"
	"sync"
	"time"

	"github.com/sammck-go/dwvport/share"
)

// pooledConn is one occupied ConnPool slot
type pooledConn struct {
	conn   net.Conn
	mode   ConnMode
	port   int
	opened time.Time
}

// ConnPool is a capacity-bounded table of live TCP connections, indexed by
// connection id, plus the listening sockets registered for each port. A single
// mutex covers slot allocation and release, since listeners for different
// ports race to acquire slots.
type ConnPool struct {
	logger    dwshare.Logger
	mu        sync.Mutex
	slots     []*pooledConn
	listeners map[int][]net.Listener
}

// NewConnPool creates a ConnPool with a fixed number of slots
func NewConnPool(logger dwshare.Logger, capacity int) *ConnPool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &ConnPool{
		logger:    logger.Fork("pool"),
		slots:     make([]*pooledConn, capacity),
		listeners: make(map[int][]net.Listener),
	}
}

// Capacity returns the fixed number of connection slots
func (p *ConnPool) Capacity() int {
	return len(p.slots)
}

// Len returns the number of slots in use
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// AddListener registers a listening socket against a port so that closing the
// port or the instance can close it.
func (p *ConnPool) AddListener(port int, l net.Listener) {
	p.mu.Lock()
	p.listeners[port] = append(p.listeners[port], l)
	p.mu.Unlock()
	p.logger.DLogf("listener %s registered for port %d", l.Addr(), port)
}

// RemoveListener forgets a listening socket without closing it
func (p *ConnPool) RemoveListener(port int, l net.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.listeners[port]
	for i, x := range ls {
		if x == l {
			ls = append(ls[:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(p.listeners, port)
	} else {
		p.listeners[port] = ls
	}
}

// CloseListeners closes and forgets every listening socket registered for a
// port, returning how many were closed.
func (p *ConnPool) CloseListeners(port int) int {
	p.mu.Lock()
	ls := p.listeners[port]
	delete(p.listeners, port)
	p.mu.Unlock()

	for _, l := range ls {
		if err := l.Close(); err != nil {
			p.logger.DLogf("closing listener %s for port %d: %s", l.Addr(), port, err)
		}
	}
	return len(ls)
}

// ListenerAddrs returns the addresses of the listeners registered for a port
func (p *ConnPool) ListenerAddrs(port int) []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	var addrs []net.Addr
	for _, l := range p.listeners[port] {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// AddConn stores conn in the next free slot and returns its connection id. When
// every slot is in use it returns -1 and ErrPoolFull; the caller must then close
// conn itself. Existing connections are never evicted.
func (p *ConnPool) AddConn(port int, conn net.Conn, mode ConnMode) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s == nil {
			p.slots[i] = &pooledConn{
				conn:   conn,
				mode:   mode,
				port:   port,
				opened: time.Now(),
			}
			p.logger.DLogf("conn #%d added for port %d (%s, %s)", i, port, mode, conn.RemoteAddr())
			return i, nil
		}
	}
	return -1, p.logger.Errorf("no free slot of %d for port %d: %w", len(p.slots), port, ErrPoolFull)
}

func (p *ConnPool) slot(id int) (*pooledConn, error) {
	if id < 0 || id >= len(p.slots) {
		return nil, p.logger.Errorf("conn #%d: %w", id, ErrConnNotValid)
	}
	s := p.slots[id]
	if s == nil {
		return nil, p.logger.Errorf("conn #%d not in use: %w", id, ErrConnNotValid)
	}
	return s, nil
}

// GetConn returns the socket stored for a connection id
func (p *ConnPool) GetConn(id int) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(id)
	if err != nil {
		return nil, err
	}
	return s.conn, nil
}

// GetMode returns the relay mode of a connection
func (p *ConnPool) GetMode(id int) (ConnMode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(id)
	if err != nil {
		return ConnModeRaw, err
	}
	return s.mode, nil
}

// SetConnPort records the virtual port a connection serves
func (p *ConnPool) SetConnPort(id int, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(id)
	if err != nil {
		return err
	}
	s.port = port
	return nil
}

// ConnPort returns the virtual port a connection serves
func (p *ConnPool) ConnPort(id int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(id)
	if err != nil {
		return -1, err
	}
	return s.port, nil
}

// ClearConn releases a slot for reuse. It does not close the socket. Clearing
// a free slot is a no-op.
func (p *ConnPool) ClearConn(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.slots) {
		return p.logger.Errorf("clear conn #%d: %w", id, ErrConnNotValid)
	}
	if s := p.slots[id]; s != nil {
		p.logger.DLogf("conn #%d cleared (port %d, up %s)", id, s.port, time.Since(s.opened).Round(time.Millisecond))
		p.slots[id] = nil
	}
	return nil
}

// CloseAll closes every listener and pooled socket. Slots are left for their
// pumps to clear.
func (p *ConnPool) CloseAll() {
	p.mu.Lock()
	var ls []net.Listener
	for _, pl := range p.listeners {
		ls = append(ls, pl...)
	}
	p.listeners = make(map[int][]net.Listener)
	var conns []net.Conn
	for _, s := range p.slots {
		if s != nil {
			conns = append(conns, s.conn)
		}
	}
	p.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}
