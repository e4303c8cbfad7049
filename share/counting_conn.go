package dwshare

import (
	"net"

	"go.uber.org/atomic"
)

// WriteHalfCloser is implemented by sockets that can shut down their write
// side alone, like net.TCPConn
type WriteHalfCloser interface {
	CloseWrite() error
}

// CountingConn is a net.Conn that counts the bytes moved in each direction
type CountingConn struct {
	net.Conn
	numBytesRead    atomic.Int64
	numBytesWritten atomic.Int64
}

// NewCountingConn wraps conn
func NewCountingConn(conn net.Conn) *CountingConn {
	return &CountingConn{Conn: conn}
}

// Read implements the Reader interface
func (c *CountingConn) Read(p []byte) (n int, err error) {
	n, err = c.Conn.Read(p)
	c.numBytesRead.Add(int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *CountingConn) Write(p []byte) (n int, err error) {
	n, err = c.Conn.Write(p)
	c.numBytesWritten.Add(int64(n))
	return n, err
}

// CloseWrite shuts down the write side if the wrapped socket supports it,
// and is a no-op otherwise
func (c *CountingConn) CloseWrite() error {
	if whc, ok := c.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}

// BytesRead returns the number of bytes read so far
func (c *CountingConn) BytesRead() int64 {
	return c.numBytesRead.Load()
}

// BytesWritten returns the number of bytes written so far
func (c *CountingConn) BytesWritten() int64 {
	return c.numBytesWritten.Load()
}
