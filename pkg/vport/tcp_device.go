package vport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/dwvport/share"
	"go.uber.org/atomic"
)

// Device is the physical transport between an Instance and its legacy host.
//
// Read1 returns the next byte as 0..255, or -1 if no byte could be read: no
// client arrived within the accept timeout, the client dropped, or an I/O
// error occurred. A -1 never ends the device; the caller simply retries.
type Device interface {
	Read1() int
	ReadN(n int) []byte
	Write1(b byte)
	WriteN(data []byte)
	Connected() bool
	DeviceName() string
	DeviceType() string
	Client() string
	BytesRead() int64
	Close() error
}

// TCPDevice is a Device that accepts a single client on a TCP port. The client
// is accepted lazily by Read1, one bounded attempt at a time.
type TCPDevice struct {
	logger        dwshare.Logger
	listener      *net.TCPListener
	acceptTimeout time.Duration
	logBytes      bool
	bytesRead     atomic.Int64
	bytesWritten  atomic.Int64
	closed        atomic.Bool

	mu         sync.Mutex
	client     net.Conn
	clientAddr string
	clientName string

	writeMu sync.Mutex
}

// NewTCPDevice binds the device's listening socket. logBytes enables a debug
// record for every byte moved.
func NewTCPDevice(logger dwshare.Logger, listenAddress string, tcpPort int, logBytes bool) (*TCPDevice, error) {
	return newTCPDevice(logger, listenAddress, tcpPort, logBytes, AcceptTimeout)
}

func newTCPDevice(logger dwshare.Logger, listenAddress string, tcpPort int, logBytes bool, acceptTimeout time.Duration) (*TCPDevice, error) {
	addr := net.JoinHostPort(listenAddress, strconv.Itoa(tcpPort))
	logger = logger.Fork("tcp device %s", addr)
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, logger.Errorf("listen: %w", err)
	}
	logger.ILogf("waiting for client on %s", ln.Addr())
	return &TCPDevice{
		logger:        logger,
		listener:      ln.(*net.TCPListener),
		acceptTimeout: acceptTimeout,
		logBytes:      logBytes,
	}, nil
}

// Addr returns the address the device listens on
func (d *TCPDevice) Addr() net.Addr {
	return d.listener.Addr()
}

func (d *TCPDevice) currentClient() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// acceptClient makes one accept attempt bounded by the accept timeout
func (d *TCPDevice) acceptClient() net.Conn {
	if d.closed.Load() {
		return nil
	}
	d.listener.SetDeadline(time.Now().Add(d.acceptTimeout))
	conn, err := d.listener.AcceptTCP()
	if err != nil {
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			d.logger.TLogf("no client within %s", d.acceptTimeout)
		case d.closed.Load() || errors.Is(err, net.ErrClosed):
		default:
			d.logger.ELogf("accept failed: %s", err)
		}
		return nil
	}
	conn.SetNoDelay(true)
	conn.SetDeadline(time.Time{})

	ip := remoteIP(conn)
	name := lookupHostName(ip)
	d.mu.Lock()
	d.client = conn
	d.clientAddr = ip
	d.clientName = name
	d.mu.Unlock()
	d.logger.ILogf("new client connected from %s (%s)", name, ip)
	return conn
}

// lookupHostName does a short reverse lookup, falling back to the address
func lookupHostName(ip string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	return strings.TrimSuffix(names[0], ".")
}

func (d *TCPDevice) dropClient(conn net.Conn) {
	d.mu.Lock()
	if d.client == conn {
		d.client = nil
		d.clientAddr = ""
		d.clientName = ""
	}
	d.mu.Unlock()
	conn.Close()
	d.logger.ILogf("client closed (read %s, wrote %s)",
		sizestr.ToString(d.bytesRead.Load()), sizestr.ToString(d.bytesWritten.Load()))
}

// Read1 reads one byte from the client, accepting a client first if there is
// none. It returns -1 if there is nothing to read.
func (d *TCPDevice) Read1() int {
	conn := d.currentClient()
	if conn == nil {
		if conn = d.acceptClient(); conn == nil {
			return -1
		}
	}
	var buf [1]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			d.logger.ILogf("client disconnected")
		} else if !d.closed.Load() {
			d.logger.WLogf("read failed: %s", err)
		}
		d.dropClient(conn)
		return -1
	}
	d.bytesRead.Inc()
	if d.logBytes {
		d.logger.DLogf("read byte %d", buf[0])
	}
	return int(buf[0])
}

// ReadN reads n bytes. A failed read is stored as 0xff.
func (d *TCPDevice) ReadN(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(d.Read1())
	}
	if d.logBytes {
		d.logger.DLogf("read %d bytes: % x", n, buf)
	}
	return buf
}

// Write1 sends one byte to the client
func (d *TCPDevice) Write1(b byte) {
	d.WriteN([]byte{b})
}

// WriteN sends bytes to the client. Without a client the bytes are dropped.
func (d *TCPDevice) WriteN(data []byte) {
	conn := d.currentClient()
	if conn == nil {
		d.logger.WLogf("no client, dropping %d bytes", len(data))
		return
	}
	d.writeMu.Lock()
	n, err := conn.Write(data)
	d.writeMu.Unlock()
	d.bytesWritten.Add(int64(n))
	if err != nil {
		d.logger.ELogf("write failed: %s", err)
		d.dropClient(conn)
		return
	}
	if d.logBytes {
		d.logger.DLogf("wrote %d bytes: % x", n, data)
	}
}

// Connected returns true while a client is attached
func (d *TCPDevice) Connected() bool {
	return d.currentClient() != nil
}

// DeviceName returns "listen:" and the TCP port
func (d *TCPDevice) DeviceName() string {
	return fmt.Sprintf("listen:%d", d.listener.Addr().(*net.TCPAddr).Port)
}

// DeviceType returns "tcp"
func (d *TCPDevice) DeviceType() string {
	return "tcp"
}

// Client returns the client's host name, or "" with no client
func (d *TCPDevice) Client() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientName
}

// BytesRead returns the number of bytes read from all clients
func (d *TCPDevice) BytesRead() int64 {
	return d.bytesRead.Load()
}

// Close closes the client and the listening socket
func (d *TCPDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if conn := d.currentClient(); conn != nil {
		d.dropClient(conn)
	}
	return d.listener.Close()
}
