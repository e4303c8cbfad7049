package vport

import (
	"sync"
	"time"

	"github.com/sammck-go/dwvport/share"
	"go.bug.st/serial"
	"go.uber.org/atomic"
)

type serialPort interface {
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openSerialPort is replaced in tests
var openSerialPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// SerialDevice is a Device on a local serial line. The line is opened lazily
// and reopened after an error.
type SerialDevice struct {
	logger    dwshare.Logger
	name      string
	mode      *serial.Mode
	logBytes  bool
	timeout   time.Duration
	bytesRead atomic.Int64
	closed    atomic.Bool

	mu   sync.Mutex
	port serialPort
}

// NewSerialDevice creates a SerialDevice for the named line at 8N1
func NewSerialDevice(logger dwshare.Logger, name string, baud int, logBytes bool) *SerialDevice {
	if baud <= 0 {
		baud = 115200
	}
	return &SerialDevice{
		logger: logger.Fork("serial device %s", name),
		name:   name,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		logBytes: logBytes,
		timeout:  AcceptTimeout,
	}
}

func (d *SerialDevice) ensureOpen() serialPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil || d.closed.Load() {
		return d.port
	}
	p, err := openSerialPort(d.name, d.mode)
	if err != nil {
		d.logger.ELogf("open failed: %s", err)
		return nil
	}
	if err := p.SetReadTimeout(d.timeout); err != nil {
		d.logger.WLogf("cannot set read timeout: %s", err)
	}
	d.logger.ILogf("opened at %d baud", d.mode.BaudRate)
	d.port = p
	return p
}

func (d *SerialDevice) drop(p serialPort) {
	d.mu.Lock()
	if d.port == p {
		d.port = nil
	}
	d.mu.Unlock()
	p.Close()
}

// Read1 reads one byte, returning -1 if none arrives within the read timeout
// or the line cannot be opened
func (d *SerialDevice) Read1() int {
	p := d.ensureOpen()
	if p == nil {
		if !d.closed.Load() {
			time.Sleep(d.timeout)
		}
		return -1
	}
	var buf [1]byte
	n, err := p.Read(buf[:])
	if err != nil {
		if !d.closed.Load() {
			d.logger.WLogf("read failed: %s", err)
		}
		d.drop(p)
		return -1
	}
	if n == 0 {
		return -1
	}
	d.bytesRead.Inc()
	if d.logBytes {
		d.logger.DLogf("read byte %d", buf[0])
	}
	return int(buf[0])
}

// ReadN reads n bytes. A failed read is stored as 0xff.
func (d *SerialDevice) ReadN(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(d.Read1())
	}
	return buf
}

// Write1 sends one byte
func (d *SerialDevice) Write1(b byte) {
	d.WriteN([]byte{b})
}

// WriteN sends bytes, dropping them if the line is not open
func (d *SerialDevice) WriteN(data []byte) {
	p := d.ensureOpen()
	if p == nil {
		d.logger.DLogf("line not open, dropping %d bytes", len(data))
		return
	}
	if _, err := p.Write(data); err != nil {
		d.logger.ELogf("write failed: %s", err)
		d.drop(p)
		return
	}
	if d.logBytes {
		d.logger.DLogf("wrote % x", data)
	}
}

// Connected returns true while the line is open
func (d *SerialDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

// DeviceName returns the line's device path
func (d *SerialDevice) DeviceName() string {
	return d.name
}

// DeviceType returns "serial"
func (d *SerialDevice) DeviceType() string {
	return "serial"
}

// Client is always empty for a serial line
func (d *SerialDevice) Client() string {
	return ""
}

// BytesRead returns the number of bytes read
func (d *SerialDevice) BytesRead() int64 {
	return d.bytesRead.Load()
}

// Close closes the line
func (d *SerialDevice) Close() error {
	d.closed.Store(true)
	d.mu.Lock()
	p := d.port
	d.port = nil
	d.mu.Unlock()
	if p != nil {
		return p.Close()
	}
	return nil
}
