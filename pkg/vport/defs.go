// Package vport multiplexes the single physical line of a legacy host into
// virtual ports, each of which can be bridged to a TCP listener or to an
// outbound TCP connection.
//
// An Instance owns one physical transport Device, the PortTable, and the
// ConnPool. PortListeners accept TCP clients for a port, optionally run a
// TelnetPreflight, and hand each connection to a DataPump that relays its
// bytes into the port's queue for the legacy host.
package vport

import (
	"errors"
	"time"
)

const (
	// DefaultMaxPorts is the number of virtual port slots when not configured
	DefaultMaxPorts = 256

	// DefaultPoolCapacity is the connection pool size when not configured
	DefaultPoolCapacity = 256

	// AcceptTimeout bounds each accept attempt on the physical transport device
	AcceptTimeout = 5 * time.Second

	// DefaultDrainPollInterval is the fallback recheck interval while a pump
	// waits for a port's queue to empty
	DefaultDrainPollInterval = 100 * time.Millisecond

	// DefaultDrainGrace is the longest a pump waits for a port's queue to empty
	// before closing the port anyway
	DefaultDrainGrace = 30 * time.Second

	// DefaultPreflightTimeout bounds the telnet option exchange
	DefaultPreflightTimeout = 333 * time.Millisecond

	// DefaultBanner is written to banner-enabled connections; %d is the virtual port
	DefaultBanner = "DriveWire virtual port %d\r\n"
)

// Result codes carried in utility responses back to the legacy host
const (
	RCNetIOError   byte = 241
	RCPoolFull     byte = 242
	RCNetNoConnect byte = 243
)

const (
	charNUL = 0
	charLF  = 10
	charCR  = 13
)

var (
	// ErrPortNotValid is returned for a virtual port id outside the table
	ErrPortNotValid = errors.New("virtual port not valid")

	// ErrConnNotValid is returned for a connection id outside the pool or not in use
	ErrConnNotValid = errors.New("connection not valid")

	// ErrPoolFull is returned by ConnPool.AddConn when every slot is in use
	ErrPoolFull = errors.New("connection pool full")

	// ErrPortBusy is returned when a port already has a bound connection
	ErrPortBusy = errors.New("virtual port already has a connection")

	// ErrModeUnsupported is returned for the retired HTTP connection mode
	ErrModeUnsupported = errors.New("connection mode not supported")
)

// UtilMode is the per-port operating mode
type UtilMode int

const (
	UtilModeNone UtilMode = iota
	UtilModeTCPListen
	UtilModeTCPIn
	UtilModeTCPOut
	UtilModeTelnet
	UtilModeTerm
)

var utilModeNames = [...]string{"none", "tcplisten", "tcpin", "tcpout", "telnet", "term"}

// Code returns the numeric code used in status output
func (m UtilMode) Code() int {
	return int(m)
}

func (m UtilMode) String() string {
	if m < UtilModeNone || int(m) >= len(utilModeNames) {
		return "unknown"
	}
	return utilModeNames[m]
}

// ConnMode is the relay mode of a pooled connection
type ConnMode int

const (
	// ConnModeRaw passes every byte through untouched
	ConnModeRaw ConnMode = 0

	// ConnModeTelnet filters CR/LF pairs when the port's flow flags ask for it
	ConnModeTelnet ConnMode = 1

	// ConnModeHTTP is retired. Listeners configured with it drop connections.
	ConnModeHTTP ConnMode = 2

	// ConnModeTerm is the interactive terminal mode. Its pump keeps running
	// when the port is closed and never closes the port on exit.
	ConnModeTerm ConnMode = 3
)

func (m ConnMode) String() string {
	switch m {
	case ConnModeRaw:
		return "raw"
	case ConnModeTelnet:
		return "telnet"
	case ConnModeHTTP:
		return "http"
	case ConnModeTerm:
		return "term"
	default:
		return "unknown"
	}
}

// ParseConnMode converts a configuration string to a ConnMode
func ParseConnMode(s string) (ConnMode, error) {
	switch s {
	case "", "raw":
		return ConnModeRaw, nil
	case "telnet":
		return ConnModeTelnet, nil
	case "term":
		return ConnModeTerm, nil
	case "http":
		return ConnModeHTTP, ErrModeUnsupported
	default:
		return ConnModeRaw, errors.New("unknown connection mode: " + s)
	}
}

// filtersLineEndings returns true for the interactive modes that may drop
// the byte after a CR
func (m ConnMode) filtersLineEndings() bool {
	return m == ConnModeTelnet || m == ConnModeTerm
}
