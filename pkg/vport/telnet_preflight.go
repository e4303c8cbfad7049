package vport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/reiver/go-oi"
	"github.com/sammck-go/dwvport/share"
)

// Telnet protocol bytes
const (
	telnetIAC      = 255
	telnetDONT     = 254
	telnetDO       = 253
	telnetWONT     = 252
	telnetWILL     = 251
	telnetSB       = 250
	telnetSE       = 240
	telnetECHO     = 1
	telnetSGA      = 3
	telnetLINEMODE = 34
)

// telnetHello puts the client in character-at-a-time mode with the server
// echoing
var telnetHello = []byte{
	telnetIAC, telnetWILL, telnetECHO,
	telnetIAC, telnetWILL, telnetSGA,
	telnetIAC, telnetDONT, telnetLINEMODE,
}

// prefixConn is a net.Conn whose first reads return bytes consumed during
// negotiation
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// TelnetPreflight runs the optional telnet negotiation and banner for a newly
// accepted connection, then attaches it to the listener's port. It runs on its
// own worker so a slow client never stalls the accept loop.
type TelnetPreflight struct {
	dwshare.Logger
	inst    *Instance
	port    int
	conn    net.Conn
	cfg     ListenerConfig
	timeout time.Duration
	banner  string
}

func newTelnetPreflight(inst *Instance, logger dwshare.Logger, port int, conn net.Conn, cfg ListenerConfig) *TelnetPreflight {
	return &TelnetPreflight{
		Logger:  logger.Fork("preflight %s", conn.RemoteAddr()),
		inst:    inst,
		port:    port,
		conn:    conn,
		cfg:     cfg,
		timeout: inst.cfg.PreflightTimeout,
		banner:  inst.cfg.Banner,
	}
}

// Run negotiates, writes the banner, and attaches the connection. The
// connection is closed on failure.
func (pf *TelnetPreflight) Run() {
	defer pf.inst.untrackPending(pf.conn)
	conn := pf.conn
	mode := pf.cfg.Mode
	if pf.cfg.Telnet {
		early, err := pf.negotiate()
		if err != nil {
			pf.WLogf("telnet negotiation failed: %s", err)
			conn.Close()
			return
		}
		if len(early) > 0 {
			pf.DLogf("%d data bytes arrived during negotiation", len(early))
			conn = &prefixConn{Conn: conn, r: io.MultiReader(bytes.NewReader(early), pf.conn)}
		}
		mode = ConnModeTelnet
	}
	if pf.cfg.Banner {
		if _, err := oi.LongWrite(pf.conn, []byte(fmt.Sprintf(pf.banner, pf.port))); err != nil {
			pf.WLogf("banner write failed: %s", err)
			conn.Close()
			return
		}
	}
	if pf.inst.IsStartedShutdown() {
		conn.Close()
		return
	}
	connID, err := pf.inst.attach(pf.port, conn, mode, UtilModeTCPIn)
	if err != nil {
		if errors.Is(err, ErrPoolFull) {
			pf.ELogf("connection pool full, dropping connection")
		} else {
			pf.WLogf("dropping connection: %s", err)
		}
		return
	}
	pf.inst.announceConnection(pf.port, connID, conn)
}

// negotiate sends the opening options and consumes the client's replies until
// the preflight timeout expires. Data bytes seen in between
// are returned so they can be relayed in order.
func (pf *TelnetPreflight) negotiate() ([]byte, error) {
	if _, err := oi.LongWrite(pf.conn, telnetHello); err != nil {
		return nil, err
	}
	defer pf.conn.SetReadDeadline(time.Time{})

	var early []byte
	var cmd, opt byte
	state := 0
	buf := make([]byte, 64)
	pf.conn.SetReadDeadline(time.Now().Add(pf.timeout))
	for {
		n, err := pf.conn.Read(buf)
		for _, b := range buf[:n] {
			switch state {
			case 0:
				if b == telnetIAC {
					state = 1
				} else {
					early = append(early, b)
				}
			case 1:
				switch b {
				case telnetIAC:
					early = append(early, b)
					state = 0
				case telnetWILL, telnetWONT, telnetDO, telnetDONT:
					cmd = b
					state = 2
				case telnetSB:
					state = 3
				default:
					state = 0
				}
			case 2:
				opt = b
				pf.TLogf("client %d %d", cmd, opt)
				if reply := telnetRefusal(cmd, opt); reply != nil {
					if _, werr := oi.LongWrite(pf.conn, reply); werr != nil {
						return nil, werr
					}
				}
				state = 0
			case 3:
				if b == telnetIAC {
					state = 4
				}
			case 4:
				if b == telnetSE {
					state = 0
				} else {
					state = 3
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return early, nil
			}
			return nil, err
		}
	}
}

// telnetRefusal answers a client request for an option we did not offer.
// Replies to our own requests need no answer.
func telnetRefusal(cmd byte, opt byte) []byte {
	switch cmd {
	case telnetDO:
		if opt != telnetECHO && opt != telnetSGA {
			return []byte{telnetIAC, telnetWONT, opt}
		}
	case telnetWILL:
		if opt != telnetSGA && opt != telnetLINEMODE {
			return []byte{telnetIAC, telnetDONT, opt}
		}
	}
	return nil
}
