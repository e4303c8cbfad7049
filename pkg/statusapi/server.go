// Package statusapi serves an instance's status over HTTP, with a websocket
// stream of port status for dashboards.
package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/dwvport/pkg/vport"
	"github.com/sammck-go/dwvport/share"
)

// Source is the instance being reported on
type Source interface {
	PortStatus() string
	PortSnapshots() []vport.PortSnapshot
	InstanceStatus() string
	InstanceStatusFields() [][2]string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the status HTTP surface
type Server struct {
	dwshare.ShutdownHelper
	src          Source
	pushInterval time.Duration
	router       *chi.Mux
	httpServer   *dwshare.HTTPServer
}

// NewServer creates a Server. pushInterval paces the websocket stream.
func NewServer(logger dwshare.Logger, src Source, pushInterval time.Duration) *Server {
	if pushInterval <= 0 {
		pushInterval = time.Second
	}
	logger = logger.Fork("status")
	s := &Server{
		src:          src,
		pushInterval: pushInterval,
		router:       chi.NewRouter(),
		httpServer:   dwshare.NewHTTPServer(logger.Fork("http")),
	}
	s.InitShutdownHelper(logger, s)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/portstatus", s.handlePortStatus)
	s.router.Get("/ports", s.handlePorts)
	s.router.Get("/ws/portstatus", s.handlePortStatusStream)
}

// Handler returns the HTTP handler, wrapped with request logging when debug
// logging is on
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.GetLogLevel() >= dwshare.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return h
}

// Start binds addr and serves in the background
func (s *Server) Start(ctx context.Context, addr string) error {
	return s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			if err := s.httpServer.Start(ctx, addr, s.Handler()); err != nil {
				return err
			}
			s.ILogf("listening on %s", s.httpServer.ListenAddr())
			return nil
		},
		true,
	)
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.httpServer.ListenAddr()
}

// HandleOnceShutdown stops the HTTP server
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.httpServer.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(s.src.InstanceStatus()))
}

func (s *Server) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(s.src.PortStatus()))
}

// portJSON is the JSON rendering of a port snapshot
type portJSON struct {
	ID           int    `json:"id"`
	Open         bool   `json:"open"`
	Opens        int    `json:"opens"`
	Connected    bool   `json:"connected"`
	UtilMode     string `json:"util_mode"`
	BytesWaiting int    `json:"bytes_waiting"`
	ConnID       int    `json:"conn_id"`
	Peer         string `json:"peer,omitempty"`
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	snaps := s.src.PortSnapshots()
	out := make([]portJSON, 0, len(snaps))
	for _, p := range snaps {
		pj := portJSON{
			ID:           p.ID,
			Open:         p.Open,
			Opens:        p.Opens,
			Connected:    p.Connected,
			UtilMode:     p.UtilMode.String(),
			BytesWaiting: p.BytesWaiting,
			ConnID:       p.ConnID,
		}
		if p.PeerAddr != nil {
			pj.Peer = p.PeerAddr.String()
		}
		out = append(out, pj)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.DLogf("encode ports: %s", err)
	}
}

// handlePortStatusStream upgrades to a websocket and sends the port status
// text whenever it changes, checking every push interval
func (s *Server) handlePortStatusStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	defer ws.Close()
	s.DLogf("port status stream opened for %s", r.RemoteAddr)

	// Reader loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(s.pushInterval)
	defer t.Stop()
	last := ""
	for {
		cur := s.src.PortStatus()
		if cur != last {
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(cur)); err != nil {
				s.DLogf("port status stream to %s ended: %s", r.RemoteAddr, err)
				return
			}
			last = cur
		}
		select {
		case <-gone:
			return
		case <-s.ShutdownStartedChan():
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}
}
