package vport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sammck-go/dwvport/share"
	"github.com/sourcegraph/conc"
)

// OutboundConfig controls outbound connections made with Instance.Connect
type OutboundConfig struct {
	// DialTimeout bounds each dial attempt
	DialTimeout time.Duration

	// MaxRetries is the number of redials after the first failure
	MaxRetries int

	// MaxRetryInterval caps the backoff between dial attempts
	MaxRetryInterval time.Duration

	// Proxy is an optional proxy URL, e.g. socks5://host:1080
	Proxy string
}

// InstanceConfig holds the sizing and timing knobs of an Instance
type InstanceConfig struct {
	Num               int
	Name              string
	MaxPorts          int
	PoolCapacity      int
	ListenAddress     string
	DrainPollInterval time.Duration
	DrainGrace        time.Duration
	PreflightTimeout  time.Duration
	Banner            string
	Outbound          OutboundConfig
}

func (c *InstanceConfig) setDefaults() {
	if c.MaxPorts <= 0 {
		c.MaxPorts = DefaultMaxPorts
	}
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = DefaultPoolCapacity
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = DefaultDrainPollInterval
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.PreflightTimeout <= 0 {
		c.PreflightTimeout = DefaultPreflightTimeout
	}
	if c.Banner == "" {
		c.Banner = DefaultBanner
	}
	if c.Outbound.DialTimeout <= 0 {
		c.Outbound.DialTimeout = 10 * time.Second
	}
	if c.Outbound.MaxRetryInterval <= 0 {
		c.Outbound.MaxRetryInterval = 5 * time.Second
	}
}

// Option customizes an Instance
type Option func(*Instance)

// WithDevice attaches the physical transport device. The instance closes it
// on shutdown.
func WithDevice(dev Device) Option {
	return func(inst *Instance) {
		inst.device = dev
	}
}

// WithEventSink sets where port lifecycle events are published
func WithEventSink(sink EventSink) Option {
	return func(inst *Instance) {
		if sink != nil {
			inst.events = sink
		}
	}
}

// Instance is one DriveWire instance: a device, its virtual port table, and the
// TCP connection pool shared by every port. All state that was once global
// hangs off an Instance, so several can run in one process.
type Instance struct {
	dwshare.ShutdownHelper
	cfg       InstanceConfig
	runID     string
	started   time.Time
	ports     *PortTable
	pool      *ConnPool
	device    Device
	events    EventSink
	connStats dwshare.ConnStats

	// ctx is cancelled when shutdown starts; it bounds drains and redials
	ctx    context.Context
	cancel context.CancelFunc

	workers conc.WaitGroup

	mu        sync.Mutex
	closing   bool
	listeners map[*PortListener]struct{}
	// pending holds accepted sockets not yet handed to a pump
	pending   map[net.Conn]struct{}
}

// NewInstance creates an Instance
func NewInstance(logger dwshare.Logger, cfg InstanceConfig, opts ...Option) *Instance {
	cfg.setDefaults()
	if cfg.Name == "" {
		cfg.Name = "dw" + strconv.Itoa(cfg.Num)
	}
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		cfg:       cfg,
		runID:     uuid.NewString(),
		started:   time.Now(),
		events:    nopSink{},
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[*PortListener]struct{}),
		pending:   make(map[net.Conn]struct{}),
	}
	ilogger := logger.Fork("instance %d", cfg.Num)
	inst.InitShutdownHelper(ilogger, inst)
	inst.ports = NewPortTable(ilogger, cfg.MaxPorts)
	inst.pool = NewConnPool(ilogger, cfg.PoolCapacity)
	for _, opt := range opts {
		opt(inst)
	}
	inst.DLogf("created (run %s, %d ports, pool of %d)", inst.runID, cfg.MaxPorts, cfg.PoolCapacity)
	return inst
}

// Config returns the instance configuration with defaults applied
func (inst *Instance) Config() InstanceConfig {
	return inst.cfg
}

// RunID identifies this run of the instance in published events
func (inst *Instance) RunID() string {
	return inst.runID
}

// Ports returns the virtual port table
func (inst *Instance) Ports() *PortTable {
	return inst.ports
}

// Pool returns the connection pool
func (inst *Instance) Pool() *ConnPool {
	return inst.pool
}

// Device returns the physical transport device, or nil
func (inst *Instance) Device() Device {
	return inst.device
}

// ConnStats returns the instance's connection counters
func (inst *Instance) ConnStats() *dwshare.ConnStats {
	return &inst.connStats
}

// Context is cancelled when the instance begins shutting down
func (inst *Instance) Context() context.Context {
	return inst.ctx
}

// SetEventSink replaces the event sink. It must be called before any listener
// or connection is started.
func (inst *Instance) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = nopSink{}
	}
	inst.events = sink
}

// publish delivers an event to the sink. Failures are logged and otherwise
// ignored.
func (inst *Instance) publish(ev Event) {
	ev.Instance = inst.cfg.Num
	ev.RunID = inst.runID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inst.events.Publish(ctx, ev); err != nil {
		inst.DLogf("port %d: %s event not delivered: %s", ev.Port, ev.Type, err)
	}
}

// goWorker runs f on the instance's worker group, unless the instance is
// shutting down
func (inst *Instance) goWorker(f func()) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closing {
		return false
	}
	inst.workers.Go(f)
	return true
}

// StartListener binds a TCP listener for a virtual port and starts accepting
// on it. A bind failure is reported to the event sink and returned; it does
// not affect other ports.
func (inst *Instance) StartListener(port int, cfg ListenerConfig) (*PortListener, error) {
	if !inst.ports.Valid(port) {
		return nil, inst.Errorf("listen on port %d: %w", port, ErrPortNotValid)
	}
	if cfg.Mode == ConnModeHTTP {
		inst.WLogf("port %d: listener configured for http mode, which is no longer supported; connections will be dropped", port)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = inst.cfg.ListenAddress
	}
	l := newPortListener(inst, port, cfg)
	if err := l.Listen(); err != nil {
		return nil, err
	}
	inst.mu.Lock()
	if inst.closing {
		inst.mu.Unlock()
		l.Shutdown(nil)
		return nil, inst.Errorf("listen on port %d: instance is shutting down", port)
	}
	inst.listeners[l] = struct{}{}
	inst.workers.Go(l.Serve)
	inst.mu.Unlock()
	return l, nil
}

func (inst *Instance) forgetListener(l *PortListener) {
	inst.mu.Lock()
	delete(inst.listeners, l)
	inst.mu.Unlock()
}

func (inst *Instance) trackPending(conn net.Conn) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closing {
		return false
	}
	inst.pending[conn] = struct{}{}
	return true
}

func (inst *Instance) untrackPending(conn net.Conn) {
	inst.mu.Lock()
	delete(inst.pending, conn)
	inst.mu.Unlock()
}

// attach stores conn in the pool and starts a DataPump relaying it into port.
// On any failure the socket is closed and the slot released.
func (inst *Instance) attach(port int, conn net.Conn, mode ConnMode, utilMode UtilMode) (int, error) {
	if mode == ConnModeHTTP {
		conn.Close()
		return -1, inst.Errorf("port %d: %w", port, ErrModeUnsupported)
	}
	connID, err := inst.pool.AddConn(port, conn, mode)
	if err != nil {
		conn.Close()
		inst.connStats.Reject()
		inst.publish(Event{
			Type:     EventRejected,
			Port:     port,
			ConnID:   -1,
			PeerAddr: remoteIP(conn),
			Code:     RCPoolFull,
			Message:  err.Error(),
		})
		return -1, err
	}
	err = inst.awaitPort(port)
	var pump *DataPump
	if err == nil {
		pump, err = newDataPump(inst, port, connID, utilMode)
	}
	if err == nil {
		err = pump.Start()
	}
	if err != nil {
		conn.Close()
		inst.pool.ClearConn(connID)
		return -1, err
	}
	inst.connStats.New()
	inst.connStats.Open()

	inst.mu.Lock()
	closing := inst.closing
	if !closing {
		inst.AddShutdownChild(pump)
	}
	inst.mu.Unlock()
	if closing {
		pump.StartShutdown(nil)
	}
	return connID, nil
}

// awaitPort holds a new connection for a port that another connection still
// owns. If that connection has ended, or ends within one poll interval (its
// pump may not have seen the EOF yet), the new one waits up to the drain grace
// for the port to be released. A live owner keeps the port and the new
// connection gets ErrPortBusy.
func (inst *Instance) awaitPort(port int) error {
	ports := inst.ports
	owner := ports.Conn(port)
	if owner < 0 {
		return nil
	}
	if !ports.WaitDisconnected(inst.ctx, port, inst.cfg.DrainPollInterval) {
		return inst.Errorf("port %d in use by conn #%d: %w", port, owner, ErrPortBusy)
	}
	inst.DLogf("port %d: waiting for conn #%d to release it", port, owner)
	if !ports.WaitUnbound(inst.ctx, port, inst.cfg.DrainGrace) {
		return inst.Errorf("port %d not released by conn #%d within %s: %w", port, owner, inst.cfg.DrainGrace, ErrPortBusy)
	}
	return nil
}

// IsPortBusy returns true if a connection is bound to the port
func (inst *Instance) IsPortBusy(port int) bool {
	return inst.ports.Conn(port) >= 0
}

// announceConnection publishes a Connected event for a freshly attached
// connection
func (inst *Instance) announceConnection(port int, connID int, conn net.Conn) {
	localPort := 0
	if a, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		localPort = a.Port
	}
	inst.publish(Event{
		Type:      EventConnected,
		Port:      port,
		ConnID:    connID,
		LocalPort: localPort,
		PeerAddr:  remoteIP(conn),
	})
}

// ClosePort closes a virtual port from the host side: its queue is discarded,
// its bound connection is closed, and any listeners for it stop accepting.
func (inst *Instance) ClosePort(id int) error {
	if err := inst.ports.ClosePort(id); err != nil {
		return err
	}
	n := inst.pool.CloseListeners(id)
	inst.DLogf("port %d closed, %d listener(s) stopped", id, n)
	inst.publish(Event{Type: EventPortClosed, Port: id, ConnID: -1})
	return nil
}

// HandleOnceShutdown stops every listener and connection and closes the
// device. Pumps are children and are waited for after this returns.
func (inst *Instance) HandleOnceShutdown(completionErr error) error {
	inst.mu.Lock()
	inst.closing = true
	var ls []*PortListener
	for l := range inst.listeners {
		ls = append(ls, l)
	}
	var pf []net.Conn
	for c := range inst.pending {
		pf = append(pf, c)
	}
	inst.mu.Unlock()

	inst.cancel()
	for _, l := range ls {
		l.StartShutdown(completionErr)
	}
	for _, c := range pf {
		c.Close()
	}
	inst.pool.CloseAll()
	for id := 0; id < inst.ports.MaxPorts(); id++ {
		if !inst.ports.IsNull(id) {
			inst.ports.ClosePort(id)
		}
	}
	if inst.device != nil {
		if err := inst.device.Close(); err != nil {
			inst.DLogf("closing device: %s", err)
		}
	}
	inst.workers.Wait()
	inst.ILogf("shut down %s", inst.connStats.String())
	return completionErr
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (inst *Instance) String() string {
	return fmt.Sprintf("Instance(%d %q)", inst.cfg.Num, inst.cfg.Name)
}
