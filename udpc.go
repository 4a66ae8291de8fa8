package udpc

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/udpc/connection"
	"github.com/opd-ai/udpc/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Context is one bound UDP endpoint together with its connections.
type Context struct {
	id     uuid.UUID
	opts   Options
	logger *logrus.Logger
	log    *logrus.Entry
	clock  TimeProvider
	socket *transport.Socket

	protocolID      atomic.Uint32
	accept          atomic.Bool
	receivingEvents atomic.Bool
	lastError       atomic.Uint32
	loggingType     atomic.Uint32
	threaded        atomic.Bool
	destroyed       atomic.Bool

	// mu guards the table and every connection in it.
	mu      sync.Mutex
	table   *connection.Table
	timing  connection.Timing
	limiter *rate.Limiter

	events *eventQueue

	callbackMu     sync.RWMutex
	onConnected    ConnectedCallback
	onDisconnected DisconnectedCallback
	onReceived     ReceivedCallback

	workerMu sync.Mutex
	worker   *worker
}

// New creates a Context in polled mode. The caller drives it with Update
// and CheckEvents.
func New(opts *Options) (*Context, error) {
	return newContext(opts)
}

// NewThreaded creates a Context whose background worker runs the update
// tick every UpdateInterval. The caller only calls CheckEvents.
func NewThreaded(opts *Options) (*Context, error) {
	c, err := newContext(opts)
	if err != nil {
		return nil, err
	}
	if err := c.StartThreadedUpdate(c.opts.UpdateInterval); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

func newContext(options *Options) (*Context, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	opts := *options

	logger := newLogger(&opts)
	id := uuid.New()
	base := logger.WithField("context_id", id.String())

	var socket *transport.Socket
	socketLog := base.WithField("package", "transport")
	if opts.PacketConn != nil {
		socket = transport.NewSocket(opts.PacketConn, socketQueueSize(opts.ReceiveBudget), socketLog)
	} else {
		var err error
		socket, err = transport.Listen(opts.ListenAddr, socketQueueSize(opts.ReceiveBudget), socketLog)
		if err != nil {
			base.WithFields(logrus.Fields{
				"function":    "New",
				"listen_addr": opts.ListenAddr,
				"error":       err.Error(),
			}).Error("Failed to bind socket")
			return nil, newOpError("listen", netip.AddrPort{}, err)
		}
	}

	limit := rate.Inf
	if opts.MaxPacketsPerSecond > 0 {
		limit = rate.Limit(opts.MaxPacketsPerSecond)
	}

	c := &Context{
		id:      id,
		opts:    opts,
		logger:  logger,
		log:     base.WithField("local_addr", socket.LocalAddr().String()),
		clock:   getTimeProvider(opts.TimeProvider),
		socket:  socket,
		table:   connection.NewTable(),
		timing:  opts.timing(),
		limiter: rate.NewLimiter(limit, opts.SendBudget),
		events:  newEventQueue(opts.EventQueueSize),
	}
	c.protocolID.Store(opts.ProtocolID)
	c.accept.Store(opts.AcceptNewConnections)
	c.receivingEvents.Store(true)
	c.loggingType.Store(uint32(opts.LoggingType))

	c.log.WithFields(logrus.Fields{
		"function":    "New",
		"protocol_id": opts.ProtocolID,
		"accept":      opts.AcceptNewConnections,
	}).Info("Created context")

	return c, nil
}

// socketQueueSize sizes the socket's inbound buffer to several ticks of
// receive budget.
func socketQueueSize(receiveBudget int) int {
	return 4 * receiveBudget
}

// ID returns the instance id that tags this Context's log entries.
func (c *Context) ID() uuid.UUID { return c.id }

// LocalAddr returns the bound socket address.
func (c *Context) LocalAddr() netip.AddrPort { return c.socket.LocalAddr() }

// IsThreaded reports whether a background worker drives the Context.
func (c *Context) IsThreaded() bool { return c.threaded.Load() }

// Destroy stops the worker, closes the socket and releases every
// connection. No events are emitted. Later calls are no-ops.
func (c *Context) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}

	c.workerMu.Lock()
	if c.worker != nil {
		c.worker.stop()
		c.worker = nil
		c.threaded.Store(false)
	}
	c.workerMu.Unlock()

	c.mu.Lock()
	if err := c.socket.Close(); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "Destroy",
			"error":    err.Error(),
		}).Warn("Error closing socket")
	}
	released := c.table.Len()
	c.table.Clear()
	c.mu.Unlock()

	c.events.clear()

	c.log.WithFields(logrus.Fields{
		"function":    "Destroy",
		"connections": released,
	}).Info("Destroyed context")
}

// OnConnected sets the callback for completed handshakes. Nil disables it.
func (c *Context) OnConnected(callback ConnectedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onConnected = callback
}

// OnDisconnected sets the callback for closed connections. Nil disables it.
func (c *Context) OnDisconnected(callback DisconnectedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onDisconnected = callback
}

// OnReceived sets the callback for received payloads. Nil disables it.
func (c *Context) OnReceived(callback ReceivedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onReceived = callback
}

// CheckEvents dispatches every queued event on the calling goroutine and
// returns how many were drained. Callbacks may call back into the Context.
func (c *Context) CheckEvents() int {
	events := c.events.drain()
	if len(events) == 0 {
		return 0
	}

	c.callbackMu.RLock()
	onConnected, onDisconnected, onReceived := c.onConnected, c.onDisconnected, c.onReceived
	c.callbackMu.RUnlock()

	for _, ev := range events {
		switch ev.Type {
		case EventConnected:
			if onConnected != nil {
				onConnected(ev.Addr)
			}
		case EventDisconnected:
			if onDisconnected != nil {
				onDisconnected(ev.Addr, ev.Reason)
			}
		case EventReceived:
			if onReceived != nil {
				onReceived(ev.Addr, ev.Payload)
			}
		}
	}
	return len(events)
}

// PendingEvents returns the number of events waiting for CheckEvents.
func (c *Context) PendingEvents() int { return c.events.len() }

// ClientInitiateConnection starts the handshake toward addr. The first
// CONNECT is sent on the next tick.
func (c *Context) ClientInitiateConnection(addr netip.AddrPort) error {
	const op = "client_initiate_connection"
	if !addr.IsValid() || addr.Port() == 0 {
		return c.fail(op, addr, ErrInvalidAddress)
	}
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() {
		return c.fail(op, addr, ErrContextDestroyed)
	}
	if existing, exists := c.table.Get(addr); exists {
		if existing.State() != connection.StateClosed {
			return c.fail(op, addr, ErrAlreadyConnected)
		}
		// Closed but not yet swept.
		c.publish([]Event{c.retireLocked(existing, "ClientInitiateConnection")})
	}

	conn := connection.NewOutgoing(addr, c.opts.SendQueueSize, c.clock.Now(), c.log)
	if err := c.table.Insert(conn); err != nil {
		return c.fail(op, addr, ErrAlreadyConnected)
	}

	c.log.WithFields(logrus.Fields{
		"function":    "ClientInitiateConnection",
		"remote_addr": addr.String(),
	}).Info("Initiating connection")
	return nil
}

// QueueSend copies payload onto the send queue of the connection to addr.
// It never blocks; a full queue fails with ErrQueueFull and is left as is.
func (c *Context) QueueSend(addr netip.AddrPort, payload []byte) error {
	const op = "queue_send"
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.lookupLocked(addr)
	if err != nil {
		return c.fail(op, addr, err)
	}
	if err := conn.Enqueue(payload); err != nil {
		return c.fail(op, addr, closingAsUnknown(err))
	}
	return nil
}

// GetQueueSendAvailable returns how many more payloads QueueSend accepts
// for addr. Unknown or closing connections report 0 and record
// ErrorUnknownConnection.
func (c *Context) GetQueueSendAvailable(addr netip.AddrPort) int {
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.lookupLocked(addr)
	if err != nil {
		c.fail("get_queue_send_available", addr, err)
		return 0
	}
	if conn.State() == connection.StateDisconnecting {
		c.fail("get_queue_send_available", addr, closingAsUnknown(connection.ErrClosing))
		return 0
	}
	return conn.QueueAvailable()
}

// QueuedSize returns the number of payloads waiting to be sent to addr.
func (c *Context) QueuedSize(addr netip.AddrPort) int {
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.lookupLocked(addr)
	if err != nil {
		c.fail("queued_size", addr, err)
		return 0
	}
	return conn.QueueLen()
}

// DropConnection starts closing the connection to addr. Queued payloads are
// still sent, within the disconnect grace period, before DISCONNECT.
func (c *Context) DropConnection(addr netip.AddrPort) error {
	const op = "drop_connection"
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.lookupLocked(addr)
	if err != nil {
		return c.fail(op, addr, err)
	}
	if err := conn.RequestClose(c.clock.Now(), c.timing.DisconnectGrace); err != nil {
		return c.fail(op, addr, closingAsUnknown(err))
	}

	c.log.WithFields(logrus.Fields{
		"function":    "DropConnection",
		"remote_addr": addr.String(),
		"queued":      conn.QueueLen(),
	}).Info("Dropping connection")
	return nil
}

// DropAllConnections starts closing every connection to ip, whatever the
// port. It fails with ErrUnknownConnection when there was none to drop.
func (c *Context) DropAllConnections(ip netip.Addr) error {
	const op = "drop_all_connections"
	if !ip.IsValid() {
		return c.fail(op, netip.AddrPort{}, ErrInvalidAddress)
	}
	ip = ip.Unmap()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() {
		return c.fail(op, netip.AddrPortFrom(ip, 0), ErrContextDestroyed)
	}

	now := c.clock.Now()
	dropped := 0
	for _, conn := range c.table.Snapshot() {
		if conn.Addr().Addr() != ip {
			continue
		}
		if err := conn.RequestClose(now, c.timing.DisconnectGrace); err == nil {
			dropped++
		}
	}
	if dropped == 0 {
		return c.fail(op, netip.AddrPortFrom(ip, 0), ErrUnknownConnection)
	}

	c.log.WithFields(logrus.Fields{
		"function":  "DropAllConnections",
		"remote_ip": ip.String(),
		"dropped":   dropped,
	}).Info("Dropping connections")
	return nil
}

// QueueSendCurrentSize returns the number of payloads queued across every
// connection.
func (c *Context) QueueSendCurrentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, conn := range c.table.Snapshot() {
		total += conn.QueueLen()
	}
	return total
}

// HasConnection reports whether a live connection to addr exists.
func (c *Context) HasConnection(addr netip.AddrPort) bool {
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.table.Get(addr)
	return ok && conn.State() != connection.StateClosed
}

// ConnectedPeers returns the addresses of every Connected peer, ordered by
// address.
func (c *Context) ConnectedPeers() []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()

	var peers []netip.AddrPort
	for _, conn := range c.table.Snapshot() {
		if conn.State() == connection.StateConnected {
			peers = append(peers, conn.Addr())
		}
	}
	return peers
}

// RTT returns the smoothed round-trip time to addr, if measured.
func (c *Context) RTT(addr netip.AddrPort) (time.Duration, bool) {
	addr = normalize(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.table.Get(addr)
	if !ok {
		return 0, false
	}
	return conn.RTT()
}

// SetAcceptNewConnections toggles server mode.
func (c *Context) SetAcceptNewConnections(accept bool) {
	c.accept.Store(accept)
}

// GetAcceptNewConnections reports whether unknown peers may connect.
func (c *Context) GetAcceptNewConnections() bool {
	return c.accept.Load()
}

// SetReceivingEvents toggles queueing of connected and disconnected events.
// Received payloads are queued either way.
func (c *Context) SetReceivingEvents(receiving bool) {
	c.receivingEvents.Store(receiving)
}

// GetReceivingEvents reports whether lifecycle events are queued.
func (c *Context) GetReceivingEvents() bool {
	return c.receivingEvents.Load()
}

// SetProtocolID changes the protocol id stamped on and required of packets.
func (c *Context) SetProtocolID(id uint32) {
	c.protocolID.Store(id)
}

// GetProtocolID returns the protocol id.
func (c *Context) GetProtocolID() uint32 {
	return c.protocolID.Load()
}

// GetError returns the last recorded error code and resets the slot.
func (c *Context) GetError() ErrorCode {
	return ErrorCode(c.lastError.Swap(uint32(ErrorNone)))
}

// SetLoggingType changes the Context's log level.
func (c *Context) SetLoggingType(l LoggingType) {
	if !l.valid() {
		c.record(ErrorInvalidArgument)
		return
	}
	c.loggingType.Store(uint32(l))
	c.logger.SetLevel(l.Level())
}

// GetLoggingType returns the current logging type.
func (c *Context) GetLoggingType() LoggingType {
	return LoggingType(c.loggingType.Load())
}

// lookupLocked returns the open connection for addr.
func (c *Context) lookupLocked(addr netip.AddrPort) (*connection.Connection, error) {
	if c.destroyed.Load() {
		return nil, ErrContextDestroyed
	}
	conn, ok := c.table.Get(addr)
	if !ok || conn.State() == connection.StateClosed {
		return nil, ErrUnknownConnection
	}
	return conn, nil
}

// closingAsUnknown reports a closing connection as unknown to callers, since
// it no longer accepts operations.
func closingAsUnknown(err error) error {
	if errors.Is(err, connection.ErrClosing) {
		return fmt.Errorf("%w: %v", ErrUnknownConnection, err)
	}
	return err
}

// record stores code in the error slot.
func (c *Context) record(code ErrorCode) {
	if code != ErrorNone {
		c.lastError.Store(uint32(code))
	}
}

// fail records err in the error slot and returns it wrapped in an OpError.
func (c *Context) fail(op string, addr netip.AddrPort, err error) error {
	c.record(codeOf(err))
	c.log.WithFields(logrus.Fields{
		"operation":   op,
		"remote_addr": addr.String(),
		"error":       err.Error(),
	}).Debug("Operation failed")
	return newOpError(op, addr, err)
}

// normalize unmaps IPv4-mapped addresses so both forms name the same peer.
func normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
