package udpc

import (
	"net/netip"
	"time"

	"github.com/opd-ai/udpc/connection"
	"github.com/opd-ai/udpc/transport"
	"github.com/sirupsen/logrus"
)

// Update performs exactly one tick in polled mode. It fails with
// ErrInvalidState when a background worker owns ticking.
func (c *Context) Update() error {
	const op = "update"
	if c.destroyed.Load() {
		return c.fail(op, netip.AddrPort{}, ErrContextDestroyed)
	}
	if c.threaded.Load() {
		return c.fail(op, netip.AddrPort{}, ErrInvalidState)
	}

	if err := c.tick(); err != nil {
		return newOpError(op, netip.AddrPort{}, err)
	}
	if c.opts.DispatchOnUpdate {
		c.CheckEvents()
	}
	return nil
}

// tick drains the socket, feeds each datagram to its connection, sweeps
// every connection for due traffic and timers, then publishes the events
// produced, in order.
func (c *Context) tick() error {
	if err := c.socket.Err(); err != nil {
		c.record(ErrorSocket)
		return err
	}

	datagrams := c.socket.Receive(c.opts.ReceiveBudget)
	now := c.clock.Now()

	var events []Event
	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		return ErrContextDestroyed
	}
	for _, d := range datagrams {
		events = c.handleDatagram(d, now, events)
	}
	events = c.sweep(now, events)
	c.mu.Unlock()

	c.publish(events)
	return nil
}

// publish appends events to the event queue. Lifecycle events are discarded
// while receiving events is switched off.
func (c *Context) publish(events []Event) {
	if !c.receivingEvents.Load() {
		kept := events[:0]
		for _, ev := range events {
			if !ev.Type.lifecycle() {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if len(events) == 0 {
		return
	}

	if evicted := c.events.push(events...); evicted > 0 {
		c.log.WithFields(logrus.Fields{
			"function": "publish",
			"evicted":  evicted,
			"capacity": c.opts.EventQueueSize,
		}).Warn("Event queue full, evicted oldest events")
	}
}

// handleDatagram decodes and routes one datagram. Malformed and foreign
// datagrams are dropped with a debug log only.
func (c *Context) handleDatagram(d transport.Datagram, now time.Time, events []Event) []Event {
	pkt, err := transport.ParsePacket(d.Data)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function":    "handleDatagram",
			"remote_addr": d.Addr.String(),
			"size":        len(d.Data),
			"error":       err.Error(),
		}).Debug("Dropped malformed datagram")
		return events
	}

	if want := c.protocolID.Load(); pkt.ProtocolID != want {
		c.log.WithFields(logrus.Fields{
			"function":    "handleDatagram",
			"remote_addr": d.Addr.String(),
			"protocol_id": pkt.ProtocolID,
			"expected":    want,
		}).Debug("Dropped datagram with foreign protocol id")
		return events
	}

	conn, ok := c.table.Get(d.Addr)
	if !ok {
		return c.admit(pkt, d.Addr, now, events)
	}

	out, err := conn.HandlePacket(pkt, now)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function":    "handleDatagram",
			"remote_addr": d.Addr.String(),
			"flags":       pkt.Flags.String(),
			"error":       err.Error(),
		}).Debug("Dropped packet")
		return events
	}

	if out.Connected {
		c.log.WithFields(logrus.Fields{
			"function":      "handleDatagram",
			"remote_addr":   d.Addr.String(),
			"connection_id": conn.ID(),
		}).Info("Connection established")
		events = append(events, Event{Type: EventConnected, Addr: d.Addr})
	}
	if out.Payload != nil {
		events = append(events, Event{Type: EventReceived, Addr: d.Addr, Payload: out.Payload})
	}
	return events
}

// admit creates a connection for a CONNECT from an unknown peer when
// accepting is enabled.
func (c *Context) admit(pkt *transport.Packet, addr netip.AddrPort, now time.Time, events []Event) []Event {
	fields := logrus.Fields{
		"function":    "admit",
		"remote_addr": addr.String(),
		"flags":       pkt.Flags.String(),
	}
	if pkt.Flags != transport.FlagConnect || pkt.ConnectionID != 0 {
		c.log.WithFields(fields).Debug("Dropped packet from unknown peer")
		return events
	}
	if !c.accept.Load() {
		c.log.WithFields(fields).Debug("Dropped connect request, not accepting connections")
		return events
	}

	conn := connection.NewIncoming(addr, c.table.NewID(), c.opts.SendQueueSize, now, c.log)
	if err := c.table.Insert(conn); err != nil {
		c.log.WithFields(fields).WithField("error", err.Error()).Error("Failed to register connection")
		return events
	}
	conn.Accept()
	if _, err := conn.HandlePacket(pkt, now); err != nil {
		c.log.WithFields(fields).WithField("error", err.Error()).Debug("Connect request not recorded")
	}

	fields["connection_id"] = conn.ID()
	c.log.WithFields(fields).Info("Accepted connection")
	return append(events, Event{Type: EventConnected, Addr: addr})
}

// sweep advances timers, sends due packets and finalizes closed
// connections.
func (c *Context) sweep(now time.Time, events []Event) []Event {
	protocolID := c.protocolID.Load()

	for _, conn := range c.table.Snapshot() {
		if conn.CheckTimeout(now, c.opts.ConnectionTimeout) {
			c.log.WithFields(logrus.Fields{
				"function":      "sweep",
				"remote_addr":   conn.Addr().String(),
				"initiator":     conn.IsInitiator(),
				"last_activity": conn.LastActivity(),
			}).Info("Connection timed out")
		} else {
			for _, pkt := range conn.Poll(now, protocolID, c.timing, c.limiter) {
				c.send(conn.Addr(), pkt)
			}
		}

		if conn.State() == connection.StateClosed {
			events = append(events, c.retireLocked(conn, "sweep"))
		}
	}
	return events
}

// retireLocked removes a closed connection from the table and returns its
// disconnected event.
func (c *Context) retireLocked(conn *connection.Connection, function string) Event {
	c.table.Remove(conn.Addr())
	c.log.WithFields(logrus.Fields{
		"function":    function,
		"remote_addr": conn.Addr().String(),
		"initiator":   conn.IsInitiator(),
		"reason":      conn.CloseReason().String(),
	}).Info("Connection closed")
	return Event{Type: EventDisconnected, Addr: conn.Addr(), Reason: conn.CloseReason()}
}

// send serializes pkt and writes it to addr. Failures are recorded but do
// not stop the tick.
func (c *Context) send(addr netip.AddrPort, pkt *transport.Packet) {
	data, err := pkt.Serialize()
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function":    "send",
			"remote_addr": addr.String(),
			"error":       err.Error(),
		}).Error("Failed to serialize packet")
		return
	}

	if err := c.socket.Send(data, addr); err != nil {
		c.record(ErrorSocket)
		c.log.WithFields(logrus.Fields{
			"function":    "send",
			"remote_addr": addr.String(),
			"error":       err.Error(),
		}).Warn("Failed to send packet")
		return
	}

	c.log.WithFields(logrus.Fields{
		"function":    "send",
		"remote_addr": addr.String(),
		"flags":       pkt.Flags.String(),
		"sequence":    pkt.Sequence,
		"size":        len(data),
	}).Trace("Sent packet")
}
