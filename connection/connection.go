package connection

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/opd-ai/udpc/limits"
	"github.com/opd-ai/udpc/transport"
	"github.com/sirupsen/logrus"
)

// Default timing values.
const (
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultHeartbeatInterval    = 150 * time.Millisecond
	DefaultConnectRetryInterval = 5 * time.Second
	DefaultDisconnectGrace      = time.Second
	DefaultSendBudget           = 8
)

// sentRingSize is the number of sent packets remembered for RTT sampling.
const sentRingSize = 33

// rttSmoothing is the weight divisor of each new RTT sample.
const rttSmoothing = 10

var (
	// ErrClosing is returned when an operation needs an open connection.
	ErrClosing = errors.New("connection is closing")
	// ErrIDMismatch is returned for packets carrying another connection id.
	ErrIDMismatch = errors.New("connection id mismatch")
	// ErrStalePacket is returned for duplicates and packets older than the ack window.
	ErrStalePacket = errors.New("duplicate or stale packet")
	// ErrUnexpectedPacket is returned for packets the current state does not accept.
	ErrUnexpectedPacket = errors.New("unexpected packet for connection state")
)

// Timing holds the intervals and budgets that drive Poll.
type Timing struct {
	HeartbeatInterval    time.Duration
	ConnectRetryInterval time.Duration
	DisconnectGrace      time.Duration
	SendBudget           int
}

// DefaultTiming returns the default Timing.
func DefaultTiming() Timing {
	return Timing{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ConnectRetryInterval: DefaultConnectRetryInterval,
		DisconnectGrace:      DefaultDisconnectGrace,
		SendBudget:           DefaultSendBudget,
	}
}

// Limiter gates DATA packets across all connections of an endpoint.
// *rate.Limiter satisfies it.
type Limiter interface {
	AllowN(t time.Time, n int) bool
}

// Outcome describes the effect of one accepted packet.
type Outcome struct {
	// Connected is set when the packet completed the handshake.
	Connected bool
	// RemoteClosed is set when the peer sent DISCONNECT.
	RemoteClosed bool
	// Payload holds the DATA payload to deliver, if any.
	Payload []byte
}

type sentRecord struct {
	seq    uint32
	sentAt time.Time
	valid  bool
}

// Connection is the state of one remote peer.
type Connection struct {
	addr      netip.AddrPort
	id        uint32
	initiator bool
	state     State
	reason    CloseReason

	queue    *SendQueue
	localSeq uint32
	acks     AckWindow

	lastActivity    time.Time
	lastSent        time.Time
	lastConnectSent time.Time
	connectSent     bool
	respondPending  bool
	remoteClose     bool
	closeDeadline   time.Time

	sent     [sentRingSize]sentRecord
	sentNext int
	rtt      time.Duration
	rttValid bool

	log *logrus.Entry
}

func newConnection(addr netip.AddrPort, id uint32, initiator bool, queueSize int, now time.Time, log *logrus.Entry) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Connection{
		addr:         addr,
		id:           id,
		initiator:    initiator,
		state:        StateIntroduction,
		queue:        NewSendQueue(queueSize),
		lastActivity: now,
		log: log.WithFields(logrus.Fields{
			"component":   "Connection",
			"remote_addr": addr.String(),
		}),
	}
}

// NewOutgoing creates the initiator side of a connection to addr. Its id is
// learned from the peer's connect response.
func NewOutgoing(addr netip.AddrPort, queueSize int, now time.Time, log *logrus.Entry) *Connection {
	return newConnection(addr, 0, true, queueSize, now, log)
}

// NewIncoming creates the acceptor side of a connection from addr using the
// locally allocated id.
func NewIncoming(addr netip.AddrPort, id uint32, queueSize int, now time.Time, log *logrus.Entry) *Connection {
	return newConnection(addr, id, false, queueSize, now, log)
}

// Addr returns the peer address.
func (c *Connection) Addr() netip.AddrPort { return c.addr }

// ID returns the connection id, 0 while an initiator has not learned it.
func (c *Connection) ID() uint32 { return c.id }

// IsInitiator reports whether the local side opened the connection.
func (c *Connection) IsInitiator() bool { return c.initiator }

// State returns the lifecycle state.
func (c *Connection) State() State { return c.state }

// CloseReason returns why the connection closed, or ReasonNone.
func (c *Connection) CloseReason() CloseReason { return c.reason }

// LastActivity returns the arrival time of the last accepted packet.
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// QueueLen returns the number of payloads waiting to be sent.
func (c *Connection) QueueLen() int { return c.queue.Len() }

// QueueAvailable returns the remaining send queue capacity.
func (c *Connection) QueueAvailable() int { return c.queue.Available() }

// RTT returns the smoothed round-trip time and whether a sample exists.
func (c *Connection) RTT() (time.Duration, bool) { return c.rtt, c.rttValid }

// Accept moves an incoming connection to Connected and schedules the
// connect response. It reports whether the transition happened.
func (c *Connection) Accept() bool {
	if c.initiator || c.state != StateIntroduction {
		return false
	}
	c.state = StateConnected
	c.respondPending = true
	c.log.WithField("connection_id", c.id).Debug("Accepted connection")
	return true
}

// Enqueue copies payload onto the send queue.
func (c *Connection) Enqueue(payload []byte) error {
	if err := limits.ValidatePayload(payload); err != nil {
		return err
	}
	if c.state == StateDisconnecting || c.state == StateClosed {
		return ErrClosing
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return c.queue.Push(buf)
}

// RequestClose starts a local close. A connection still in Introduction
// closes at once since the peer never learned about it. A connected one
// drains its queue for at most grace before sending DISCONNECT.
func (c *Connection) RequestClose(now time.Time, grace time.Duration) error {
	switch c.state {
	case StateIntroduction:
		c.close(ReasonDropped)
		return nil
	case StateConnected:
		c.state = StateDisconnecting
		c.closeDeadline = now.Add(grace)
		c.log.WithFields(logrus.Fields{
			"queued":   c.queue.Len(),
			"deadline": c.closeDeadline,
		}).Debug("Disconnect requested")
		return nil
	default:
		return ErrClosing
	}
}

// CheckTimeout closes the connection when no packet was accepted within
// timeout. It reports whether the connection timed out. A handshake that
// never completed closes with ReasonConnectFailed.
func (c *Connection) CheckTimeout(now time.Time, timeout time.Duration) bool {
	if c.state == StateClosed || now.Sub(c.lastActivity) < timeout {
		return false
	}
	if c.state == StateIntroduction {
		c.close(ReasonConnectFailed)
	} else {
		c.close(ReasonTimeout)
	}
	return true
}

// HandlePacket feeds one decoded packet from the peer into the state machine.
// Rejected packets return an error wrapping ErrIDMismatch, ErrStalePacket or
// ErrUnexpectedPacket and leave the connection unchanged.
func (c *Connection) HandlePacket(pkt *transport.Packet, now time.Time) (Outcome, error) {
	var out Outcome
	if c.state == StateClosed {
		return out, ErrClosing
	}

	if pkt.Flags == transport.FlagConnect {
		if err := c.checkConnect(pkt); err != nil {
			return out, err
		}
	} else {
		if c.state == StateIntroduction {
			return out, fmt.Errorf("%w: %s during handshake", ErrUnexpectedPacket, pkt.Flags)
		}
		if pkt.ConnectionID != c.id {
			return out, fmt.Errorf("%w: got %d, want %d", ErrIDMismatch, pkt.ConnectionID, c.id)
		}
	}

	if !c.acks.Observe(pkt.Sequence) {
		return out, fmt.Errorf("%w: sequence %d", ErrStalePacket, pkt.Sequence)
	}
	c.lastActivity = now
	c.sampleRTT(pkt, now)

	switch pkt.Flags {
	case transport.FlagConnect:
		out.Connected = c.handleConnect(pkt)
	case transport.FlagDisconnect:
		if !c.remoteClose {
			c.state = StateDisconnecting
			c.remoteClose = true
			out.RemoteClosed = true
			c.log.Debug("Peer requested disconnect")
		}
	case transport.FlagData:
		out.Payload = pkt.Payload
	}
	return out, nil
}

// checkConnect validates a CONNECT against the handshake role.
func (c *Connection) checkConnect(pkt *transport.Packet) error {
	if c.initiator {
		if pkt.ConnectionID == 0 {
			return fmt.Errorf("%w: connect request to initiator", ErrUnexpectedPacket)
		}
		if c.state != StateIntroduction && pkt.ConnectionID != c.id {
			return fmt.Errorf("%w: got %d, want %d", ErrIDMismatch, pkt.ConnectionID, c.id)
		}
		return nil
	}
	if pkt.ConnectionID != 0 {
		return fmt.Errorf("%w: connect response to acceptor", ErrUnexpectedPacket)
	}
	return nil
}

// handleConnect applies an accepted CONNECT and reports whether the
// handshake completed.
func (c *Connection) handleConnect(pkt *transport.Packet) bool {
	if !c.initiator {
		// The peer is still waiting for our response.
		if c.state == StateConnected {
			c.respondPending = true
		}
		return false
	}
	if c.state != StateIntroduction {
		return false
	}
	c.id = pkt.ConnectionID
	c.state = StateConnected
	c.log.WithField("connection_id", c.id).Debug("Handshake completed")
	return true
}

// Poll returns the packets due at now, in send order. It may move the
// connection to StateClosed; callers check State afterwards.
func (c *Connection) Poll(now time.Time, protocolID uint32, timing Timing, limiter Limiter) []*transport.Packet {
	var out []*transport.Packet

	switch c.state {
	case StateIntroduction:
		if c.initiator && (!c.connectSent || now.Sub(c.lastConnectSent) >= timing.ConnectRetryInterval) {
			out = append(out, c.BuildPacket(protocolID, transport.FlagConnect, nil, now))
			c.connectSent = true
			c.lastConnectSent = now
		}

	case StateConnected:
		if c.respondPending {
			out = append(out, c.BuildPacket(protocolID, transport.FlagConnect, nil, now))
			c.respondPending = false
		}
		out = c.drain(out, now, protocolID, timing.SendBudget, limiter)
		if len(out) == 0 && now.Sub(c.lastSent) >= timing.HeartbeatInterval {
			out = append(out, c.BuildPacket(protocolID, transport.FlagHeartbeat, nil, now))
		}

	case StateDisconnecting:
		if c.remoteClose {
			c.close(ReasonRemoteClosed)
			break
		}
		out = c.drain(out, now, protocolID, timing.SendBudget, limiter)
		if c.queue.Len() == 0 || !now.Before(c.closeDeadline) {
			out = append(out, c.BuildPacket(protocolID, transport.FlagDisconnect, nil, now))
			c.close(ReasonDropped)
		}
	}
	return out
}

// drain moves up to budget queued payloads into DATA packets.
func (c *Connection) drain(out []*transport.Packet, now time.Time, protocolID uint32, budget int, limiter Limiter) []*transport.Packet {
	if budget <= 0 {
		budget = DefaultSendBudget
	}
	for i := 0; i < budget && c.queue.Len() > 0; i++ {
		if limiter != nil && !limiter.AllowN(now, 1) {
			break
		}
		payload, _ := c.queue.Pop()
		out = append(out, c.BuildPacket(protocolID, transport.FlagData, payload, now))
	}
	return out
}

// BuildPacket stamps a packet with this connection's id, the next local
// sequence and the current acknowledgement state, and records its send time.
func (c *Connection) BuildPacket(protocolID uint32, flags transport.Flags, payload []byte, now time.Time) *transport.Packet {
	id := c.id
	if c.initiator && c.state == StateIntroduction {
		id = 0
	}

	c.localSeq++
	pkt := &transport.Packet{
		ProtocolID:   protocolID,
		ConnectionID: id,
		Flags:        flags,
		Sequence:     c.localSeq,
		AckSequence:  c.acks.Latest(),
		AckBitfield:  c.acks.Bitfield(),
		Payload:      payload,
	}

	c.sent[c.sentNext] = sentRecord{seq: c.localSeq, sentAt: now, valid: true}
	c.sentNext = (c.sentNext + 1) % sentRingSize
	c.lastSent = now
	return pkt
}

// sampleRTT updates the RTT estimate when the peer acknowledges a packet we
// still remember sending.
func (c *Connection) sampleRTT(pkt *transport.Packet, now time.Time) {
	if pkt.AckBitfield&(1<<31) == 0 {
		return
	}
	for i := range c.sent {
		rec := &c.sent[i]
		if !rec.valid || rec.seq != pkt.AckSequence {
			continue
		}
		sample := now.Sub(rec.sentAt)
		rec.valid = false
		if !c.rttValid {
			c.rtt = sample
			c.rttValid = true
		} else {
			c.rtt += (sample - c.rtt) / rttSmoothing
		}
		return
	}
}

func (c *Connection) close(reason CloseReason) {
	c.state = StateClosed
	c.reason = reason
	c.queue.Clear()
	c.log.WithField("reason", reason.String()).Debug("Connection closed")
}
