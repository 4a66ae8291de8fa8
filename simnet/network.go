package simnet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// inboxSize bounds the datagrams buffered per Conn.
const inboxSize = 1024

// firstEphemeralPort is the first port handed out for port 0 binds.
const firstEphemeralPort = 40000

// ErrAddressInUse is returned by Listen for an address already bound.
var ErrAddressInUse = errors.New("address already in use")

// DropFunc decides whether a datagram from -> to is lost.
type DropFunc func(from, to netip.AddrPort, data []byte) bool

// DeliveryRecord represents one datagram handled by the network.
type DeliveryRecord struct {
	From      netip.AddrPort
	To        netip.AddrPort
	Size      int
	Timestamp time.Time
	Delivered bool
	Reason    string
}

// Stats summarizes the delivery log.
type Stats struct {
	Sent      int
	Delivered int
	Dropped   int
}

// Network is an in-memory datagram network.
type Network struct {
	mu          sync.Mutex
	conns       map[netip.AddrPort]*Conn
	nextPort    uint16
	drop        DropFunc
	deliveryLog []DeliveryRecord
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		conns:    make(map[netip.AddrPort]*Conn),
		nextPort: firstEphemeralPort,
	}
}

// Listen binds a Conn at addr. Port 0 allocates a free port.
func (n *Network) Listen(addr netip.AddrPort) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr.Port() == 0 {
		for {
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			n.nextPort++
			if _, taken := n.conns[candidate]; !taken {
				addr = candidate
				break
			}
		}
	}
	if _, taken := n.conns[addr]; taken {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddressInUse)
	}

	c := &Conn{
		network: n,
		addr:    addr,
		inbox:   make(chan datagram, inboxSize),
		done:    make(chan struct{}),
	}
	n.conns[addr] = c

	logrus.WithFields(logrus.Fields{
		"function": "Network.Listen",
		"addr":     addr.String(),
	}).Debug("Bound simulated endpoint")
	return c, nil
}

// SetDropFunc installs fn as the loss predicate. nil delivers everything.
func (n *Network) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Inject delivers data to to as if it had been sent from from.
func (n *Network) Inject(from, to netip.AddrPort, data []byte) error {
	return n.deliver(from, to, data)
}

// DeliveryLog returns a copy of every delivery record.
func (n *Network) DeliveryLog() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.deliveryLog))
	copy(out, n.deliveryLog)
	return out
}

// Stats summarizes the delivery log.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := Stats{Sent: len(n.deliveryLog)}
	for _, r := range n.deliveryLog {
		if r.Delivered {
			s.Delivered++
		} else {
			s.Dropped++
		}
	}
	return s
}

// deliver routes one datagram. Unknown destinations and full inboxes drop
// silently, like UDP.
func (n *Network) deliver(from, to netip.AddrPort, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	record := DeliveryRecord{From: from, To: to, Size: len(data), Timestamp: time.Now()}
	dst, ok := n.conns[to]
	switch {
	case !ok:
		record.Reason = "no listener"
	case n.drop != nil && n.drop(from, to, data):
		record.Reason = "dropped by filter"
	default:
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case dst.inbox <- datagram{data: buf, from: from}:
			record.Delivered = true
		default:
			record.Reason = "inbox full"
		}
	}
	n.deliveryLog = append(n.deliveryLog, record)

	if !record.Delivered {
		logrus.WithFields(logrus.Fields{
			"function": "Network.deliver",
			"from":     from.String(),
			"to":       to.String(),
			"reason":   record.Reason,
		}).Debug("Simulated datagram lost")
	}
	return nil
}

func (n *Network) unbind(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, addr)
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

// Conn is a net.PacketConn bound to a Network address.
type Conn struct {
	network *Network
	addr    netip.AddrPort
	inbox   chan datagram

	mu           sync.Mutex
	readDeadline time.Time
	readErr      error
	writeErr     error
	closed       bool
	done         chan struct{}
}

var _ net.PacketConn = (*Conn)(nil)

// ReadFrom blocks until a datagram arrives, the read deadline passes, or the
// Conn is closed.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline, readErr, closed := c.readDeadline, c.readErr, c.closed
	c.mu.Unlock()

	if closed {
		return 0, nil, c.opError("read", net.ErrClosed)
	}
	if readErr != nil {
		return 0, nil, c.opError("read", readErr)
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.inbox:
		n := copy(p, d.data)
		return n, net.UDPAddrFromAddrPort(d.from), nil
	case <-c.done:
		return 0, nil, c.opError("read", net.ErrClosed)
	case <-timeout:
		return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
	}
}

// WriteTo sends p to addr, which must be a *net.UDPAddr.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	closed, writeErr := c.closed, c.writeErr
	c.mu.Unlock()

	if closed {
		return 0, c.opError("write", net.ErrClosed)
	}
	if writeErr != nil {
		return 0, c.opError("write", writeErr)
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, c.opError("write", fmt.Errorf("unsupported address type %T", addr))
	}
	ap := udpAddr.AddrPort()
	to := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

	if err := c.network.deliver(c.addr, to, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close unbinds the Conn and wakes blocked readers.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.opError("close", net.ErrClosed)
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.network.unbind(c.addr)
	return nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(c.addr) }

// AddrPort returns the bound address.
func (c *Conn) AddrPort() netip.AddrPort { return c.addr }

// SetDeadline sets the read deadline. Writes never block.
func (c *Conn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline sets the deadline for ReadFrom.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline is accepted for interface compatibility.
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

// FailReads makes every later ReadFrom return err.
func (c *Conn) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// FailWrites makes every later WriteTo return err. nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "udp", Source: c.LocalAddr(), Err: err}
}
