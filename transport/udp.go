package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/udpc/limits"
	"github.com/sirupsen/logrus"
)

// packetReadTimeout bounds each blocking read in the receive loop so the loop
// notices cancellation promptly.
const packetReadTimeout = 100 * time.Millisecond

// ErrSocketClosed is returned by Send after Close.
var ErrSocketClosed = errors.New("socket closed")

// Datagram is one raw datagram read from the socket.
type Datagram struct {
	Data []byte
	Addr netip.AddrPort
}

// Socket owns one bound net.PacketConn. A receive goroutine moves datagrams
// into a bounded channel so Receive never blocks.
type Socket struct {
	conn    net.PacketConn
	inbound chan Datagram
	log     *logrus.Entry

	closed  atomic.Bool
	readErr atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen binds a UDP socket on listenAddr and starts its receive loop.
func Listen(listenAddr string, queueSize int, log *logrus.Entry) (*Socket, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	return NewSocket(conn, queueSize, log), nil
}

// NewSocket wraps an already bound connection and starts its receive loop.
// The socket takes ownership of conn.
func NewSocket(conn net.PacketConn, queueSize int, log *logrus.Entry) *Socket {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		conn:    conn,
		inbound: make(chan Datagram, queueSize),
		log:     log.WithField("component", "Socket"),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(1)
	go s.processPackets()

	s.log.WithFields(logrus.Fields{
		"local_addr": conn.LocalAddr().String(),
		"queue_size": queueSize,
	}).Debug("Created socket")

	return s
}

// processPackets reads datagrams until the socket is closed or a fatal read
// error occurs.
func (s *Socket) processPackets() {
	defer s.wg.Done()
	buffer := make([]byte, limits.ReadBufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			if !s.processIncomingPacket(buffer) {
				return
			}
		}
	}
}

// processIncomingPacket reads and enqueues a single datagram.
// Returns false when the loop should terminate.
func (s *Socket) processIncomingPacket(buffer []byte) bool {
	if err := s.conn.SetReadDeadline(time.Now().Add(packetReadTimeout)); err != nil {
		return s.handleReadError(err)
	}

	n, addr, err := s.conn.ReadFrom(buffer)
	if err != nil {
		return s.handleReadError(err)
	}

	from, ok := addrPortOf(addr)
	if !ok {
		s.log.WithField("remote_addr", addr.String()).Debug("Dropped datagram from non-UDP address")
		return true
	}

	datagram := Datagram{Data: make([]byte, n), Addr: from}
	copy(datagram.Data, buffer[:n])
	s.enqueue(datagram)
	return true
}

// handleReadError classifies read errors. Timeouts are expected; any other
// error while the socket is open is fatal and recorded for Err.
func (s *Socket) handleReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if s.closed.Load() {
		return false
	}

	s.readErr.Store(&err)
	s.log.WithField("error", err.Error()).Error("Fatal socket read error")
	return false
}

// enqueue hands a datagram to Receive, dropping it when the channel is full.
func (s *Socket) enqueue(d Datagram) {
	select {
	case s.inbound <- d:
		s.log.WithFields(logrus.Fields{
			"data_size":   len(d.Data),
			"remote_addr": d.Addr.String(),
		}).Trace("Received datagram")
	default:
		s.log.WithField("remote_addr", d.Addr.String()).Warn("Dropped datagram due to full receive queue")
	}
}

// Receive returns up to max datagrams that have already arrived. It never blocks.
func (s *Socket) Receive(max int) []Datagram {
	var out []Datagram
	for len(out) < max {
		select {
		case d := <-s.inbound:
			out = append(out, d)
		default:
			return out
		}
	}
	return out
}

// Send writes data to addr.
func (s *Socket) Send(data []byte, addr netip.AddrPort) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	_, err := s.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	return err
}

// Err returns the fatal read error, if one occurred.
func (s *Socket) Err() error {
	if p := s.readErr.Load(); p != nil {
		return *p
	}
	return nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	ap, _ := addrPortOf(s.conn.LocalAddr())
	return ap
}

// Close stops the receive loop and closes the connection. It waits for the
// receive goroutine to exit.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// addrPortOf converts a UDP net.Addr into a comparable key. IPv4-mapped IPv6
// addresses are unmapped so both forms key the same peer.
func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok || udpAddr == nil {
		return netip.AddrPort{}, false
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
