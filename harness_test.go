package udpc

import (
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/udpc/simnet"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testProtocolID uint32 = 7

// MockTimeProvider is a test implementation of TimeProvider for deterministic testing.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{currentTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *MockTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// Advance advances the mock time by the specified duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type disconnect struct {
	addr   netip.AddrPort
	reason CloseReason
}

type message struct {
	addr    netip.AddrPort
	payload string
}

// recorder captures callback invocations.
type recorder struct {
	mu           sync.Mutex
	connected    []netip.AddrPort
	disconnected []disconnect
	received     []message
}

func (r *recorder) attach(c *Context) {
	c.OnConnected(func(addr netip.AddrPort) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.connected = append(r.connected, addr)
	})
	c.OnDisconnected(func(addr netip.AddrPort, reason CloseReason) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.disconnected = append(r.disconnected, disconnect{addr: addr, reason: reason})
	})
	c.OnReceived(func(addr netip.AddrPort, payload []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.received = append(r.received, message{addr: addr, payload: string(payload)})
	})
}

func (r *recorder) connectedTo() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netip.AddrPort(nil), r.connected...)
}

func (r *recorder) disconnects() []disconnect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]disconnect(nil), r.disconnected...)
}

func (r *recorder) messages() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.received...)
}

// endpoint is a Context bound to a simulated address with recorded events.
type endpoint struct {
	*Context
	conn *simnet.Conn
	rec  *recorder
}

func newSimOptions(t *testing.T, network *simnet.Network, addr string, clock TimeProvider) (*Options, *simnet.Conn) {
	t.Helper()
	conn, err := network.Listen(netip.MustParseAddrPort(addr))
	require.NoError(t, err)

	opts := NewOptions()
	opts.PacketConn = conn
	opts.ProtocolID = testProtocolID
	opts.TimeProvider = clock
	opts.Logger = quietLogger()
	opts.LoggingType = LoggingSilent
	return opts, conn
}

func newEndpoint(t *testing.T, network *simnet.Network, addr string, clock TimeProvider, configure func(*Options)) *endpoint {
	t.Helper()
	opts, conn := newSimOptions(t, network, addr, clock)
	if configure != nil {
		configure(opts)
	}

	ctx, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(ctx.Destroy)

	ep := &endpoint{Context: ctx, conn: conn, rec: &recorder{}}
	ep.rec.attach(ctx)
	return ep
}

func accepting(o *Options) { o.AcceptNewConnections = true }

// pump ticks every endpoint and dispatches events until cond holds.
func pump(t *testing.T, cond func() bool, eps ...*endpoint) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ep := range eps {
			_ = ep.Update()
			ep.CheckEvents()
		}
		return cond()
	}, 3*time.Second, time.Millisecond)
}

// settle ticks every endpoint a few times with short pauses so in-flight
// datagrams are processed.
func settle(eps ...*endpoint) {
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		for _, ep := range eps {
			_ = ep.Update()
			ep.CheckEvents()
		}
	}
}

// connectPair completes a handshake from client to server.
func connectPair(t *testing.T, client, server *endpoint) {
	t.Helper()
	require.NoError(t, client.ClientInitiateConnection(server.LocalAddr()))
	pump(t, func() bool {
		return len(client.rec.connectedTo()) == 1 && len(server.rec.connectedTo()) == 1
	}, client, server)
}
