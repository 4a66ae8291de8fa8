package udpc

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackEndpoint(t *testing.T, accept bool) *endpoint {
	t.Helper()
	opts := NewOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.ProtocolID = testProtocolID
	opts.AcceptNewConnections = accept
	opts.Logger = quietLogger()
	opts.LoggingType = LoggingSilent

	ctx, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(ctx.Destroy)

	ep := &endpoint{Context: ctx, rec: &recorder{}}
	ep.rec.attach(ctx)
	return ep
}

// TestLoopbackScenario runs a server and a client over real UDP sockets
// through connect, one payload and a local drop.
func TestLoopbackScenario(t *testing.T) {
	a := newLoopbackEndpoint(t, true)
	b := newLoopbackEndpoint(t, false)

	require.NoError(t, b.ClientInitiateConnection(a.LocalAddr()))
	pump(t, func() bool {
		return len(a.rec.connectedTo()) == 1 && len(b.rec.connectedTo()) == 1
	}, a, b)
	assert.Equal(t, []netip.AddrPort{b.LocalAddr()}, a.rec.connectedTo())
	assert.Equal(t, []netip.AddrPort{a.LocalAddr()}, b.rec.connectedTo())

	require.NoError(t, b.QueueSend(a.LocalAddr(), []byte("hello")))
	pump(t, func() bool { return len(a.rec.messages()) == 1 }, a, b)
	assert.Equal(t, message{addr: b.LocalAddr(), payload: "hello"}, a.rec.messages()[0])

	require.NoError(t, b.DropConnection(a.LocalAddr()))
	pump(t, func() bool {
		return len(a.rec.disconnects()) == 1 && len(b.rec.disconnects()) == 1
	}, a, b)
	assert.Equal(t, disconnect{addr: b.LocalAddr(), reason: ReasonRemoteClosed}, a.rec.disconnects()[0])
	assert.Equal(t, disconnect{addr: a.LocalAddr(), reason: ReasonDropped}, b.rec.disconnects()[0])

	rtt, ok := b.RTT(a.LocalAddr())
	assert.False(t, ok, "closed connections are gone")
	assert.Zero(t, rtt)
}
