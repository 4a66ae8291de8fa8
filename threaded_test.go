package udpc

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/udpc/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newThreadedEndpoint(t *testing.T, network *simnet.Network, addr string, configure func(*Options)) *endpoint {
	t.Helper()
	opts, conn := newSimOptions(t, network, addr, nil)
	opts.UpdateInterval = MinUpdateInterval
	if configure != nil {
		configure(opts)
	}

	ctx, err := NewThreaded(opts)
	require.NoError(t, err)
	t.Cleanup(ctx.Destroy)

	ep := &endpoint{Context: ctx, conn: conn, rec: &recorder{}}
	ep.rec.attach(ctx)
	return ep
}

// dispatch calls CheckEvents on every endpoint until cond holds.
func dispatch(t *testing.T, cond func() bool, eps ...*endpoint) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ep := range eps {
			ep.CheckEvents()
		}
		return cond()
	}, 3*time.Second, time.Millisecond)
}

func TestThreadedMode(t *testing.T) {
	network := simnet.NewNetwork()
	server := newThreadedEndpoint(t, network, "10.0.0.1:9000", accepting)
	client := newThreadedEndpoint(t, network, "10.0.0.2:9000", nil)

	assert.True(t, client.IsThreaded())
	assert.ErrorIs(t, client.Update(), ErrInvalidState)
	assert.Equal(t, ErrorInvalidState, client.GetError())
	assert.ErrorIs(t, client.StartThreadedUpdate(time.Millisecond), ErrInvalidState)

	require.NoError(t, client.ClientInitiateConnection(server.LocalAddr()))
	dispatch(t, func() bool {
		return len(client.rec.connectedTo()) == 1 && len(server.rec.connectedTo()) == 1
	}, client, server)

	require.NoError(t, client.QueueSend(server.LocalAddr(), []byte("ping")))
	dispatch(t, func() bool { return len(server.rec.messages()) == 1 }, client, server)
	assert.Equal(t, "ping", server.rec.messages()[0].payload)
}

// Many goroutines queue concurrently while the worker drains; every payload
// from each sender arrives in that sender's order.
func TestThreadedConcurrentQueueSend(t *testing.T) {
	const (
		senders   = 4
		perSender = 50
	)

	network := simnet.NewNetwork()
	server := newThreadedEndpoint(t, network, "10.0.0.1:9000", accepting)
	client := newThreadedEndpoint(t, network, "10.0.0.2:9000", func(o *Options) { o.SendQueueSize = senders * perSender })

	require.NoError(t, client.ClientInitiateConnection(server.LocalAddr()))
	dispatch(t, func() bool { return len(client.rec.connectedTo()) == 1 }, client, server)
	peer := server.LocalAddr()

	var g errgroup.Group
	for s := 0; s < senders; s++ {
		g.Go(func() error {
			for i := 0; i < perSender; i++ {
				if err := client.QueueSend(peer, []byte(fmt.Sprintf("%d:%03d", s, i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	dispatch(t, func() bool { return len(server.rec.messages()) == senders*perSender }, client, server)

	last := make(map[byte]string)
	for _, msg := range server.rec.messages() {
		sender := msg.payload[0]
		assert.Less(t, last[sender], msg.payload, "per-sender order")
		last[sender] = msg.payload
	}
}

func TestSwitchBetweenModes(t *testing.T) {
	network := simnet.NewNetwork()
	server := newThreadedEndpoint(t, network, "10.0.0.1:9000", accepting)
	client := newEndpoint(t, network, "10.0.0.2:9000", nil, nil)

	assert.ErrorIs(t, client.StopThreadedUpdate(), ErrInvalidState)
	require.NoError(t, client.StartThreadedUpdate(time.Millisecond))
	assert.True(t, client.IsThreaded())

	require.NoError(t, client.ClientInitiateConnection(server.LocalAddr()))
	dispatch(t, func() bool { return len(client.rec.connectedTo()) == 1 }, client, server)

	require.NoError(t, client.StopThreadedUpdate())
	assert.False(t, client.IsThreaded())
	require.NoError(t, client.QueueSend(server.LocalAddr(), []byte("polled")))
	require.NoError(t, client.Update())
	dispatch(t, func() bool { return len(server.rec.messages()) == 1 }, server)
}

func TestDestroyJoinsWorker(t *testing.T) {
	network := simnet.NewNetwork()
	ep := newThreadedEndpoint(t, network, "10.0.0.1:9000", accepting)
	addr := ep.LocalAddr()

	ep.Destroy()
	assert.False(t, ep.IsThreaded())

	// The socket is closed, so the simulated address can be bound again and
	// nothing reads from it.
	conn, err := network.Listen(addr)
	require.NoError(t, err)
	require.NoError(t, network.Inject(netip.MustParseAddrPort("10.0.0.9:1"), addr, connectRequest(t, testProtocolID)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ep.PendingEvents())
	assert.NoError(t, conn.Close())
}
