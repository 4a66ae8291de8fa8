package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func receiveEventually(t *testing.T, s *Socket, want int) []Datagram {
	t.Helper()
	var got []Datagram
	require.Eventually(t, func() bool {
		got = append(got, s.Receive(want-len(got))...)
		return len(got) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestSocketSendReceive(t *testing.T) {
	a, err := Listen("127.0.0.1:0", 16, quietEntry())
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen("127.0.0.1:0", 16, quietEntry())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send([]byte("ping"), b.LocalAddr()))

	got := receiveEventually(t, b, 1)
	assert.Equal(t, []byte("ping"), got[0].Data)
	assert.Equal(t, a.LocalAddr(), got[0].Addr)
}

func TestSocketReceiveNeverBlocks(t *testing.T) {
	s, err := Listen("127.0.0.1:0", 4, quietEntry())
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	assert.Empty(t, s.Receive(10))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSocketReceiveRespectsMax(t *testing.T) {
	a, err := Listen("127.0.0.1:0", 16, quietEntry())
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen("127.0.0.1:0", 16, quietEntry())
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}, b.LocalAddr()))
	}
	receiveEventually(t, b, 1)
	require.Eventually(t, func() bool { return len(b.inbound) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, b.Receive(1), 1)
}

func TestSocketClose(t *testing.T) {
	s, err := Listen("127.0.0.1:0", 4, quietEntry())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "second close is a no-op")
	assert.ErrorIs(t, s.Send([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")), ErrSocketClosed)
	assert.NoError(t, s.Err(), "closing is not a fatal read error")
}

func TestAddrPortOfUnmapsIPv4(t *testing.T) {
	mapped := &net.UDPAddr{IP: net.ParseIP("::ffff:127.0.0.1"), Port: 4000}
	ap, ok := addrPortOf(mapped)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:4000"), ap)

	_, ok = addrPortOf(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.False(t, ok)
}
