package connection

import (
	"net/netip"
	"testing"

	"github.com/opd-ai/udpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInsertGetRemove(t *testing.T) {
	table := NewTable()
	c := NewIncoming(clientAddr, table.NewID(), 4, epoch, quietLog())

	require.NoError(t, table.Insert(c))
	assert.ErrorIs(t, table.Insert(c), ErrDuplicateAddress)
	assert.Equal(t, 1, table.Len())

	got, ok := table.Get(clientAddr)
	require.True(t, ok)
	assert.Same(t, c, got)

	removed, ok := table.Remove(clientAddr)
	require.True(t, ok)
	assert.Same(t, c, removed)
	_, ok = table.Remove(clientAddr)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestTableNewIDSkipsZeroAndTaken(t *testing.T) {
	table := NewTable()
	seq := []uint32{0, transport.ConnectionIDMask + 1, 5, 5, 6}
	table.rand = func() uint32 {
		v := seq[0]
		seq = seq[1:]
		return v
	}

	first := table.NewID()
	assert.Equal(t, uint32(5), first)
	require.NoError(t, table.Insert(NewIncoming(clientAddr, first, 4, epoch, quietLog())))

	assert.Equal(t, uint32(6), table.NewID())
}

func TestTableReleasesIDOnRemove(t *testing.T) {
	table := NewTable()
	table.rand = func() uint32 { return 9 }

	id := table.NewID()
	require.NoError(t, table.Insert(NewIncoming(clientAddr, id, 4, epoch, quietLog())))
	table.Remove(clientAddr)

	assert.Equal(t, uint32(9), table.NewID())
}

func TestTableSnapshotOrdered(t *testing.T) {
	table := NewTable()
	addrs := []string{"127.0.0.1:9000", "10.0.0.1:1", "127.0.0.1:80"}
	for _, a := range addrs {
		require.NoError(t, table.Insert(NewOutgoing(netip.MustParseAddrPort(a), 4, epoch, quietLog())))
	}

	snap := table.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "10.0.0.1:1", snap[0].Addr().String())
	assert.Equal(t, "127.0.0.1:80", snap[1].Addr().String())
	assert.Equal(t, "127.0.0.1:9000", snap[2].Addr().String())

	table.Clear()
	assert.Equal(t, 0, table.Len())
}
