package connection

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"slices"

	"github.com/opd-ai/udpc/transport"
)

// ErrDuplicateAddress is returned by Insert when the address is already present.
var ErrDuplicateAddress = errors.New("connection already exists for address")

// Table maps peer addresses to connections and tracks locally allocated
// connection ids.
type Table struct {
	conns map[netip.AddrPort]*Connection
	ids   map[uint32]netip.AddrPort
	rand  func() uint32
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		conns: make(map[netip.AddrPort]*Connection),
		ids:   make(map[uint32]netip.AddrPort),
		rand:  rand.Uint32,
	}
}

// NewID allocates a nonzero 28-bit connection id not used by any acceptor
// connection in the table.
func (t *Table) NewID() uint32 {
	for {
		id := t.rand() & transport.ConnectionIDMask
		if id == 0 {
			continue
		}
		if _, taken := t.ids[id]; !taken {
			return id
		}
	}
}

// Insert adds c. Ids of acceptor connections are reserved until Remove.
func (t *Table) Insert(c *Connection) error {
	if _, ok := t.conns[c.addr]; ok {
		return ErrDuplicateAddress
	}
	t.conns[c.addr] = c
	if !c.initiator && c.id != 0 {
		t.ids[c.id] = c.addr
	}
	return nil
}

// Get returns the connection for addr.
func (t *Table) Get(addr netip.AddrPort) (*Connection, bool) {
	c, ok := t.conns[addr]
	return c, ok
}

// Remove deletes and returns the connection for addr.
func (t *Table) Remove(addr netip.AddrPort) (*Connection, bool) {
	c, ok := t.conns[addr]
	if !ok {
		return nil, false
	}
	delete(t.conns, addr)
	if owner, reserved := t.ids[c.id]; reserved && owner == addr {
		delete(t.ids, c.id)
	}
	return c, true
}

// Len returns the number of connections.
func (t *Table) Len() int { return len(t.conns) }

// Snapshot returns every connection ordered by address, so sweeps visit
// peers in a stable order.
func (t *Table) Snapshot() []*Connection {
	out := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Connection) int { return a.addr.Compare(b.addr) })
	return out
}

// Clear removes every connection.
func (t *Table) Clear() {
	clear(t.conns)
	clear(t.ids)
}
