// Package simnet provides an in-memory datagram network for deterministic
// testing of udpc endpoints.
//
// # Overview
//
// A Network hands out Conn values that implement net.PacketConn. Datagrams
// written to a Conn are delivered to the Conn bound at the destination
// address without touching the operating system, so tests can run many
// endpoints side by side and control loss precisely.
//
// # Usage
//
//	network := simnet.NewNetwork()
//	server, _ := network.Listen(netip.MustParseAddrPort("10.0.0.1:9000"))
//	client, _ := network.Listen(netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 0))
//
//	opts := udpc.NewOptions()
//	opts.PacketConn = server
//
// # Fault Injection
//
// SetDropFunc installs a predicate consulted for every datagram; returning
// true discards it. Inject delivers raw bytes as if sent from an arbitrary
// address, which is how tests feed malformed or foreign traffic. FailReads
// makes a Conn report a fatal read error.
//
// # Delivery Log
//
// Every datagram is recorded with its outcome. Stats summarizes the log.
package simnet
