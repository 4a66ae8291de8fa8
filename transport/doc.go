// Package transport implements the udpc wire format and the UDP socket the
// engine sends and receives it on.
//
// # Wire Format
//
// Every packet starts with a fixed 20-byte big-endian header:
//
//	0..4   protocol id
//	4..8   flags (top 4 bits) | connection id (low 28 bits)
//	8..12  sequence
//	12..16 ack sequence
//	16..20 ack bitfield
//	20..   payload (DATA packets only)
//
// Exactly one of FlagConnect, FlagDisconnect, FlagHeartbeat or FlagData is set.
// ParsePacket rejects anything else with ErrMalformedPacket and never panics on
// arbitrary input. The codec does not look at the protocol id; filtering is the
// caller's job.
//
// Sequence numbers wrap around. Use SequenceNewer and SequenceDistance instead
// of plain comparisons.
//
// # Socket
//
// Socket wraps a bound net.PacketConn. A receive goroutine reads with a short
// deadline and pushes datagrams into a bounded channel; Receive drains that
// channel without blocking, which is what the update tick needs:
//
//	sock, err := transport.Listen("127.0.0.1:0", 256, logEntry)
//	if err != nil {
//	    return err
//	}
//	defer sock.Close()
//
//	for _, d := range sock.Receive(64) {
//	    pkt, err := transport.ParsePacket(d.Data)
//	    ...
//	}
//
// A read error other than a timeout is fatal and is reported by Err.
package transport
