package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/opd-ai/udpc/limits"
)

// Flags identifies the kind of a packet. Exactly one flag is set on every
// valid packet; flags share the first header word with the connection id.
type Flags uint32

const (
	// FlagConnect opens a connection (id 0) or answers one (id assigned).
	FlagConnect Flags = 1 << 31
	// FlagDisconnect closes a connection.
	FlagDisconnect Flags = 1 << 30
	// FlagHeartbeat keeps an idle connection alive.
	FlagHeartbeat Flags = 1 << 29
	// FlagData carries an application payload.
	FlagData Flags = 1 << 28

	flagMask Flags = FlagConnect | FlagDisconnect | FlagHeartbeat | FlagData
)

// ConnectionIDMask selects the connection id bits of the first header word.
const ConnectionIDMask uint32 = 0x0FFFFFFF

// HeaderSize is the fixed size of a packet header.
const HeaderSize = limits.HeaderSize

// ErrMalformedPacket is returned by ParsePacket for buffers that cannot be a
// valid packet.
var ErrMalformedPacket = errors.New("malformed packet")

// String returns the flag name.
func (f Flags) String() string {
	switch f {
	case FlagConnect:
		return "CONNECT"
	case FlagDisconnect:
		return "DISCONNECT"
	case FlagHeartbeat:
		return "HEARTBEAT"
	case FlagData:
		return "DATA"
	default:
		return fmt.Sprintf("Flags(0x%08x)", uint32(f))
	}
}

// Packet is the decoded form of one datagram.
type Packet struct {
	ProtocolID   uint32
	ConnectionID uint32
	Flags        Flags
	Sequence     uint32
	AckSequence  uint32
	AckBitfield  uint32
	Payload      []byte
}

// Serialize converts a packet to a byte slice for transmission.
//
// Format: [protocol id][flags|connection id][sequence][ack sequence][ack bitfield][payload]
func (p *Packet) Serialize() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	result := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(result[0:4], p.ProtocolID)
	binary.BigEndian.PutUint32(result[4:8], uint32(p.Flags)|p.ConnectionID)
	binary.BigEndian.PutUint32(result[8:12], p.Sequence)
	binary.BigEndian.PutUint32(result[12:16], p.AckSequence)
	binary.BigEndian.PutUint32(result[16:20], p.AckBitfield)
	copy(result[HeaderSize:], p.Payload)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet. The payload is copied so the
// caller may reuse data. The protocol id is not checked here.
func ParsePacket(data []byte) (*Packet, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	word := binary.BigEndian.Uint32(data[4:8])
	packet := &Packet{
		ProtocolID:   binary.BigEndian.Uint32(data[0:4]),
		ConnectionID: word & ConnectionIDMask,
		Flags:        Flags(word) & flagMask,
		Sequence:     binary.BigEndian.Uint32(data[8:12]),
		AckSequence:  binary.BigEndian.Uint32(data[12:16]),
		AckBitfield:  binary.BigEndian.Uint32(data[16:20]),
	}
	if len(data) > HeaderSize {
		packet.Payload = make([]byte, len(data)-HeaderSize)
		copy(packet.Payload, data[HeaderSize:])
	}

	if err := packet.validate(); err != nil {
		return nil, err
	}
	return packet, nil
}

// validate enforces the structural rules shared by encode and decode.
func (p *Packet) validate() error {
	if p.ConnectionID&^ConnectionIDMask != 0 {
		return fmt.Errorf("%w: connection id 0x%x exceeds 28 bits", ErrMalformedPacket, p.ConnectionID)
	}
	if p.Flags&^flagMask != 0 || bits.OnesCount32(uint32(p.Flags)) != 1 {
		return fmt.Errorf("%w: flags %s must name exactly one packet kind", ErrMalformedPacket, p.Flags)
	}
	if p.Flags == FlagData {
		if err := limits.ValidatePayload(p.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
	} else if len(p.Payload) != 0 {
		return fmt.Errorf("%w: %s packet carries %d payload bytes", ErrMalformedPacket, p.Flags, len(p.Payload))
	}
	return nil
}
