// Package limits provides centralized datagram and payload size constants and
// validation functions for the udpc wire protocol.
//
// # Size Hierarchy
//
//   - HeaderSize (20 bytes): the fixed packet header (protocol id, flags and
//     connection id, sequence, ack sequence, ack bitfield).
//
//   - MaxDatagramSize (8192 bytes): the largest datagram the engine sends or
//     accepts. Anything larger read from the socket is dropped as malformed.
//
//   - MaxPayloadSize (MaxDatagramSize - HeaderSize): the largest application
//     payload QueueSend accepts.
//
// # Validation Functions
//
//	err := limits.ValidatePayload(payload)
//	if err != nil {
//	    // ErrPayloadEmpty or ErrPayloadTooLarge
//	}
//
// ValidateDatagram is applied to raw bytes read from the socket before decoding.
package limits
