package limits

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of every packet header on the wire.
	HeaderSize = 20

	// MaxDatagramSize is the largest datagram sent or accepted by the engine.
	MaxDatagramSize = 8192

	// MaxPayloadSize is the largest application payload a single packet carries.
	MaxPayloadSize = MaxDatagramSize - HeaderSize

	// ReadBufferSize is the socket read buffer. It is larger than
	// MaxDatagramSize so oversized datagrams are detected instead of truncated.
	ReadBufferSize = 65536
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds MaxPayloadSize
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrDatagramSize indicates a datagram outside [HeaderSize, MaxDatagramSize]
	ErrDatagramSize = errors.New("invalid datagram size")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrPayloadEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidatePayload validates an application payload against MaxPayloadSize.
func ValidatePayload(payload []byte) error {
	return ValidateSize(payload, MaxPayloadSize)
}

// ValidateDatagram checks that a raw datagram can hold a header and does not
// exceed MaxDatagramSize.
func ValidateDatagram(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrDatagramSize, len(data), HeaderSize)
	}
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrDatagramSize, len(data), MaxDatagramSize)
	}
	return nil
}
