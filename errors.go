package udpc

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/udpc/connection"
	"github.com/opd-ai/udpc/limits"
	"github.com/opd-ai/udpc/transport"
)

// ErrorCode is the value held in a Context's error slot.
type ErrorCode uint8

const (
	ErrorNone ErrorCode = iota
	ErrorMalformedPacket
	ErrorProtocolMismatch
	ErrorQueueFull
	ErrorUnknownConnection
	ErrorAlreadyConnected
	ErrorSocket
	ErrorInvalidArgument
	ErrorInvalidState
)

var errorNames = [...]string{
	ErrorNone:              "ErrorNone",
	ErrorMalformedPacket:   "ErrorMalformedPacket",
	ErrorProtocolMismatch:  "ErrorProtocolMismatch",
	ErrorQueueFull:         "ErrorQueueFull",
	ErrorUnknownConnection: "ErrorUnknownConnection",
	ErrorAlreadyConnected:  "ErrorAlreadyConnected",
	ErrorSocket:            "ErrorSocket",
	ErrorInvalidArgument:   "ErrorInvalidArgument",
	ErrorInvalidState:      "ErrorInvalidState",
}

var errorText = [...]string{
	ErrorNone:              "no error",
	ErrorMalformedPacket:   "received a malformed packet",
	ErrorProtocolMismatch:  "received a packet with a foreign protocol id",
	ErrorQueueFull:         "send queue is full",
	ErrorUnknownConnection: "no connection exists for the address",
	ErrorAlreadyConnected:  "a connection to the address already exists",
	ErrorSocket:            "socket error",
	ErrorInvalidArgument:   "invalid argument",
	ErrorInvalidState:      "operation not valid in the current state",
}

// String returns the constant name of the code.
func (c ErrorCode) String() string {
	if int(c) < len(errorNames) {
		return errorNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// ErrorString renders code as human readable text.
func ErrorString(code ErrorCode) string {
	if int(code) < len(errorText) {
		return errorText[code]
	}
	return "unknown error"
}

// Sentinel errors returned by Context methods, wrapped in *OpError.
var (
	// ErrQueueFull indicates the connection's send queue is at capacity.
	ErrQueueFull = connection.ErrQueueFull

	// ErrUnknownConnection indicates no usable connection exists for the address.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrAlreadyConnected indicates a connection to the address already exists.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrInvalidState indicates the call is not valid in the current mode.
	ErrInvalidState = errors.New("invalid state")

	// ErrContextDestroyed indicates the Context was destroyed.
	ErrContextDestroyed = errors.New("context destroyed")

	// ErrInvalidAddress indicates an unusable peer address.
	ErrInvalidAddress = errors.New("invalid address")
)

// OpError represents a failed Context operation with additional context.
type OpError struct {
	Op   string         // operation that caused the error
	Addr netip.AddrPort // peer address if relevant
	Err  error          // underlying error
}

func (e *OpError) Error() string {
	if e.Addr.IsValid() {
		return fmt.Sprintf("udpc %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("udpc %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// newOpError creates a new OpError
func newOpError(op string, addr netip.AddrPort, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

// codeOf maps an error to the code recorded in the error slot.
func codeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, ErrQueueFull):
		return ErrorQueueFull
	case errors.Is(err, ErrUnknownConnection), errors.Is(err, connection.ErrClosing):
		return ErrorUnknownConnection
	case errors.Is(err, ErrAlreadyConnected):
		return ErrorAlreadyConnected
	case errors.Is(err, limits.ErrPayloadEmpty), errors.Is(err, limits.ErrPayloadTooLarge), errors.Is(err, ErrInvalidAddress):
		return ErrorInvalidArgument
	case errors.Is(err, transport.ErrMalformedPacket):
		return ErrorMalformedPacket
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrContextDestroyed):
		return ErrorInvalidState
	default:
		return ErrorSocket
	}
}
