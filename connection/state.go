package connection

import "fmt"

// State is the lifecycle state of a connection.
type State uint8

const (
	// StateIntroduction means the connect handshake is in flight.
	StateIntroduction State = iota
	// StateConnected means the handshake completed and data flows.
	StateConnected
	// StateDisconnecting means a close was requested and final packets drain.
	StateDisconnecting
	// StateClosed is terminal. The connection is removed from its table.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIntroduction:
		return "Introduction"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// CloseReason records why a connection reached StateClosed.
type CloseReason uint8

const (
	// ReasonNone is reported while the connection is still open.
	ReasonNone CloseReason = iota
	// ReasonTimeout means no valid packet arrived within the timeout window.
	ReasonTimeout
	// ReasonDropped means the local side dropped the connection.
	ReasonDropped
	// ReasonRemoteClosed means the peer sent DISCONNECT.
	ReasonRemoteClosed
	// ReasonConnectFailed means an initiation timed out before the peer answered.
	ReasonConnectFailed
)

// String returns the reason name.
func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonDropped:
		return "dropped"
	case ReasonRemoteClosed:
		return "remote closed"
	case ReasonConnectFailed:
		return "connect failed"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(r))
	}
}
