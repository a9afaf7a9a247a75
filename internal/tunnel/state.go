package tunnel

import (
	"errors"
	"time"
)

// State is the lifecycle state of the knowledge-base tunnel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrTunnelUnavailable is returned when no forwarding path could be
// established within the caller's budget.
var ErrTunnelUnavailable = errors.New("tunnel unavailable")

// Handle describes the forwarding session current at the time of the call.
// Callers look it up; only Manager owns the underlying connection.
type Handle struct {
	LocalAddr   string
	RemoteAddr  string
	State       State
	ConnectedAt time.Time
	// Generation increases on every successful connect. It lets a caller
	// report a broken handle without invalidating a newer one.
	Generation uint64
}

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason"`
	Attempt int       `json:"attempt,omitempty"`
	At      time.Time `json:"at"`
}
