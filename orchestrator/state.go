package orchestrator

import (
	"fmt"
	"time"

	"github.com/rjeffmyers/vpnrdp/common"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateIdle is implied before Connect; it never appears in a trace.
	StateIdle State = iota
	StateConnectingVPN
	StateVPNUp
	StateConnectingRDP
	StateConnected
	StateDisconnecting
	StateFailed
	StateDisconnected
)

var stateNames = map[State]string{
	StateIdle:          "Idle",
	StateConnectingVPN: "ConnectingVPN",
	StateVPNUp:         "VPNUp",
	StateConnectingRDP: "ConnectingRDP",
	StateConnected:     "Connected",
	StateDisconnecting: "Disconnecting",
	StateFailed:        "Failed",
	StateDisconnected:  "Disconnected",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisconnected
}

// Snapshot records one transition of a session.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Profile   string    `json:"profile"`
	State     State     `json:"state"`
	Seq       int       `json:"seq"`
	At        time.Time `json:"at"`
	// Err is the session's recorded fault, if any.
	Err      *common.KindError `json:"-"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Observer receives every transition of every session, in order. Observe
// runs on the session goroutine and must not block.
type Observer interface {
	Observe(s Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

// Observe implements Observer.
func (f ObserverFunc) Observe(s Snapshot) {
	f(s)
}
