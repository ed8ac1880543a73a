package tunnel

import (
	"slices"
	"time"
)

// State is the lifecycle stage of the tunnel.
type State string

// Lifecycle states.
const (
	StateNotRunning    State = "not_running"
	StateLoading       State = "loading"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateRunning       State = "running"
	StateError         State = "error"
	StateClosed        State = "closed"
)

// Failure categories. Reaching one tears the ssh process down and
// re-establishes the tunnel on the same cycle.
const (
	StateNotKnown         State = "not_known"
	StatePortRefused      State = "port_refused"
	StateRefused          State = "refused"
	StateDenied           State = "denied"
	StateConnectionClosed State = "connection_closed"
	// StatePrepareFailed means the server could not be asked for a port;
	// it is distinct from every ssh level failure.
	StatePrepareFailed State = "prepare_failed"
)

// Failure reports whether s requires re-establishing the tunnel.
func (s State) Failure() bool {
	switch s {
	case StateNotKnown, StatePortRefused, StateRefused, StateDenied, StateConnectionClosed, StatePrepareFailed, StateError:
		return true
	}
	return false
}

// Status is a snapshot of the supervised tunnel.
type Status struct {
	Port      int       `json:"port"`
	State     State     `json:"state"`
	Command   []string  `json:"command"`
	LastInfo  string    `json:"last_info"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Status) clone() Status {
	s.Command = slices.Clone(s.Command)
	return s
}
