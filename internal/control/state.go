package control

import "fmt"

// State is a step of the control session state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAuthorization
	StateAuthenticating
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
