package lockdownd

import "errors"

// ErrInvalidState is returned when a session operation is not allowed in its current state.
var ErrInvalidState = errors.New("invalid session state")

// State is the trust state of a lockdownd session.
type State int

const (
	Disconnected State = iota
	Connecting
	Unauthenticated
	AwaitingTrust
	Trusted
	ServiceReady
	Rejected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Unauthenticated:
		return "Unauthenticated"
	case AwaitingTrust:
		return "AwaitingTrust"
	case Trusted:
		return "Trusted"
	case ServiceReady:
		return "ServiceReady"
	case Rejected:
		return "Rejected"
	}
	return "Unknown"
}

// Paired reports whether the host holds a pair record the device accepted.
func (s State) Paired() bool {
	return s == Trusted || s == ServiceReady
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
