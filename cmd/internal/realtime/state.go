package realtime

import "sync/atomic"

// State is the channel connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) set(st State) { s.v.Store(int32(st)) }
func (s *stateVar) get() State   { return State(s.v.Load()) }
