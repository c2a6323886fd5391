package daemon

import "fmt"

type State int32

const (
	StateNotRunning State = iota
	StateStarting
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not_running"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// next lists the transitions the server may take from each state.
var next = map[State][]State{
	StateNotRunning:   {StateStarting},
	StateStarting:     {StateListening, StateStopped},
	StateListening:    {StateShuttingDown},
	StateShuttingDown: {StateStopped},
}

func canTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
