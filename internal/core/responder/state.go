package responder

import "fmt"

// State is a stage in a connection's lifecycle:
//
//	Accepted → Reading → (Responding | Aborted) → Closed
//
// Aborted is reachable from Reading and from Responding. Closed is terminal.
type State int

const (
	StateAccepted State = iota
	StateReading
	StateResponding
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateResponding:
		return "responding"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateAccepted:   {StateReading},
	StateReading:    {StateResponding, StateAborted},
	StateResponding: {StateClosed, StateAborted},
	StateAborted:    {StateClosed},
}

// CanTransition reports whether to may directly follow from.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
