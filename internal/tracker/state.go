package tracker

import "fmt"

// State is the session state. Only Ready and Tracking have an open device.
type State int

const (
	Uninitialized State = iota
	Ready
	Tracking
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
