package session

import "fmt"

// State is the session lifecycle position. Transitions move forward only;
// the single allowed cycle is Speaking and Listening alternating during
// normal conversation turns.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateListening
	StateSpeaking
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
