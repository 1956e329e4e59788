// Package call implements the call-signaling coordinator: the state machine
// that drives one peer-to-peer call at a time from the relay events, the
// user's actions and the media transport's callbacks.
package call

// Phase is the coarse state of the call session.
type Phase int

const (
	PhaseIdle       Phase = iota // no session
	PhaseRinging                 // inbound offer waiting for Accept or Reject
	PhaseDialing                 // outbound offer sent or being prepared
	PhaseConnecting              // descriptions exchanged, waiting for remote media
	PhaseActive                  // remote media attached
	PhaseEnded                   // terminated, resources released, resetting to Idle
)

var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseRinging:    "ringing",
	PhaseDialing:    "dialing",
	PhaseConnecting: "connecting",
	PhaseActive:     "active",
	PhaseEnded:      "ended",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// transitions lists every edge the coordinator may take.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseRinging, PhaseDialing},
	PhaseRinging:    {PhaseConnecting, PhaseEnded},
	PhaseDialing:    {PhaseConnecting, PhaseEnded},
	PhaseConnecting: {PhaseActive, PhaseEnded},
	PhaseActive:     {PhaseEnded},
	PhaseEnded:      {PhaseIdle},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// InCall reports whether p holds a live session, i.e. anything except Idle
// and Ended.
func (p Phase) InCall() bool {
	return p != PhaseIdle && p != PhaseEnded
}
