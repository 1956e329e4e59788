package call

import "errors"

// Errors returned by the Coordinator's operations.
var (
	ErrNotIdle           = errors.New("a call is already in progress")
	ErrNoIncomingCall    = errors.New("no incoming call to answer")
	ErrNoActiveCall      = errors.New("no call to hang up")
	ErrAcceptInProgress  = errors.New("call is already being accepted")
	ErrInvalidTarget     = errors.New("invalid call target")
	ErrLocalMedia        = errors.New("local media unavailable")
	ErrNegotiation       = errors.New("session negotiation failed")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrClosed            = errors.New("coordinator closed")
)

// EndReason records why a session ended.
type EndReason string

const (
	ReasonLocalHangup EndReason = "local-hangup"
	ReasonLocalReject EndReason = "local-reject"
	ReasonRemoteEnd   EndReason = "remote-end"
	ReasonBusy        EndReason = "busy" // a second offer turned away, never a session's reason
	ReasonGlare       EndReason = "glare"
	ReasonLocalMedia  EndReason = "local-media"
	ReasonNegotiation EndReason = "negotiation"
	ReasonTimeout     EndReason = "timeout"
	ReasonShutdown    EndReason = "shutdown"
)

// remote reports whether the peer initiated the termination or took over
// the call, in which case no callEnd is sent back.
func (r EndReason) remote() bool {
	return r == ReasonRemoteEnd || r == ReasonGlare
}
