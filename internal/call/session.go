package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// Direction tells who placed the call.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// session holds the complete state of one call attempt. It is owned by the
// coordinator's event loop; nothing else touches it.
type session struct {
	// Identity
	id        string
	gen       uint64
	direction Direction
	remote    protocol.ParticipantID
	info      protocol.CallerInfo
	started   time.Time

	// Lifecycle
	phase       Phase
	ctx         context.Context
	cancel      context.CancelFunc
	timer       *time.Timer
	releaseOnce sync.Once
	reason      EndReason
	err         error

	// Negotiation
	offer           *webrtc.SessionDescription // inbound offer awaiting Accept
	tr              Transport
	described       bool // our offer or answer has been sent
	remoteDescribed bool // the peer's description has been applied
	accepting       bool

	// Candidates
	inbound  CandidateBuffer           // remote, waiting for the remote description
	outbound []webrtc.ICECandidateInit // local, waiting for our description to be sent

	// Media
	local        *media.Stream
	remoteStream *media.Stream
}

func newSession(parent context.Context, gen uint64, dir Direction, remote protocol.ParticipantID) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:           uuid.NewString(),
		gen:          gen,
		direction:    dir,
		remote:       remote,
		started:      time.Now(),
		phase:        PhaseIdle,
		ctx:          ctx,
		cancel:       cancel,
		remoteStream: media.NewStream(),
	}
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// release consolidates all teardown behind sync.Once: pending async work is
// cancelled, every track is stopped, the transport is closed and both
// candidate queues are dropped.
func (s *session) release() error {
	var err error
	s.releaseOnce.Do(func() {
		s.cancel()
		s.stopTimer()
		if s.local != nil {
			s.local.Stop()
		}
		s.remoteStream.Stop()
		if s.tr != nil {
			err = s.tr.Close()
		}
		if n := s.inbound.Clear(); n > 0 {
			util.LogDebug("call %s: dropped %d buffered remote candidates", s.short(), n)
		}
		s.outbound = nil
	})
	return err
}

// short is the session id as shown in logs.
func (s *session) short() string {
	return s.id[:8]
}

// State is a read-only snapshot of the coordinator.
type State struct {
	Phase     Phase
	SessionID string
	Direction Direction
	Remote    protocol.ParticipantID
	// RemoteInfo is the peer's display data: the caller's own info for an
	// inbound call, or the profile looked up for an outbound one.
	RemoteInfo   protocol.CallerInfo
	Since        time.Time
	Accepting    bool
	LocalStream  *media.Stream
	RemoteStream *media.Stream
	Reason       EndReason // set once Ended
	Err          error     // set when a failure ended the call
}

func (s *session) snapshot() State {
	if s.phase == PhaseIdle {
		return State{Phase: PhaseIdle}
	}
	return State{
		Phase:        s.phase,
		SessionID:    s.id,
		Direction:    s.direction,
		Remote:       s.remote,
		RemoteInfo:   s.info,
		Since:        s.started,
		Accepting:    s.accepting,
		LocalStream:  s.local,
		RemoteStream: s.remoteStream,
		Reason:       s.reason,
		Err:          s.err,
	}
}

// Transition describes a phase change.
type Transition struct {
	From, To Phase
	State    State
}
