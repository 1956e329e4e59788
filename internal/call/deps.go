package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

// Relay is the signaling channel the coordinator talks through.
type Relay interface {
	Send(ctx context.Context, evt *protocol.Event) error
	Subscribe(t protocol.EventType, fn func(*protocol.Event)) (unsubscribe func())
}

// Transport is the media transport of one session.
type Transport interface {
	AddLocalStream(s *media.Stream) error
	CreateOffer() (webrtc.SessionDescription, error)  // also applies it locally
	CreateAnswer() (webrtc.SessionDescription, error) // also applies it locally
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// TransportFactory creates the transport for a new session, wired to h.
type TransportFactory func(h transport.Handlers) (Transport, error)

// ProfileResolver looks up display data for a participant.
type ProfileResolver interface {
	CallerInfo(ctx context.Context, id protocol.ParticipantID) (protocol.CallerInfo, error)
}
