// Package transport wraps the WebRTC PeerConnection that carries a call's media.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/util"
)

// Options configures a new Transport.
type Options struct {
	ICEServers        []webrtc.ICEServer
	CandidatePoolSize uint8
	Recorder          *media.Recorder // optional, records remote tracks
}

// Handlers receive transport events. They are invoked on pion's goroutines
// and must not block.
type Handlers struct {
	OnICECandidate func(webrtc.ICECandidateInit) // one per gathered local candidate
	OnTrack        func(media.Track)             // one per remote track
	OnFailed       func(error)                   // connectivity lost for good
}

// Transport wraps a single PeerConnection for one call session.
//
// Its lifetime is bounded by the context passed at construction time and by
// Close. A failed PeerConnection is reported through Handlers.OnFailed; the
// owner decides whether to close.
type Transport struct {
	pc *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	closed  bool
}

// New creates a Transport backed by a fresh PeerConnection and wires h.
func New(ctx context.Context, opts Options, h Handlers) (*Transport, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:      pc,
		ctx:     tCtx,
		cancel:  tCancel,
		pcState: webrtc.PeerConnectionStateNew,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track %s (%s)", remote.Kind(), remote.ID(), remote.Codec().MimeType)
		track := media.NewRemoteTrack(remote, opts.Recorder)
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		closed := t.closed
		t.mu.Unlock()

		if state == webrtc.PeerConnectionStateFailed && !closed && h.OnFailed != nil {
			h.OnFailed(errors.New("peer connection failed"))
		}
	})

	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the PeerConnection. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	return t.pc.Close()
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddLocalStream attaches every local track of s to the PeerConnection.
func (t *Transport) AddLocalStream(s *media.Stream) error {
	var errs []error
	for _, lt := range s.LocalTracks() {
		sender, err := t.pc.AddTrack(lt.TrackLocal())
		if err != nil {
			errs = append(errs, fmt.Errorf("add %s track: %w", lt.Kind(), err))
			continue
		}
		go drainRTCP(sender)
	}
	return errors.Join(errs...)
}

// drainRTCP reads incoming RTCP so that interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it as the local description.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateOffer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return offer, nil
}

// CreateAnswer generates an SDP answer and applies it as the local description.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	return nil
}

// HasRemoteDescription reports whether a remote description has been applied.
func (t *Transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}
