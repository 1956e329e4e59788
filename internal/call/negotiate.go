package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

// fail ends s after a negotiation failure.
func (c *Coordinator) fail(s *session, err error) {
	c.end(s, ReasonNegotiation, fmt.Errorf("%w: %w", ErrNegotiation, err))
}

// ---------------------------------------------------------------------------
// Local media
// ---------------------------------------------------------------------------

// acquireMedia starts local capture off-loop and posts the result back.
func (c *Coordinator) acquireMedia(s *session) {
	gen, ctx := s.gen, s.ctx
	go func() {
		stream, err := c.opts.Media.Acquire(ctx)
		if !c.post(func() { c.onLocalMedia(gen, stream, err) }) && stream != nil {
			stream.Stop()
		}
	}()
}

func (c *Coordinator) onLocalMedia(gen uint64, stream *media.Stream, err error) {
	s := c.current(gen)
	if s == nil {
		if stream != nil {
			util.LogDebug("releasing local media acquired for a finished call")
			stream.Stop()
		}
		return
	}
	if err != nil {
		c.end(s, ReasonLocalMedia, fmt.Errorf("%w: %w", ErrLocalMedia, err))
		return
	}

	s.local = stream
	tr, err := c.opts.NewTransport(c.handlers(gen))
	if err != nil {
		c.fail(s, fmt.Errorf("create transport: %w", err))
		return
	}
	s.tr = tr
	if err := tr.AddLocalStream(stream); err != nil {
		c.fail(s, fmt.Errorf("add local tracks: %w", err))
		return
	}
	c.update(s)

	if s.direction == Outbound {
		c.describe(s, "offer", tr.CreateOffer)
		return
	}

	if err := tr.SetRemoteDescription(*s.offer); err != nil {
		c.fail(s, fmt.Errorf("apply offer: %w", err))
		return
	}
	s.remoteDescribed = true
	c.flushInbound(s)
	c.describe(s, "answer", tr.CreateAnswer)
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

// describe builds our offer or answer off-loop.
func (c *Coordinator) describe(s *session, kind string, create func() (webrtc.SessionDescription, error)) {
	gen := s.gen
	go func() {
		sdp, err := create()
		if err != nil {
			err = fmt.Errorf("create %s: %w", kind, err)
		}
		c.post(func() { c.onLocalDescription(gen, sdp, err) })
	}()
}

// onLocalDescription emits our offer or answer. Held local candidates follow
// it; the answering side then moves to Connecting.
func (c *Coordinator) onLocalDescription(gen uint64, sdp webrtc.SessionDescription, err error) {
	s := c.current(gen)
	if s == nil {
		return
	}
	if err != nil {
		c.fail(s, err)
		return
	}

	evt := &protocol.Event{To: s.remote, Signal: &sdp}
	if s.direction == Outbound {
		evt.Type = protocol.TypeCallOffer
		caller := c.opts.Self.CallerInfo()
		evt.Caller = &caller
	} else {
		evt.Type = protocol.TypeCallAnswer
	}

	if err := c.send(evt); err != nil {
		c.fail(s, fmt.Errorf("send %s: %w", evt.Type, err))
		return
	}
	s.described = true
	c.flushOutbound(s)

	if s.direction == Inbound {
		s.stopTimer()
		if c.setPhase(s, PhaseConnecting) {
			c.checkMedia(s)
		}
	}
}

// ---------------------------------------------------------------------------
// Transport callbacks
// ---------------------------------------------------------------------------

// handlers binds transport callbacks to session generation gen.
func (c *Coordinator) handlers(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() { c.onLocalCandidate(gen, cand) })
		},
		OnTrack: func(track media.Track) {
			if !c.post(func() { c.onRemoteTrack(gen, track) }) {
				track.Stop()
			}
		},
		OnFailed: func(err error) {
			c.post(func() { c.onTransportFailed(gen, err) })
		},
	}
}

func (c *Coordinator) onLocalCandidate(gen uint64, cand webrtc.ICECandidateInit) {
	s := c.current(gen)
	if s == nil {
		return
	}
	if !s.described {
		s.outbound = append(s.outbound, cand)
		return
	}
	c.sendCandidate(s, cand)
}

func (c *Coordinator) sendCandidate(s *session, cand webrtc.ICECandidateInit) {
	err := c.send(&protocol.Event{Type: protocol.TypeICECandidate, To: s.remote, Candidate: &cand})
	if err != nil {
		util.LogWarning("call %s: send candidate: %v", s.short(), err)
	}
}

func (c *Coordinator) onRemoteTrack(gen uint64, track media.Track) {
	s := c.current(gen)
	if s == nil {
		track.Stop()
		return
	}

	s.remoteStream.Add(track)
	util.LogDebug("call %s: remote %s track %s", s.short(), track.Kind(), track.ID())
	if !c.checkMedia(s) {
		c.update(s)
	}
}

// checkMedia moves a Connecting session with remote media to Active.
func (c *Coordinator) checkMedia(s *session) bool {
	if s.phase != PhaseConnecting || s.remoteStream.Len() == 0 {
		return false
	}
	if !c.setPhase(s, PhaseActive) {
		return false
	}
	c.opts.Metrics.Connected(time.Since(s.started))
	return true
}

func (c *Coordinator) onTransportFailed(gen uint64, err error) {
	s := c.current(gen)
	if s == nil {
		return
	}
	c.fail(s, err)
}

// ---------------------------------------------------------------------------
// Display data
// ---------------------------------------------------------------------------

// resolveInfo looks up the peer's display data when the session has none.
func (c *Coordinator) resolveInfo(s *session) {
	if c.opts.Profiles == nil || s.info.Username != "" {
		return
	}

	gen, ctx, remote := s.gen, s.ctx, s.remote
	go func() {
		info, err := c.opts.Profiles.CallerInfo(ctx, remote)
		if err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				util.LogWarning("profile lookup for %s: %v", remote, err)
			}
			return
		}
		c.post(func() {
			s := c.current(gen)
			if s == nil || s.info.Username != "" {
				return
			}
			s.info = info
			c.update(s)
		})
	}()
}
