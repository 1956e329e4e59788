package call

import (
	"fmt"

	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// subscribe hooks the four call events of the relay into the event loop and
// returns the handles that undo it.
func (c *Coordinator) subscribe() []func() {
	on := func(t protocol.EventType, fn func(*protocol.Event)) func() {
		return c.opts.Relay.Subscribe(t, func(evt *protocol.Event) {
			c.post(func() { fn(evt) })
		})
	}

	return []func(){
		on(protocol.TypeCallOffer, c.onRemoteOffer),
		on(protocol.TypeCallAnswer, c.onRemoteAnswer),
		on(protocol.TypeICECandidate, c.onRemoteCandidate),
		on(protocol.TypeCallEnd, c.onRemoteEnd),
	}
}

// discard drops a relay event that no session is waiting for.
func (c *Coordinator) discard(evt *protocol.Event, why string) {
	util.LogWarning("discarding %s from %s: %s", evt.Type, evt.From, why)
	c.opts.Metrics.Discarded(string(evt.Type))
}

// idle reports whether a new session may begin. A session still held in
// Ended is reset first.
func (c *Coordinator) idle() bool {
	if c.sess != nil && c.sess.phase == PhaseEnded {
		c.reset(c.sess.gen)
	}
	return c.sess == nil
}

func (c *Coordinator) onRemoteOffer(evt *protocol.Event) {
	if evt.From == 0 || evt.Signal == nil {
		c.discard(evt, "offer without sender or description")
		return
	}

	if !c.idle() {
		s := c.sess
		if s.remote == evt.From {
			if s.direction == Outbound && s.phase == PhaseDialing && c.opts.Self.ID < evt.From {
				c.yield(s, evt)
				return
			}
			c.discard(evt, fmt.Sprintf("duplicate offer for call %s", s.short()))
			return
		}

		util.LogInfo("busy: turning away call from %s", evt.From)
		if err := c.send(&protocol.Event{Type: protocol.TypeCallEnd, To: evt.From}); err != nil {
			util.LogWarning("failed to send busy callEnd to %s: %v", evt.From, err)
		}
		c.opts.Metrics.Ended(string(ReasonBusy))
		return
	}

	c.ring(evt)
}

// ring starts an inbound session for the offer evt.
func (c *Coordinator) ring(evt *protocol.Event) *session {
	s := c.begin(Inbound, evt.From)
	offer := *evt.Signal
	s.offer = &offer
	if evt.Caller != nil {
		s.info = *evt.Caller
	}

	c.setPhase(s, PhaseRinging)
	c.armTimer(s)
	c.resolveInfo(s)
	return s
}

// yield settles glare, where both sides dialed each other. The side with
// the lower id drops its own call and answers the other one; the higher id
// keeps dialing and discards the losing offer as a duplicate.
func (c *Coordinator) yield(s *session, evt *protocol.Event) {
	util.LogInfo("call %s: %s dialed us at the same time, answering their call", s.short(), evt.From)
	c.end(s, ReasonGlare, nil)
	if !c.idle() {
		return
	}
	c.accept(c.ring(evt))
}

func (c *Coordinator) onRemoteAnswer(evt *protocol.Event) {
	s := c.sess
	switch {
	case s == nil || s.phase != PhaseDialing:
		c.discard(evt, "no call is dialing")
		return
	case evt.From != s.remote:
		c.discard(evt, fmt.Sprintf("call %s is dialing %s", s.short(), s.remote))
		return
	case !s.described:
		c.discard(evt, "offer not sent yet")
		return
	case s.remoteDescribed || evt.Signal == nil:
		c.discard(evt, "duplicate answer")
		return
	}

	if err := s.tr.SetRemoteDescription(*evt.Signal); err != nil {
		c.fail(s, fmt.Errorf("apply answer: %w", err))
		return
	}
	s.remoteDescribed = true
	c.flushInbound(s)

	s.stopTimer()
	if c.setPhase(s, PhaseConnecting) {
		c.checkMedia(s)
	}
}

func (c *Coordinator) onRemoteCandidate(evt *protocol.Event) {
	s := c.sess
	switch {
	case s == nil || !s.phase.InCall():
		c.discard(evt, "no call in progress")
		return
	case evt.From != s.remote:
		c.discard(evt, fmt.Sprintf("call %s is with %s", s.short(), s.remote))
		return
	case evt.Candidate == nil:
		c.discard(evt, "empty candidate")
		return
	}

	if !s.remoteDescribed {
		s.inbound.Enqueue(*evt.Candidate)
		util.LogTrace("call %s: buffered remote candidate (%d pending)", s.short(), s.inbound.Len())
		return
	}
	if err := s.tr.AddICECandidate(*evt.Candidate); err != nil {
		util.LogWarning("call %s: add remote candidate: %v", s.short(), err)
	}
}

// onRemoteEnd honours a callEnd in every live phase. An end sent by someone
// other than the current peer is ignored; one without a sender comes from
// the relay itself.
func (c *Coordinator) onRemoteEnd(evt *protocol.Event) {
	s := c.sess
	if s == nil || !s.phase.InCall() {
		util.LogDebug("ignoring callEnd from %s: no call in progress", evt.From)
		return
	}
	if evt.From != 0 && evt.From != s.remote {
		c.discard(evt, fmt.Sprintf("call %s is with %s", s.short(), s.remote))
		return
	}
	c.end(s, ReasonRemoteEnd, nil)
}

// flushInbound applies the remote candidates that waited for the remote
// description.
func (c *Coordinator) flushInbound(s *session) {
	n, err := s.inbound.Flush(s.tr.AddICECandidate)
	if n > 0 {
		util.LogDebug("call %s: applied %d buffered remote candidates", s.short(), n)
	}
	if err != nil {
		util.LogWarning("call %s: buffered candidates: %v", s.short(), err)
	}
}

// flushOutbound sends the local candidates gathered before our description
// went out.
func (c *Coordinator) flushOutbound(s *session) {
	pending := s.outbound
	s.outbound = nil
	for i := range pending {
		c.sendCandidate(s, pending[i])
	}
}
