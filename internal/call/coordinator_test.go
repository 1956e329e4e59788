package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/protocol"
)

var bg = context.Background()

// dialed dials target and waits until the offer is out.
func dialed(h *harness, target protocol.ParticipantID) *fakeTransport {
	h.t.Helper()
	require.NoError(h.t, h.c.Dial(bg, target))
	h.waitSent(protocol.TypeCallOffer, 1)
	return h.transport(0)
}

// connected dials target and applies its answer.
func connected(h *harness, target protocol.ParticipantID) *fakeTransport {
	h.t.Helper()
	tr := dialed(h, target)
	h.deliver(answerFrom(target))
	h.waitPhase(PhaseConnecting)
	return tr
}

// active brings a call to target up to Active and returns the remote track.
func active(h *harness, target protocol.ParticipantID) (*fakeTransport, *fakeTrack) {
	h.t.Helper()
	tr := connected(h, target)
	remote := &fakeTrack{id: "remote-video", kind: "video"}
	tr.h.OnTrack(remote)
	h.waitPhase(PhaseActive)
	return tr, remote
}

func assertAllStopped(t *testing.T, tracks ...*fakeTrack) {
	t.Helper()
	for _, tr := range tracks {
		assert.EqualValues(t, 1, tr.stops.Load(), "track %s", tr.id)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t, nil)
	_, err = New(Options{Self: h.c.opts.Self, Relay: h.relay, Media: h.source})
	assert.Error(t, err, "missing transport factory")
}

func TestDialAndHangUp(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) {
		h.localCandidates = []webrtc.ICECandidateInit{candidate("local-1")}
	})

	require.NoError(t, h.c.Dial(bg, 9))
	st := h.c.State()
	assert.Equal(t, PhaseDialing, st.Phase)
	assert.Equal(t, Outbound, st.Direction)
	assert.Equal(t, protocol.ParticipantID(9), st.Remote)
	assert.NotEmpty(t, st.SessionID)

	offers := h.waitSent(protocol.TypeCallOffer, 1)
	h.waitSent(protocol.TypeICECandidate, 1)
	assert.Equal(t, protocol.ParticipantID(9), offers[0].To)
	assert.Equal(t, webrtc.SDPTypeOffer, offers[0].Signal.Type)
	require.NotNil(t, offers[0].Caller)
	assert.Equal(t, "alice", offers[0].Caller.Username)
	assert.Equal(t, "alice.png", offers[0].Caller.ProfilePicture)

	// The candidate gathered while the offer was built follows the offer.
	assert.Equal(t, []protocol.EventType{protocol.TypeCallOffer, protocol.TypeICECandidate}, h.relay.types())

	h.deliver(answerFrom(9))
	assert.Equal(t, PhaseConnecting, h.c.State().Phase)
	tr := h.transport(0)
	require.NotNil(t, tr.remoteDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, tr.remoteDescription().Type)

	remote := &fakeTrack{id: "remote-video", kind: "video"}
	tr.h.OnTrack(remote)
	h.waitPhase(PhaseActive)

	st = h.c.State()
	assert.Equal(t, 2, st.LocalStream.Len())
	assert.Equal(t, 1, st.RemoteStream.Len())

	require.NoError(t, h.c.HangUp(bg))
	assert.Equal(t, PhaseIdle, h.c.State().Phase)

	ends := h.relay.sentOf(protocol.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.ParticipantID(9), ends[0].To)

	assertAllStopped(t, append(h.source.acquired(), remote)...)
	assert.True(t, tr.isClosed())
	assert.Equal(t, ReasonLocalHangup, h.ended().Reason)
	assert.Equal(t, []Phase{PhaseDialing, PhaseConnecting, PhaseActive, PhaseEnded, PhaseIdle}, h.phases())
}

func TestEndedIsPublishedAfterTeardown(t *testing.T) {
	type snapshot struct {
		liveLocal     int
		remoteStopped bool
		ends          int
		closed        bool
	}
	var (
		mu   sync.Mutex
		seen []snapshot
	)
	h := newHarness(t, func(o *Options, h *harness) {
		record := o.OnTransition
		o.OnTransition = func(tr Transition) {
			if tr.To == PhaseEnded {
				snap := snapshot{
					remoteStopped: tr.State.RemoteStream.Stopped(),
					ends:          len(h.relay.sentOf(protocol.TypeCallEnd)),
				}
				for _, lt := range tr.State.LocalStream.Tracks() {
					if lt.Live() {
						snap.liveLocal++
					}
				}
				h.mu.Lock()
				snap.closed = h.transports[0].isClosed()
				h.mu.Unlock()

				mu.Lock()
				seen = append(seen, snap)
				mu.Unlock()
			}
			record(tr)
		}
	})

	active(h, 9)
	require.NoError(t, h.c.HangUp(bg))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Zero(t, seen[0].liveLocal, "local tracks still live when Ended was published")
	assert.True(t, seen[0].remoteStopped)
	assert.Equal(t, 1, seen[0].ends, "callEnd goes out before Ended is published")
	assert.True(t, seen[0].closed)
	assert.True(t, h.ended().LocalStream.Stopped())
}

func TestGlareLowerIDAnswers(t *testing.T) {
	h := newHarness(t, nil)
	first := dialed(h, 9)

	// 9 dialed us at the same time; selfID is lower, so we answer theirs.
	h.deliver(offerFrom(9, &protocol.CallerInfo{Username: "bob"}))
	h.waitSent(protocol.TypeCallAnswer, 1)
	h.waitPhase(PhaseConnecting)

	assert.Empty(t, h.relay.sentOf(protocol.TypeCallEnd), "their call must survive")
	assert.True(t, first.isClosed())
	assert.Equal(t, ReasonGlare, h.ended().Reason)

	st := h.c.State()
	assert.Equal(t, Inbound, st.Direction)
	assert.Equal(t, protocol.ParticipantID(9), st.Remote)
	assert.Equal(t, "bob", st.RemoteInfo.Username)
	require.NotNil(t, h.transport(1).remoteDescription())
	assert.Equal(t, webrtc.SDPTypeOffer, h.transport(1).remoteDescription().Type)
	assert.Equal(t, []Phase{PhaseDialing, PhaseEnded, PhaseIdle, PhaseRinging, PhaseConnecting}, h.phases())
}

func TestGlareHigherIDKeepsDialing(t *testing.T) {
	h := newHarness(t, nil)
	dialed(h, 3)
	sid := h.c.State().SessionID

	h.deliver(offerFrom(3, nil))
	st := h.c.State()
	assert.Equal(t, PhaseDialing, st.Phase)
	assert.Equal(t, sid, st.SessionID)
	assert.Equal(t, 1, h.transportCount())
	assert.Empty(t, h.relay.sentOf(protocol.TypeCallEnd))

	h.deliver(answerFrom(3))
	assert.Equal(t, PhaseConnecting, h.c.State().Phase)
}

func TestRemoteCandidatesWaitForAnswer(t *testing.T) {
	h := newHarness(t, nil)
	tr := dialed(h, 9)

	h.deliver(candidateFrom(9, "e1"))
	h.deliver(candidateFrom(9, "e2"))
	h.deliver(candidateFrom(9, "e3"))
	assert.Empty(t, tr.appliedCandidates())

	h.deliver(answerFrom(9))
	assert.Equal(t, []string{"e1", "e2", "e3"}, tr.appliedCandidates())

	h.deliver(candidateFrom(9, "e4"))
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, tr.appliedCandidates())
}

func TestIncomingCallAccept(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) {
		h.localCandidates = []webrtc.ICECandidateInit{candidate("local-1")}
	})

	h.deliver(offerFrom(5, &protocol.CallerInfo{Username: "bob", ProfilePicture: "bob.png"}))
	st := h.c.State()
	assert.Equal(t, PhaseRinging, st.Phase)
	assert.Equal(t, Inbound, st.Direction)
	assert.Equal(t, protocol.ParticipantID(5), st.Remote)
	assert.Equal(t, "bob", st.RemoteInfo.Username)
	assert.Zero(t, h.transportCount(), "no transport before accept")

	h.deliver(candidateFrom(5, "early"))

	require.NoError(t, h.c.Accept(bg))
	answers := h.waitSent(protocol.TypeCallAnswer, 1)
	h.waitPhase(PhaseConnecting)
	require.Len(t, answers, 1)
	assert.Equal(t, protocol.ParticipantID(5), answers[0].To)
	assert.Equal(t, webrtc.SDPTypeAnswer, answers[0].Signal.Type)

	tr := h.transport(0)
	require.NotNil(t, tr.remoteDescription())
	assert.Equal(t, "remote offer", tr.remoteDescription().SDP)
	assert.Equal(t, []string{"early"}, tr.appliedCandidates())

	h.waitSent(protocol.TypeICECandidate, 1)
	assert.Equal(t, []protocol.EventType{protocol.TypeCallAnswer, protocol.TypeICECandidate}, h.relay.types())

	assert.ErrorIs(t, h.c.Accept(bg), ErrNoIncomingCall)

	tr.h.OnTrack(&fakeTrack{id: "remote-audio", kind: "audio"})
	h.waitPhase(PhaseActive)
	assert.Equal(t, []Phase{PhaseRinging, PhaseConnecting, PhaseActive}, h.phases())
}

func TestAcceptTwiceWhileAcquiring(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(_ *Options, h *harness) { h.source.gate = gate })

	h.deliver(offerFrom(5, nil))
	require.NoError(t, h.c.Accept(bg))
	assert.True(t, h.c.State().Accepting)
	assert.ErrorIs(t, h.c.Accept(bg), ErrAcceptInProgress)

	close(gate)
	h.waitPhase(PhaseConnecting)
	assert.Len(t, h.relay.sentOf(protocol.TypeCallAnswer), 1)
}

func TestRejectIncomingCall(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(offerFrom(5, nil))

	require.NoError(t, h.c.Reject(bg))
	assert.Equal(t, PhaseIdle, h.c.State().Phase)

	ends := h.relay.sentOf(protocol.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.ParticipantID(5), ends[0].To)
	assert.Equal(t, ReasonLocalReject, h.ended().Reason)
	assert.Equal(t, []Phase{PhaseRinging, PhaseEnded, PhaseIdle}, h.phases())
	assert.Empty(t, h.source.acquired())
	assert.Zero(t, h.transportCount())
}

func TestHangUpWhileRingingRejects(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(offerFrom(5, nil))

	require.NoError(t, h.c.HangUp(bg))
	assert.Equal(t, ReasonLocalReject, h.ended().Reason)
}

func TestRemoteEndFromEveryPhase(t *testing.T) {
	reach := map[string]func(h *harness) []*fakeTrack{
		"ringing": func(h *harness) []*fakeTrack {
			h.deliver(offerFrom(9, nil))
			return nil
		},
		"dialing": func(h *harness) []*fakeTrack {
			dialed(h, 9)
			return nil
		},
		"connecting": func(h *harness) []*fakeTrack {
			connected(h, 9)
			return nil
		},
		"active": func(h *harness) []*fakeTrack {
			_, remote := active(h, 9)
			return []*fakeTrack{remote}
		},
	}

	for name, setup := range reach {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			remote := setup(h)

			h.deliver(endFrom(9))
			assert.Equal(t, PhaseIdle, h.c.State().Phase)
			assert.Equal(t, ReasonRemoteEnd, h.ended().Reason)
			assert.Empty(t, h.relay.sentOf(protocol.TypeCallEnd), "no callEnd echoed back")

			assertAllStopped(t, append(h.source.acquired(), remote...)...)
			if h.transportCount() > 0 {
				assert.True(t, h.transport(0).isClosed())
			}
		})
	}
}

func TestCallEndFromOtherParticipantIgnored(t *testing.T) {
	h := newHarness(t, nil)
	dialed(h, 9)

	h.deliver(endFrom(4))
	assert.Equal(t, PhaseDialing, h.c.State().Phase)

	// An end without a sender comes from the relay and is honoured.
	h.deliver(endFrom(0))
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Empty(t, h.relay.sentOf(protocol.TypeCallEnd))
}

func TestBusyWhileInCall(t *testing.T) {
	h := newHarness(t, nil)
	h.deliver(offerFrom(5, nil))

	h.deliver(offerFrom(6, nil))
	ends := h.relay.sentOf(protocol.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.ParticipantID(6), ends[0].To)

	st := h.c.State()
	assert.Equal(t, PhaseRinging, st.Phase)
	assert.Equal(t, protocol.ParticipantID(5), st.Remote)

	// A repeated offer from the caller is a duplicate, not a second call.
	h.deliver(offerFrom(5, nil))
	assert.Len(t, h.relay.sentOf(protocol.TypeCallEnd), 1)
	assert.Equal(t, st.SessionID, h.c.State().SessionID)
	assert.Equal(t, []Phase{PhaseRinging}, h.phases())
}

func TestStaleAnswersDiscarded(t *testing.T) {
	h := newHarness(t, nil)

	h.deliver(answerFrom(9))
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Empty(t, h.phases())

	tr := dialed(h, 9)
	h.deliver(answerFrom(8))
	assert.Equal(t, PhaseDialing, h.c.State().Phase)
	assert.Nil(t, tr.remoteDescription())

	h.deliver(answerFrom(9))
	h.deliver(answerFrom(9))
	assert.Equal(t, PhaseConnecting, h.c.State().Phase)
	assert.Equal(t, []Phase{PhaseDialing, PhaseConnecting}, h.phases())
}

func TestAnswerBeforeOfferSentDiscarded(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(_ *Options, h *harness) { h.source.gate = gate })

	require.NoError(t, h.c.Dial(bg, 9))
	h.deliver(answerFrom(9))
	assert.Equal(t, PhaseDialing, h.c.State().Phase)

	close(gate)
	h.waitSent(protocol.TypeCallOffer, 1)
	assert.Nil(t, h.transport(0).remoteDescription())
}

func TestLocalMediaFailureEndsCall(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) { h.source.err = media.ErrNoCaptureDevice })

	require.NoError(t, h.c.Dial(bg, 9))
	h.waitPhase(PhaseIdle)

	st := h.ended()
	assert.Equal(t, ReasonLocalMedia, st.Reason)
	assert.ErrorIs(t, st.Err, ErrLocalMedia)
	assert.ErrorIs(t, st.Err, media.ErrNoCaptureDevice)

	ends := h.relay.sentOf(protocol.TypeCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.ParticipantID(9), ends[0].To)
	assert.Empty(t, h.relay.sentOf(protocol.TypeCallOffer))
	assert.Zero(t, h.transportCount())
}

func TestHangUpWhileAcquiringReleasesLateMedia(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(_ *Options, h *harness) { h.source.gate = gate })

	require.NoError(t, h.c.Dial(bg, 9))
	require.NoError(t, h.c.HangUp(bg))
	assert.Equal(t, PhaseIdle, h.c.State().Phase)

	close(gate)
	require.Eventually(t, func() bool {
		tracks := h.source.acquired()
		if len(tracks) != 2 {
			return false
		}
		for _, tr := range tracks {
			if tr.Live() {
				return false
			}
		}
		return true
	}, waitFor, pollTick)

	h.sync()
	assert.Zero(t, h.transportCount())
	assert.Empty(t, h.relay.sentOf(protocol.TypeCallOffer))
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
}

func TestRemoteTrackAfterEndIsStopped(t *testing.T) {
	h := newHarness(t, nil)
	tr := connected(h, 9)
	require.NoError(t, h.c.HangUp(bg))

	late := &fakeTrack{id: "late", kind: "audio"}
	tr.h.OnTrack(late)
	h.sync()
	assert.False(t, late.Live())
}

func TestRingTimeout(t *testing.T) {
	setups := map[string]func(h *harness){
		"ringing": func(h *harness) { h.deliver(offerFrom(9, nil)) },
		"dialing": func(h *harness) { require.NoError(h.t, h.c.Dial(bg, 9)) },
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(o *Options, _ *harness) { o.RingTimeout = 50 * time.Millisecond })
			setup(h)

			h.waitPhase(PhaseIdle)
			assert.Equal(t, ReasonTimeout, h.ended().Reason)
			ends := h.relay.sentOf(protocol.TypeCallEnd)
			require.Len(t, ends, 1)
			assert.Equal(t, protocol.ParticipantID(9), ends[0].To)
		})
	}
}

func TestAnsweredCallOutlivesRingTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *harness) { o.RingTimeout = 50 * time.Millisecond })
	connected(h, 9)

	time.Sleep(150 * time.Millisecond)
	h.sync()
	assert.Equal(t, PhaseConnecting, h.c.State().Phase)
}

func TestTransportFailureEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	tr, remote := active(h, 9)

	tr.h.OnFailed(errors.New("ice failed"))
	h.waitPhase(PhaseIdle)

	st := h.ended()
	assert.Equal(t, ReasonNegotiation, st.Reason)
	assert.ErrorIs(t, st.Err, ErrNegotiation)
	assert.Len(t, h.relay.sentOf(protocol.TypeCallEnd), 1)
	assertAllStopped(t, append(h.source.acquired(), remote)...)
}

func TestOfferSendFailureEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.mu.Lock()
	h.relay.err = errors.New("relay down")
	h.relay.mu.Unlock()

	require.NoError(t, h.c.Dial(bg, 9))
	h.waitPhase(PhaseIdle)

	st := h.ended()
	assert.Equal(t, ReasonNegotiation, st.Reason)
	assert.ErrorIs(t, st.Err, ErrNegotiation)
	assert.True(t, h.transport(0).isClosed())
}

func TestOperationErrors(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.c.Accept(bg), ErrNoIncomingCall)
	assert.ErrorIs(t, h.c.Reject(bg), ErrNoIncomingCall)
	assert.ErrorIs(t, h.c.HangUp(bg), ErrNoActiveCall)
	assert.ErrorIs(t, h.c.Dial(bg, 0), ErrInvalidTarget)
	assert.ErrorIs(t, h.c.Dial(bg, selfID), ErrInvalidTarget)

	require.NoError(t, h.c.Dial(bg, 9))
	assert.ErrorIs(t, h.c.Dial(bg, 10), ErrNotIdle)
	assert.ErrorIs(t, h.c.Reject(bg), ErrNoIncomingCall)
	assert.Empty(t, h.relay.sentOf(protocol.TypeCallEnd))
}

func TestEndedHold(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *harness) { o.EndedHold = time.Hour })
	h.deliver(offerFrom(5, nil))

	require.NoError(t, h.c.Reject(bg))
	st := h.c.State()
	assert.Equal(t, PhaseEnded, st.Phase)
	assert.Equal(t, ReasonLocalReject, st.Reason)
	assert.ErrorIs(t, h.c.HangUp(bg), ErrNoActiveCall)

	// A new call replaces the held one.
	require.NoError(t, h.c.Dial(bg, 9))
	assert.Equal(t, PhaseDialing, h.c.State().Phase)
	assert.Equal(t, []Phase{PhaseRinging, PhaseEnded, PhaseIdle, PhaseDialing}, h.phases())
}

func TestEndedHoldResetsToIdle(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *harness) { o.EndedHold = 100 * time.Millisecond })
	h.deliver(offerFrom(5, nil))
	h.deliver(endFrom(5))

	assert.Equal(t, PhaseEnded, h.c.State().Phase)
	h.waitPhase(PhaseIdle)
}

func TestProfileLookupFillsRemoteInfo(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *harness) {
		o.Profiles = fakeProfiles{info: protocol.CallerInfo{Username: "bob"}}
	})

	h.deliver(offerFrom(5, nil))
	require.Eventually(t, func() bool {
		return h.c.State().RemoteInfo.Username == "bob"
	}, waitFor, pollTick)
	assert.Equal(t, PhaseRinging, h.c.State().Phase)
}

func TestShutdownEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	tr := dialed(h, 9)

	h.cancel()
	<-h.c.Done()

	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Equal(t, ReasonShutdown, h.ended().Reason)
	assert.Len(t, h.relay.sentOf(protocol.TypeCallEnd), 1)
	assert.True(t, tr.isClosed())
	assert.Zero(t, h.relay.subscribers())

	assert.ErrorIs(t, h.c.HangUp(bg), ErrClosed)
}
