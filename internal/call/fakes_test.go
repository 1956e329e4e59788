package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/identity"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/transport"
)

const (
	selfID   protocol.ParticipantID = 7
	waitFor                         = 2 * time.Second
	pollTick                        = 5 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// fakeRelay records sent events and hands delivered events to subscribers
// synchronously.
type fakeRelay struct {
	mu   sync.Mutex
	subs map[protocol.EventType][]*func(*protocol.Event)
	sent []*protocol.Event
	err  error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[protocol.EventType][]*func(*protocol.Event))}
}

func (r *fakeRelay) Send(_ context.Context, evt *protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *evt
	cp.From = selfID
	r.sent = append(r.sent, &cp)
	return nil
}

func (r *fakeRelay) Subscribe(t protocol.EventType, fn func(*protocol.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &fn
	r.subs[t] = append(r.subs[t], h)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[t]
		for i, x := range list {
			if x == h {
				r.subs[t] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

func (r *fakeRelay) deliver(evt *protocol.Event) {
	r.mu.Lock()
	subs := slices.Clone(r.subs[evt.Type])
	r.mu.Unlock()
	for _, fn := range subs {
		(*fn)(evt)
	}
}

func (r *fakeRelay) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, list := range r.subs {
		n += len(list)
	}
	return n
}

// sentOf returns the sent events of type t.
func (r *fakeRelay) sentOf(t protocol.EventType) []*protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Event
	for _, evt := range r.sent {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (r *fakeRelay) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, len(r.sent))
	for i, evt := range r.sent {
		out[i] = evt.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// fakeTransport emits its configured local candidates while building a
// description and rejects remote candidates before a remote description.
type fakeTransport struct {
	h     transport.Handlers
	local []webrtc.ICECandidateInit

	mu      sync.Mutex
	stream  *media.Stream
	remote  *webrtc.SessionDescription
	applied []string
	closed  bool
}

func (f *fakeTransport) AddLocalStream(s *media.Stream) error {
	f.mu.Lock()
	f.stream = s
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) describe(t webrtc.SDPType) (webrtc.SessionDescription, error) {
	for _, c := range f.local {
		f.h.OnICECandidate(c)
	}
	return webrtc.SessionDescription{Type: t, SDP: "v=0 " + t.String()}, nil
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return f.describe(webrtc.SDPTypeOffer)
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return f.describe(webrtc.SDPTypeAnswer)
}

func (f *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &sdp
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) remoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeTransport) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

type fakeTrack struct {
	id    string
	kind  string
	stops atomic.Int32
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Live() bool   { return t.stops.Load() == 0 }
func (t *fakeTrack) Stop()        { t.stops.Add(1) }

// fakeSource hands out an audio and a video track per acquisition. With a
// gate it blocks until the gate is closed, ignoring cancellation.
type fakeSource struct {
	err  error
	gate chan struct{}

	mu     sync.Mutex
	tracks []*fakeTrack
}

func (s *fakeSource) Acquire(context.Context) (*media.Stream, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}

	audio := &fakeTrack{id: "mic", kind: "audio"}
	video := &fakeTrack{id: "cam", kind: "video"}
	s.mu.Lock()
	s.tracks = append(s.tracks, audio, video)
	s.mu.Unlock()
	return media.NewStream(audio, video), nil
}

func (s *fakeSource) acquired() []*fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTrack(nil), s.tracks...)
}

type fakeProfiles struct {
	info protocol.CallerInfo
}

func (p fakeProfiles) CallerInfo(context.Context, protocol.ParticipantID) (protocol.CallerInfo, error) {
	return p.info, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t      *testing.T
	c      *Coordinator
	relay  *fakeRelay
	source *fakeSource
	cancel context.CancelFunc

	// Local candidates every new transport emits while describing.
	localCandidates []webrtc.ICECandidateInit

	mu          sync.Mutex
	transports  []*fakeTransport
	transitions []Transition
}

func newHarness(t *testing.T, configure func(*Options, *harness)) *harness {
	t.Helper()
	h := &harness{t: t, relay: newFakeRelay(), source: &fakeSource{}}

	opts := Options{
		Self:    identity.Identity{ID: selfID, Username: "alice", ProfilePicture: "alice.png"},
		Relay:   h.relay,
		Media:   h.source,
		Metrics: metrics.New(),
		NewTransport: func(hd transport.Handlers) (Transport, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			tr := &fakeTransport{h: hd, local: h.localCandidates}
			h.transports = append(h.transports, tr)
			return tr, nil
		},
		OnTransition: func(tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		},
	}
	if configure != nil {
		configure(&opts, h)
	}

	c, err := New(opts)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
		h.checkTransitions()
	})

	h.sync()
	require.Equal(t, 4, h.relay.subscribers())
	return h
}

// sync waits until every action posted so far has run.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.c.do(context.Background(), func() error { return nil }))
}

func (h *harness) deliver(evt *protocol.Event) {
	h.relay.deliver(evt)
	h.sync()
}

func (h *harness) waitPhase(p Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.State().Phase == p }, waitFor, pollTick,
		"phase stayed %s, want %s", h.c.State().Phase, p)
}

func (h *harness) waitSent(t protocol.EventType, n int) []*protocol.Event {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.relay.sentOf(t)) >= n }, waitFor, pollTick,
		"waiting for %d %s", n, t)
	return h.relay.sentOf(t)
}

func (h *harness) transport(i int) *fakeTransport {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.transports), i)
	return h.transports[i]
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) recorded() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transition(nil), h.transitions...)
}

// phases lists the target phase of every recorded transition.
func (h *harness) phases() []Phase {
	var out []Phase
	for _, tr := range h.recorded() {
		out = append(out, tr.To)
	}
	return out
}

// ended returns the state published on the last transition into Ended.
func (h *harness) ended() State {
	h.t.Helper()
	trs := h.recorded()
	for i := len(trs) - 1; i >= 0; i-- {
		if trs[i].To == PhaseEnded {
			return trs[i].State
		}
	}
	h.t.Fatal("no call ended")
	return State{}
}

// checkTransitions asserts that the recorded transitions form one chain of
// legal edges and that Active is only entered with both streams bound.
func (h *harness) checkTransitions() {
	prev := PhaseIdle
	for _, tr := range h.recorded() {
		assert.Equal(h.t, prev, tr.From, "broken chain at %s → %s", tr.From, tr.To)
		assert.True(h.t, CanTransition(tr.From, tr.To), "illegal %s → %s", tr.From, tr.To)
		if tr.To == PhaseActive {
			if assert.NotNil(h.t, tr.State.LocalStream) {
				assert.NotZero(h.t, tr.State.LocalStream.Len())
			}
			if assert.NotNil(h.t, tr.State.RemoteStream) {
				assert.NotZero(h.t, tr.State.RemoteStream.Len())
			}
		}
		prev = tr.To
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func offerFrom(id protocol.ParticipantID, caller *protocol.CallerInfo) *protocol.Event {
	return &protocol.Event{
		Type:   protocol.TypeCallOffer,
		From:   id,
		To:     selfID,
		Signal: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote offer"},
		Caller: caller,
	}
}

func answerFrom(id protocol.ParticipantID) *protocol.Event {
	return &protocol.Event{
		Type:   protocol.TypeCallAnswer,
		From:   id,
		To:     selfID,
		Signal: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote answer"},
	}
}

func candidateFrom(id protocol.ParticipantID, s string) *protocol.Event {
	c := candidate(s)
	return &protocol.Event{Type: protocol.TypeICECandidate, From: id, To: selfID, Candidate: &c}
}

func endFrom(id protocol.ParticipantID) *protocol.Event {
	return &protocol.Event{Type: protocol.TypeCallEnd, From: id, To: selfID}
}
