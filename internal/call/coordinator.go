package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/p2pcall/internal/identity"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

// Tuning constants.
const (
	actionQueueSize = 64              // pending loop actions before posters block
	sendTimeout     = 5 * time.Second // upper bound for one relay send
)

// Options configures a Coordinator.
type Options struct {
	Self         identity.Identity // required
	Relay        Relay             // required
	NewTransport TransportFactory  // required
	Media        media.Source      // required
	Profiles     ProfileResolver   // optional, fills in missing display data
	Metrics      *metrics.Calls    // optional

	// RingTimeout ends a call that stays in Ringing or Dialing this long.
	// Zero disables it.
	RingTimeout time.Duration
	// EndedHold keeps an ended session visible before the reset to Idle.
	// Zero resets on the next loop turn.
	EndedHold time.Duration

	// OnTransition is called on the event loop after every phase change.
	// It must not block and must not call back into the Coordinator.
	OnTransition func(Transition)
	// OnUpdate is called, with the same rules, when the current session
	// changes without a phase change (display data resolved, track added).
	OnUpdate func(State)
}

// Coordinator owns the single call session. Relay events, user actions,
// transport callbacks and async completions are all serialized through one
// event loop, started by Run.
type Coordinator struct {
	opts Options

	actions chan func()
	done    chan struct{}
	running atomic.Bool

	// Loop-owned.
	ctx  context.Context
	gens generation
	sess *session

	mu    sync.RWMutex
	state State
}

// New validates opts and creates an idle Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Self.ID == 0:
		return nil, errors.New("call: Self.ID is required")
	case opts.Relay == nil:
		return nil, errors.New("call: Relay is required")
	case opts.NewTransport == nil:
		return nil, errors.New("call: NewTransport is required")
	case opts.Media == nil:
		return nil, errors.New("call: Media is required")
	case opts.RingTimeout < 0 || opts.EndedHold < 0:
		return nil, errors.New("call: timeouts must not be negative")
	}

	return &Coordinator{
		opts:    opts,
		actions: make(chan func(), actionQueueSize),
		done:    make(chan struct{}),
		state:   State{Phase: PhaseIdle},
	}, nil
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// Run subscribes to the relay and processes events until ctx is cancelled.
// A call in progress at that point is ended with ReasonShutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("call: coordinator already running")
	}
	defer close(c.done)

	c.ctx = ctx
	unsubscribe := c.subscribe()
	defer func() {
		for _, off := range unsubscribe {
			off()
		}
	}()

	for {
		select {
		case fn := <-c.actions:
			fn()
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// post queues fn for the event loop. It reports false when the loop has
// already exited and fn will never run.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.actions <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the event loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.actions <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) shutdown() {
	s := c.sess
	if s == nil {
		return
	}
	if s.phase.InCall() {
		c.end(s, ReasonShutdown, nil)
	}
	if c.sess != nil {
		c.reset(c.sess.gen)
	}
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// State returns the latest snapshot. Safe from any goroutine.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Dial starts an outbound call to target. It returns once the session is
// Dialing; local media and the offer are prepared in the background.
func (c *Coordinator) Dial(ctx context.Context, target protocol.ParticipantID) error {
	return c.do(ctx, func() error {
		if target == 0 || target == c.opts.Self.ID {
			return fmt.Errorf("%w: %s", ErrInvalidTarget, target)
		}
		if !c.idle() {
			return ErrNotIdle
		}

		s := c.begin(Outbound, target)
		c.setPhase(s, PhaseDialing)
		c.armTimer(s)
		c.resolveInfo(s)
		c.acquireMedia(s)
		return nil
	})
}

// Accept answers the ringing call. It returns once acceptance has started;
// the session moves to Connecting after the answer has been sent.
func (c *Coordinator) Accept(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil || s.phase != PhaseRinging {
			return ErrNoIncomingCall
		}
		if s.accepting {
			return ErrAcceptInProgress
		}

		c.accept(s)
		return nil
	})
}

// Reject declines the ringing call.
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil || s.phase != PhaseRinging {
			return ErrNoIncomingCall
		}
		c.end(s, ReasonLocalReject, nil)
		return nil
	})
}

// HangUp ends the current call in any live phase. Hanging up a ringing
// call rejects it.
func (c *Coordinator) HangUp(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.sess
		if s == nil || !s.phase.InCall() {
			return ErrNoActiveCall
		}
		reason := ReasonLocalHangup
		if s.phase == PhaseRinging {
			reason = ReasonLocalReject
		}
		c.end(s, reason, nil)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Session bookkeeping (event loop only)
// ---------------------------------------------------------------------------

// accept starts answering the ringing session s.
func (c *Coordinator) accept(s *session) {
	s.accepting = true
	s.stopTimer()
	c.update(s)
	c.acquireMedia(s)
}

func (c *Coordinator) begin(dir Direction, remote protocol.ParticipantID) *session {
	s := newSession(c.ctx, c.gens.next(), dir, remote)
	c.sess = s
	return s
}

// current returns the live session of generation gen, or nil when that
// session has ended or been replaced.
func (c *Coordinator) current(gen uint64) *session {
	if c.sess == nil || c.sess.gen != gen || !c.sess.phase.InCall() {
		return nil
	}
	return c.sess
}

// setPhase moves s to `to` if the edge is legal, publishes the snapshot and
// notifies the hook.
func (c *Coordinator) setPhase(s *session, to Phase) bool {
	from := s.phase
	if !CanTransition(from, to) {
		util.LogError("call %s: %v: %s → %s", s.short(), ErrInvalidTransition, from, to)
		return false
	}

	s.phase = to
	util.LogDebug("call %s: %s → %s", s.short(), from, to)
	c.opts.Metrics.Transition(from.String(), to.String())

	st := c.publish(s)
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(Transition{From: from, To: to, State: st})
	}
	return true
}

// update republishes s without a phase change.
func (c *Coordinator) update(s *session) {
	st := c.publish(s)
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(st)
	}
}

func (c *Coordinator) publish(s *session) State {
	st := s.snapshot()
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	return st
}

func (c *Coordinator) armTimer(s *session) {
	if c.opts.RingTimeout <= 0 {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(c.opts.RingTimeout, func() {
		c.post(func() { c.onTimeout(gen) })
	})
}

func (c *Coordinator) onTimeout(gen uint64) {
	s := c.current(gen)
	if s == nil || s.accepting || (s.phase != PhaseRinging && s.phase != PhaseDialing) {
		return
	}
	util.LogInfo("call %s: no answer from %s after %s", s.short(), s.remote, c.opts.RingTimeout)
	c.end(s, ReasonTimeout, nil)
}

// end terminates s: the peer is told unless it ended the call itself, every
// resource is released, Ended is entered and the coordinator resets.
func (c *Coordinator) end(s *session, reason EndReason, err error) {
	if !s.phase.InCall() {
		return
	}
	wasActive := s.phase == PhaseActive

	s.reason, s.err = reason, err
	if err != nil {
		util.LogError("call %s ended: %v", s.short(), err)
	} else {
		util.LogDebug("call %s ended: %s", s.short(), reason)
	}

	if !reason.remote() {
		if err := c.send(&protocol.Event{Type: protocol.TypeCallEnd, To: s.remote}); err != nil {
			util.LogWarning("call %s: failed to send callEnd: %v", s.short(), err)
		}
	}

	if err := s.release(); err != nil {
		util.LogWarning("call %s: transport close: %v", s.short(), err)
	}

	c.opts.Metrics.Ended(string(reason))
	if wasActive {
		c.opts.Metrics.Disconnected()
	}

	// Observers of Ended see a session that is already torn down.
	c.setPhase(s, PhaseEnded)

	if c.opts.EndedHold > 0 {
		gen := s.gen
		time.AfterFunc(c.opts.EndedHold, func() {
			c.post(func() { c.reset(gen) })
		})
		return
	}
	c.reset(s.gen)
}

// reset returns an ended session of generation gen to Idle.
func (c *Coordinator) reset(gen uint64) {
	s := c.sess
	if s == nil || s.gen != gen || s.phase != PhaseEnded {
		return
	}
	c.setPhase(s, PhaseIdle)
	c.sess = nil
}

// send publishes evt on the relay with a bounded wait.
func (c *Coordinator) send(evt *protocol.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.opts.Relay.Send(ctx, evt)
}
