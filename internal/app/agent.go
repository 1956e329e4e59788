// Package app contains the top-level orchestration for the call and listen
// roles.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/identity"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/presence"
	"github.com/1ureka/p2pcall/internal/profile"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

// transitionBuffer is how many phase changes may wait for the renderer.
const transitionBuffer = 32

// Agent is one logged-in participant connected to the relay, with its call
// coordinator running.
type Agent struct {
	cfg  *config.Config
	self identity.Identity

	relay   *signaling.Client
	roster  *presence.Roster
	metrics *metrics.Calls
	coord   *call.Coordinator

	transitions chan call.Transition
	rosterReady chan struct{}
	rosterOnce  sync.Once
	detach      func()

	// The relay outlives the coordinator so that a call in progress can
	// still send its callEnd while the agent shuts down.
	relayCancel context.CancelFunc
	coordCancel context.CancelFunc
	closeOnce   sync.Once
}

// Start connects self to the relay and starts the coordinator. Cancelling
// ctx does not tear the agent down; call Close for that.
func Start(ctx context.Context, cfg *config.Config, self identity.Identity) (*Agent, error) {
	relayCtx, relayCancel := context.WithCancel(context.WithoutCancel(ctx))

	relay, err := signaling.Dial(relayCtx, cfg.RelayURL, self.ID)
	if err != nil {
		relayCancel()
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	a := &Agent{
		cfg:         cfg,
		self:        self,
		relay:       relay,
		metrics:     metrics.New(),
		transitions: make(chan call.Transition, transitionBuffer),
		rosterReady: make(chan struct{}),
		relayCancel: relayCancel,
	}

	a.roster = presence.NewRoster(func(ids []protocol.ParticipantID) {
		util.LogDebug("online: %v", ids)
		a.rosterOnce.Do(func() { close(a.rosterReady) })
	})
	a.detach = a.roster.Attach(relay)

	opts := call.Options{
		Self:         self,
		Relay:        relay,
		NewTransport: a.newTransport(relayCtx),
		Media:        &media.FileSource{VideoPath: cfg.VideoFile, AudioPath: cfg.AudioFile},
		Metrics:      a.metrics,
		RingTimeout:  cfg.RingTimeout,
		EndedHold:    cfg.EndedHold,
		OnTransition: a.onTransition,
		OnUpdate: func(st call.State) {
			util.LogDebug("call %s: %d remote tracks, peer %q", st.SessionID, streamLen(st.RemoteStream), st.RemoteInfo.Username)
		},
	}
	if cfg.APIBaseURL != "" {
		opts.Profiles = profile.New(cfg.APIBaseURL, cfg.APITimeout)
	}

	coord, err := call.New(opts)
	if err != nil {
		a.detach()
		relay.Close()
		relayCancel()
		return nil, err
	}
	a.coord = coord

	coordCtx, coordCancel := context.WithCancel(relayCtx)
	a.coordCancel = coordCancel
	go coord.Run(coordCtx)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(relayCtx, cfg.MetricsAddr); err != nil {
				util.LogWarning("metrics server stopped: %v", err)
			}
		}()
	}

	return a, nil
}

func (a *Agent) newTransport(ctx context.Context) call.TransportFactory {
	opts := transport.Options{
		ICEServers:        a.cfg.ICEServers(),
		CandidatePoolSize: uint8(a.cfg.ICECandidatePoolSize),
	}
	if a.cfg.RecordDir != "" {
		opts.Recorder = &media.Recorder{Dir: a.cfg.RecordDir}
	}

	return func(h transport.Handlers) (call.Transport, error) {
		tr, err := transport.New(ctx, opts, h)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
}

// onTransition runs on the coordinator loop and must not block.
func (a *Agent) onTransition(tr call.Transition) {
	select {
	case a.transitions <- tr:
	default:
		util.LogWarning("renderer is behind, dropped %s → %s", tr.From, tr.To)
	}
}

// Transitions delivers every phase change of the coordinator.
func (a *Agent) Transitions() <-chan call.Transition {
	return a.transitions
}

// Coordinator returns the running call coordinator.
func (a *Agent) Coordinator() *call.Coordinator {
	return a.coord
}

// Roster returns the online roster.
func (a *Agent) Roster() *presence.Roster {
	return a.roster
}

// AwaitRoster waits up to timeout for the first onlineUsers snapshot and
// reports whether it arrived.
func (a *Agent) AwaitRoster(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.rosterReady:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	return false
}

// Disconnected is closed when the relay connection is lost.
func (a *Agent) Disconnected() <-chan struct{} {
	return a.relay.Done()
}

// Err returns the relay connection error, if any.
func (a *Agent) Err() error {
	return a.relay.Err()
}

// Close ends any call in progress, stops the coordinator and disconnects
// from the relay.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.coordCancel()
		<-a.coord.Done()
		a.detach()
		err = a.relay.Close()
		a.relayCancel()
	})
	return err
}

func streamLen(s *media.Stream) int {
	if s == nil {
		return 0
	}
	return s.Len()
}
