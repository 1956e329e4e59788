package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/identity"
	"github.com/1ureka/p2pcall/internal/profile"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/util"
)

// rosterWait bounds the wait for the first onlineUsers snapshot.
const rosterWait = 2 * time.Second

// ErrRelayLost is returned when the relay connection drops mid-run.
var ErrRelayLost = errors.New("lost connection to relay")

// RunCaller dials target and stays in the call until it ends or ctx is
// cancelled. A call that ends with a failure is returned as an error.
func RunCaller(ctx context.Context, cfg *config.Config, self identity.Identity, target protocol.ParticipantID) error {
	agent, err := Start(ctx, cfg, self)
	if err != nil {
		return err
	}
	defer agent.Close()

	if agent.AwaitRoster(ctx, rosterWait) && !agent.Roster().IsOnline(target) {
		util.LogWarning("#%s is not online, the call will most likely be declined", target)
	}

	if err := agent.Coordinator().Dial(ctx, target); err != nil {
		return fmt.Errorf("failed to call #%s: %w", target, err)
	}

	var ended call.State
	for {
		select {
		case tr := <-agent.Transitions():
			render(tr)
			switch tr.To {
			case call.PhaseEnded:
				ended = tr.State
			case call.PhaseIdle:
				// Glare hands the call over to the peer's offer.
				if ended.Reason == call.ReasonGlare {
					ended = call.State{}
					continue
				}
				return ended.Err
			}
		case <-agent.Disconnected():
			return fmt.Errorf("%w: %v", ErrRelayLost, agent.Err())
		case <-ctx.Done():
			return nil
		}
	}
}

// RunListener waits for incoming calls until ctx is cancelled. Each call is
// accepted automatically or after a prompt.
func RunListener(ctx context.Context, cfg *config.Config, self identity.Identity, autoAccept bool) error {
	agent, err := Start(ctx, cfg, self)
	if err != nil {
		return err
	}
	defer agent.Close()

	util.LogSuccess("listening for calls as %s (#%s)", self.Username, self.ID)
	coord := agent.Coordinator()

	for {
		select {
		case tr := <-agent.Transitions():
			render(tr)
			if tr.To != call.PhaseRinging {
				continue
			}
			if autoAccept {
				answer(ctx, coord, true)
				continue
			}
			// The prompt blocks; the caller may give up meanwhile.
			go func(st call.State) {
				ok, _ := pterm.DefaultInteractiveConfirm.
					WithDefaultText(fmt.Sprintf("Answer the call from %s?", peerName(st))).
					WithDefaultValue(true).
					Show()
				answer(ctx, coord, ok)
			}(tr.State)

		case <-agent.Disconnected():
			return fmt.Errorf("%w: %v", ErrRelayLost, agent.Err())
		case <-ctx.Done():
			return nil
		}
	}
}

func answer(ctx context.Context, coord *call.Coordinator, accept bool) {
	op, verb := coord.Reject, "reject"
	if accept {
		op, verb = coord.Accept, "accept"
	}

	err := op(ctx)
	switch {
	case err == nil:
	case errors.Is(err, call.ErrNoIncomingCall):
		util.LogWarning("the caller hung up before you could %s", verb)
	case errors.Is(err, context.Canceled):
	default:
		util.LogError("failed to %s call: %v", verb, err)
	}
}

// ListOnline connects briefly and returns the online participants.
func ListOnline(ctx context.Context, cfg *config.Config, self identity.Identity) ([]protocol.ParticipantID, error) {
	agent, err := Start(ctx, cfg, self)
	if err != nil {
		return nil, err
	}
	defer agent.Close()

	if !agent.AwaitRoster(ctx, rosterWait) {
		return nil, errors.New("relay did not report online participants")
	}
	return agent.Roster().Online(), nil
}

// RunRelay serves the signaling relay until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.Config) error {
	srv := signaling.NewServer(signaling.ServerOptions{
		RateLimit: rate.Limit(cfg.RelayRate),
		Burst:     cfg.RelayBurst,
	})
	util.LogSuccess("relay listening on ws://%s/ws", cfg.RelayListen)
	return srv.ListenAndServe(ctx, cfg.RelayListen)
}

// Login resolves id on the API and stores it as the local identity. A
// non-empty username skips the lookup.
func Login(ctx context.Context, cfg *config.Config, store identity.Store, id protocol.ParticipantID, username string) (*identity.Identity, error) {
	self := &identity.Identity{ID: id, Username: username}

	if username == "" {
		p, err := profile.New(cfg.APIBaseURL, cfg.APITimeout).Lookup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up #%s (pass --username to skip): %w", id, err)
		}
		self.Username = p.Username
		self.ProfilePicture = p.ProfilePictureURL
	}

	if err := store.Save(self); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	return self, nil
}
