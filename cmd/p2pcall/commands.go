package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pcall/internal/app"
	"github.com/1ureka/p2pcall/internal/identity"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

var (
	loginUsername string
	autoAccept    bool
)

var loginCmd = &cobra.Command{
	Use:   "login <participant-id>",
	Short: "Act as the given participant",
	Long:  "Look up the participant on the API and store it as the local identity.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		self, err := app.Login(cmd.Context(), cfg, store(), id, loginUsername)
		if err != nil {
			return err
		}
		util.LogSuccess("logged in as %s (#%s)", self.Username, self.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store().Delete(); err != nil {
			return fmt.Errorf("failed to remove identity: %w", err)
		}
		util.LogSuccess("logged out")
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <participant-id>",
	Short: "Call another participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := parseID(args[0])
		if err != nil {
			return err
		}
		self, err := store().Require()
		if err != nil {
			return err
		}
		return dial(cmd.Context(), *self, target)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for incoming calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := store().Require()
		if err != nil {
			return err
		}
		return listen(cmd.Context(), *self, autoAccept)
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Show who is online on the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := store().Require()
		if err != nil {
			return err
		}
		return online(cmd.Context(), *self)
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunRelay(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display name to use instead of looking it up")
	listenCmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "Answer every incoming call without asking")
	relayCmd.Flags().String("listen", "", "Address to listen on (default from relay_listen)")
	v.BindPFlag("relay_listen", relayCmd.Flags().Lookup("listen"))
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func dial(ctx context.Context, self identity.Identity, target protocol.ParticipantID) error {
	if err := app.RunCaller(ctx, cfg, self, target); err != nil {
		return err
	}
	util.LogInfo("call finished")
	return nil
}

func listen(ctx context.Context, self identity.Identity, auto bool) error {
	err := app.RunListener(ctx, cfg, self, auto)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	util.LogInfo("stopped listening")
	return nil
}

func online(ctx context.Context, self identity.Identity) error {
	ids, err := app.ListOnline(ctx, cfg, self)
	if err != nil {
		return err
	}

	items := make([]pterm.BulletListItem, 0, len(ids))
	for _, id := range ids {
		text := "#" + id.String()
		if id == self.ID {
			text += " (you)"
		}
		items = append(items, pterm.BulletListItem{Level: 0, Text: text})
	}
	pterm.Info.Printfln("%d participant(s) online", len(ids))
	return pterm.DefaultBulletList.WithItems(items).Render()
}
