// p2pcall: CLI entry point.
//
// A headless peer-to-peer video call agent. Calls are negotiated through a
// WebSocket relay and carried over WebRTC; local media is streamed from
// IVF/Ogg files and remote media can be recorded to disk.
//
// Run without arguments for an interactive menu, or use the subcommands
// (login, call, listen, online, relay).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/identity"
	"github.com/1ureka/p2pcall/internal/protocol"
	"github.com/1ureka/p2pcall/internal/util"
)

var version = "dev"

var (
	v          = viper.New()
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "p2pcall",
	Short:         "Peer-to-peer video calls over WebRTC",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(v, configPath); err != nil {
			return err
		}
		if cfg.LogLevel != "" {
			if err := util.SetLevel(cfg.LogLevel); err != nil {
				return err
			}
		}
		if cfg.Debug {
			util.EnableDebug()
		}
		util.StartStatsReporter(cmd.Context())
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config file (default: <user config dir>/p2pcall/config.toml)")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("relay", "", "Relay WebSocket URL")
	v.BindPFlag("debug", flags.Lookup("debug"))
	v.BindPFlag("relay_url", flags.Lookup("relay"))

	rootCmd.AddCommand(loginCmd, logoutCmd, callCmd, listenCmd, onlineCmd, relayCmd, versionCmd)
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("p2pcall v%s", version))
	pterm.Println()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive asks what to do when no subcommand is given.
func runInteractive(ctx context.Context) error {
	self, err := store().Require()
	if err != nil {
		return err
	}

	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Listen  - Wait for incoming calls", "Call    - Call another participant", "Online  - Show who is online"}).
		WithDefaultText(fmt.Sprintf("Signed in as %s (#%s)", self.Username, self.ID)).
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Listen"):
		return listen(ctx, *self, false)
	case strings.HasPrefix(choice, "Call"):
		return dial(ctx, *self, askParticipant())
	default:
		return online(ctx, *self)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func store() identity.Store {
	return identity.Store{Path: cfg.IdentityFile}
}

// askParticipant prompts for a participant id until a valid one is entered.
func askParticipant() protocol.ParticipantID {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Participant id to call").
			Show()

		id, err := parseID(raw)
		if err == nil {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("%v", err)
	}
}

func parseID(raw string) (protocol.ParticipantID, error) {
	id, err := protocol.ParseParticipantID(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid participant id %q: must be a positive number", raw)
	}
	return id, nil
}
