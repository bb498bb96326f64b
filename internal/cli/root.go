// Package cli implements rosterctl, the command-line client for the roster
// service.
package cli

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/realtime"
	"github.com/example/roster-sync/internal/restclient"
	"github.com/example/roster-sync/internal/types"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Token   string
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for rosterctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rosterctl",
		Short: "Command-line client for the roster service",
		Long: `rosterctl talks to a roster server over its REST API and realtime hubs.

The server address and access token default to ROSTER_SERVER and ROSTER_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("ROSTER_SERVER", "http://localhost:8080"), "roster server base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("ROSTER_TOKEN"), "bearer access token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewPositionsCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewAssignCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewLoadTestCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) logger(w io.Writer) zerolog.Logger {
	level := zerolog.WarnLevel
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).Level(level).With().Timestamp().Logger()
}

func (o *RootOptions) rest(logger zerolog.Logger) *restclient.Client {
	return restclient.New(o.Server, realtime.StaticToken(o.Token), logger)
}

func (o *RootOptions) hubConfig(hub string) realtime.Config {
	return realtime.Config{BaseURL: o.Server, Hub: hub, AccessToken: realtime.StaticToken(o.Token)}
}

// user is the subject of the configured token.
func (o *RootOptions) user() (types.UserID, error) {
	if o.Token == "" {
		return "", fmt.Errorf("an access token is required (--token or ROSTER_TOKEN)")
	}
	return auth.SubjectOf(o.Token)
}
