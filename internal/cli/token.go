package cli

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/types"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret string
	Issuer string
	User   string
	Roles  []string
	TTL    time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		Long: `Mint an access token signed with the server's shared secret.

Example:
  rosterctl token --user alice --role captain --secret "$JWT_SECRET"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			if opts.User == "" {
				return errors.New("--user is required")
			}
			authority, err := auth.NewJWT(opts.Secret, opts.Issuer)
			if err != nil {
				return err
			}
			token, err := authority.Issue(types.UserID(opts.User), opts.Roles, opts.TTL)
			if err != nil {
				return err
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Line(token, map[string]string{"token": token})
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&opts.Issuer, "issuer", envOr("JWT_ISSUER", "roster-sync"), "token issuer")
	cmd.Flags().StringVar(&opts.User, "user", "", "subject user id")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "roles to grant (player, captain, organizer)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}
