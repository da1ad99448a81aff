package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	offsync "github.com/c0deZ3R0/go-offline-sync"
	"github.com/c0deZ3R0/go-offline-sync/guest"
)

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the guest identity, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				id, err := e.EnsureIdentity(ctx)
				if err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(id, func(w io.Writer) {
					fmt.Fprintf(w, "Guest:   %s\n", id.GuestID)
					fmt.Fprintf(w, "Created: %s\n", id.CreatedAt.Format(time.RFC3339))
					if id.Claimed {
						fmt.Fprintf(w, "Account: %s (claimed %s)\n", id.AccountID, id.ClaimedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(rootOpts *RootOptions) *cobra.Command {
	var syncAfter bool
	cmd := &cobra.Command{
		Use:   "claim <credential>",
		Short: "Move guest data to an account",
		Long: `Claim the guest identity for the account the credential authenticates.

The server reassigns guest-owned entities to the account. Local data, queued
actions and the cursor follow the ids the server hands back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				res, err := e.Claim(ctx, args[0])
				if err != nil {
					return err
				}
				if syncAfter {
					if _, err := e.SyncNow(ctx); err != nil {
						return err
					}
				}
				return newFormatter(rootOpts, cmd).Print(res, func(w io.Writer) {
					fmt.Fprintf(w, "claimed %s for %s: %d ids remapped, %d queued actions rewritten\n",
						res.GuestID, res.AccountID, len(res.Mapping), res.RewrittenActions)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "run a sync pass after the claim")
	return cmd
}

// NewTokenCommand creates the token command, which signs account
// credentials for a server started with the same token secret.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Sign an account credential with the server token secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd)
			if err != nil {
				return err
			}
			if secret == "" {
				secret = cfg.Server.TokenSecret
			}
			if secret == "" {
				return fmt.Errorf("no token secret: set server.token_secret or pass --secret")
			}
			token, err := guest.Sign(args[0], []byte(secret), time.Now(), ttl)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd).Print(map[string]string{"account_id": args[0], "token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "token secret (defaults to server.token_secret)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "credential lifetime; 0 never expires")
	return cmd
}
