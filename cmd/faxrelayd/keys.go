package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
	"github.com/joseph-ayodele/faxrelay/internal/envelope"
	"github.com/joseph-ayodele/faxrelay/internal/server"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh hex-encoded 32-byte key for storage.master_key or auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := envelope.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return err
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Issue a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := constants.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			auth, err := server.NewAuthenticator(opts.cfg.Auth.JWTSecret, opts.cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(entity.Actor{ID: args[0], Role: r}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", string(constants.RoleIntakeClerk), "actor role")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
