package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"frameproof/internal/uploads"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire idle upload sessions and reclaim their chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			repo, release, err := ctx.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			blobs, err := ctx.openBlobs(cmd.Context())
			if err != nil {
				return err
			}
			manager, err := uploads.NewManager(uploads.Config{
				Store:             repo,
				Blobs:             blobs,
				Logger:            slog.New(slog.DiscardHandler),
				InactivityTimeout: cfg.Uploads.InactivityTimeout.Std(),
			})
			if err != nil {
				return err
			}
			expired, err := manager.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			if expired == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No idle upload sessions")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d upload session(s)\n", expired)
			return nil
		},
	}
}
