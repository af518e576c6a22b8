package main

import (
	"github.com/spf13/cobra"
)

// newRootCommand builds the command tree. getenv defaults to os.Getenv.
func newRootCommand(getenv func(string) string) *cobra.Command {
	return buildRootCommand(newCommandContext(getenv))
}

func buildRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "frameproofctl",
		Short:         "Administer a FrameProof deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configPath, "config", "c", "", "TOML configuration file (defaults to FRAMEPROOF_CONFIG)")
	flags.StringVar(&ctx.storageDriver, "storage-driver", "", "datastore driver override (memory or postgres)")
	flags.StringVar(&ctx.postgresDSN, "postgres-dsn", "", "Postgres connection string override")
	flags.StringVar(&ctx.blobDriver, "blob-driver", "", "blob store driver override")
	flags.StringVar(&ctx.blobRoot, "blob-root", "", "file blob store root override")

	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newCommentsCommand(ctx))
	rootCmd.AddCommand(newAssetsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
