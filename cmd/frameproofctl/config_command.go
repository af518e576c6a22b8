package main

import (
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const redacted = "********"

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			for _, secret := range []*string{
				&cfg.Storage.PostgresDSN,
				&cfg.Blob.SecretKey,
				&cfg.Redis.Password,
				&cfg.Identity.JWTSecret,
				&cfg.Transcoder.Token,
				&cfg.Transcoder.CallbackSecret,
			} {
				if *secret != "" {
					*secret = redacted
				}
			}
			encoder := toml.NewEncoder(cmd.OutOrStdout())
			return encoder.Encode(cfg)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration the server would start with",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write([]byte("Configuration is valid\n"))
			return err
		},
	})
	return configCmd
}
