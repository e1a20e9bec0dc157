package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/appforge/internal/config"
)

const redacted = "<redacted>"

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(g.configPath)
			if err != nil {
				return err
			}
			src := cfg.SourcePath
			if src == "" {
				src = "built-in defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %s\n", src)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(g.configPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func redact(cfg config.Config) config.Config {
	if cfg.API.APIKey != "" {
		cfg.API.APIKey = redacted
	}
	tokens := make([]config.APIToken, len(cfg.API.Tokens))
	for i, t := range cfg.API.Tokens {
		tokens[i] = config.APIToken{Token: redacted, Scopes: t.Scopes}
	}
	cfg.API.Tokens = tokens
	return cfg
}
