package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/pulse"
)

var validateFlags struct {
	print bool
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration exactly as serve would, including defaults and KP_*
environment overrides, and report any error.

Examples:
  # Check the default config file
  keyproxy validate

  # Show the effective configuration with secrets masked
  keyproxy validate --config /etc/keyproxy/keyproxy.yaml --print`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateFlags.print, "print", false, "print the effective configuration as YAML")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := pulse.ValidateSchedule(cfg.Report.Schedule); err != nil {
		return fmt.Errorf("invalid config: report.schedule: %w", err)
	}

	out := cmd.OutOrStdout()
	if validateFlags.print {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(redacted(*cfg)); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	}

	source := v.ConfigFileUsed()
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(out, "configuration OK (%s): %d targets\n", source, len(cfg.Targets))
	return nil
}

const mask = "********"

// redacted returns a copy of cfg with credentials masked.
func redacted(cfg config.Config) config.Config {
	if cfg.Admin.Token != "" {
		cfg.Admin.Token = mask
	}
	n := cfg.Notify
	n.Webhooks = append([]config.WebhookConfig(nil), n.Webhooks...)
	for i := range n.Webhooks {
		if n.Webhooks[i].Secret != "" {
			n.Webhooks[i].Secret = mask
		}
	}
	n.Alertmanager = append([]config.AlertmanagerConfig(nil), n.Alertmanager...)
	for i := range n.Alertmanager {
		if n.Alertmanager[i].Secret != "" {
			n.Alertmanager[i].Secret = mask
		}
	}
	cfg.Notify = n
	return cfg
}
