package main

import (
	"fmt"
	"os"

	"github.com/ethpandaops/artifactoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		if err := enc.Encode(cfg.Redacted()); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		return enc.Close()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		if cfg.ResolveProfile() == nil {
			log.Warn("No S3 profile resolves; publishing would be UNSTABLE")
		}

		log.WithField("rules", len(cfg.Publish.Rules)).Info("Configuration is valid")

		return nil
	},
}

func init() {
	configCmd.AddCommand(configPrintCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	if len(cfgFiles) == 0 {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level, err := resolveLogLevel(
		rootCmd.PersistentFlags().Changed("log-level"), logLevel, cfg.Global.LogLevel,
	)
	if err != nil {
		return nil, err
	}

	log.SetLevel(level)

	return cfg, nil
}

// resolveLogLevel picks --log-level when it was given on the command line,
// otherwise global.log_level from the config.
func resolveLogLevel(flagSet bool, flagValue, configValue string) (logrus.Level, error) {
	if flagSet || configValue == "" {
		level, err := logrus.ParseLevel(flagValue)
		if err != nil {
			return 0, fmt.Errorf("invalid log level %q: %w", flagValue, err)
		}

		return level, nil
	}

	level, err := logrus.ParseLevel(configValue)
	if err != nil {
		return 0, fmt.Errorf("invalid global.log_level %q: %w", configValue, err)
	}

	return level, nil
}
