package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plugrig/plugrig/internal/config"
	"github.com/plugrig/plugrig/internal/logging"
)

// rootFlags are the persistent options shared by every subcommand.
type rootFlags struct {
	configDir string
	stateDir  string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "plugrig",
		Short:         "In-process plugin framework host",
		Long:          "plugrig loads plugin artifacts, runs workflow definitions across them, and recovers interrupted executions from checkpoints.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept underscore spellings for multi-word flags.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	cmd.PersistentFlags().StringVar(&flags.configDir, "config", "", "directory holding plugrig.yaml")
	cmd.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "checkpoint root (overrides configuration)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides configuration)")

	cmd.AddCommand(
		newLoadCmd(flags),
		newRunCmd(flags),
		newInspectCmd(flags),
		newRecoverCmd(flags),
	)
	return cmd
}

// loadConfig resolves configuration and applies the logging setup.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevel()
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	if err := logging.Setup(level); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stateDir resolves the checkpoint root with the flag override.
func stateDir(flags *rootFlags, cfg *config.Config) string {
	if flags.stateDir != "" {
		return flags.stateDir
	}
	return cfg.StateDir()
}
