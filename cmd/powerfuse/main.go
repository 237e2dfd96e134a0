// Command powerfuse builds context bundles and persists turns from the command line, and
// runs the maintenance scheduler in the foreground.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powerfuse-go/pkg/core"
	"github.com/oceanbase/powerfuse-go/pkg/observability"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	envFile    string
	configPath string
	logLevel   string
}

func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "powerfuse",
		Short: "PowerFuse - context fusion for companion agents",
		Long: `PowerFuse assembles the context an agent needs to answer one user message:
persona, known facts, relevant memories, relationship state and strategic insights.

Configuration is read from the environment (and a .env file), or from a JSON file
given with --config.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Path to a .env file")
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildContextCmd(flags),
		buildTurnCmd(flags),
		buildTrendCmd(flags),
		buildMaintainCmd(flags),
	)
	return rootCmd
}

// loadConfig resolves the configuration from the flags.
func loadConfig(flags *globalFlags) (*core.Config, error) {
	var (
		cfg *core.Config
		err error
	)
	switch {
	case flags.configPath != "":
		cfg, err = core.LoadConfigFromJSON(flags.configPath)
	case flags.envFile != "":
		cfg, err = core.LoadConfigFromEnvFile(flags.envFile)
	default:
		cfg, err = core.LoadConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Observability.Log.Level = flags.logLevel
	}
	return cfg, nil
}

// openEngine loads the configuration and builds an engine.
func openEngine(cmd *cobra.Command, flags *globalFlags, mutate func(cfg *core.Config)) (*core.Engine, *core.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Log.Level,
		Format: cfg.Observability.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	engine, err := core.NewEngine(cfg, core.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}
