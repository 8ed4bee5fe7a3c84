package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BuildInfo holds the build metadata injected at compile time.
type BuildInfo struct {
	Version string
	AppName string
}

type cmdFlags struct {
	version    string
	appName    string
	ConfigPath string `mapstructure:"config"`
	LogLevel   string `mapstructure:"log_level"`
	TextFormat bool   `mapstructure:"log_text"`

	BatchSize           int `mapstructure:"batch_size"`
	NBIndexationWorkers int `mapstructure:"nb_indexation_workers"`
}

// InitCommand initializes the root command of the CLI application with its
// subcommands and flags.
func InitCommand(build BuildInfo) cobra.Command {
	flags := cmdFlags{
		version: build.Version,
		appName: build.AppName,
	}

	cmd := cobra.Command{
		Use:   flags.appName,
		Short: "Indexes crawled pages from a document store into a search cluster",
		Long:  "hyphe-text-indexer is a long-running coordinator that extracts readable text from crawled pages, writes it to a search index, and applies web-entity reclassification events as they become safe to apply.",
	}

	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.TextFormat, "log-text", true, "log format flag; has no effect, logs are always written in text format")
	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "runtime/config.yml", "path to the configuration file")
	cmd.PersistentFlags().IntVar(&flags.BatchSize, "batch-size", 0, "override BATCH_SIZE from config (0 = use config)")
	cmd.PersistentFlags().IntVar(&flags.NBIndexationWorkers, "nb-indexation-workers", 0, "override NB_INDEXATION_WORKERS from config (0 = use config)")

	for _, name := range []string{"log_level", "log_text"} {
		if err := viper.BindEnv(name); err != nil {
			slog.Error("failed to bind env var", "name", name, "error", err)
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&flags); err != nil {
		slog.Error("failed to unmarshal env vars", "error", err)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing coordinator",
		Long:  "Start the coordinator loop that batches pending pages, dispatches them to the worker pool, and applies web-entity updates.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return RunCommand(cmd.Context(), &flags)
		},
	}

	healthCmd := newHealthCmd()

	cmd.AddCommand(serveCmd, healthCmd)

	return cmd
}
