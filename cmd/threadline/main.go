package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/config"
	"github.com/Veraticus/threadline/internal/metrics"
)

var (
	cfgFile     string
	metricsFile string
	version     = "dev"
	registry    = prometheus.NewRegistry()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "threadline",
		Short: "🧵 Correlate chat threads with tracker work items",
		Long: `threadline fetches chat threads and tracker work items, works out which of them
describe the same problem and groups them into deduplicated units ready for export.`,
		PersistentPreRunE:  initConfig,
		PersistentPostRunE: writeMetrics,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/threadline/config.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (console, json)")
	root.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write a Prometheus text snapshot here when the command finishes")

	_ = viper.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(syncCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(groupCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(linkCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		var userErr *common.UserError
		if errors.As(err, &userErr) {
			slog.Debug("Command failed", "error", err)
			fmt.Fprintln(os.Stderr, cli.FormatError(userErr.UserMessage))
		} else {
			fmt.Fprintln(os.Stderr, cli.FormatError(err.Error()))
		}
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("THREADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	level, err := common.ParseLevel(viper.GetString("logging.level"))
	if err != nil {
		return err
	}
	if err := common.SetupLogger(level, viper.GetString("logging.format")); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	return metrics.Register(registry)
}

func writeMetrics(_ *cobra.Command, _ []string) error {
	if metricsFile == "" {
		return nil
	}
	if err := metrics.WriteSnapshot(registry, metricsFile); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	slog.Debug("Wrote metrics snapshot", "path", metricsFile)
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threadline %s\n", version)
		},
	}
}
