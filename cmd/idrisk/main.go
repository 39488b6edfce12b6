// Package main provides the idrisk command line: batch assessment of account
// telemetry exports, offline recompute of stored reports and the report HTTP
// surface.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/config"
	"github.com/lvonguyen/idrisk/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// app carries what every subcommand needs after the root has loaded config.
type app struct {
	v         *viper.Viper
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "idrisk",
		Short: "Identity compromise risk assessment",
		Long: `idrisk evaluates exported identity telemetry for one or more accounts
against a catalog of risk indicators, scores each account and sign-in, and
writes a report document per account that can be recomputed offline.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.telemetry == nil {
				return nil
			}
			return a.telemetry.Shutdown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "Path to config file")
	flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	flags.String("log-format", "", "Log format override (json, console)")
	flags.String("environment", "production", "Deployment environment reported in logs")
	for _, name := range []string{"config", "log-level", "log-format", "environment"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix("IDRISK")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newAssessCmd(a),
		newRecomputeCmd(a),
		newServeCmd(a),
		newCatalogCmd(a),
		newVersionCmd(),
	)
	return root
}

// init loads configuration and builds telemetry. A missing file at the
// default path falls back to built-in defaults; an explicit path must exist.
func (a *app) init() error {
	path := a.v.GetString("config")
	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		cfg = config.DefaultConfig()
	default:
		return err
	}

	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := a.v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "idrisk",
		ServiceVersion: Version,
		Environment:    a.v.GetString("environment"),
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: cfg.Metrics.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	a.cfg = cfg
	a.telemetry = tel
	a.logger = tel.Logger()
	a.logger.Debug("Configuration loaded",
		zap.String("path", path),
		zap.Strings("providers", cfg.EnabledProviders()),
	)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "idrisk %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
