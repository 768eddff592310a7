// Package main provides the webscience command line tool: resolve links,
// run a study in an automated browser and export the records it stored.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrhq/webscience/pkg/config"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "webscience",
		Short: "Measurement primitives for web research studies",
		Long: `webscience runs web research studies: it tracks page visits and attention,
records exposure to links on study domains, detects social media shares and
resolves shortened links to their destinations.

Configuration is read from a YAML file (--config), then overridden by
WEBSCIENCE_* environment variables. A .env file is loaded first if present.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(flags.envFile)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the study configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(newResolveCmd(flags), newRunCmd(flags), newExportCmd(flags))
	return root
}

// loadEnvFile loads path into the environment. A missing file is not an error.
// Variables already set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the configuration file over the defaults, applies the
// environment and the log level flag, and validates the result.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger returns the file logger for component, falling back to stderr.
func newLogger(component string) *logging.Logger {
	l, _ := logging.NewLogger(component)
	return l
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
