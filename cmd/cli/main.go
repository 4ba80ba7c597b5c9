package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/manualcapture/internal/config"
	"github.com/cochaviz/manualcapture/internal/logging"
	"github.com/cochaviz/manualcapture/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	app := &app{levelVar: &levelVar}
	app.setLogger(logging.NewCLI(os.Stderr, &levelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries what the persistent flags configure. Commands read the logger
// when they run, after the flags were applied.
type app struct {
	levelVar *slog.LevelVar
	logger   *slog.Logger

	logLevel   string
	logFormat  string
	configPath string
}

func (a *app) setLogger(logger *slog.Logger) {
	a.logger = logger
	slog.SetDefault(logger)
	setup.SetLogger(logger.With("component", "setup"))
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "capture",
		Short:         "Drive ThinApp Factory manual-capture sessions from the terminal",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "cli", "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "Path to the YAML configuration")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(a.logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.setLogger(logging.New(mode, os.Stderr, a.levelVar))
		return nil
	}

	root.AddCommand(
		newRunCommand(a),
		newStatusCommand(a),
		newNextCommand(a),
		newCancelCommand(a),
		newHistoryCommand(a),
		newSetupCommand(a),
	)
	return root
}

// loadConfig reads the configuration file. A missing file at the default
// location falls back to defaults; an explicitly named one must exist.
func (a *app) loadConfig(cmd *cobra.Command, cmdLogger *slog.Logger) (config.Config, error) {
	if cmd.Flags().Changed("config") {
		return config.Load(a.configPath)
	}
	if err := setup.Verify(); err != nil {
		cmdLogger.Info("no configuration found, using defaults", "path", a.configPath, "hint", "run 'capture setup' to write one")
		return config.Default(), nil
	}
	return config.Load(a.configPath)
}

func newSetupCommand(a *app) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the default configuration and create the storage directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "setup")

			alreadyConfigured := false
			if err := setup.Verify(); err == nil {
				alreadyConfigured = true
			}

			if alreadyConfigured && !clearConfig {
				cmdLogger.Info("system already configured", "hint", "use 'capture setup --clear' to reinitialize")
				return nil
			}

			if clearConfig {
				logArgs := []any{}
				if alreadyConfigured {
					logArgs = append(logArgs, "action", "reinitializing existing configuration")
				}
				cmdLogger.Info("clearing existing configuration", logArgs...)
				if err := setup.ClearConfig(); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
				cmdLogger.Info("existing configuration cleared")
			}

			if err := setup.EnsureStorage(); err != nil {
				return err
			}
			if err := config.Write(config.DefaultPath(), config.Default(), clearConfig); err != nil {
				cmdLogger.Error("writing default configuration failed", "error", err)
				return err
			}
			cmdLogger.Info("default configuration written", "path", config.DefaultPath())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove existing setup configuration before initializing")

	return cmd
}
