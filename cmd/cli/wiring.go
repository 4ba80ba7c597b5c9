package main

import (
	"log/slog"

	"github.com/cochaviz/manualcapture/internal/config"
	"github.com/cochaviz/manualcapture/internal/console"
	"github.com/cochaviz/manualcapture/internal/history"
	"github.com/cochaviz/manualcapture/internal/manualmode"
)

func newAPI(cfg config.Config, logger *slog.Logger) (manualmode.API, error) {
	opts := []manualmode.Option{
		manualmode.WithLogger(logger),
		manualmode.WithAppID(cfg.Server.AppID),
	}
	if cfg.Server.Timeout.Duration > 0 {
		opts = append(opts, manualmode.WithTimeout(cfg.Server.Timeout.Duration))
	}
	return manualmode.New(cfg.Flavor(), cfg.Server.URL, opts...)
}

func newPlugin(cfg config.ConsoleConfig, logger *slog.Logger) console.Plugin {
	switch cfg.Driver {
	case config.ConsoleViewer:
		return console.NewViewerPlugin(cfg.Viewer, logger)
	case config.ConsoleNone:
		return console.NewHeadlessPlugin(logger)
	default:
		plugin := console.NewLibvirtPlugin(cfg.URI, logger)
		if cfg.Viewer != "" {
			plugin.Viewer = console.NewViewerPlugin(cfg.Viewer, logger)
		}
		return plugin
	}
}

// openHistory returns nil when the journal is disabled.
func openHistory(cfg config.HistoryConfig) (*history.SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	return history.NewSQLiteStore(cfg.Path)
}
