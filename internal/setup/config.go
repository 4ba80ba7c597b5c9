package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cochaviz/manualcapture/internal/logging"
)

var logger atomic.Pointer[slog.Logger]

// SetLogger replaces the logger used by setup steps. Nil restores the default.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func stepLogger() *slog.Logger {
	return logging.Ensure(logger.Load())
}

var ConfigDir = "/etc/manualcapture"
var StorageDir = "/var/lib/manualcapture"

func configFiles() []string {
	return []string{
		filepath.Join(ConfigDir, "config.yaml"),
	}
}

// Verify reports the first missing configuration file.
func Verify() error {
	for _, file := range configFiles() {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("file %s does not exist, run setup first", file)
		}
	}
	return nil
}

// EnsureStorage creates the directory holding the history journal and staged
// images.
func EnsureStorage() error {
	stepLogger().Info("ensuring storage directory", "path", StorageDir)
	if err := os.MkdirAll(StorageDir, 0o755); err != nil {
		return fmt.Errorf("create storage directory %s: %w", StorageDir, err)
	}
	return nil
}

func ClearConfig() error {
	stepLogger().Info("clearing configuration files")

	for _, file := range configFiles() {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}
