package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/setup"
)

// Console drivers.
const (
	ConsoleLibvirt = "libvirt"
	ConsoleViewer  = "viewer"
	ConsoleNone    = "none"
)

// Config is the on-disk configuration of the capture client.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Poll    PollConfig    `yaml:"poll"`
	Console ConsoleConfig `yaml:"console"`
	History HistoryConfig `yaml:"history"`
	Request RequestConfig `yaml:"request"`
	Staging StagingConfig `yaml:"staging"`
}

type ServerConfig struct {
	URL     string   `yaml:"url"`
	API     string   `yaml:"api"`
	Timeout Duration `yaml:"timeout,omitempty"`
	AppID   int64    `yaml:"app_id"`
}

type PollConfig struct {
	Interval Duration `yaml:"interval"`
}

type ConsoleConfig struct {
	Driver string `yaml:"driver"`
	// URI is a text/template for the libvirt connection URI.
	URI string `yaml:"uri,omitempty"`
	// Viewer is a text/template command line for an external viewer.
	Viewer string `yaml:"viewer,omitempty"`
}

type HistoryConfig struct {
	// Path of the SQLite journal. Empty disables history.
	Path string `yaml:"path"`
}

type RequestConfig struct {
	InputURI        string `yaml:"input_uri,omitempty"`
	OutputDatastore string `yaml:"output_datastore,omitempty"`
	CommandLine     string `yaml:"command_line,omitempty"`
}

type StagingConfig struct {
	Dir       string `yaml:"dir,omitempty"`
	Datastore string `yaml:"datastore,omitempty"`
}

// Duration reads Go duration strings such as "3s" from YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(setup.ConfigDir, "config.yaml")
}

// Default returns the configuration written by `setup`.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL: "http://localhost:8080",
			API: string(manualmode.FlavorAppFactory),
		},
		Poll:    PollConfig{Interval: Duration{3 * time.Second}},
		Console: ConsoleConfig{Driver: ConsoleLibvirt},
		History: HistoryConfig{Path: filepath.Join(setup.StorageDir, "history.db")},
	}
}

// Load reads path on top of Default. Unknown keys are rejected. The result is
// not validated since flags may still complete it; call Validate afterwards.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when path does not
// exist.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.URL) == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url %q is not an absolute url", c.Server.URL))
	}
	flavor, err := manualmode.ParseFlavor(c.Server.API)
	if err != nil {
		errs = append(errs, fmt.Errorf("server.api: %w", err))
	}
	// The AppFactory status endpoint rejects polls without appId.
	if flavor == manualmode.FlavorAppFactory && c.Server.AppID <= 0 {
		errs = append(errs, errors.New("server.app_id is required for the appfactory api (set it or pass --app-id)"))
	}
	if c.Server.Timeout.Duration < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Poll.Interval.Duration <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}

	switch c.Console.Driver {
	case ConsoleLibvirt, ConsoleNone:
	case ConsoleViewer:
		if strings.TrimSpace(c.Console.Viewer) == "" {
			errs = append(errs, errors.New("console.viewer is required for the viewer driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("console.driver %q is not one of libvirt, viewer, none", c.Console.Driver))
	}

	if (c.Staging.Dir == "") != (c.Staging.Datastore == "") {
		errs = append(errs, errors.New("staging.dir and staging.datastore must be set together"))
	}
	return errors.Join(errs...)
}

// Flavor returns the parsed API flavor. Call Validate first.
func (c Config) Flavor() manualmode.Flavor {
	flavor, _ := manualmode.ParseFlavor(c.Server.API)
	return flavor
}

// TicketRequest builds the job parameters from the request section.
func (c Config) TicketRequest() manualmode.TicketRequest {
	return manualmode.TicketRequest{
		InputURI:        c.Request.InputURI,
		OutputDatastore: c.Request.OutputDatastore,
		CommandLine:     c.Request.CommandLine,
		ApplicationID:   c.Server.AppID,
	}
}

// Write stores cfg at path, creating parent directories. An existing file is
// only replaced when overwrite is set.
func Write(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
