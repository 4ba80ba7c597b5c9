package console

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/template"

	"github.com/cochaviz/manualcapture/internal/logging"
)

var _ Plugin = &ViewerPlugin{}

// ViewerPlugin runs an external console viewer, for example
// "remote-viewer vnc://{{.Host}}". The command line is a text/template
// rendered against the Target. The viewer exiting counts as a dropped
// connection.
type ViewerPlugin struct {
	Command string
	Logger  *slog.Logger

	tmpl   *template.Template
	events chan ConnectionStateChange

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewViewerPlugin creates a viewer plugin for the command template.
func NewViewerPlugin(command string, logger *slog.Logger) *ViewerPlugin {
	return &ViewerPlugin{Command: command, Logger: logger}
}

func (v *ViewerPlugin) logger() *slog.Logger {
	return logging.Ensure(v.Logger).With("component", "console.viewer")
}

func (v *ViewerPlugin) Startup(StartupMode) (bool, error) {
	command := strings.TrimSpace(v.Command)
	if command == "" {
		return false, errors.New("viewer command is required")
	}
	tmpl, err := template.New("viewer").Parse(command)
	if err != nil {
		return false, fmt.Errorf("parse viewer command template: %w", err)
	}
	binary := strings.Fields(command)[0]
	if !strings.Contains(binary, "{{") {
		if _, err := exec.LookPath(binary); err != nil {
			return false, fmt.Errorf("viewer %q not found: %w", binary, err)
		}
	}
	v.tmpl = tmpl
	v.events = make(chan ConnectionStateChange, 8)
	return true, nil
}

// Render expands the command template for target.
func (v *ViewerPlugin) Render(target Target) ([]string, error) {
	if v.tmpl == nil {
		return nil, errors.New("viewer not started")
	}
	var buf bytes.Buffer
	if err := v.tmpl.Execute(&buf, target); err != nil {
		return nil, fmt.Errorf("render viewer command: %w", err)
	}
	args := strings.Fields(buf.String())
	if len(args) == 0 {
		return nil, errors.New("viewer command rendered empty")
	}
	return args, nil
}

func (v *ViewerPlugin) Connect(target Target) (bool, error) {
	args, err := v.Render(target)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cmd != nil {
		return true, nil
	}

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start viewer: %w", err)
	}
	v.logger().Info("viewer started", "binary", args[0], "pid", cmd.Process.Pid)

	done := make(chan struct{})
	v.cmd = cmd
	v.done = done

	go func() {
		err := cmd.Wait()
		close(done)

		v.mu.Lock()
		requested := v.cmd != cmd
		if !requested {
			v.cmd = nil
			v.done = nil
		}
		v.mu.Unlock()

		reason := "viewer exited"
		if err != nil {
			reason = fmt.Sprintf("viewer exited: %v", err)
		}
		v.emit(ConnectionStateChange{Connected: false, Host: target.Host, VMID: target.VMID, UserRequested: requested, Reason: reason})
	}()

	v.emit(ConnectionStateChange{Connected: true, Host: target.Host, VMID: target.VMID})
	return true, nil
}

func (v *ViewerPlugin) Disconnect() (bool, error) {
	v.mu.Lock()
	cmd, done := v.cmd, v.done
	v.cmd, v.done = nil, nil
	v.mu.Unlock()

	if cmd == nil {
		return true, nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return false, fmt.Errorf("stop viewer: %w", err)
	}
	<-done
	return true, nil
}

func (v *ViewerPlugin) Shutdown() (bool, error) {
	return v.Disconnect()
}

func (v *ViewerPlugin) Events() <-chan ConnectionStateChange {
	return v.events
}

func (v *ViewerPlugin) emit(ev ConnectionStateChange) {
	if v.events == nil {
		return
	}
	select {
	case v.events <- ev:
	default:
		v.logger().Warn("dropping connection state change, consumer is behind", "connected", ev.Connected)
	}
}
