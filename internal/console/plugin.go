package console

import (
	"fmt"
	"path"
	"strings"
)

// StartupMode mirrors the plugin's startup flags.
type StartupMode struct {
	Embedded      bool
	EventLogging  bool
	AllowSSLError bool
}

// DefaultStartupMode is the embedded, event-based logging mode used for
// manual capture.
var DefaultStartupMode = StartupMode{Embedded: true, EventLogging: true}

// Target is everything needed to reach the leased VM. Either a datacenter
// moid plus a datastore path, or a VM identifier, must be set; the adapter
// does not check which.
type Target struct {
	Host           string
	Username       string
	Password       string
	Datacenter     string
	DatacenterMoid string
	VMPath         string
	VMID           string
}

// DomainName derives a VM name from the VMX path, "[ds] dir/name.vmx" -> "name".
func (t Target) DomainName() string {
	p := t.VMPath
	if i := strings.LastIndex(p, "]"); i >= 0 {
		p = p[i+1:]
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return strings.TrimSuffix(path.Base(p), ".vmx")
}

// ConnectionStateChange is pushed by the plugin whenever its connection
// state changes.
type ConnectionStateChange struct {
	Connected     bool
	Host          string
	VMID          string
	UserRequested bool
	Reason        string
}

// Plugin is the embedded remote console. Its methods report success as a
// boolean like the native plugin does; errors carry detail when available.
type Plugin interface {
	Startup(mode StartupMode) (bool, error)
	Connect(target Target) (bool, error)
	Disconnect() (bool, error)
	Shutdown() (bool, error)
	// Events delivers connection state changes. It may return nil when the
	// plugin never pushes events.
	Events() <-chan ConnectionStateChange
}

// PluginError wraps a failed plugin call.
type PluginError struct {
	Op  string
	Err error
}

func (e *PluginError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("console %s failed", e.Op)
	}
	return fmt.Sprintf("console %s: %v", e.Op, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}
