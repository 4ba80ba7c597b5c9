package console

import (
	"log/slog"
	"sync"

	"github.com/cochaviz/manualcapture/internal/logging"
	"github.com/cochaviz/manualcapture/internal/manualmode"
)

// Adapter wraps a Plugin with logging and tracks whether we believe the
// console is connected and which lease it is connected to.
type Adapter struct {
	plugin Plugin
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	lease     *manualmode.Lease
}

// NewAdapter wraps plugin.
func NewAdapter(plugin Plugin, logger *slog.Logger) *Adapter {
	return &Adapter{
		plugin: plugin,
		logger: logging.Ensure(logger).With("component", "console"),
	}
}

// Startup loads the plugin in embedded, event-logging mode. It returns false
// when the plugin is unavailable; callers present that as fatal.
func (a *Adapter) Startup() bool {
	if a.plugin == nil {
		a.logger.Error("console plugin not available")
		return false
	}
	a.logger.Info("starting console plugin")
	ok, err := a.plugin.Startup(DefaultStartupMode)
	if err != nil {
		a.logger.Error("console startup failed", "error", err)
		return false
	}
	a.logger.Info("console startup result", "result", ok)
	return ok
}

// Connect asks the plugin to connect and marks the adapter connected without
// waiting for the plugin to confirm.
func (a *Adapter) Connect(host, username, password, datacenterMoid, vmPath string) error {
	return a.connect(Target{
		Host:           host,
		Username:       username,
		Password:       password,
		DatacenterMoid: datacenterMoid,
		VMPath:         vmPath,
	})
}

// ConnectLease stores lease and connects to the VM it describes.
func (a *Adapter) ConnectLease(lease manualmode.Lease) error {
	a.mu.Lock()
	held := lease
	a.lease = &held
	a.mu.Unlock()

	return a.connect(Target{
		Host:           lease.VC.Host,
		Username:       lease.VC.Username,
		Password:       lease.VC.Password,
		Datacenter:     lease.VC.Datacenter,
		DatacenterMoid: lease.VC.DatacenterMoid,
		VMPath:         lease.VM.VmxPath,
		VMID:           lease.VM.Moid,
	})
}

func (a *Adapter) connect(target Target) error {
	a.logger.Debug("connection requested", "host", target.Host, "username", target.Username, "datacenter_moid", target.DatacenterMoid, "vm_path", target.VMPath)

	ok, err := false, error(nil)
	if a.plugin != nil {
		ok, err = a.plugin.Connect(target)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	a.logger.Info("connect result", "result", ok)
	if err != nil {
		return &PluginError{Op: "connect", Err: err}
	}
	if !ok {
		return &PluginError{Op: "connect"}
	}
	return nil
}

// Disconnect drops the connection and the held lease. Calling it when not
// connected is harmless.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.lease = nil
	a.mu.Unlock()

	if !wasConnected || a.plugin == nil {
		return
	}
	ok, err := a.plugin.Disconnect()
	if err != nil {
		a.logger.Warn("console disconnect failed", "error", err)
		return
	}
	a.logger.Info("disconnect result", "result", ok)
}

// Shutdown disconnects and unloads the plugin.
func (a *Adapter) Shutdown() {
	a.logger.Info("shutting down console")
	a.Disconnect()
	if a.plugin == nil {
		return
	}
	ok, err := a.plugin.Shutdown()
	if err != nil {
		a.logger.Warn("console shutdown failed", "error", err)
		return
	}
	a.logger.Info("shutdown result", "result", ok)
}

// Connected reports what the adapter believes, not what the plugin knows.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Lease returns the lease the console is connected to, if any.
func (a *Adapter) Lease() (manualmode.Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease == nil {
		return manualmode.Lease{}, false
	}
	return *a.lease, true
}

// Events exposes the plugin's connection state changes.
func (a *Adapter) Events() <-chan ConnectionStateChange {
	if a.plugin == nil {
		return nil
	}
	return a.plugin.Events()
}

// Reconcile applies a pushed state change. A drop reported while the
// adapter still believes it is connected disconnects and releases the
// lease; the return value says whether that happened.
func (a *Adapter) Reconcile(ev ConnectionStateChange) bool {
	a.logger.Debug("connection state changed",
		"connected", ev.Connected,
		"host", ev.Host,
		"vm_id", ev.VMID,
		"user_requested", ev.UserRequested,
		"reason", ev.Reason,
	)
	if ev.Connected || !a.Connected() {
		return false
	}
	a.logger.Info("console connection dropped, disconnecting", "reason", ev.Reason)
	a.Disconnect()
	return true
}
