package console

import (
	"log/slog"
	"sync"

	"github.com/cochaviz/manualcapture/internal/logging"
)

var _ Plugin = &HeadlessPlugin{}

// HeadlessPlugin has no display. It logs where the VM can be reached so the
// user can open a console by other means.
type HeadlessPlugin struct {
	Logger *slog.Logger

	events chan ConnectionStateChange

	mu        sync.Mutex
	started   bool
	connected *Target
}

// NewHeadlessPlugin creates a headless plugin.
func NewHeadlessPlugin(logger *slog.Logger) *HeadlessPlugin {
	return &HeadlessPlugin{
		Logger: logger,
		events: make(chan ConnectionStateChange, 8),
	}
}

func (h *HeadlessPlugin) logger() *slog.Logger {
	return logging.Ensure(h.Logger).With("component", "console.headless")
}

func (h *HeadlessPlugin) Startup(StartupMode) (bool, error) {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	return true, nil
}

func (h *HeadlessPlugin) Connect(target Target) (bool, error) {
	h.mu.Lock()
	h.connected = &target
	h.mu.Unlock()

	h.logger().Info("vm ready, open a console manually",
		"host", target.Host,
		"username", target.Username,
		"datacenter_moid", target.DatacenterMoid,
		"vm_path", target.VMPath,
		"vm_id", target.VMID,
	)
	return true, nil
}

func (h *HeadlessPlugin) Disconnect() (bool, error) {
	h.mu.Lock()
	h.connected = nil
	h.mu.Unlock()
	return true, nil
}

func (h *HeadlessPlugin) Shutdown() (bool, error) {
	h.mu.Lock()
	h.connected = nil
	h.started = false
	h.mu.Unlock()
	return true, nil
}

func (h *HeadlessPlugin) Events() <-chan ConnectionStateChange {
	return h.events
}

// Drop reports a lost connection as the native plugin would.
func (h *HeadlessPlugin) Drop(reason string) {
	h.mu.Lock()
	target := h.connected
	h.mu.Unlock()

	ev := ConnectionStateChange{Connected: false, Reason: reason}
	if target != nil {
		ev.Host = target.Host
		ev.VMID = target.VMID
	}
	select {
	case h.events <- ev:
	default:
		h.logger().Warn("dropping connection state change, consumer is behind")
	}
}
