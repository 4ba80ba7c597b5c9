package console

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/manualcapture/internal/logging"
)

// DefaultConnectionURI reaches a VM through vCenter. Host and Datacenter come
// from the lease.
const DefaultConnectionURI = "vpx://{{.Host}}/{{.Datacenter}}?no_verify=1"

const defaultStateInterval = 2 * time.Second

var _ Plugin = &LibvirtPlugin{}

var (
	eventLoopOnce    sync.Once
	eventLoopErr     error
	eventLoopRunning atomic.Bool

	// Seams for tests, following the same pattern as the libvirt network helpers.
	registerEventLoop = func() error {
		if err := libvirt.EventRegisterDefaultImpl(); err != nil {
			return err
		}
		go func() {
			for {
				if err := libvirt.EventRunDefaultImpl(); err != nil {
					slog.Default().Warn("libvirt event loop iteration failed", "error", err)
					time.Sleep(time.Second)
				}
			}
		}()
		return nil
	}
	openConnection = func(uri string, auth *libvirt.ConnectAuth) (*libvirt.Connect, error) {
		return libvirt.NewConnectWithAuth(uri, auth, 0)
	}
)

// LibvirtPlugin drives the leased VM through libvirt. It resolves the domain
// named in the lease, watches its lifecycle and reports a dropped connection
// when the domain stops. An optional viewer is started once connected; its
// exit is not treated as a drop since the domain keeps running.
type LibvirtPlugin struct {
	URITemplate   string
	StateInterval time.Duration
	Viewer        *ViewerPlugin
	Logger        *slog.Logger

	uriTmpl *template.Template
	events  chan ConnectionStateChange

	mu         sync.Mutex
	conn       *libvirt.Connect
	domain     *libvirt.Domain
	target     Target
	callbackID int
	stopWatch  chan struct{}
}

// NewLibvirtPlugin creates a plugin that renders uriTemplate against the
// lease target. An empty template uses DefaultConnectionURI.
func NewLibvirtPlugin(uriTemplate string, logger *slog.Logger) *LibvirtPlugin {
	return &LibvirtPlugin{
		URITemplate: uriTemplate,
		Logger:      logger,
	}
}

func (p *LibvirtPlugin) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("component", "console.libvirt")
}

func (p *LibvirtPlugin) Startup(mode StartupMode) (bool, error) {
	raw := strings.TrimSpace(p.URITemplate)
	if raw == "" {
		raw = DefaultConnectionURI
	}
	tmpl, err := template.New("uri").Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse connection uri template: %w", err)
	}
	p.uriTmpl = tmpl

	if mode.EventLogging {
		eventLoopOnce.Do(func() {
			eventLoopErr = registerEventLoop()
			eventLoopRunning.Store(eventLoopErr == nil)
		})
		if eventLoopErr != nil {
			p.logger().Warn("libvirt event loop unavailable, falling back to state polling", "error", eventLoopErr)
		}
	}

	p.events = make(chan ConnectionStateChange, 8)
	if p.Viewer != nil {
		if ok, err := p.Viewer.Startup(mode); !ok {
			return false, err
		}
	}
	return true, nil
}

// ConnectionURI renders the libvirt URI for target.
func (p *LibvirtPlugin) ConnectionURI(target Target) (string, error) {
	if p.uriTmpl == nil {
		return "", errors.New("plugin not started")
	}
	if target.Datacenter == "" {
		target.Datacenter = target.DatacenterMoid
	}
	var buf bytes.Buffer
	if err := p.uriTmpl.Execute(&buf, target); err != nil {
		return "", fmt.Errorf("render connection uri: %w", err)
	}
	return buf.String(), nil
}

func (p *LibvirtPlugin) Connect(target Target) (bool, error) {
	uri, err := p.ConnectionURI(target)
	if err != nil {
		return false, err
	}
	logger := p.logger().With("uri", uri, "vm_path", target.VMPath, "vm_id", target.VMID)

	conn, err := openConnection(uri, credentialAuth(target.Username, target.Password))
	if err != nil {
		return false, fmt.Errorf("open libvirt connection: %w", err)
	}

	domain, err := lookupDomain(conn, target)
	if err != nil {
		conn.Close()
		return false, err
	}

	state, _, err := domain.GetState()
	if err != nil {
		domain.Free()
		conn.Close()
		return false, fmt.Errorf("query domain state: %w", err)
	}
	logger.Info("resolved domain", "state", int(state))

	p.mu.Lock()
	p.conn = conn
	p.domain = domain
	p.target = target
	p.callbackID = -1
	p.stopWatch = make(chan struct{})
	stop := p.stopWatch
	p.mu.Unlock()

	if eventLoopRunning.Load() {
		id, err := conn.DomainEventLifecycleRegister(domain, func(_ *libvirt.Connect, _ *libvirt.Domain, event *libvirt.DomainEventLifecycle) {
			if reason, dropped := lifecycleDropReason(event.Event); dropped {
				p.emit(ConnectionStateChange{Connected: false, Host: target.Host, VMID: target.VMID, Reason: reason})
			}
		})
		if err == nil {
			p.mu.Lock()
			p.callbackID = id
			p.mu.Unlock()
		} else {
			logger.Warn("lifecycle event registration failed, polling domain state", "error", err)
		}
	}
	p.mu.Lock()
	polling := p.callbackID < 0
	p.mu.Unlock()
	if polling {
		go p.watchState(domain, target, stop)
	}

	p.emit(ConnectionStateChange{Connected: true, Host: target.Host, VMID: target.VMID})

	if p.Viewer != nil {
		if ok, err := p.Viewer.Connect(target); !ok {
			logger.Warn("viewer failed to start", "error", err)
		}
	}
	return true, nil
}

func (p *LibvirtPlugin) Disconnect() (bool, error) {
	p.mu.Lock()
	conn, domain, id, stop := p.conn, p.domain, p.callbackID, p.stopWatch
	p.conn, p.domain, p.stopWatch = nil, nil, nil
	p.callbackID = -1
	p.mu.Unlock()

	if p.Viewer != nil {
		p.Viewer.Disconnect()
	}
	if conn == nil {
		return true, nil
	}
	if stop != nil {
		close(stop)
	}

	var errs []error
	if id >= 0 {
		if err := conn.DomainEventDeregister(id); err != nil {
			errs = append(errs, fmt.Errorf("deregister lifecycle callback: %w", err))
		}
	}
	if domain != nil {
		if err := domain.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free domain: %w", err))
		}
	}
	if _, err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return false, err
	}
	return true, nil
}

func (p *LibvirtPlugin) Shutdown() (bool, error) {
	ok, err := p.Disconnect()
	if p.Viewer != nil {
		p.Viewer.Shutdown()
	}
	return ok, err
}

func (p *LibvirtPlugin) Events() <-chan ConnectionStateChange {
	return p.events
}

func (p *LibvirtPlugin) emit(ev ConnectionStateChange) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger().Warn("dropping connection state change, consumer is behind", "connected", ev.Connected)
	}
}

func (p *LibvirtPlugin) watchState(domain *libvirt.Domain, target Target, stop <-chan struct{}) {
	interval := p.StateInterval
	if interval <= 0 {
		interval = defaultStateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state, _, err := domain.GetState()
			if err != nil {
				p.emit(ConnectionStateChange{Connected: false, Host: target.Host, VMID: target.VMID, Reason: err.Error()})
				return
			}
			if reason, dropped := stateDropReason(state); dropped {
				p.emit(ConnectionStateChange{Connected: false, Host: target.Host, VMID: target.VMID, Reason: reason})
				return
			}
		}
	}
}

func lookupDomain(conn *libvirt.Connect, target Target) (*libvirt.Domain, error) {
	if id, ok := moidNumber(target.VMID); ok {
		if domain, err := conn.LookupDomainById(id); err == nil {
			return domain, nil
		}
	}
	if target.VMID != "" {
		if domain, err := conn.LookupDomainByUUIDString(target.VMID); err == nil {
			return domain, nil
		}
	}
	name := target.DomainName()
	if name == "" {
		return nil, errors.New("lease names neither a vm moid nor a vmx path")
	}
	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup domain %q: %w", name, err)
	}
	return domain, nil
}

// moidNumber turns a managed object id such as "vm-123" into the numeric
// domain id the ESX driver uses.
func moidNumber(moid string) (uint32, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(moid), "vm-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func credentialAuth(username, password string) *libvirt.ConnectAuth {
	return &libvirt.ConnectAuth{
		CredType: []libvirt.ConnectCredentialType{
			libvirt.CRED_AUTHNAME,
			libvirt.CRED_PASSPHRASE,
		},
		Callback: func(creds []*libvirt.ConnectCredential) {
			for _, cred := range creds {
				switch cred.Type {
				case libvirt.CRED_AUTHNAME:
					cred.Result = username
					cred.ResultLen = len(username)
				case libvirt.CRED_PASSPHRASE:
					cred.Result = password
					cred.ResultLen = len(password)
				}
			}
		},
	}
}

func lifecycleDropReason(event libvirt.DomainEventType) (string, bool) {
	switch event {
	case libvirt.DOMAIN_EVENT_STOPPED:
		return "domain stopped", true
	case libvirt.DOMAIN_EVENT_SHUTDOWN:
		return "domain shut down", true
	case libvirt.DOMAIN_EVENT_CRASHED:
		return "domain crashed", true
	case libvirt.DOMAIN_EVENT_UNDEFINED:
		return "domain undefined", true
	}
	return "", false
}

func stateDropReason(state libvirt.DomainState) (string, bool) {
	switch state {
	case libvirt.DOMAIN_SHUTOFF:
		return "domain shut off", true
	case libvirt.DOMAIN_CRASHED:
		return "domain crashed", true
	}
	return "", false
}
