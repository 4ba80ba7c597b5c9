package console

import (
	"testing"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/manualcapture/internal/logging"
)

func TestLibvirtConnectionURI(t *testing.T) {
	plugin := NewLibvirtPlugin("", logging.Discard())
	if _, err := plugin.ConnectionURI(Target{}); err == nil {
		t.Fatal("ConnectionURI() before Startup error = nil")
	}
	if ok, err := plugin.Startup(StartupMode{Embedded: true}); !ok {
		t.Fatalf("Startup() error = %v", err)
	}

	uri, err := plugin.ConnectionURI(Target{Host: "vc.example", DatacenterMoid: "datacenter-2"})
	if err != nil {
		t.Fatalf("ConnectionURI() error = %v", err)
	}
	if uri != "vpx://vc.example/datacenter-2?no_verify=1" {
		t.Fatalf("ConnectionURI() = %q", uri)
	}

	uri, _ = plugin.ConnectionURI(Target{Host: "vc.example", Datacenter: "DC1", DatacenterMoid: "datacenter-2"})
	if uri != "vpx://vc.example/DC1?no_verify=1" {
		t.Fatalf("ConnectionURI() = %q, datacenter name should win", uri)
	}
}

func TestLibvirtStartupRejectsBadTemplate(t *testing.T) {
	plugin := NewLibvirtPlugin("esx://{{.Host", logging.Discard())
	if ok, err := plugin.Startup(StartupMode{}); ok || err == nil {
		t.Fatalf("Startup() = %v, %v; want failure", ok, err)
	}
}

func TestMoidNumber(t *testing.T) {
	if id, ok := moidNumber("vm-123"); !ok || id != 123 {
		t.Fatalf("moidNumber(vm-123) = %d, %v", id, ok)
	}
	for _, bad := range []string{"", "123", "vm-", "vm-abc", "host-12"} {
		if _, ok := moidNumber(bad); ok {
			t.Errorf("moidNumber(%q) ok = true", bad)
		}
	}
}

func TestDropReasons(t *testing.T) {
	for _, ev := range []libvirt.DomainEventType{libvirt.DOMAIN_EVENT_STOPPED, libvirt.DOMAIN_EVENT_SHUTDOWN, libvirt.DOMAIN_EVENT_CRASHED} {
		if _, dropped := lifecycleDropReason(ev); !dropped {
			t.Errorf("lifecycle event %d should drop the connection", ev)
		}
	}
	for _, ev := range []libvirt.DomainEventType{libvirt.DOMAIN_EVENT_STARTED, libvirt.DOMAIN_EVENT_RESUMED} {
		if _, dropped := lifecycleDropReason(ev); dropped {
			t.Errorf("lifecycle event %d should not drop the connection", ev)
		}
	}
	if _, dropped := stateDropReason(libvirt.DOMAIN_RUNNING); dropped {
		t.Error("running domain reported as dropped")
	}
	if _, dropped := stateDropReason(libvirt.DOMAIN_SHUTOFF); !dropped {
		t.Error("shut off domain not reported as dropped")
	}
}

func TestLibvirtPluginAgainstTestDriver(t *testing.T) {
	plugin := NewLibvirtPlugin("test:///default", logging.Discard())
	plugin.StateInterval = 10 * time.Millisecond
	if ok, err := plugin.Startup(StartupMode{Embedded: true}); !ok {
		t.Fatalf("Startup() error = %v", err)
	}

	ok, err := plugin.Connect(Target{Host: "localhost", VMPath: "[default] test/test.vmx"})
	if err != nil || !ok {
		t.Fatalf("Connect() = %v, %v", ok, err)
	}

	select {
	case ev := <-plugin.Events():
		if !ev.Connected {
			t.Fatalf("first event = %+v, want connected", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	if ok, err := plugin.Shutdown(); err != nil || !ok {
		t.Fatalf("Shutdown() = %v, %v", ok, err)
	}

	if _, err := plugin.Connect(Target{VMPath: "[default] missing/missing.vmx"}); err == nil {
		t.Fatal("Connect() to unknown domain error = nil")
	}
}
