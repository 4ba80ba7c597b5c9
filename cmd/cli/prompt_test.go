package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cochaviz/manualcapture/internal/capture"
	"github.com/cochaviz/manualcapture/internal/console"
	"github.com/cochaviz/manualcapture/internal/logging"
	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/phase"
	"github.com/cochaviz/manualcapture/internal/status"
)

func TestParsePromptCommand(t *testing.T) {
	cases := map[string]promptCommand{
		"n":        promptNext,
		" NEXT \n": promptNext,
		"c":        promptCancel,
		"cancel":   promptCancel,
		"q":        promptClose,
		"exit":     promptClose,
		"?":        promptHelp,
		"":         promptUnknown,
		"finish":   promptUnknown,
	}
	for input, want := range cases {
		if got := parsePromptCommand(input); got != want {
			t.Errorf("parsePromptCommand(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNeedsConfirmationOnlyForInstallation(t *testing.T) {
	if !needsConfirmation(phase.InstallationWait) {
		t.Fatalf("installationWait should ask for confirmation")
	}
	for _, p := range []phase.Phase{phase.PreCaptureWait, phase.NeedsLoginWait, phase.PostInstallationWait} {
		if needsConfirmation(p) {
			t.Errorf("%s should not ask for confirmation", p)
		}
	}
	if confirmed("") || confirmed("no") || !confirmed("Y") || !confirmed(" yes ") {
		t.Fatalf("unexpected confirmation parsing")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// legacyBackend serves a job that waits in installationWait until next is
// posted and finishes afterwards.
func legacyBackend(t *testing.T, nextCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manual/":
			w.Write([]byte(`{"id":5}`))
		case "/manual/redeem":
			states := `"acquiringVm","vmAcquired","installationWait"`
			if nextCalls.Load() > 0 {
				states += `,"installationDone","finished"`
			}
			w.Write([]byte(`{"states":[` + states + `],"lease":{"vc":{"vcHost":"vc1","vcUsername":"admin","vcPassword":"pw","dcMoid":"datacenter-2"},"vm":{"vmxPath":"[ds1] cap/cap.vmx"}}}`))
		case "/manual/next/installationWait":
			nextCalls.Add(1)
		case "/manual/cancel":
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestSession(t *testing.T, url string) *capture.Session {
	t.Helper()
	logger := logging.Discard()
	api, err := manualmode.New(manualmode.FlavorLegacy, url+"/", manualmode.WithLogger(logger))
	if err != nil {
		t.Fatalf("manualmode.New() error = %v", err)
	}
	session, err := capture.NewSession(capture.Config{
		API:       api,
		Flavor:    manualmode.FlavorLegacy,
		Console:   console.NewAdapter(console.NewHeadlessPlugin(logger), logger),
		Presenter: status.NewPresenter(status.SinkFunc(func(status.Line) {}), logger),
		Interval:  10 * time.Millisecond,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return session
}

func waitForGate(t *testing.T, session *capture.Session, want phase.Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gate, ok := session.Gate(); ok && gate == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never waited on %s", want)
}

func TestInteractConfirmsInstallationBeforeNext(t *testing.T) {
	var nextCalls atomic.Int32
	srv := legacyBackend(t, &nextCalls)
	defer srv.Close()

	session := newTestSession(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in, feed := io.Pipe()
	defer feed.Close()
	var out syncBuffer
	go interact(ctx, session, manualmode.FlavorLegacy, in, &out, logging.Discard())

	type result struct {
		outcome capture.Outcome
		err     error
	}
	results := make(chan result, 1)
	go func() {
		outcome, err := session.Run(ctx, manualmode.TicketRequest{InputURI: "datastore://iso/setup.iso"})
		results <- result{outcome, err}
	}()

	waitForGate(t, session, phase.InstallationWait)

	// Declining keeps the job waiting.
	io.WriteString(feed, "next\nn\n")
	time.Sleep(50 * time.Millisecond)
	if got := nextCalls.Load(); got != 0 {
		t.Fatalf("next posted %d times after declining", got)
	}

	io.WriteString(feed, "next\ny\n")

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Run() error = %v", res.err)
		}
		if res.outcome.Result != capture.ResultFinished {
			t.Fatalf("result = %s, want %s", res.outcome.Result, capture.ResultFinished)
		}
	case <-ctx.Done():
		t.Fatalf("session did not finish")
	}
	if got := nextCalls.Load(); got != 1 {
		t.Fatalf("next posted %d times, want 1", got)
	}
	if !strings.Contains(out.String(), "Is the installation complete?") {
		t.Fatalf("confirmation prompt missing from output %q", out.String())
	}
}

func TestInteractCloseEndsSession(t *testing.T) {
	var nextCalls atomic.Int32
	srv := legacyBackend(t, &nextCalls)
	defer srv.Close()

	session := newTestSession(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in, feed := io.Pipe()
	defer feed.Close()
	go interact(ctx, session, manualmode.FlavorLegacy, in, io.Discard, logging.Discard())

	results := make(chan capture.Outcome, 1)
	go func() {
		outcome, _ := session.Run(ctx, manualmode.TicketRequest{InputURI: "datastore://iso/setup.iso"})
		results <- outcome
	}()

	waitForGate(t, session, phase.InstallationWait)
	io.WriteString(feed, "q\n")

	select {
	case outcome := <-results:
		if outcome.Result != capture.ResultClosed {
			t.Fatalf("result = %s, want %s", outcome.Result, capture.ResultClosed)
		}
	case <-ctx.Done():
		t.Fatalf("session did not close")
	}
}
