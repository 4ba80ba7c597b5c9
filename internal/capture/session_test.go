package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/manualcapture/internal/console"
	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/phase"
	"github.com/cochaviz/manualcapture/internal/status"
)

type redeemStep struct {
	status manualmode.RedeemStatus
	err    error
}

type stubAPI struct {
	mu sync.Mutex

	ticket      manualmode.Ticket
	requestErr  error
	requestWait chan struct{}
	steps       []redeemStep
	nextErr     error

	requests int
	redeems  []manualmode.Ticket
	nexts    []phase.Phase
	cancels  []manualmode.Ticket
}

func (a *stubAPI) RequestTicket(ctx context.Context, _ manualmode.TicketRequest) (manualmode.Ticket, error) {
	if a.requestWait != nil {
		select {
		case <-a.requestWait:
		case <-ctx.Done():
			return manualmode.Ticket{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	return a.ticket, a.requestErr
}

func (a *stubAPI) Redeem(_ context.Context, ticket manualmode.Ticket) (manualmode.RedeemStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redeems = append(a.redeems, ticket)
	if len(a.steps) == 0 {
		return manualmode.RedeemStatus{}, errors.New("no scripted response")
	}
	step := a.steps[0]
	a.steps = a.steps[1:]
	return step.status, step.err
}

func (a *stubAPI) Next(_ context.Context, _ manualmode.Ticket, current phase.Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nextErr != nil {
		return a.nextErr
	}
	a.nexts = append(a.nexts, current)
	return nil
}

func (a *stubAPI) Cancel(_ context.Context, ticket manualmode.Ticket) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, ticket)
	return nil
}

func (a *stubAPI) counts() (requests, redeems, nexts, cancels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests, len(a.redeems), len(a.nexts), len(a.cancels)
}

type stubPlugin struct {
	mu         sync.Mutex
	startupOK  bool
	connects   []console.Target
	shutdowns  int
	events     chan console.ConnectionStateChange
	connectErr error
}

func newStubPlugin() *stubPlugin {
	return &stubPlugin{startupOK: true, events: make(chan console.ConnectionStateChange, 4)}
}

func (p *stubPlugin) Startup(console.StartupMode) (bool, error) { return p.startupOK, nil }

func (p *stubPlugin) Connect(target console.Target) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects = append(p.connects, target)
	return p.connectErr == nil, p.connectErr
}

func (p *stubPlugin) Disconnect() (bool, error) { return true, nil }

func (p *stubPlugin) Shutdown() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return true, nil
}

func (p *stubPlugin) Events() <-chan console.ConnectionStateChange { return p.events }

func (p *stubPlugin) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

// manualClock hands out one shared channel so the test decides when the
// armed poll timer fires.
type manualClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fire   chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{fire: make(chan time.Time)}
}

func (c *manualClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return c.fire
}

func (c *manualClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delays)
}

func (c *manualClock) tick(t *testing.T) {
	t.Helper()
	select {
	case c.fire <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("poll timer was never armed")
	}
}

type harness struct {
	api       *stubAPI
	plugin    *stubPlugin
	clock     *manualClock
	presenter *status.Presenter
	session   *Session
}

func newHarness(t *testing.T, flavor manualmode.Flavor, steps ...redeemStep) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := &stubAPI{ticket: manualmode.TicketFromID("T123"), steps: steps}
	plugin := newStubPlugin()
	presenter := status.NewPresenter(nil, logger)

	session, err := NewSession(Config{
		API:       api,
		Flavor:    flavor,
		Console:   console.NewAdapter(plugin, logger),
		Presenter: presenter,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	clock := newManualClock()
	session.after = clock.after

	return &harness{api: api, plugin: plugin, clock: clock, presenter: presenter, session: session}
}

type runResult struct {
	outcome Outcome
	err     error
}

func (h *harness) resume(ctx context.Context) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		outcome, err := h.session.Resume(ctx, manualmode.TicketFromID("T123"))
		done <- runResult{outcome: outcome, err: err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return runResult{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func states(ps ...phase.Phase) manualmode.RedeemStatus {
	return manualmode.RedeemStatus{States: ps}
}

func testLease() *manualmode.Lease {
	return &manualmode.Lease{
		VC: manualmode.VCConfig{Host: "vc1", Username: "admin", Password: "secret", DatacenterMoid: "datacenter-2"},
		VM: manualmode.VMInfo{Moid: "vm-7", VmxPath: "[ds1] capture/capture.vmx"},
	}
}

func TestSessionGatedResponseSchedulesNextPoll(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy,
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.NeedsLoginWait}, Current: phase.NeedsLoginWait}},
	)
	done := h.resume(context.Background())

	waitFor(t, "poll timer", func() bool { return h.clock.armed() == 1 })

	entry, _ := phase.Lookup(phase.NeedsLoginWait)
	if got := h.presenter.Snapshot().Text; got != entry.Message {
		t.Fatalf("status = %q, want %q", got, entry.Message)
	}
	if h.clock.delays[0] != 3*time.Second {
		t.Fatalf("next poll armed after %s, want 3s", h.clock.delays[0])
	}
	if gate, ok := h.session.Gate(); !ok || gate != phase.NeedsLoginWait {
		t.Fatalf("Gate() = %q, %v", gate, ok)
	}
	if h.api.redeems[0].ID() != "T123" {
		t.Fatalf("redeemed ticket %q, want T123", h.api.redeems[0].ID())
	}

	if err := h.session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	res := waitResult(t, done)
	if res.err != nil || res.outcome.Result != ResultClosed {
		t.Fatalf("Run() = %+v, %v", res.outcome, res.err)
	}
	if _, _, _, cancels := h.api.counts(); cancels != 1 {
		t.Fatalf("close of an unfinished job sent %d cancels, want 1", cancels)
	}
}

func TestSessionEnablesOneNextPerGatedResponse(t *testing.T) {
	gated := []phase.Phase{phase.NeedsLoginWait, phase.InstallationWait, phase.PreCaptureWait}
	var steps []redeemStep
	for _, p := range gated {
		steps = append(steps, redeemStep{status: states(p)})
	}
	steps = append(steps, redeemStep{status: states(phase.Finished)})

	h := newHarness(t, manualmode.FlavorLegacy, steps...)
	ctx := context.Background()
	done := h.resume(ctx)

	for i, p := range gated {
		if i > 0 {
			h.clock.tick(t)
		}
		waitFor(t, "gate "+string(p), func() bool {
			gate, ok := h.session.Gate()
			return ok && gate == p
		})
		if _, _, nexts, _ := h.api.counts(); nexts != i {
			t.Fatalf("session advanced on its own: %d nexts before user action %d", nexts, i)
		}

		posted, err := h.session.Next(ctx)
		if err != nil || posted != p {
			t.Fatalf("Next() = %q, %v; want %q", posted, err, p)
		}
		if _, err := h.session.Next(ctx); !errors.Is(err, ErrNextUnavailable) {
			t.Fatalf("second Next() error = %v, want ErrNextUnavailable", err)
		}
	}
	h.clock.tick(t)

	res := waitResult(t, done)
	if res.outcome.Result != ResultFinished {
		t.Fatalf("Result = %s, want finished", res.outcome.Result)
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	for i, p := range gated {
		if h.api.nexts[i] != p {
			t.Fatalf("next #%d posted %q, want %q", i, h.api.nexts[i], p)
		}
	}
}

func TestSessionConnectsLeaseAtMostOnce(t *testing.T) {
	lease := testLease()
	h := newHarness(t, manualmode.FlavorLegacy,
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.VMAcquired}, Lease: lease}},
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.VMAcquired, phase.PoweringOnVM}, Lease: lease}},
		redeemStep{status: states(phase.VMAcquired, phase.Finished)},
	)
	done := h.resume(context.Background())

	waitFor(t, "first poll", func() bool { return h.clock.armed() == 1 })
	if got := h.presenter.Snapshot(); got.Text != "Connected to the VM" || got.Progress != 10 {
		t.Fatalf("status after connect = %+v", got)
	}
	h.clock.tick(t)
	waitFor(t, "second poll", func() bool { return h.clock.armed() == 2 })
	h.clock.tick(t)

	res := waitResult(t, done)
	if res.outcome.Result != ResultFinished {
		t.Fatalf("Result = %s, want finished", res.outcome.Result)
	}
	if n := h.plugin.connectCount(); n != 1 {
		t.Fatalf("connect called %d times, want 1", n)
	}
	target := h.plugin.connects[0]
	if target.Host != "vc1" || target.DatacenterMoid != "datacenter-2" || target.VMPath != "[ds1] capture/capture.vmx" {
		t.Fatalf("unexpected connect target %+v", target)
	}
}

func TestSessionReconnectsAfterConsoleDrop(t *testing.T) {
	lease := testLease()
	h := newHarness(t, manualmode.FlavorLegacy,
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.VMAcquired}, Lease: lease}},
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.VMAcquired, phase.PoweringOnVM}, Lease: lease}},
	)
	done := h.resume(context.Background())

	waitFor(t, "first poll", func() bool { return h.clock.armed() == 1 })
	h.plugin.events <- console.ConnectionStateChange{Connected: false, Reason: "vm rebooted"}
	waitFor(t, "lease release", func() bool { return len(h.plugin.events) == 0 })
	// The drop is processed by the session goroutine before the timer fires.
	h.clock.tick(t)
	waitFor(t, "second poll", func() bool { return h.clock.armed() == 2 })

	if n := h.plugin.connectCount(); n != 2 {
		t.Fatalf("connect called %d times after a drop, want 2", n)
	}
	_ = h.session.Close(context.Background())
	waitResult(t, done)
}

func TestSessionFinishedStopsPolling(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy,
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.Finished}, Current: phase.Finished}},
	)
	res := waitResult(t, h.resume(context.Background()))

	if res.err != nil || res.outcome.Result != ResultFinished {
		t.Fatalf("Run() = %+v, %v", res.outcome, res.err)
	}
	if res.outcome.LastPhase != phase.Finished || res.outcome.Ticket.ID() != "T123" {
		t.Fatalf("unexpected outcome %+v", res.outcome)
	}
	if h.clock.armed() != 0 {
		t.Fatal("poll re-armed after finished")
	}
	if _, redeems, _, _ := h.api.counts(); redeems != 1 {
		t.Fatalf("redeems = %d, want 1", redeems)
	}
	entry, _ := phase.Lookup(phase.Finished)
	if got := h.presenter.Snapshot(); got.Text != entry.Message || got.Progress != 100 {
		t.Fatalf("status = %+v, want finished message", got)
	}
	if h.plugin.shutdowns != 1 {
		t.Fatalf("console shutdowns = %d, want 1", h.plugin.shutdowns)
	}
}

func TestSessionAppFactoryCompletionPhase(t *testing.T) {
	h := newHarness(t, manualmode.FlavorAppFactory,
		redeemStep{status: states(phase.InstallationDone, phase.RefreshingProject)},
	)
	res := waitResult(t, h.resume(context.Background()))
	if res.outcome.Result != ResultFinished {
		t.Fatalf("Result = %s, want finished", res.outcome.Result)
	}
}

func TestSessionCancelledRejectsActions(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy,
		redeemStep{status: states(phase.PreCaptureWait)},
		redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.PreCaptureWait, phase.Cancelled}, Current: phase.Cancelled}},
	)
	ctx := context.Background()
	done := h.resume(ctx)

	waitFor(t, "gate", func() bool { _, ok := h.session.Gate(); return ok })
	h.clock.tick(t)
	res := waitResult(t, done)

	if res.outcome.Result != ResultCancelled {
		t.Fatalf("Result = %s, want cancelled", res.outcome.Result)
	}
	if _, ok := h.session.Gate(); ok {
		t.Fatal("next still enabled after cancellation")
	}
	if _, err := h.session.Next(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Next() error = %v, want ErrSessionClosed", err)
	}
	if err := h.session.Cancel(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Cancel() error = %v, want ErrSessionClosed", err)
	}
	if _, redeems, nexts, _ := h.api.counts(); redeems != 2 || nexts != 0 {
		t.Fatalf("redeems = %d, nexts = %d after cancellation", redeems, nexts)
	}
}

func TestSessionCancelWithoutTicketSendsNothing(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy, redeemStep{status: states(phase.Finished)})
	h.api.requestWait = make(chan struct{})
	ctx := context.Background()

	done := make(chan runResult, 1)
	go func() {
		outcome, err := h.session.Run(ctx, manualmode.TicketRequest{InputURI: "datastore://ds1/setup.iso", OutputDatastore: "ds1"})
		done <- runResult{outcome: outcome, err: err}
	}()

	if err := h.session.Cancel(ctx); !errors.Is(err, ErrNoTicket) {
		t.Fatalf("Cancel() error = %v, want ErrNoTicket", err)
	}
	if _, _, _, cancels := h.api.counts(); cancels != 0 {
		t.Fatalf("cancel without ticket sent %d requests", cancels)
	}

	close(h.api.requestWait)
	res := waitResult(t, done)
	if res.outcome.Result != ResultFinished {
		t.Fatalf("Result = %s, want finished", res.outcome.Result)
	}
}

func TestSessionCancelDoesNotStopPolling(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy,
		redeemStep{status: states(phase.BuildingProject)},
		redeemStep{status: states(phase.Cancelling)},
	)
	ctx := context.Background()
	done := h.resume(ctx)

	waitFor(t, "first poll", func() bool { return h.clock.armed() == 1 })
	if err := h.session.Cancel(ctx); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	h.clock.tick(t)

	res := waitResult(t, done)
	if res.outcome.Result != ResultCancelled {
		t.Fatalf("Result = %s, want cancelled", res.outcome.Result)
	}
	if _, redeems, _, cancels := h.api.counts(); redeems != 2 || cancels != 1 {
		t.Fatalf("redeems = %d, cancels = %d", redeems, cancels)
	}
}

func TestSessionAppFactoryNextStatuses(t *testing.T) {
	h := newHarness(t, manualmode.FlavorAppFactory,
		redeemStep{status: states(phase.PreCaptureWait)},
		redeemStep{status: states(phase.InstallationWait)},
	)
	ctx := context.Background()
	done := h.resume(ctx)

	waitFor(t, "pre-capture gate", func() bool { g, _ := h.session.Gate(); return g == phase.PreCaptureWait })
	if _, err := h.session.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got := h.presenter.Snapshot(); got.Text != "VM customization completed." || got.Progress != 40 {
		t.Fatalf("status = %+v", got)
	}

	h.clock.tick(t)
	waitFor(t, "installation gate", func() bool { g, _ := h.session.Gate(); return g == phase.InstallationWait })
	if _, err := h.session.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got := h.presenter.Snapshot(); got.Text != "Finished." || got.Progress != 100 {
		t.Fatalf("status = %+v", got)
	}

	_ = h.session.Close(ctx)
	waitResult(t, done)
}

func TestSessionNextFailureKeepsGate(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy, redeemStep{status: states(phase.NeedsLoginWait)})
	h.api.nextErr = &manualmode.HTTPError{Op: "next", StatusCode: 500}
	ctx := context.Background()
	done := h.resume(ctx)

	waitFor(t, "gate", func() bool { _, ok := h.session.Gate(); return ok })
	_, err := h.session.Next(ctx)
	var httpErr *manualmode.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Next() error = %v, want HTTPError", err)
	}
	if _, ok := h.session.Gate(); !ok {
		t.Fatal("gate cleared after a failed next")
	}

	_ = h.session.Close(ctx)
	waitResult(t, done)
}

func TestSessionUnknownPhaseShownVerbatim(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy, redeemStep{status: states("weirdPhase42")})
	done := h.resume(context.Background())

	waitFor(t, "first poll", func() bool { return h.clock.armed() == 1 })
	if got := h.presenter.Snapshot().Text; got != "weirdPhase42" {
		t.Fatalf("status = %q, want weirdPhase42", got)
	}
	_ = h.session.Close(context.Background())
	waitResult(t, done)
}

func TestSessionFailures(t *testing.T) {
	t.Run("request", func(t *testing.T) {
		h := newHarness(t, manualmode.FlavorLegacy)
		h.api.requestErr = errors.New("connection refused")
		outcome, err := h.session.Run(context.Background(), manualmode.TicketRequest{})
		if err == nil || outcome.Result != ResultFailed {
			t.Fatalf("Run() = %+v, %v", outcome, err)
		}
		if got := h.presenter.Snapshot().Text; got != StatusRequestFailed {
			t.Fatalf("status = %q", got)
		}
		if _, redeems, _, _ := h.api.counts(); redeems != 0 {
			t.Fatalf("redeemed %d times after request failure", redeems)
		}
	})

	t.Run("redeem", func(t *testing.T) {
		h := newHarness(t, manualmode.FlavorLegacy,
			redeemStep{status: states(phase.AcquiringVM)},
			redeemStep{err: &manualmode.HTTPError{Op: "redeem", StatusCode: 502}},
			redeemStep{status: states(phase.Finished)},
		)
		done := h.resume(context.Background())
		waitFor(t, "first poll", func() bool { return h.clock.armed() == 1 })
		h.clock.tick(t)

		res := waitResult(t, done)
		if res.err == nil || res.outcome.Result != ResultFailed {
			t.Fatalf("Run() = %+v, %v", res.outcome, res.err)
		}
		if got := h.presenter.Snapshot().Text; got != StatusRedeemFailed {
			t.Fatalf("status = %q", got)
		}
		if _, redeems, _, _ := h.api.counts(); redeems != 2 {
			t.Fatalf("redeems = %d, want no retry after failure", redeems)
		}
	})

	t.Run("console startup", func(t *testing.T) {
		h := newHarness(t, manualmode.FlavorLegacy)
		h.plugin.startupOK = false
		outcome, err := h.session.Resume(context.Background(), manualmode.TicketFromID("T123"))
		if !errors.Is(err, ErrConsoleUnavailable) || outcome.Result != ResultFailed {
			t.Fatalf("Resume() = %+v, %v", outcome, err)
		}
		if got := h.presenter.Snapshot().Text; got != StatusConsoleUnavailable {
			t.Fatalf("status = %q", got)
		}
	})

	t.Run("connect", func(t *testing.T) {
		h := newHarness(t, manualmode.FlavorLegacy,
			redeemStep{status: manualmode.RedeemStatus{States: []phase.Phase{phase.VMAcquired}, Lease: testLease()}},
		)
		h.plugin.connectErr = errors.New("authentication failed")
		res := waitResult(t, h.resume(context.Background()))
		var pluginErr *console.PluginError
		if !errors.As(res.err, &pluginErr) || res.outcome.Result != ResultFailed {
			t.Fatalf("Run() = %+v, %v", res.outcome, res.err)
		}
		if got := h.presenter.Snapshot().Text; got != StatusConnectFailed {
			t.Fatalf("status = %q", got)
		}
	})
}

func TestSessionContextCancel(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy, redeemStep{status: states(phase.BuildingProject)})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.resume(ctx)

	waitFor(t, "first poll", func() bool { return h.clock.armed() == 1 })
	cancel()

	res := waitResult(t, done)
	if !errors.Is(res.err, context.Canceled) || res.outcome.Result != ResultClosed {
		t.Fatalf("Run() = %+v, %v", res.outcome, res.err)
	}
	if _, _, _, cancels := h.api.counts(); cancels != 0 {
		t.Fatal("interrupt must not cancel the job")
	}
}

func TestSessionRunsOnce(t *testing.T) {
	h := newHarness(t, manualmode.FlavorLegacy, redeemStep{status: states(phase.Finished)})
	waitResult(t, h.resume(context.Background()))
	if _, err := h.session.Resume(context.Background(), manualmode.TicketFromID("T123")); err == nil {
		t.Fatal("second Resume() error = nil")
	}
}
