package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/manualcapture/internal/console"
	"github.com/cochaviz/manualcapture/internal/logging"
	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/phase"
	"github.com/cochaviz/manualcapture/internal/status"
)

// DefaultPollInterval is the delay between a processed poll response and the
// next redeem.
const DefaultPollInterval = 3 * time.Second

// Status lines shown when the workflow stops on an error.
const (
	StatusConsoleUnavailable = "Failed to load VMware remote client!"
	StatusRequestFailed      = "Failed to request ticket."
	StatusRedeemFailed       = "Failed to redeem the ticket."
	StatusConnectFailed      = "Failed to connect to the VM."
)

var (
	// ErrNoTicket is returned by Cancel before a ticket was issued.
	ErrNoTicket = errors.New("no ticket held")
	// ErrNextUnavailable is returned by Next while no phase waits for the user.
	ErrNextUnavailable = errors.New("next is not available")
	// ErrSessionClosed is returned for signals sent after the session ended.
	ErrSessionClosed = errors.New("session closed")
	// ErrConsoleUnavailable is returned by Run when the console plugin did not start.
	ErrConsoleUnavailable = errors.New("console plugin unavailable")
)

// Result is how a session ended.
type Result string

const (
	ResultFinished  Result = "finished"
	ResultCancelled Result = "cancelled"
	ResultFailed    Result = "failed"
	ResultClosed    Result = "closed"
)

// Outcome summarises a finished Run.
type Outcome struct {
	SessionID string
	Result    Result
	Ticket    manualmode.Ticket
	LastPhase phase.Phase
}

// Recorder journals session progress. Implementations must be safe to call
// from the session goroutine; errors are logged and otherwise ignored.
type Recorder interface {
	SessionStarted(ctx context.Context, sessionID, ticket, flavor string) error
	PhaseObserved(ctx context.Context, sessionID string, p phase.Phase) error
	LeaseAcquired(ctx context.Context, sessionID, host, vmPath string) error
	SessionEnded(ctx context.Context, sessionID, result string, last phase.Phase) error
}

// SignalType is a user action sent to a running session.
type SignalType int

const (
	SignalNext SignalType = iota
	SignalCancel
	SignalClose
)

func (t SignalType) String() string {
	switch t {
	case SignalNext:
		return "next"
	case SignalCancel:
		return "cancel"
	case SignalClose:
		return "close"
	default:
		return fmt.Sprintf("signal(%d)", int(t))
	}
}

// Signal is a user action. The session answers on Response, which should be
// buffered.
type Signal struct {
	Type     SignalType
	Response chan<- SignalResponse
}

// SignalResponse answers a Signal. Phase is the phase a Next was posted for.
type SignalResponse struct {
	Phase phase.Phase
	Err   error
}

// Config holds the collaborators of a session.
type Config struct {
	API       manualmode.API
	Flavor    manualmode.Flavor
	Console   *console.Adapter
	Presenter *status.Presenter
	Recorder  Recorder
	// Interval between polls; zero means DefaultPollInterval.
	Interval time.Duration
	Logger   *slog.Logger
}

// Session is one manual-capture job: it holds the ticket, the console
// connection and the user gate, and drives the poll loop from Run.
type Session struct {
	id        string
	api       manualmode.API
	flavor    manualmode.Flavor
	rules     Rules
	adapter   *console.Adapter
	presenter *status.Presenter
	recorder  Recorder
	interval  time.Duration
	logger    *slog.Logger

	after   func(time.Duration) <-chan time.Time
	signals chan Signal
	done    chan struct{}
	running sync.Once

	mu     sync.Mutex
	ticket manualmode.Ticket
	gate   phase.Phase
	last   phase.Phase
}

// NewSession validates cfg and creates a session with a fresh id.
func NewSession(cfg Config) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("api client is required")
	}
	if cfg.Console == nil {
		return nil, errors.New("console adapter is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := logging.Ensure(cfg.Logger)
	presenter := cfg.Presenter
	if presenter == nil {
		presenter = status.NewPresenter(nil, logger)
	}
	id := uuid.NewString()

	return &Session{
		id:        id,
		api:       cfg.API,
		flavor:    cfg.Flavor,
		rules:     RulesFor(cfg.Flavor),
		adapter:   cfg.Console,
		presenter: presenter,
		recorder:  cfg.Recorder,
		interval:  interval,
		logger:    logger.With("component", "capture", "session_id", id),
		after:     time.After,
		signals:   make(chan Signal),
		done:      make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SignalChannel accepts user actions while Run is active.
func (s *Session) SignalChannel() chan<- Signal { return s.signals }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ticket returns the held ticket, if any.
func (s *Session) Ticket() (manualmode.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket, !s.ticket.IsZero()
}

// Gate returns the phase Next would post, if Next is enabled.
func (s *Session) Gate() (phase.Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate, s.gate != ""
}

// Next advances the phase waiting for the user.
func (s *Session) Next(ctx context.Context) (phase.Phase, error) {
	resp, err := s.send(ctx, SignalNext)
	if err != nil {
		return "", err
	}
	return resp.Phase, resp.Err
}

// Cancel asks the backend to cancel the job. Polling continues until the
// server reports the cancellation.
func (s *Session) Cancel(ctx context.Context) error {
	resp, err := s.send(ctx, SignalCancel)
	if err != nil {
		return err
	}
	return resp.Err
}

// Close cancels an unfinished job, shuts the console down and ends Run.
func (s *Session) Close(ctx context.Context) error {
	resp, err := s.send(ctx, SignalClose)
	if err != nil {
		return err
	}
	return resp.Err
}

func (s *Session) send(ctx context.Context, typ SignalType) (SignalResponse, error) {
	response := make(chan SignalResponse, 1)
	select {
	case s.signals <- Signal{Type: typ, Response: response}:
	case <-s.done:
		return SignalResponse{}, ErrSessionClosed
	case <-ctx.Done():
		return SignalResponse{}, ctx.Err()
	}
	select {
	case resp := <-response:
		return resp, nil
	case <-s.done:
		// Close answers before done is closed.
		select {
		case resp := <-response:
			return resp, nil
		default:
			return SignalResponse{}, ErrSessionClosed
		}
	case <-ctx.Done():
		return SignalResponse{}, ctx.Err()
	}
}

// Run requests a ticket for req and drives the session until it ends.
func (s *Session) Run(ctx context.Context, req manualmode.TicketRequest) (Outcome, error) {
	return s.run(ctx, func(ctx context.Context) (manualmode.Ticket, error) {
		s.presenter.SetStatus("Requesting a virtual machine...", status.Indeterminate, false)
		s.logger.Info("requesting ticket", "input_uri", req.InputURI, "output_datastore", req.OutputDatastore)
		return s.api.RequestTicket(ctx, req)
	})
}

// Resume drives the session for a ticket that was already issued.
func (s *Session) Resume(ctx context.Context, ticket manualmode.Ticket) (Outcome, error) {
	if ticket.IsZero() {
		return Outcome{SessionID: s.id, Result: ResultFailed}, manualmode.ErrEmptyTicket
	}
	return s.run(ctx, func(context.Context) (manualmode.Ticket, error) {
		return ticket, nil
	})
}

type ticketResult struct {
	ticket manualmode.Ticket
	err    error
}

type redeemResult struct {
	status manualmode.RedeemStatus
	err    error
}

type runState struct {
	timer     <-chan time.Time
	inflight  bool
	ticketCh  chan ticketResult
	redeemCh  chan redeemResult
	outcome   Outcome
	finished  bool
	returnErr error
}

func (s *Session) run(ctx context.Context, obtain func(context.Context) (manualmode.Ticket, error)) (outcome Outcome, err error) {
	started := false
	s.running.Do(func() { started = true })
	if !started {
		return Outcome{SessionID: s.id}, errors.New("session already ran")
	}
	defer func() {
		s.mu.Lock()
		s.gate = ""
		s.mu.Unlock()
		close(s.done)
	}()

	if !s.adapter.Startup() {
		s.presenter.SetStatus(StatusConsoleUnavailable, status.Indeterminate, true)
		return Outcome{SessionID: s.id, Result: ResultFailed}, ErrConsoleUnavailable
	}

	st := &runState{
		ticketCh: make(chan ticketResult, 1),
		redeemCh: make(chan redeemResult, 1),
		outcome:  Outcome{SessionID: s.id},
	}
	go func() {
		ticket, err := obtain(ctx)
		st.ticketCh <- ticketResult{ticket: ticket, err: err}
	}()

	events := s.adapter.Events()

	for !st.finished {
		select {
		case <-ctx.Done():
			s.logger.Info("session interrupted", "error", ctx.Err())
			s.adapter.Shutdown()
			s.end(st, ResultClosed, ctx.Err())

		case res := <-st.ticketCh:
			s.handleTicket(ctx, st, res)

		case <-st.timer:
			st.timer = nil
			s.startRedeem(ctx, st)

		case res := <-st.redeemCh:
			st.inflight = false
			s.handleRedeem(ctx, st, res)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if s.adapter.Reconcile(ev) {
				s.logger.Warn("console connection lost", "reason", ev.Reason)
			}

		case sig := <-s.signals:
			s.handleSignal(ctx, st, sig)
		}
	}

	s.mu.Lock()
	st.outcome.Ticket = s.ticket
	st.outcome.LastPhase = s.last
	s.mu.Unlock()

	s.record(func(ctx context.Context) error {
		return s.recorder.SessionEnded(ctx, s.id, string(st.outcome.Result), st.outcome.LastPhase)
	})
	s.logger.Info("session ended", "result", st.outcome.Result, "last_phase", st.outcome.LastPhase)
	return st.outcome, st.returnErr
}

func (s *Session) end(st *runState, result Result, err error) {
	st.outcome.Result = result
	st.returnErr = err
	st.finished = true
}

func (s *Session) fail(st *runState, text string, err error) {
	s.presenter.SetStatus(text, status.Indeterminate, true)
	s.adapter.Shutdown()
	s.end(st, ResultFailed, err)
}

func (s *Session) handleTicket(ctx context.Context, st *runState, res ticketResult) {
	if res.err == nil && res.ticket.IsZero() {
		res.err = manualmode.ErrEmptyTicket
	}
	if res.err != nil {
		s.logger.Error("ticket request failed", "error", res.err)
		s.fail(st, StatusRequestFailed, fmt.Errorf("request ticket: %w", res.err))
		return
	}

	s.mu.Lock()
	s.ticket = res.ticket
	s.mu.Unlock()
	s.logger.Info("received ticket", "ticket", res.ticket.ID())

	s.record(func(ctx context.Context) error {
		return s.recorder.SessionStarted(ctx, s.id, res.ticket.ID(), string(s.flavor))
	})
	s.presenter.SetStatus(string(phase.AcquiringVM), status.Indeterminate, false)
	s.startRedeem(ctx, st)
}

func (s *Session) startRedeem(ctx context.Context, st *runState) {
	if st.inflight {
		return
	}
	st.inflight = true
	ticket, _ := s.Ticket()
	go func() {
		resp, err := s.api.Redeem(ctx, ticket)
		st.redeemCh <- redeemResult{status: resp, err: err}
	}()
}

func (s *Session) handleRedeem(ctx context.Context, st *runState, res redeemResult) {
	if res.err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("ticket redeem failed", "error", res.err)
		s.fail(st, StatusRedeemFailed, fmt.Errorf("redeem ticket: %w", res.err))
		return
	}

	_, leaseHeld := s.adapter.Lease()
	decision := Evaluate(res.status, leaseHeld, s.rules)
	s.logger.Debug("poll response", "states", res.status.States, "current", decision.Phase, "action", decision.Action)
	s.observe(decision.Phase)

	switch decision.Action {
	case ActionConnect:
		s.logger.Info("vm acquired, connecting console", "lease", *decision.Lease)
		s.record(func(ctx context.Context) error {
			return s.recorder.LeaseAcquired(ctx, s.id, decision.Lease.VC.Host, decision.Lease.VM.VmxPath)
		})
		if err := s.adapter.ConnectLease(*decision.Lease); err != nil {
			s.logger.Error("console connect failed", "error", err)
			s.fail(st, StatusConnectFailed, err)
			return
		}
		s.presenter.SetStatus("Connected to the VM", 10, true)

	case ActionAwaitUser:
		s.presenter.Phase(decision.Phase)
		s.setGate(decision.Phase)

	case ActionFinish:
		s.setGate("")
		s.presenter.Phase(phase.Finished)
		s.adapter.Shutdown()
		s.end(st, ResultFinished, nil)
		return

	case ActionCancelled:
		s.setGate("")
		s.presenter.Phase(decision.Phase)
		s.adapter.Shutdown()
		s.end(st, ResultCancelled, nil)
		return

	default:
		s.presenter.Phase(decision.Phase)
	}

	st.timer = s.after(s.interval)
}

func (s *Session) handleSignal(ctx context.Context, st *runState, sig Signal) {
	var resp SignalResponse
	switch sig.Type {
	case SignalNext:
		resp.Phase, resp.Err = s.next(ctx)
	case SignalCancel:
		resp.Err = s.cancel(ctx)
	case SignalClose:
		resp.Err = s.close(ctx, st)
	default:
		resp.Err = fmt.Errorf("unknown signal %s", sig.Type)
	}
	if sig.Response != nil {
		sig.Response <- resp
	}
}

func (s *Session) next(ctx context.Context) (phase.Phase, error) {
	gate, ok := s.Gate()
	if !ok {
		return "", ErrNextUnavailable
	}
	ticket, _ := s.Ticket()

	if err := s.api.Next(ctx, ticket, gate); err != nil {
		s.logger.Error("failed to move to the next step", "phase", gate, "error", err)
		return gate, fmt.Errorf("next %s: %w", gate, err)
	}
	s.logger.Info("moved to the next step", "phase", gate)
	s.setGate("")

	if s.flavor == manualmode.FlavorAppFactory {
		switch gate {
		case phase.PreCaptureWait:
			s.presenter.SetStatus("VM customization completed.", 40, true)
		case phase.InstallationWait:
			s.presenter.SetStatus("Finished.", 100, true)
		}
	}
	return gate, nil
}

func (s *Session) cancel(ctx context.Context) error {
	ticket, ok := s.Ticket()
	if !ok {
		s.logger.Error("cannot cancel, no ticket has been issued yet")
		return ErrNoTicket
	}
	s.logger.Info("cancelling job", "ticket", ticket.ID())
	if err := s.api.Cancel(ctx, ticket); err != nil {
		s.logger.Error("cancel request failed", "error", err)
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

func (s *Session) close(ctx context.Context, st *runState) error {
	var err error
	if _, ok := s.Ticket(); ok {
		err = s.cancel(ctx)
	}
	s.adapter.Shutdown()
	s.end(st, ResultClosed, nil)
	return err
}

func (s *Session) setGate(p phase.Phase) {
	s.mu.Lock()
	s.gate = p
	s.mu.Unlock()
}

func (s *Session) observe(p phase.Phase) {
	if p == "" {
		return
	}
	s.mu.Lock()
	changed := s.last != p
	s.last = p
	s.mu.Unlock()

	if changed {
		s.record(func(ctx context.Context) error {
			return s.recorder.PhaseObserved(ctx, s.id, p)
		})
	}
}

func (s *Session) record(fn func(context.Context) error) {
	if s.recorder == nil {
		return
	}
	// Journal writes outlive an interrupted run.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("history write failed", "error", err)
	}
}
