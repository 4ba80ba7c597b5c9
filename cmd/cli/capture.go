package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/manualcapture/internal/capture"
	"github.com/cochaviz/manualcapture/internal/config"
	"github.com/cochaviz/manualcapture/internal/console"
	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/media"
	"github.com/cochaviz/manualcapture/internal/phase"
	"github.com/cochaviz/manualcapture/internal/status"
)

// serverFlags override the server section of the configuration.
type serverFlags struct {
	url     string
	api     string
	timeout time.Duration
	appID   int64
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "server", "", "Base URL of the capture backend")
	cmd.Flags().StringVar(&f.api, "api", "", "Backend API flavor (legacy, appfactory)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Per-request timeout (0 waits indefinitely)")
	cmd.Flags().Int64Var(&f.appID, "app-id", 0, "AppFactory application id")
}

func (f *serverFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("server") {
		cfg.Server.URL = f.url
	}
	if cmd.Flags().Changed("api") {
		cfg.Server.API = f.api
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Server.Timeout = config.Duration{Duration: f.timeout}
	}
	if cmd.Flags().Changed("app-id") {
		cfg.Server.AppID = f.appID
	}
}

// loadServerConfig loads the configuration, applies the server flags and
// validates the result.
func (a *app) loadServerConfig(cmd *cobra.Command, flags *serverFlags, cmdLogger *slog.Logger) (config.Config, error) {
	cfg, err := a.loadConfig(cmd, cmdLogger)
	if err != nil {
		return cfg, err
	}
	flags.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cmdLogger.Debug("using backend", "url", cfg.Server.URL, "api", cfg.Server.API)
	return cfg, nil
}

func newRunCommand(a *app) *cobra.Command {
	var (
		server       serverFlags
		ticketID     string
		driver       string
		connectURI   string
		viewer       string
		interval     time.Duration
		inputURI     string
		outputDS     string
		commandLine  string
		installerDir string
		label        string
		noHistory    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Args:  cobra.NoArgs,
		Short: "Request a capture VM (or attach to a ticket) and follow it to the end",
		Long: `Requests a manual-capture job, connects the console once the VM is acquired
and follows the job until it finishes or is cancelled. Type 'next' when a step
waits for you, 'cancel' to cancel the job and 'close' to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "run")

			cfg, err := a.loadServerConfig(cmd, &server, cmdLogger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("console") {
				cfg.Console.Driver = driver
			}
			if cmd.Flags().Changed("connect-uri") {
				cfg.Console.URI = connectURI
			}
			if cmd.Flags().Changed("viewer") {
				cfg.Console.Viewer = viewer
			}
			if cmd.Flags().Changed("interval") {
				cfg.Poll.Interval = config.Duration{Duration: interval}
			}
			if noHistory {
				cfg.History.Path = ""
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			api, err := newAPI(cfg, a.logger)
			if err != nil {
				return err
			}
			adapter := console.NewAdapter(newPlugin(cfg.Console, a.logger), a.logger)
			presenter := status.NewPresenter(status.NewTerminalSink(cmd.OutOrStdout()), a.logger)

			sessionCfg := capture.Config{
				API:       api,
				Flavor:    cfg.Flavor(),
				Console:   adapter,
				Presenter: presenter,
				Interval:  cfg.Poll.Interval.Duration,
				Logger:    a.logger,
			}
			store, err := openHistory(cfg.History)
			if err != nil {
				cmdLogger.Warn("history disabled", "error", err)
			} else if store != nil {
				defer store.Close()
				sessionCfg.Recorder = store
			}

			session, err := capture.NewSession(sessionCfg)
			if err != nil {
				return err
			}
			cmdLogger = cmdLogger.With("session_id", session.ID())

			ctx := cmd.Context()
			prompt := func() {
				go interact(ctx, session, cfg.Flavor(), cmd.InOrStdin(), cmd.OutOrStdout(), cmdLogger)
			}

			var outcome capture.Outcome
			if ticketID != "" {
				cmdLogger.Info("attaching to ticket", "ticket", ticketID)
				prompt()
				outcome, err = session.Resume(ctx, manualmode.TicketFromID(ticketID))
			} else {
				req := cfg.TicketRequest()
				if cmd.Flags().Changed("input-uri") {
					req.InputURI = inputURI
				}
				if cmd.Flags().Changed("output-datastore") {
					req.OutputDatastore = outputDS
				}
				if cmd.Flags().Changed("command-line") {
					req.CommandLine = commandLine
				}
				if installerDir != "" {
					staged, err := stageInstaller(cfg, installerDir, label, a)
					if err != nil {
						return err
					}
					req.InputURI = staged.DatastoreURI
				}
				if err := req.Validate(); err != nil {
					return fmt.Errorf("ticket request: %w", err)
				}
				prompt()
				outcome, err = session.Run(ctx, req)
			}
			if err != nil {
				cmdLogger.Error("session failed", "result", outcome.Result, "last_phase", outcome.LastPhase, "error", err)
				return err
			}

			switch outcome.Result {
			case capture.ResultCancelled:
				cmdLogger.Warn("the build has been cancelled", "ticket", outcome.Ticket.ID())
			case capture.ResultFinished:
				cmdLogger.Info("the manual capture build is completed", "ticket", outcome.Ticket.ID())
			default:
				cmdLogger.Info("session closed", "ticket", outcome.Ticket.ID(), "last_phase", outcome.LastPhase)
			}
			return nil
		},
	}

	server.register(cmd)
	cmd.Flags().StringVar(&ticketID, "ticket", "", "Attach to an existing ticket instead of requesting one")
	cmd.Flags().StringVar(&driver, "console", "", "Console driver (libvirt, viewer, none)")
	cmd.Flags().StringVar(&connectURI, "connect-uri", "", "Libvirt connection URI template")
	cmd.Flags().StringVar(&viewer, "viewer", "", "Viewer command template, e.g. 'remote-viewer vnc://{{.Host}}'")
	cmd.Flags().DurationVar(&interval, "interval", capture.DefaultPollInterval, "Delay between polls")
	cmd.Flags().StringVar(&inputURI, "input-uri", "", "Installer location")
	cmd.Flags().StringVar(&outputDS, "output-datastore", "", "Datastore receiving the captured package")
	cmd.Flags().StringVar(&commandLine, "command-line", "", "Installer command line")
	cmd.Flags().StringVar(&installerDir, "installer-dir", "", "Pack this directory into an ISO on the staging datastore and use it as input")
	cmd.Flags().StringVar(&label, "label", "", "Volume label for --installer-dir (defaults to the directory name)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not journal this session")

	return cmd
}

func stageInstaller(cfg config.Config, dir, label string, a *app) (media.Staged, error) {
	if cfg.Staging.Dir == "" {
		return media.Staged{}, errors.New("--installer-dir needs staging.dir and staging.datastore in the configuration")
	}
	if label == "" {
		label = filepath.Base(filepath.Clean(dir))
	}
	stager := media.Stager{
		Dir:       cfg.Staging.Dir,
		Datastore: cfg.Staging.Datastore,
		Logger:    a.logger,
	}
	return stager.Stage(dir, label)
}

func newStatusCommand(a *app) *cobra.Command {
	var server serverFlags

	cmd := &cobra.Command{
		Use:   "status <ticket>",
		Args:  cobra.ExactArgs(1),
		Short: "Redeem a ticket once and print what the backend reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "status", "ticket", args[0])
			cfg, err := a.loadServerConfig(cmd, &server, cmdLogger)
			if err != nil {
				return err
			}
			api, err := newAPI(cfg, a.logger)
			if err != nil {
				return err
			}

			resp, err := api.Redeem(cmd.Context(), manualmode.TicketFromID(args[0]))
			if err != nil {
				return err
			}
			printStatus(cmd, args[0], resp)
			return nil
		},
	}
	server.register(cmd)
	return cmd
}

func printStatus(cmd *cobra.Command, ticket string, resp manualmode.RedeemStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	current := resp.CurrentState()
	fmt.Fprintf(w, "ticket\t%s\n", ticket)
	fmt.Fprintf(w, "current\t%s\n", current)
	if entry, ok := phase.Lookup(current); ok && entry.HasMessage() {
		fmt.Fprintf(w, "message\t%s\n", entry.Message)
	}
	states := make([]string, 0, len(resp.States))
	for _, p := range resp.States {
		states = append(states, string(p))
	}
	fmt.Fprintf(w, "states\t%s\n", strings.Join(states, ", "))
	if resp.Lease != nil {
		fmt.Fprintf(w, "vm\t%s %s\n", resp.Lease.VC.Host, resp.Lease.VM.VmxPath)
	}
	if resp.ProjectID != nil {
		fmt.Fprintf(w, "project\t%d\n", *resp.ProjectID)
	}
}

func newNextCommand(a *app) *cobra.Command {
	var (
		server serverFlags
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "next <ticket> <phase>",
		Args:  cobra.ExactArgs(2),
		Short: "Tell the backend that a waiting step is done",
		RunE: func(cmd *cobra.Command, args []string) error {
			current := phase.Phase(strings.TrimSpace(args[1]))
			cmdLogger := a.logger.With("command", "next", "ticket", args[0], "phase", current)
			if !current.UserGated() && !force {
				return fmt.Errorf("phase %q does not wait for the user (use --force to send it anyway)", current)
			}

			cfg, err := a.loadServerConfig(cmd, &server, cmdLogger)
			if err != nil {
				return err
			}
			api, err := newAPI(cfg, a.logger)
			if err != nil {
				return err
			}
			if err := api.Next(cmd.Context(), manualmode.TicketFromID(args[0]), current); err != nil {
				cmdLogger.Error("failed to move to the next step", "error", err)
				return err
			}
			cmdLogger.Info("moved to the next step")
			return nil
		},
	}
	server.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Send phases that are not user gated")
	return cmd
}

func newCancelCommand(a *app) *cobra.Command {
	var server serverFlags

	cmd := &cobra.Command{
		Use:   "cancel <ticket>",
		Args:  cobra.ExactArgs(1),
		Short: "Ask the backend to cancel a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "cancel", "ticket", args[0])
			cfg, err := a.loadServerConfig(cmd, &server, cmdLogger)
			if err != nil {
				return err
			}
			api, err := newAPI(cfg, a.logger)
			if err != nil {
				return err
			}
			if err := api.Cancel(cmd.Context(), manualmode.TicketFromID(args[0])); err != nil {
				cmdLogger.Error("cancel request failed", "error", err)
				return err
			}
			cmdLogger.Info("cancel requested")
			return nil
		},
	}
	server.register(cmd)
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit int
		path  string
	)

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "List journaled sessions or show one of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "history")
			cfg, err := a.loadConfig(cmd, cmdLogger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.History.Path = path
			}
			if cfg.History.Path == "" {
				return errors.New("history is disabled in the configuration")
			}
			if _, err := os.Stat(cfg.History.Path); err != nil {
				return fmt.Errorf("history journal %s: %w", filepath.Clean(cfg.History.Path), err)
			}

			store, err := openHistory(cfg.History)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				session, events, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "session\t%s\nticket\t%s\napi\t%s\nvm\t%s %s\nresult\t%s\n",
					session.ID, session.Ticket, session.Flavor, session.Host, session.VMPath, session.Result)
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\n", ev.ObservedAt.Local().Format(time.DateTime), ev.Phase)
				}
				return w.Flush()
			}

			sessions, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTICKET\tRESULT\tLAST PHASE\tVM\tSTARTED")
			for _, s := range sessions {
				result := s.Result
				if result == "" {
					result = "running"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Ticket, result, s.LastPhase, s.Host, s.StartedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of sessions to list (0 lists all)")
	cmd.Flags().StringVar(&path, "db", "", "Path of the history journal (overrides history.path)")
	return cmd
}
