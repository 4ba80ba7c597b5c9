package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cochaviz/manualcapture/internal/capture"
	"github.com/cochaviz/manualcapture/internal/manualmode"
	"github.com/cochaviz/manualcapture/internal/phase"
)

type promptCommand int

const (
	promptUnknown promptCommand = iota
	promptNext
	promptCancel
	promptClose
	promptHelp
)

const promptHelpText = "commands: next (n), cancel (c), close (q), help (h)"

func parsePromptCommand(line string) promptCommand {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "next":
		return promptNext
	case "c", "cancel":
		return promptCancel
	case "q", "quit", "close", "exit":
		return promptClose
	case "h", "help", "?":
		return promptHelp
	default:
		return promptUnknown
	}
}

// needsConfirmation reports whether advancing past gate should be confirmed.
// Leaving installationWait starts the post-install snapshot.
func needsConfirmation(gate phase.Phase) bool {
	return gate == phase.InstallationWait
}

func confirmed(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// interact reads commands from in and forwards them to the session until it
// is done or ctx ends.
func interact(ctx context.Context, session *capture.Session, flavor manualmode.Flavor, in io.Reader, out io.Writer, logger *slog.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-session.Done():
				return
			}
		}
	}()

	readLine := func() (string, bool) {
		select {
		case line, ok := <-lines:
			return line, ok
		case <-session.Done():
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}

	fmt.Fprintln(out, promptHelpText)
	for {
		line, ok := readLine()
		if !ok {
			return
		}

		switch parsePromptCommand(line) {
		case promptNext:
			gate, waiting := session.Gate()
			if !waiting {
				fmt.Fprintln(out, "nothing is waiting for you right now")
				continue
			}
			if needsConfirmation(gate) {
				fmt.Fprint(out, "Is the installation complete? The VM will be captured as it is now. [y/N] ")
				answer, ok := readLine()
				if !ok {
					return
				}
				if !confirmed(answer) {
					continue
				}
			}
			if _, err := session.Next(ctx); err != nil {
				report(out, logger, "next", err)
			}
		case promptCancel:
			if err := session.Cancel(ctx); err != nil {
				report(out, logger, "cancel", err)
				continue
			}
			if flavor == manualmode.FlavorLegacy {
				fmt.Fprintln(out, "cancel requested, waiting for the server")
			}
		case promptClose:
			if err := session.Close(ctx); err != nil {
				report(out, logger, "close", err)
			}
			return
		case promptHelp:
			fmt.Fprintln(out, promptHelpText)
		default:
			if strings.TrimSpace(line) != "" {
				fmt.Fprintf(out, "unknown command %q; %s\n", strings.TrimSpace(line), promptHelpText)
			}
		}
	}
}

func report(out io.Writer, logger *slog.Logger, action string, err error) {
	switch {
	case errors.Is(err, capture.ErrSessionClosed):
		return
	case errors.Is(err, capture.ErrNoTicket):
		fmt.Fprintln(out, "no ticket has been issued yet")
	case errors.Is(err, capture.ErrNextUnavailable):
		fmt.Fprintln(out, "nothing is waiting for you right now")
	default:
		logger.Warn("action failed", "action", action, "error", err)
	}
}
