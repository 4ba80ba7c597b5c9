package status

import (
	"log/slog"
	"sync"

	"github.com/cochaviz/manualcapture/internal/logging"
	"github.com/cochaviz/manualcapture/internal/phase"
)

// Indeterminate leaves the progress bar where it is.
const Indeterminate = -1

// Line is the rendered status region: message, bar position and whether the
// busy indicator is shown.
type Line struct {
	Text     string
	Progress int
	Busy     bool
}

// Sink renders status lines. Implementations must not block for long; the
// presenter calls them while holding its lock.
type Sink interface {
	Render(Line)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Line)

func (f SinkFunc) Render(line Line) { f(line) }

// Presenter translates phase tokens or free text into a status line.
type Presenter struct {
	logger *slog.Logger
	sink   Sink

	mu   sync.Mutex
	line Line
}

// NewPresenter creates a presenter that renders to sink. A nil sink only logs.
func NewPresenter(sink Sink, logger *slog.Logger) *Presenter {
	return &Presenter{
		logger: logging.Ensure(logger).With("component", "status"),
		sink:   sink,
	}
}

// SetStatus shows text, which may be a phase token with a canned message or
// any other string shown verbatim. A table progress value overrides the
// argument; the bar only moves when the result lies in [0,100].
func (p *Presenter) SetStatus(text string, progress int, hideIcon bool) Line {
	p.logger.Info("status changed", "status", text, "progress", progress)

	p.mu.Lock()
	defer p.mu.Unlock()

	if text != "" {
		entry, _ := phase.Lookup(phase.Phase(text))
		if entry.HasMessage() {
			p.line.Text = entry.Message
			p.line.Busy = !entry.HideIcon
		} else {
			p.line.Text = text
			p.line.Busy = !hideIcon
		}
		if entry.Progress != phase.NoProgress {
			progress = entry.Progress
		}
	}
	if progress >= 0 && progress <= 100 {
		p.line.Progress = progress
	}

	if p.sink != nil {
		p.sink.Render(p.line)
	}
	return p.line
}

// Phase is shorthand for SetStatus(string(ph), Indeterminate, false).
func (p *Presenter) Phase(ph phase.Phase) Line {
	return p.SetStatus(string(ph), Indeterminate, false)
}

// Snapshot returns the current line.
func (p *Presenter) Snapshot() Line {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.line
}
