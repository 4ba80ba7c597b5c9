package status

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	defaultBarWidth = 20
	maxBarWidth     = 40
)

// TerminalSink writes one line per status change.
type TerminalSink struct {
	w     io.Writer
	width int
}

// NewTerminalSink creates a sink on w. When w is a terminal the bar width
// follows the terminal's column count.
func NewTerminalSink(w io.Writer) *TerminalSink {
	return &TerminalSink{w: w, width: barWidth(w)}
}

func (s *TerminalSink) Render(line Line) {
	fmt.Fprintln(s.w, FormatLine(line, s.width))
}

// FormatLine renders line with a progress bar of the given width.
func FormatLine(line Line, width int) string {
	if width <= 0 {
		width = defaultBarWidth
	}
	filled := line.Progress * width / 100
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(strings.Repeat("#", filled))
	b.WriteString(strings.Repeat("-", width-filled))
	b.WriteString("] ")
	fmt.Fprintf(&b, "%3d%% ", line.Progress)
	b.WriteString(line.Text)
	if line.Busy {
		b.WriteString(" (working)")
	}
	return b.String()
}

func barWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return defaultBarWidth
	}
	ws, err := unix.IoctlGetWinsize(int(f.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return defaultBarWidth
	}
	width := int(ws.Col) / 4
	if width > maxBarWidth {
		width = maxBarWidth
	}
	if width < 10 {
		width = 10
	}
	return width
}
