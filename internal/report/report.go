// Package report is the synchronizer's output surface: one small interface
// threaded explicitly through fsync.Options instead of a global logger, per
// the reference implementation's package-level fs.Debugf/Infof/Errorf shape
// adapted to avoid process-wide state.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

// Interface is implemented by anything that wants to observe a run: a
// terminal reporter, a --quiet no-op, or a test spy that records calls.
type Interface interface {
	// Infof logs a normal-verbosity line about name (usually a pair's
	// entry name, directory path, or target description).
	Infof(name, format string, args ...interface{})
	// Verbosef logs a line only when the reporter's verbosity is >= level.
	Verbosef(level int, name, format string, args ...interface{})
	// Errorf logs a failure associated with name.
	Errorf(name, format string, args ...interface{})
	// Action records a single applied or dry-run operation, e.g.
	// "> upload  a/b.txt".
	Action(verb, name string)
	// Summary prints the final per-run counters.
	Summary(s Summary)
}

// Summary is the subset of fsync.Stats the reporter renders; kept separate
// from fsync so this package never imports its caller.
type Summary struct {
	EntriesTouched, FilesWritten, FilesDeleted int
	DirsCreated, DirsDeleted                   int
	Conflicts, ConflictsSkipped, CopyErrors     int
	UploadBytes, DownloadBytes                 int64
}

// Nop discards everything; fsync.NewOptions installs it as the default so a
// caller that never wires a Reporter gets silence rather than a nil
// dereference.
type Nop struct{}

func (Nop) Infof(string, string, ...interface{})         {}
func (Nop) Verbosef(int, string, string, ...interface{}) {}
func (Nop) Errorf(string, string, ...interface{})        {}
func (Nop) Action(string, string)                        {}
func (Nop) Summary(Summary)                              {}

// Terminal is the reporter used by cmd/ftpsync: colorized when writing to a
// tty, plain otherwise, width-aware for aligning the verb column.
type Terminal struct {
	Out       io.Writer
	Verbosity int

	infoColor  *color.Color
	errorColor *color.Color
	verbColor  *color.Color
	isTTY      bool
}

// NewTerminal wraps w (os.Stdout in production) the way the reference
// implementation's colour output does: colorable on Windows consoles,
// disabled entirely when the stream isn't a terminal.
func NewTerminal(w io.Writer, verbosity int) *Terminal {
	out := w
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		out = colorable.NewColorable(f)
	}
	t := &Terminal{
		Out:        out,
		Verbosity:  verbosity,
		infoColor:  color.New(color.FgCyan),
		errorColor: color.New(color.FgRed, color.Bold),
		verbColor:  color.New(color.FgGreen),
		isTTY:      tty,
	}
	if !tty {
		color.NoColor = true
	}
	return t
}

func (t *Terminal) Infof(name, format string, args ...interface{}) {
	t.infoColor.Fprintf(t.Out, "%-28s %s\n", name, fmt.Sprintf(format, args...))
}

func (t *Terminal) Verbosef(level int, name, format string, args ...interface{}) {
	if t.Verbosity < level {
		return
	}
	t.Infof(name, format, args...)
}

func (t *Terminal) Errorf(name, format string, args ...interface{}) {
	t.errorColor.Fprintf(t.Out, "%-28s ERROR: %s\n", name, fmt.Sprintf(format, args...))
}

// Action renders one applied operation, right-padding verb to a fixed
// column so names line up regardless of verb length or wide runes in name.
func (t *Terminal) Action(verb, name string) {
	pad := 10 - runewidth.StringWidth(verb)
	if pad < 0 {
		pad = 0
	}
	t.verbColor.Fprintf(t.Out, "> %s%s%s\n", verb, strings.Repeat(" ", pad), name)
}

func (t *Terminal) Summary(s Summary) {
	fmt.Fprintf(t.Out, "\n%d entries touched, %d written, %d deleted, %d conflicts (%d skipped), %d errors\n",
		s.EntriesTouched, s.FilesWritten, s.FilesDeleted, s.Conflicts, s.ConflictsSkipped, s.CopyErrors)
	fmt.Fprintf(t.Out, "%d bytes uploaded, %d bytes downloaded\n", s.UploadBytes, s.DownloadBytes)
}
