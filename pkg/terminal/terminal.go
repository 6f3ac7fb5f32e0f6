// Package terminal prints the result of an analysis.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalBoldEscapeCode      string = "\033[1m"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
	ansiCyan   = 36
)

// Format is the output format of the report.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
)

func (f *Format) String() string {
	return string(*f)
}

// Set implements pflag.Value.
func (f *Format) Set(s string) error {
	switch Format(s) {
	case FormatText, FormatYAML:
		*f = Format(s)
		return nil
	}
	return fmt.Errorf("unknown format %q, must be text or yaml", s)
}

// Type implements pflag.Value.
func (f *Format) Type() string {
	return "format"
}

// ColorMode selects when escape codes are written.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

func (c *ColorMode) String() string {
	return string(*c)
}

// Set implements pflag.Value.
func (c *ColorMode) Set(s string) error {
	switch ColorMode(s) {
	case ColorAuto, ColorAlways, ColorNever:
		*c = ColorMode(s)
		return nil
	}
	return fmt.Errorf("unknown color mode %q, must be auto, always or never", s)
}

// Type implements pflag.Value.
func (c *ColorMode) Type() string {
	return "when"
}

// Options controls how a report is printed.
type Options struct {
	Format Format
	Color  ColorMode
	// Backtraces prints the stack of every thread mentioned in the report.
	Backtraces bool
	// Threads restricts the list of waits to the given thread numbers or
	// names, cycles are always printed in full.
	Threads []string
	// NoPager disables paging of long output.
	NoPager bool
}

// Term writes reports to standard output.
type Term struct {
	opts   Options
	stdout *pagingWriter
	colors bool
}

// New returns a Term writing to standard output.
func New(opts Options) *Term {
	var w io.Writer
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = colorableWriter(os.Stdout)
	}

	colors := false
	switch opts.Color {
	case ColorAlways:
		colors = true
	case ColorNever:
	default:
		colors = !dumb && isatty.IsTerminal(os.Stdout.Fd())
	}
	return newTerm(w, opts, colors)
}

func newTerm(w io.Writer, opts Options, colors bool) *Term {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	return &Term{opts: opts, stdout: &pagingWriter{w: w}, colors: colors}
}

// Close waits for the pager, if one was started.
func (t *Term) Close() {
	t.stdout.Reset()
}

func (t *Term) color(code int, s string) string {
	if !t.colors {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, code) + s + terminalResetEscapeCode
}

func (t *Term) bold(s string) string {
	if !t.colors {
		return s
	}
	return terminalBoldEscapeCode + s + terminalResetEscapeCode
}
