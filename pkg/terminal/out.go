package terminal

import (
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/cosiner/argv"
	"github.com/mattn/go-isatty"
)

// pagingWriter writes to w. Once PageMaybe has been called it holds back
// the output until either the report ends or it no longer fits the
// window, in which case everything is piped to a pager instead.
type pagingWriter struct {
	mode  pagingWriterMode
	w     io.Writer
	buf   []byte
	pager []string

	cmd      *exec.Cmd
	cmdStdin io.WriteCloser

	lines, columns int
}

type pagingWriterMode uint8

const (
	pagingWriterNormal pagingWriterMode = iota
	pagingWriterMaybe
	pagingWriterPaging
)

func (w *pagingWriter) Write(p []byte) (int, error) {
	switch w.mode {
	case pagingWriterMaybe:
		w.buf = append(w.buf, p...)
		if !w.largeOutput() {
			return len(p), nil
		}
		var err error
		if w.startPager() {
			w.mode = pagingWriterPaging
			_, err = w.cmdStdin.Write(w.buf)
		} else {
			w.mode = pagingWriterNormal
			_, err = w.w.Write(w.buf)
		}
		w.buf = nil
		return len(p), err
	case pagingWriterPaging:
		return w.cmdStdin.Write(p)
	default:
		return w.w.Write(p)
	}
}

func (w *pagingWriter) startPager() bool {
	cmd := exec.Command(w.pager[0], w.pager[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false
	}
	if err := cmd.Start(); err != nil {
		return false
	}
	w.cmd, w.cmdStdin = cmd, stdin
	return true
}

// Reset writes out anything still held back and waits for the pager to
// exit.
func (w *pagingWriter) Reset() {
	mode := w.mode
	w.mode = pagingWriterNormal
	switch mode {
	case pagingWriterMaybe:
		w.w.Write(w.buf)
	case pagingWriterPaging:
		w.cmdStdin.Close()
		w.cmd.Wait()
		w.cmd, w.cmdStdin = nil, nil
	}
	w.buf = nil
}

// PageMaybe makes the writer switch to a pager if the output turns out to
// be larger than the terminal window. The pager is $DLOCK_PAGER, $PAGER or
// more. Nothing is paged when w is not a terminal.
func (w *pagingWriter) PageMaybe() {
	if w.mode != pagingWriterNormal {
		return
	}
	pager := os.Getenv("DLOCK_PAGER")
	if pager == "" {
		if f, ok := w.w.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
			return
		}
		if strings.ToLower(os.Getenv("TERM")) == "dumb" {
			return
		}
		pager = os.Getenv("PAGER")
		if pager == "" {
			pager = "more"
		}
	}
	v, err := argv.Argv(pager, nil, nil)
	if err != nil || len(v) != 1 || len(v[0]) == 0 {
		return
	}
	lines, columns, ok := windowSize()
	if !ok {
		return
	}
	w.mode = pagingWriterMaybe
	w.pager = v[0]
	w.lines, w.columns = lines, columns
}

// largeOutput reports whether the buffered output, wrapped at w.columns,
// is taller than the window.
func (w *pagingWriter) largeOutput() bool {
	lines := 0
	lineStart := 0
	for i := range w.buf {
		if i-lineStart > w.columns || w.buf[i] == '\n' {
			lineStart = i
			lines++
			if lines > w.lines {
				return true
			}
		}
	}
	return false
}
