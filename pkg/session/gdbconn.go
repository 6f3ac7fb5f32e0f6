package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-delve/dlock/pkg/logflags"
)

const (
	gdbPrompt      = "(gdb) "
	sentinelPrefix = "@@dlock-done-"
	maxLineLen     = 16 * 1024 * 1024
)

var (
	errDebuggerExited  = errors.New("debugger exited unexpectedly")
	errCommandTimeout  = errors.New("debugger command timed out")
	errMultilineCmd    = errors.New("debugger commands must be a single line")
	errConnectionState = errors.New("debugger connection is no longer usable")
)

// gdbConn exchanges commands and output with a gdb process reading its
// commands from a pipe. The end of the output of every command is marked
// by echoing a sentinel line.
type gdbConn struct {
	in      io.WriteCloser
	lines   chan string
	done    chan struct{}
	seq     int
	timeout time.Duration
	broken  bool
	log     logflags.Logger
}

func newGdbConn(in io.WriteCloser, out io.Reader, timeout time.Duration) *gdbConn {
	conn := &gdbConn{
		in:      in,
		lines:   make(chan string, 256),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     logflags.GdbWireLogger(),
	}
	go conn.readLines(out)
	return conn
}

func (conn *gdbConn) readLines(out io.Reader) {
	defer close(conn.lines)
	s := bufio.NewScanner(out)
	s.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	for s.Scan() {
		select {
		case conn.lines <- s.Text():
		case <-conn.done:
			return
		}
	}
	if err := s.Err(); err != nil && logflags.GdbWire() {
		conn.log.Debugf("read error: %v", err)
	}
}

// exec sends cmd to gdb and returns everything gdb printed until the
// sentinel. An empty cmd only synchronizes with the output stream, which is
// used to collect the startup banner.
func (conn *gdbConn) exec(cmd string) (string, error) {
	if conn.broken {
		return "", errConnectionState
	}
	if strings.ContainsAny(cmd, "\r\n") {
		return "", errMultilineCmd
	}
	conn.seq++
	sentinel := fmt.Sprintf("%s%d@@", sentinelPrefix, conn.seq)

	var req strings.Builder
	if cmd != "" {
		req.WriteString(cmd)
		req.WriteByte('\n')
	}
	fmt.Fprintf(&req, "echo \\n%s\\n\n", sentinel)
	if logflags.GdbWire() {
		conn.log.Debugf("-> %s", cmd)
	}
	if _, err := io.WriteString(conn.in, req.String()); err != nil {
		conn.broken = true
		return "", err
	}

	var timeout <-chan time.Time
	if conn.timeout > 0 {
		t := time.NewTimer(conn.timeout)
		defer t.Stop()
		timeout = t.C
	}

	var buf []string
	for {
		select {
		case line, ok := <-conn.lines:
			if !ok {
				conn.broken = true
				return joinOutput(buf), errDebuggerExited
			}
			line = stripPrompt(line)
			if logflags.GdbWire() {
				conn.log.Debugf("<- %s", line)
			}
			if line == sentinel {
				return joinOutput(buf), nil
			}
			buf = append(buf, line)
		case <-timeout:
			conn.broken = true
			return joinOutput(buf), errCommandTimeout
		}
	}
}

func (conn *gdbConn) close() error {
	select {
	case <-conn.done:
	default:
		close(conn.done)
	}
	return conn.in.Close()
}

// stripPrompt removes the prompts gdb prints in front of command output.
func stripPrompt(line string) string {
	for strings.HasPrefix(line, gdbPrompt) {
		line = line[len(gdbPrompt):]
	}
	if line == strings.TrimSpace(gdbPrompt) {
		return ""
	}
	return line
}

func joinOutput(lines []string) string {
	return strings.TrimRight(strings.Join(lines, "\n"), "\n ")
}
