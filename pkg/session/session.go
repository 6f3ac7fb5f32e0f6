// Package session drives an external debugger on behalf of the extractor.
//
// The only debugger supported is gdb. A Session stays attached to the
// target for its whole lifetime so that every command observes the same
// frozen snapshot of the inferior.
package session

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Session is a live debugger session. Commands are plain debugger CLI
// commands, the result is the text the debugger printed in response.
type Session interface {
	// RunCommand executes cmd and returns its output.
	RunCommand(cmd string) (string, error)
	// Detach releases the target and terminates the debugger. Calling
	// Detach more than once is allowed.
	Detach() error
}

// TargetKind is the kind of target a session inspects.
type TargetKind uint8

const (
	// TargetProcess is a live process identified by its PID.
	TargetProcess TargetKind = iota
	// TargetCore is a core file.
	TargetCore
)

func (k TargetKind) String() string {
	switch k {
	case TargetProcess:
		return "process"
	case TargetCore:
		return "core"
	default:
		return "unknown"
	}
}

// Target identifies what the debugger attaches to.
type Target struct {
	Kind TargetKind
	// Pid is set for TargetProcess.
	Pid int
	// CorePath is set for TargetCore.
	CorePath string
}

// ParseTarget interprets the second command line argument: an existing
// file is a core file, otherwise a decimal number is a PID and anything
// else is the path of a core file.
func ParseTarget(arg string) Target {
	if fi, err := os.Stat(arg); err == nil && !fi.IsDir() {
		return Target{Kind: TargetCore, CorePath: arg}
	}
	if pid, err := strconv.Atoi(arg); err == nil && pid > 0 {
		return Target{Kind: TargetProcess, Pid: pid}
	}
	return Target{Kind: TargetCore, CorePath: arg}
}

// Arg returns the target in the form the debugger expects on its command
// line.
func (t Target) Arg() string {
	if t.Kind == TargetProcess {
		return strconv.Itoa(t.Pid)
	}
	return t.CorePath
}

func (t Target) String() string {
	if t.Kind == TargetProcess {
		return fmt.Sprintf("pid %d", t.Pid)
	}
	return fmt.Sprintf("core file %s", t.CorePath)
}

// Config describes how to start a session.
type Config struct {
	// Binary is the path to the executable of the target.
	Binary string
	// Target is the process or core file to inspect.
	Target Target
	// Debugger is the debugger command line, the binary and the target
	// are appended to it.
	Debugger string
	// DebugInfoDirectories is passed to the debugger as its debug file
	// directory list.
	DebugInfoDirectories []string
	// CommandTimeout bounds every command, zero means no limit.
	CommandTimeout time.Duration
}

// SessionError is returned when the debugger can not be started or can
// not attach to the target, or when it stops responding.
type SessionError struct {
	Target Target
	Reason string
	Err    error
}

func (err *SessionError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("could not debug %s: %s: %v", err.Target, err.Reason, err.Err)
	}
	return fmt.Sprintf("could not debug %s: %s", err.Target, err.Reason)
}

func (err *SessionError) Unwrap() error {
	return err.Err
}
