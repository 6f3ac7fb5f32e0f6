package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cosiner/argv"

	"github.com/go-delve/dlock/pkg/logflags"
)

const detachTimeout = 5 * time.Second

// GDB is a Session backed by a gdb process. The process is started once
// and stays attached to the target until Detach is called, the inferior
// is therefore stopped for the whole lifetime of the session.
type GDB struct {
	conf Config
	cmd  *exec.Cmd
	conn *gdbConn
	log  logflags.Logger

	// Banner is what gdb printed while loading the binary and attaching
	// to the target.
	Banner string

	exited   chan error
	detached bool
}

// bannerErrors maps messages gdb prints when it can not load or attach to
// its target to the reason reported to the user.
var bannerErrors = []struct {
	msg, reason string
}{
	{"ptrace: Operation not permitted", "permission denied attaching to the process"},
	{"ptrace: No such process", "no such process"},
	{"is already traced by process", "the process is already being debugged"},
	{"is not a core dump", "not a core dump"},
	{"not in executable format", "binary is not an executable"},
	{"No such file or directory", "file not found"},
	{"Couldn't get registers", "could not read thread registers"},
}

// Attach starts gdb on conf.Binary and attaches it to conf.Target.
func Attach(conf Config) (*GDB, error) {
	logger := logflags.SessionLogger().WithFields(logflags.Fields{"binary": conf.Binary, "target": conf.Target.Arg()})

	if err := checkTarget(conf); err != nil {
		return nil, err
	}

	dbgArgs, err := debuggerCommandLine(conf.Debugger)
	if err != nil {
		return nil, &SessionError{Target: conf.Target, Reason: "invalid debugger command line", Err: err}
	}
	path, err := exec.LookPath(dbgArgs[0])
	if err != nil {
		return nil, &SessionError{Target: conf.Target, Reason: fmt.Sprintf("could not find %q on the system", dbgArgs[0]), Err: err}
	}

	args := append(dbgArgs[1:], gdbArgs(conf)...)
	logger.Infof("starting %s %s", path, strings.Join(args, " "))

	rfd, wfd, err := os.Pipe()
	if err != nil {
		return nil, &SessionError{Target: conf.Target, Reason: "could not create pipe", Err: err}
	}
	cmd := exec.Command(path, args...)
	cmd.Stdout = wfd
	cmd.Stderr = wfd
	cmd.SysProcAttr = sysProcAttr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		rfd.Close()
		wfd.Close()
		return nil, &SessionError{Target: conf.Target, Reason: "could not create pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		rfd.Close()
		wfd.Close()
		return nil, &SessionError{Target: conf.Target, Reason: "could not start debugger", Err: err}
	}
	_ = wfd.Close()

	g := &GDB{
		conf:   conf,
		cmd:    cmd,
		conn:   newGdbConn(stdin, rfd, conf.CommandTimeout),
		log:    logger,
		exited: make(chan error, 1),
	}
	go func() {
		g.exited <- cmd.Wait()
		rfd.Close()
	}()

	g.Banner, err = g.conn.exec("")
	if err != nil {
		g.kill()
		return nil, &SessionError{Target: conf.Target, Reason: "debugger did not start", Err: withOutput(err, g.Banner)}
	}
	if logflags.Session() {
		logger.Debugf("debugger output while loading the target:\n%s", g.Banner)
	}
	if reason, ok := checkBanner(g.Banner); ok {
		if conf.Target.Kind == TargetProcess && strings.Contains(reason, "permission") {
			if hint := attachHint(conf.Target.Pid); hint != "" {
				reason += ": " + hint
			}
		}
		g.Detach()
		return nil, &SessionError{Target: conf.Target, Reason: reason}
	}

	out, err := g.conn.exec("info threads")
	if err != nil {
		g.kill()
		return nil, &SessionError{Target: conf.Target, Reason: "debugger did not respond", Err: err}
	}
	if strings.Contains(out, "No threads.") {
		g.Detach()
		return nil, &SessionError{Target: conf.Target, Reason: "debugger did not attach to the target (no threads)"}
	}

	logger.Infof("attached to %s", conf.Target)
	return g, nil
}

func debuggerCommandLine(cmdline string) ([]string, error) {
	if cmdline == "" {
		cmdline = "gdb"
	}
	v, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, fmt.Errorf("illegal command line '%s'", cmdline)
	}
	return v[0], nil
}

func gdbArgs(conf Config) []string {
	args := []string{"-q", "-nx",
		"-iex", "set pagination off",
		"-iex", "set confirm off",
		"-iex", "set width 0",
		"-iex", "set height 0",
		"-iex", "set print pretty off",
	}
	if len(conf.DebugInfoDirectories) > 0 {
		args = append(args, "-iex", "set debug-file-directory "+strings.Join(conf.DebugInfoDirectories, ":"))
	}
	args = append(args, conf.Binary)
	switch conf.Target.Kind {
	case TargetProcess:
		args = append(args, fmt.Sprintf("--pid=%d", conf.Target.Pid))
	case TargetCore:
		args = append(args, "--core="+conf.Target.CorePath)
	}
	return args
}

func checkBanner(banner string) (string, bool) {
	for _, be := range bannerErrors {
		if strings.Contains(banner, be.msg) {
			return be.reason, true
		}
	}
	return "", false
}

func checkTarget(conf Config) error {
	fi, err := os.Stat(conf.Binary)
	if err != nil {
		return &SessionError{Target: conf.Target, Reason: "could not open binary", Err: err}
	}
	if fi.IsDir() {
		return &SessionError{Target: conf.Target, Reason: fmt.Sprintf("%s is a directory", conf.Binary)}
	}
	switch conf.Target.Kind {
	case TargetProcess:
		if err := checkPid(conf.Target.Pid); err != nil {
			return &SessionError{Target: conf.Target, Reason: "process is not accessible", Err: err}
		}
	case TargetCore:
		if _, err := os.Stat(conf.Target.CorePath); err != nil {
			return &SessionError{Target: conf.Target, Reason: "could not open core file", Err: err}
		}
	}
	return nil
}

// RunCommand implements Session.
func (g *GDB) RunCommand(cmd string) (string, error) {
	if g.detached {
		return "", &SessionError{Target: g.conf.Target, Reason: "session already detached"}
	}
	out, err := g.conn.exec(cmd)
	if err != nil {
		g.kill()
		return out, &SessionError{Target: g.conf.Target, Reason: fmt.Sprintf("command %q failed", cmd), Err: err}
	}
	return out, nil
}

// Detach implements Session. A live process is detached from, never
// killed, and resumes execution once gdb exits.
func (g *GDB) Detach() error {
	if g.detached {
		return nil
	}
	g.detached = true
	if g.conf.Target.Kind == TargetProcess {
		if out, err := g.conn.exec("detach"); err != nil {
			g.log.Warnf("detach failed: %v", err)
		} else {
			g.log.Debugf("detach: %s", out)
		}
	}
	fmt.Fprintln(g.conn.in, "quit")
	g.conn.close()

	select {
	case err := <-g.exited:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return &SessionError{Target: g.conf.Target, Reason: "debugger did not exit cleanly", Err: err}
			}
			g.log.Debugf("debugger exited: %v", err)
		}
	case <-time.After(detachTimeout):
		g.log.Warnf("debugger did not exit after %v, killing it", detachTimeout)
		g.cmd.Process.Kill()
		<-g.exited
	}
	g.log.Info("detached")
	return nil
}

func (g *GDB) kill() {
	if g.detached {
		return
	}
	g.detached = true
	g.conn.close()
	if g.cmd.Process != nil {
		g.cmd.Process.Kill()
	}
	<-g.exited
}

// withOutput attaches whatever the debugger printed to err.
func withOutput(err error, out string) error {
	if out == "" {
		return err
	}
	return fmt.Errorf("%w (output: %q)", err, out)
}
