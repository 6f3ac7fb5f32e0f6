//go:build !windows
// +build !windows

package session

import (
	"errors"
	"fmt"
	"io/ioutil"
	"syscall"

	sys "golang.org/x/sys/unix"
)

func checkPid(pid int) error {
	err := sys.Kill(pid, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sys.ESRCH):
		return fmt.Errorf("no process with pid %d", pid)
	case errors.Is(err, sys.EPERM):
		if hint := attachHint(pid); hint != "" {
			return fmt.Errorf("%v: %s", err, hint)
		}
		return err
	default:
		return err
	}
}

// attachHint explains the most common reasons why attaching to pid is not
// permitted.
func attachHint(pid int) string {
	var st sys.Stat_t
	if err := sys.Stat(fmt.Sprintf("/proc/%d", pid), &st); err == nil && st.Uid != uint32(sys.Getuid()) && sys.Geteuid() != 0 {
		return "current user does not own the process"
	}
	bs, err := ioutil.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
	if err == nil && len(bs) >= 1 && bs[0] != '0' {
		// Yama documentation: https://www.kernel.org/doc/Documentation/security/Yama.txt
		return `this could be caused by a kernel security setting, try writing "0" to /proc/sys/kernel/yama/ptrace_scope`
	}
	return ""
}

// sysProcAttr puts the debugger in its own process group so that a
// Ctrl-C on the terminal interrupts dlock, not the debugger, which then
// sees its input closed and detaches cleanly.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
