package session

import "syscall"

func checkPid(pid int) error {
	return nil
}

func attachHint(pid int) string {
	return ""
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
