//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package terminal

import (
	"golang.org/x/sys/unix"
)

func windowSize() (lines, columns int, ok bool) {
	ws, err := unix.IoctlGetWinsize(unix.Stdout, unix.TIOCGWINSZ)
	if err != nil || ws.Row == 0 {
		return 0, 0, false
	}
	return int(ws.Row), int(ws.Col), true
}
