package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"golang.org/x/sys/windows"
)

// colorableWriter returns a writer for f that translates escape codes for
// consoles that do not process them natively.
func colorableWriter(f *os.File) io.Writer {
	if strings.ToLower(os.Getenv("ConEmuANSI")) == "on" {
		return f
	}
	var mode uint32
	if err := windows.GetConsoleMode(windows.Handle(f.Fd()), &mode); err != nil {
		return f
	}
	if mode&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING != 0 {
		return f
	}
	return colorable.NewColorable(f)
}
