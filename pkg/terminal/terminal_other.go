//go:build !windows

package terminal

import (
	"io"
	"os"
)

// colorableWriter returns f, terminals other than the windows console
// understand escape codes.
func colorableWriter(f *os.File) io.Writer {
	return f
}
