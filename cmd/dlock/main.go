package main

import (
	"os"

	"github.com/go-delve/dlock/cmd/dlock/cmds"
	"github.com/go-delve/dlock/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DlockVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
