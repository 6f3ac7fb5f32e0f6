// Package version reports the version of dlock and how it was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of dlock.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	// Build is the VCS revision, set at link time with -X main.Build or
	// read from the build information embedded by the go command.
	Build string
}

// DlockVersion is the current version of dlock.
var DlockVersion = Version{
	Major: "0", Minor: "3", Patch: "0",
	Build: unknownBuild,
}

const unknownBuild = "unknown"

func (v Version) String() string {
	if v.Build == "" || v.Build == unknownBuild {
		v.Build = vcsRevision()
	}
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// vcsRevision returns the revision recorded by the go command, with a
// "-dirty" suffix for builds of a modified checkout.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknownBuild
	}
	rev, dirty := "", false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if rev == "" {
		return unknownBuild
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// BuildInfo returns the Go version dlock was compiled with followed by
// the list of modules linked into it.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(runtime.Version())
	b.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	fmt.Fprintf(&b, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(&b, " dep\t%s\t%s\t=> %s\t%s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(&b, " dep\t%s\t%s\t%s\n", dep.Path, dep.Version, dep.Sum)
	}
	return b.String()
}
