// Package version reports the opsbrain build version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time via -ldflags "-X opsbrain/internal/version.version=...".
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version. A "dev" build falls back to the module
// version recorded by go install.
func String() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

// Commit returns the VCS revision, from ldflags or the embedded build info.
func Commit() string {
	if commit != "" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	return "unknown"
}

// Long is the one-line description printed by the version command.
func Long() string {
	return fmt.Sprintf("opsbrain %s (%s, %s %s/%s)", String(), Commit(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
