// Package buildinfo exposes version information stamped at build time.
package buildinfo

import "runtime/debug"

// Overridden via -ldflags "-X .../internal/buildinfo.version=v1.2.3".
var version = ""

// Info describes the running binary.
type Info struct {
	Version string
	Commit  string
}

// Current returns the best available build information.
func Current() Info {
	info := Info{Version: version}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "dev"
		}
		return info
	}
	if info.Version == "" {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		} else {
			info.Version = "dev"
		}
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			info.Commit = s.Value[:7]
		}
	}
	return info
}
