// Package version reports build information for the hubevents binaries.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/devicehub/hubevents/internal/version.Version=1.0.0 \
//	                   -X github.com/devicehub/hubevents/internal/version.Commit=$(git rev-parse --short HEAD)" ./cmd/...
//
// Without ldflags the commit falls back to the VCS stamp embedded by the Go
// toolchain.
package version

import "runtime/debug"

// Set via ldflags
var (
	Version = "dev"
	Commit  = ""
)

// Info is the build description exposed on /health.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get returns the build information of the running binary.
func Get() Info {
	info := Info{Version: Version, Commit: Commit}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Commit == "" {
			info.Commit = "unknown"
		}
		return info
	}

	info.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	return info
}

// String returns a formatted version string.
func String() string {
	i := Get()
	s := i.Version + " (" + i.Commit + ")"
	if i.Modified {
		s += " dirty"
	}
	return s
}
