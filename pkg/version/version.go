// Package version reports build metadata for the rewriteproxy binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const Component = "rewriteproxy"

var (
	// Set at build time with -ldflags, e.g.
	// -X github.com/lkarlslund/rewriteproxy/pkg/version.Version=v1.2.0
	// -X github.com/lkarlslund/rewriteproxy/pkg/version.Commit=<sha>
	// -X github.com/lkarlslund/rewriteproxy/pkg/version.Date=<rfc3339>
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// Current merges ldflags values with the VCS stamps embedded by the Go
// toolchain. ldflags win when both are present.
func Current() Info {
	info := Info{
		Component: Component,
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		Date:      strings.TrimSpace(Date),
		Dirty:     strings.EqualFold(strings.TrimSpace(Dirty), "true"),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		v := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = v
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = v
			}
		case "vcs.modified":
			info.Dirty = info.Dirty || strings.EqualFold(v, "true")
		}
	}
	return info
}

// Short renders version+shortcommit[+dirty].
func (i Info) Short() string {
	parts := []string{i.Version}
	if i.Commit != "" {
		c := i.Commit
		if len(c) > 12 {
			c = c[:12]
		}
		parts = append(parts, c)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func String() string {
	return Current().Short()
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s\nGo: %s", v.Component, v.Short(), v.GoVersion)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
