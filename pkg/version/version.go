// Package version stamps binaries. Values are injected at build time:
//
//	-ldflags "-X github.com/credmux/credmux/pkg/version.Version=v1.2.3"
//
// and fall back to the VCS info the toolchain embeds.
package version

import (
	"runtime/debug"
	"strings"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// String renders "version+commit" with a short commit hash.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		v = "dev"
	}
	commit := strings.TrimSpace(Commit)
	if commit == "" {
		commit = vcsSetting("vcs.revision")
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return v
	}
	return v + "+" + commit
}

// Detailed is the multi-line form printed by the version subcommand.
func Detailed(component string) string {
	out := component + " " + String()
	date := strings.TrimSpace(Date)
	if date == "" {
		date = vcsSetting("vcs.time")
	}
	if date != "" {
		out += "\nBuilt: " + date
	}
	return out
}

func vcsSetting(key string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}
	return ""
}
