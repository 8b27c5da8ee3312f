// Package version holds the binary version and compatibility checks.
package version

import "golang.org/x/mod/semver"

// Version is the ralph release version. Overridden at build time via
// -ldflags "-X github.com/3mdistal/ralph/internal/version.Version=...".
var Version = "0.3.0"

// CompatibleWithDaemon reports whether a CLI at cliVersion can talk to state
// written by daemonVersion. Only a major-version mismatch is incompatible;
// within a major version the durable store's own schema probe is authoritative.
func CompatibleWithDaemon(cliVersion, daemonVersion string) bool {
	cv := canonical(cliVersion)
	dv := canonical(daemonVersion)
	if cv == "" || dv == "" {
		// Unparseable versions (dev builds) are assumed compatible.
		return true
	}
	return semver.Major(cv) == semver.Major(dv)
}

func canonical(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
