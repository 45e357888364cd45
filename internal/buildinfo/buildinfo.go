// Package buildinfo exposes the version strings the smart HTTP frontend
// advertises in its protocol-v2 agent capability. Pure ambient plumbing: no
// domain dependency covers "what version am I", so this wraps the standard
// library the way the teacher leaves genuinely ambient concerns on stdlib.
package buildinfo

import "runtime/debug"

// Agent renders the "agent=" capability value: "git/<gitVersion>@turnip/<buildVersion>".
// buildVersion normally comes from the -build-version flag (BUILD_VERSION
// env var); when it is empty or "dev", the module's own build info (vcs
// revision, if built with `go build` from a checkout) is used as a fallback,
// and "dev" is kept when no revision is available.
func Agent(gitVersion, buildVersion string) string {
	if buildVersion == "" || buildVersion == "dev" {
		if rev := vcsRevision(); rev != "" {
			buildVersion = rev
		} else {
			buildVersion = "dev"
		}
	}
	return "git/" + gitVersion + "@turnip/" + buildVersion
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return ""
}
