package obs

import "runtime/debug"

// Version is the release string stamped at build time via -ldflags.
var Version = "0.3.0"

// BuildInfo returns the version together with the VCS revision when the
// binary was built from a module-aware checkout.
func BuildInfo() (version, revision string) {
	version = Version
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				revision = s.Value
				break
			}
		}
	}
	return version, revision
}
