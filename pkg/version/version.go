// Package version resolves the build revision reported by /healthz and the
// startup banner.
package version

import (
	"runtime/debug"
	"sync"
)

// revision may be stamped at build time for container builds without .git:
//
//	go build -ldflags "-X github.com/gemini-legion/legion/pkg/version.revision=$(git rev-parse HEAD)"
var revision string

var resolve = sync.OnceValue(func() string {
	rev := revision
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
})

// Revision returns the short commit hash legion was built from, or "dev"
// when no build metadata is available (go test, non-git builds).
func Revision() string { return resolve() }

// Banner returns the service identifier used in logs and user agents.
func Banner() string { return "legion/" + Revision() }
