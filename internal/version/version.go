// Package version carries build identification stamped in via -ldflags;
// every service binary reports the same triple from its version command.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Describe renders the build triple for one service binary.
func Describe(service string) string {
	return fmt.Sprintf("%s %s\n  commit:     %s\n  built:      %s\n  go version: %s\n",
		service, Version, GitCommit, BuildTime, runtime.Version())
}
