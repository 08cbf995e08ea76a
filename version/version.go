// Package version carries build metadata injected with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version        = "unknown"
	Revision       = "HEAD"
	BuildTimestamp = "unknown"
)

// String renders the build metadata for the version command.
func String() string {
	return fmt.Sprintf("Version:        %s\nGit hash:       %s\nBuilt:          %s\nGolang version: %s\nOS/Arch:        %s/%s\n",
		Version, Revision, BuildTimestamp, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
