// Package version holds build information, set through -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the complete build information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns the version with the commit when known.
func (v Info) String() string {
	if v.GitCommit != "unknown" {
		return fmt.Sprintf("%s (commit: %s)", v.Version, v.GitCommit)
	}
	return v.Version
}

// Banner is what -v prints.
func (v Info) Banner() string {
	return fmt.Sprintf("gpuwatch version %s\nbuilt %s with %s for %s",
		v.String(), v.BuildDate, v.GoVersion, v.Platform)
}

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}
