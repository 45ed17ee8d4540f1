package build

const (
	// Version is the current version of granaryd.
	Version = "1.2.0"

	// IssuesURL is where bug reports should be filed.
	IssuesURL = "https://github.com/granary-tech/granary/issues"
)

var (
	// ReleaseTag is set by the linker for release builds, e.g. "rc1". It is
	// empty for ordinary builds.
	ReleaseTag = ""
)
