//go:build dev && !testing
// +build dev,!testing

package build

const (
	// Release is the release type of this build.
	Release = "dev"

	// DEBUG enables assertion crashes when set.
	DEBUG = true
)
