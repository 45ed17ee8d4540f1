//go:build !testing && !dev
// +build !testing,!dev

package build

const (
	// Release is the release type of this build.
	Release = "standard"

	// DEBUG enables assertion crashes when set.
	DEBUG = false
)
