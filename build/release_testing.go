//go:build testing
// +build testing

package build

const (
	// Release is the release type of this build.
	Release = "testing"

	// DEBUG enables assertion crashes when set.
	DEBUG = true
)
