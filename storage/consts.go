package storage

import (
	"time"

	"github.com/granary-tech/granary/build"
)

var (
	// cleanInterval is how often the manager sweeps items whose contracts
	// have all expired.
	cleanInterval = build.Select(build.Var{
		Standard: 3 * time.Hour,
		Dev:      5 * time.Minute,
		Testing:  100 * time.Millisecond,
	}).(time.Duration)
)
