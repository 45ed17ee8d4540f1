package build

import (
	"os"
	"path/filepath"
	"runtime"
)

// envDataDir is the environment variable that tells granaryd where to put
// the general granary data: identity key, storage databases, logs.
const envDataDir = "GRANARY_DATA_DIR"

// DataDir returns the granary data directory either from the environment
// variable or the per-platform default.
func DataDir() string {
	dir := os.Getenv(envDataDir)
	if dir == "" {
		dir = defaultDataDir()
	}
	return dir
}

// defaultDataDir returns the default data directory of granaryd. The values
// for supported operating systems are:
//
// Linux:   $HOME/.granary
// MacOS:   $HOME/Library/Application Support/Granary
// Windows: %LOCALAPPDATA%\Granary
func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "Granary")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "Granary")
	default:
		return filepath.Join(os.Getenv("HOME"), ".granary")
	}
}
