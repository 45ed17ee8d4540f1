package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/identity"
)

var (
	// globalConfig is used by the cobra package to fill out the configuration
	// variables.
	globalConfig Config
)

// exit codes
// inspired by sysexits.h
const (
	exitCodeGeneral = 1  // Not in sysexits.h, but is standard practice.
	exitCodeUsage   = 64 // EX_USAGE in sysexits.h
)

// The Config struct contains all configurable variables for granaryd.
type Config struct {
	// The granaryd variables are referenced directly by cobra, and are set
	// according to the flags.
	granaryd struct {
		Address     string
		BindAddress string
		Port        int
		Seeds       string

		NoBootstrap bool

		Tunnel           bool
		MaxTunnels       int
		TunnelDataTarget string

		MaxReadBPS  int64
		MaxWriteBPS int64

		// dataDir is where granaryd keeps its identity key, storage
		// databases and logs. This variable should not be altered if it is
		// not set by a user flag.
		dataDir string
	}
}

// die prints its arguments to stderr, then exits the program with the default
// error code.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// version returns the build version with the release qualifier attached.
func version() string {
	version := build.Version
	if build.ReleaseTag != "" {
		version += "-" + build.ReleaseTag
	}
	switch build.Release {
	case "dev":
		return version + "-dev"
	case "standard":
		return version
	case "testing":
		return version + "-testing"
	default:
		return version + "-???"
	}
}

// versionCmd is a cobra command that prints the version of granaryd.
func versionCmd(*cobra.Command, []string) {
	fmt.Println("Granary Daemon v" + version())
}

// identityCmd is a cobra command that prints the node id of the identity in
// the data directory, generating and saving a fresh one when none exists.
func identityCmd(*cobra.Command, []string) {
	kp, err := identity.LoadOrNew(identityPath(globalConfig.granaryd.dataDir))
	if err != nil {
		die("Could not load identity:", err)
	}
	fmt.Println(kp.NodeID())
}

// main establishes a set of commands and flags using the cobra package.
func main() {
	if build.DEBUG {
		fmt.Println("Running with debugging enabled")
	}
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "Granary Daemon v" + build.Version,
		Long:  "Granary Daemon v" + build.Version,
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information about the Granary Daemon",
		Run:   versionCmd,
	})

	root.AddCommand(&cobra.Command{
		Use:   "identity",
		Short: "Print the node id",
		Long:  "Print the node id of the identity in the data directory, generating a fresh identity when none exists yet",
		Run:   identityCmd,
	})

	// Set default values, which have the lowest priority.
	root.PersistentFlags().StringVarP(&globalConfig.granaryd.dataDir, "granary-directory", "d", "", "location of the granary data directory")
	root.Flags().StringVarP(&globalConfig.granaryd.Address, "addr", "", "127.0.0.1", "host the node advertises to the overlay")
	root.Flags().StringVarP(&globalConfig.granaryd.BindAddress, "bind-addr", "", "", "interface the transfer listener binds, when different from the advertised host")
	root.Flags().IntVarP(&globalConfig.granaryd.Port, "port", "p", 4000, "port the transfer listener binds; 0 picks an ephemeral port")
	root.Flags().StringVarP(&globalConfig.granaryd.Seeds, "seeds", "", "", "comma separated seed contacts, each nodeid@host:port")
	root.Flags().BoolVarP(&globalConfig.granaryd.NoBootstrap, "no-bootstrap", "", false, "disable bootstrapping on this run")
	root.Flags().BoolVarP(&globalConfig.granaryd.Tunnel, "tunnel", "", false, "volunteer as a tunnel relay for peers behind NAT")
	root.Flags().IntVarP(&globalConfig.granaryd.MaxTunnels, "max-tunnels", "", 3, "how many tunnels to volunteer when relaying")
	root.Flags().StringVarP(&globalConfig.granaryd.TunnelDataTarget, "tunnel-data-target", "", "", "local websocket url relayed datachannels are spliced to")
	root.Flags().Int64VarP(&globalConfig.granaryd.MaxReadBPS, "max-read-bps", "", 0, "rate limit on shard reads, bytes per second; 0 is unlimited")
	root.Flags().Int64VarP(&globalConfig.granaryd.MaxWriteBPS, "max-write-bps", "", 0, "rate limit on shard writes, bytes per second; 0 is unlimited")

	// If the data directory is not set, use the environment variable or the
	// per-platform default.
	if globalConfig.granaryd.dataDir == "" {
		globalConfig.granaryd.dataDir = build.DataDir()
	}

	// Parse cmdline flags, overwriting both the default values and the config
	// file values.
	if err := root.Execute(); err != nil {
		// Since no commands return errors (all commands set Command.Run instead of
		// Command.RunE), Command.Execute() should only return an error on an
		// invalid command or flag. Therefore Command.Usage() was called (assuming
		// Command.SilenceUsage is false) and we should exit with exitCodeUsage.
		os.Exit(exitCodeUsage)
	}
}
