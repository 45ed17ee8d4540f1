package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/identity"
	"github.com/granary-tech/granary/kad/httpbind"
	"github.com/granary-tech/granary/node"
	"github.com/granary-tech/granary/persist"
	"github.com/granary-tech/granary/storage"
)

// identityPath returns where the daemon keeps its identity key inside the
// data directory.
func identityPath(dataDir string) string {
	return filepath.Join(dataDir, "identity.json")
}

// startDaemon uses the config parameters to start granaryd: logger, identity
// and storage first, then the overlay binding, then the node on top of all
// three. It returns once a stop signal arrives and everything is torn back
// down.
func startDaemon(config Config) error {
	loadStart := time.Now()

	nodeCfg, bindCfg, err := parseConfig(config)
	if err != nil {
		return err
	}

	dataDir := config.granaryd.dataDir
	if err := os.MkdirAll(dataDir, persist.DefaultDirPermissions); err != nil {
		return errors.AddContext(err, "unable to create the data directory")
	}
	logger, err := persist.NewFileLogger(filepath.Join(dataDir, "granaryd.log"))
	if err != nil {
		return errors.AddContext(err, "unable to open the log file")
	}

	fmt.Println("Loading identity...")
	kp, err := identity.LoadOrNew(identityPath(dataDir))
	if err != nil {
		return errors.Compose(errors.AddContext(err, "unable to load the identity"), logger.Close())
	}

	fmt.Println("Opening storage...")
	manager, err := storage.NewManager(storage.NewDiskAdapter(filepath.Join(dataDir, "storage")), logger)
	if err != nil {
		return errors.Compose(errors.AddContext(err, "unable to open storage"), logger.Close())
	}

	binding := httpbind.New(bindCfg, logger)
	nodeCfg.RPCInbox = binding

	fmt.Println("Starting node...")
	n, err := node.New(nodeCfg, kp, manager, binding, logger)
	if err != nil {
		return errors.Compose(errors.AddContext(err, "unable to start the node"),
			binding.Close(), manager.Close(), logger.Close())
	}

	contact := n.Contact()
	logger.Printf("granaryd v%v loaded in %v", build.Version, time.Since(loadStart))
	fmt.Printf("Node %v serving transfers on port %v.\n", contact.NodeID, contact.Port)
	fmt.Println("Press ctrl-c to stop.")

	// Block until a stop signal arrives.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\rCaught stop signal, quitting...")

	return errors.Compose(n.Close(), binding.Close(), manager.Close(), logger.Close())
}

// startDaemonCmd is a passthrough function for startDaemon.
func startDaemonCmd(*cobra.Command, []string) {
	if err := startDaemon(globalConfig); err != nil {
		die(err)
	}
}
