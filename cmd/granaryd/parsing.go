package main

import (
	"net"
	"strconv"
	"strings"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/kad/httpbind"
	"github.com/granary-tech/granary/node"
	"github.com/granary-tech/granary/tunnel"
)

// parseConfig parses the provided config and creates the corresponding node
// and overlay binding configs for the daemon.
func parseConfig(config Config) (node.Config, httpbind.Config, error) {
	seeds, err := parseSeeds(config.granaryd.Seeds)
	if err != nil {
		return node.Config{}, httpbind.Config{}, err
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.Address = config.granaryd.Address
	nodeCfg.BindAddress = config.granaryd.BindAddress
	nodeCfg.Port = config.granaryd.Port
	nodeCfg.Seeds = seeds
	nodeCfg.Bootstrap = !config.granaryd.NoBootstrap
	nodeCfg.ReadBPS = config.granaryd.MaxReadBPS
	nodeCfg.WriteBPS = config.granaryd.MaxWriteBPS
	nodeCfg.TunnelDataTarget = config.granaryd.TunnelDataTarget
	if config.granaryd.Tunnel {
		tcfg := tunnel.DefaultServerConfig()
		tcfg.MaxTunnels = config.granaryd.MaxTunnels
		nodeCfg.Tunnel = &tcfg
	}

	bindCfg := httpbind.DefaultConfig()
	bindCfg.Seeds = seeds
	return nodeCfg, bindCfg, nil
}

// parseSeeds parses a comma separated list of seed contacts. An empty list
// is fine; a daemon without seeds simply waits to be contacted.
func parseSeeds(list string) ([]kad.Contact, error) {
	var seeds []kad.Contact
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		seed, err := parseSeed(entry)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// parseSeed parses a single seed contact of the form nodeid@host:port.
func parseSeed(entry string) (kad.Contact, error) {
	parts := strings.SplitN(entry, "@", 2)
	if len(parts) != 2 {
		return kad.Contact{}, errors.New("seed " + entry + " is not of the form nodeid@host:port")
	}
	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		return kad.Contact{}, errors.AddContext(err, "seed "+entry)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return kad.Contact{}, errors.AddContext(err, "seed "+entry)
	}
	seed := kad.Contact{
		Address: host,
		Port:    port,
		NodeID:  parts[0],
	}
	if err := seed.Valid(); err != nil {
		return kad.Contact{}, errors.AddContext(err, "seed "+entry)
	}
	return seed, nil
}
