package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/uplo-tech/errors"
	upnp "github.com/uplo-tech/go-upnp"

	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/tunnel"
)

// upnpTimeout bounds router discovery; routers that have not answered by
// then are treated as absent.
const upnpTimeout = 10 * time.Second

// externalIPHost answers plain-text external IP lookups when the router
// cannot be asked.
const externalIPHost = "http://myexternalip.com/raw"

// threadedBootstrap drives the node toward an addressable state: forward
// the transfer port, learn the external address, and confirm with a probe
// against a seed. When no probe succeeds the node rents a tunnel from a
// volunteer relay and advertises the alias instead. Failed attempts repeat
// every NetReentry.
func (n *Node) threadedBootstrap() {
	if err := n.tg.Add(); err != nil {
		return
	}
	defer n.tg.Done()
	for {
		err := n.managedSeekReachability()
		if err == nil {
			return
		}
		n.log.Println("WARN: node is not reachable yet:", err)
		select {
		case <-time.After(n.cfg.NetReentry):
		case <-n.tg.StopChan():
			return
		}
	}
}

// managedSeekReachability makes one pass at becoming addressable.
func (n *Node) managedSeekReachability() error {
	n.managedForwardPort()
	if host := n.managedLearnHostname(); host != "" {
		n.managedSetAddress(host, n.shards.Port())
	}

	// Nothing to probe against means nothing to fix; stay on the
	// advertised address.
	if len(n.cfg.Seeds) == 0 {
		return nil
	}
	var probeErr error
	for _, seed := range n.cfg.Seeds {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		err := n.Probe(ctx, seed)
		cancel()
		if err == nil {
			n.log.Println("node is directly addressable at", n.Contact())
			return nil
		}
		probeErr = err
	}
	n.log.Println("direct probes failed, renting a tunnel:", probeErr)
	return n.managedRentTunnel()
}

// managedForwardPort opens the transfer port on the local router. UPnP is
// best effort; the probe decides whether it worked.
func (n *Node) managedForwardPort() {
	if build.Release == "testing" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), upnpTimeout)
	defer cancel()
	d, err := upnp.DiscoverCtx(ctx)
	if err != nil {
		n.log.Debugf("upnp discovery failed: %v", err)
		return
	}
	port := uint16(n.shards.Port())
	if err := d.Forward(port, "Granary Node"); err != nil {
		n.log.Debugf("unable to forward port %v: %v", port, err)
		return
	}
	n.log.Println("forwarded transfer port", port)
}

// managedClearPort undoes the bootstrap forwarding on shutdown.
func (n *Node) managedClearPort() {
	if build.Release == "testing" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), upnpTimeout)
	defer cancel()
	d, err := upnp.DiscoverCtx(ctx)
	if err != nil {
		return
	}
	if err := d.Clear(uint16(n.shards.Port())); err != nil {
		n.log.Debugf("unable to clear forwarded port: %v", err)
	}
}

// managedLearnHostname discovers the node's external address, asking the
// router first and a public lookup service second. An empty return means
// neither answered.
func (n *Node) managedLearnHostname() string {
	if build.Release == "testing" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), upnpTimeout)
	defer cancel()
	var host string
	d, err := upnp.DiscoverCtx(ctx)
	if err == nil {
		host, err = d.ExternalIP()
	}
	if err != nil {
		host, err = myExternalIP()
	}
	if err != nil {
		n.log.Debugf("unable to learn external address: %v", err)
		return ""
	}
	return host
}

// myExternalIP asks a public lookup service for the node's external IP.
func myExternalIP() (string, error) {
	client := http.Client{Timeout: upnpTimeout}
	resp, err := client.Get(externalIPHost)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errResp, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 256))
		return "", errors.New(string(errResp))
	}
	buf, err := ioutil.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	host := strings.TrimSpace(string(buf))
	if host == "" {
		return "", errors.New("external IP lookup returned an empty address")
	}
	return host, nil
}

// managedSetAddress updates the contact the node advertises and pushes it
// into the overlay binding.
func (n *Node) managedSetAddress(address string, port int) {
	n.mu.Lock()
	n.contact.Address = address
	n.contact.Port = port
	contact := n.contact
	n.mu.Unlock()
	if setter, ok := n.net.(kad.ContactSetter); ok {
		setter.SetContact(contact)
	}
	n.log.Println("advertising contact", contact)
}

// managedRentTunnel walks the known volunteers and seeds, opens the first
// tunnel it is granted, and advertises the alias.
func (n *Node) managedRentTunnel() error {
	candidates := n.managedTunnelCandidates()
	if len(candidates) == 0 {
		return errors.New("no tunnel volunteers known")
	}
	for _, relay := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		lease, err := n.OpenTunnel(ctx, relay)
		cancel()
		if err != nil {
			n.log.Debugf("relay %v refused a tunnel: %v", relay.NodeID, err)
			continue
		}
		if err := n.managedAttachTunnel(lease); err != nil {
			n.log.Debugf("unable to attach to tunnel at %v: %v", lease.Tunnel, err)
			continue
		}
		return nil
	}
	return errors.New("every tunnel candidate refused")
}

// managedTunnelCandidates merges announced volunteers with the answers of a
// FIND_TUNNEL round across the seeds, deduplicated, self excluded.
func (n *Node) managedTunnelCandidates() []kad.Contact {
	candidates := n.Tunnelers()
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c.NodeID] = struct{}{}
	}
	for _, seed := range n.cfg.Seeds {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		tunnels, err := n.FindTunnel(ctx, seed)
		cancel()
		if err != nil {
			continue
		}
		for _, t := range tunnels {
			if _, dup := seen[t.NodeID]; dup || t.NodeID == n.kp.NodeID() || t.Valid() != nil {
				continue
			}
			seen[t.NodeID] = struct{}{}
			candidates = append(candidates, t)
		}
	}
	return candidates
}

// managedAttachTunnel opens a client on the leased tunnel and advertises
// the alias. Relayed RPC lands on the node's /rpc inbox when one is
// mounted; datachannels splice to the configured data target.
func (n *Node) managedAttachTunnel(lease *TunnelLease) error {
	cfg := tunnel.ClientConfig{
		Tunnel:     lease.Tunnel,
		DataTarget: n.cfg.TunnelDataTarget,
	}
	if n.cfg.RPCInbox != nil {
		cfg.RPCTarget = fmt.Sprintf("http://127.0.0.1:%d/rpc", n.shards.Port())
	}
	client := tunnel.NewClient(cfg, n.log)
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	if err := client.Open(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	old := n.tunnelClient
	n.tunnelClient = client
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}
	n.managedSetAddress(lease.Alias.Address, lease.Alias.Port)
	n.log.Println("tunneled through a relay, advertising alias", lease.Alias)
	go n.threadedWatchTunnel(client)
	return nil
}

// threadedWatchTunnel reseeks reachability once a rented tunnel collapses.
func (n *Node) threadedWatchTunnel(client *tunnel.Client) {
	if err := n.tg.Add(); err != nil {
		return
	}
	defer n.tg.Done()
	select {
	case <-client.Done():
	case <-n.tg.StopChan():
		return
	}
	n.log.Println("tunnel collapsed, reseeking reachability")
	select {
	case <-time.After(n.cfg.NetReentry):
	case <-n.tg.StopChan():
		return
	}
	go n.threadedBootstrap()
}

// tunnelAnnouncement is the wire form of a volunteer capacity announcement.
type tunnelAnnouncement struct {
	Contact kad.Contact `json:"contact"`
}

// threadedAnnounceTunneler periodically announces spare gateway capacity on
// the tunnel topic so NATed peers can find the node.
func (n *Node) threadedAnnounceTunneler() {
	if err := n.tg.Add(); err != nil {
		return
	}
	defer n.tg.Done()
	ticker := time.NewTicker(n.cfg.TunnelAnnounceInterval)
	defer ticker.Stop()
	for {
		n.managedAnnounceTunneler()
		select {
		case <-ticker.C:
		case <-n.tg.StopChan():
			return
		}
	}
}

// managedAnnounceTunneler publishes one capacity announcement if a gateway
// is actually free.
func (n *Node) managedAnnounceTunneler() {
	if n.tunserver == nil || !n.tunserver.HasAvailable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	err := n.net.Publish(ctx, TunnelTopic, tunnelAnnouncement{Contact: n.Contact()}, n.cfg.PublishTTL)
	if err != nil {
		n.log.Debugf("tunnel announcement failed: %v", err)
	}
}

// managedLearnTunneler consumes one volunteer announcement off the overlay
// into the bounded relay memory. Fresh announcements refresh known relays;
// when the memory is full the oldest entry gives way.
func (n *Node) managedLearnTunneler(_ string, content json.RawMessage) {
	var ann tunnelAnnouncement
	if err := json.Unmarshal(content, &ann); err != nil {
		return
	}
	if ann.Contact.Valid() != nil || ann.Contact.NodeID == n.kp.NodeID() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, known := range n.tunnelers {
		if known.NodeID == ann.Contact.NodeID {
			n.tunnelers[i] = ann.Contact
			return
		}
	}
	if len(n.tunnelers) >= maxTunnelers {
		copy(n.tunnelers, n.tunnelers[1:])
		n.tunnelers[len(n.tunnelers)-1] = ann.Contact
		return
	}
	n.tunnelers = append(n.tunnelers, ann.Contact)
}
