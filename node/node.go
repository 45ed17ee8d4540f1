// Package node assembles one peer of the storage overlay: the token store
// and shard transfer server, the protocol handlers and their outbound
// counterparts, offer collection for published contracts, and the
// reachability worker that forwards ports, probes seeds and falls back to
// renting tunnels.
package node

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/granary-tech/granary/identity"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/granary-tech/granary/storage"
	"github.com/granary-tech/granary/tunnel"
)

// A Node is one peer of the storage overlay: it negotiates contracts over
// the overlay RPC, stores and serves shards under token authorization,
// audits remote farmers, and optionally volunteers as a relay for NATed
// peers.
type Node struct {
	cfg Config
	kp  *identity.KeyPair
	log *persist.Logger
	net kad.Network

	manager   *storage.Manager
	tokens    *TokenStore
	offers    *OfferRegistry
	triggers  *TriggerRegistry
	subs      *subscriptionRegistry
	shards    *ShardServer
	protocol  *Protocol
	tunserver *tunnel.Server
	transfer  *http.Client

	tg threadgroup.ThreadGroup

	mu           sync.Mutex
	contact      kad.Contact
	tunnelClient *tunnel.Client
	tunnelers    []kad.Contact

	cancelTunnelSub func()
}

// New assembles a node: transfer listener bound, protocol registered on
// the overlay binding, announcement and reachability workers started as
// the config asks. The storage manager stays owned by the caller.
func New(cfg Config, kp *identity.KeyPair, manager *storage.Manager, network kad.Network, log *persist.Logger) (*Node, error) {
	if kp == nil || manager == nil || network == nil || log == nil {
		return nil, errors.New("node is missing a dependency")
	}
	cfg = sanitizeConfig(cfg)

	n := &Node{
		cfg:      cfg,
		kp:       kp,
		log:      log,
		net:      network,
		manager:  manager,
		transfer: &http.Client{},
	}
	n.tokens = NewTokenStore(cfg.TokenExpire, log)
	n.offers = NewOfferRegistry(cfg.MaxConcurrentOffers, log)
	n.triggers = NewTriggerRegistry()
	n.subs = newSubscriptionRegistry(network, log)

	shards, err := NewShardServer(cfg, manager, n.tokens, log)
	if err != nil {
		return nil, errors.Compose(err, n.tokens.Close())
	}
	n.shards = shards

	n.contact = kad.Contact{
		Address: cfg.Address,
		Port:    shards.Port(),
		NodeID:  kp.NodeID(),
	}
	n.contact.HDKey, n.contact.HDIndex = kp.HDKey()
	if setter, ok := network.(kad.ContactSetter); ok {
		setter.SetContact(n.contact)
	}

	if cfg.Tunnel != nil {
		tcfg := *cfg.Tunnel
		if tcfg.Address == "" {
			tcfg.Address = cfg.Address
		}
		ts, err := tunnel.NewServer(tcfg, log)
		if err != nil {
			return nil, errors.Compose(err, shards.Close(), n.tokens.Close())
		}
		n.tunserver = ts
	}

	n.protocol = NewProtocol(n, cfg, n.transfer, log)
	n.protocol.Register(network)
	n.cancelTunnelSub = network.Subscribe([]string{TunnelTopic}, n.managedLearnTunneler)

	if n.tunserver != nil {
		go n.threadedAnnounceTunneler()
	}
	if cfg.Bootstrap {
		go n.threadedBootstrap()
	}
	n.log.Printf("node %v serving transfers on port %v", n.kp.NodeID(), shards.Port())
	return n, nil
}

// sanitizeConfig backfills the zero values that would wedge tickers and
// timeouts.
func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaults.RPCTimeout
	}
	if cfg.TokenExpire <= 0 {
		cfg.TokenExpire = defaults.TokenExpire
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = defaults.OfferTimeout
	}
	if cfg.NetReentry <= 0 {
		cfg.NetReentry = defaults.NetReentry
	}
	if cfg.TunnelAnnounceInterval <= 0 {
		cfg.TunnelAnnounceInterval = defaults.TunnelAnnounceInterval
	}
	if cfg.MaxConcurrentOffers <= 0 {
		cfg.MaxConcurrentOffers = defaults.MaxConcurrentOffers
	}
	if cfg.PublishTTL <= 0 {
		cfg.PublishTTL = defaults.PublishTTL
	}
	return cfg
}

// Close stops the workers and tears the node down. The storage manager is
// left open; the caller owns it.
func (n *Node) Close() error {
	err := n.tg.Stop()
	if n.cancelTunnelSub != nil {
		n.cancelTunnelSub()
	}
	n.mu.Lock()
	client := n.tunnelClient
	n.mu.Unlock()
	if client != nil {
		err = errors.Compose(err, client.Close())
	}
	if n.tunserver != nil {
		err = errors.Compose(err, n.tunserver.Close())
	}
	err = errors.Compose(err, n.subs.Close(), n.offers.Close(), n.shards.Close(), n.tokens.Close())
	if n.cfg.Bootstrap {
		n.managedClearPort()
	}
	return err
}

// KeyPair returns the node's identity.
func (n *Node) KeyPair() *identity.KeyPair { return n.kp }

// Manager returns the shard store.
func (n *Node) Manager() *storage.Manager { return n.manager }

// Tokens returns the transfer token store.
func (n *Node) Tokens() *TokenStore { return n.tokens }

// Offers returns the registry of open offer streams.
func (n *Node) Offers() *OfferRegistry { return n.offers }

// Triggers returns the trigger registry.
func (n *Node) Triggers() *TriggerRegistry { return n.triggers }

// TunnelServer returns the relay pool, nil unless the node volunteers.
func (n *Node) TunnelServer() *tunnel.Server { return n.tunserver }

// Contact returns the contact the node currently advertises.
func (n *Node) Contact() kad.Contact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.contact
}

// Tunnelers returns the volunteer relays the node has heard announcements
// from, oldest first.
func (n *Node) Tunnelers() []kad.Contact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]kad.Contact(nil), n.tunnelers...)
}

// Ping checks that a peer answers RPC at its contact.
func (n *Node) Ping(ctx context.Context, peer kad.Contact) error {
	return n.managedSend(ctx, peer, MethodPing, struct{}{}, nil)
}

// Upload streams a shard to a peer under a consignment token.
func (n *Node) Upload(ctx context.Context, peer kad.Contact, hash, token string, body io.Reader) error {
	return UploadShard(ctx, n.transfer, peer, hash, token, body)
}

// Download opens a stream over a shard a peer holds, under a retrieval
// token. The caller owns the returned reader.
func (n *Node) Download(ctx context.Context, peer kad.Contact, hash, token string) (io.ReadCloser, error) {
	return DownloadShard(ctx, n.transfer, peer, hash, token)
}
