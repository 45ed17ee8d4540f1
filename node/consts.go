package node

import (
	"net/http"
	"time"

	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/tunnel"
)

// RPC methods served by every node.
const (
	MethodOffer      = "OFFER"
	MethodConsign    = "CONSIGN"
	MethodRetrieve   = "RETRIEVE"
	MethodMirror     = "MIRROR"
	MethodAudit      = "AUDIT"
	MethodProbe      = "PROBE"
	MethodFindTunnel = "FIND_TUNNEL"
	MethodOpenTunnel = "OPEN_TUNNEL"
	MethodRenew      = "RENEW"
	MethodTrigger    = "TRIGGER"
	MethodPing       = "PING"
)

// TunnelTopic is the publish topic volunteer relays announce spare gateway
// capacity on. It sits just below the contract topic prefix, so contract
// subscriptions never match it.
const TunnelTopic = "0e"

// MaxShardSize is the largest shard a single contract may cover.
const MaxShardSize = int64(4) << 30

// maxTunnelers bounds how many announced relays a node remembers.
const maxTunnelers = 24

// A Config collects the tunables of a node.
type Config struct {
	// Address is the host the node advertises to the overlay. Port is
	// the port its listener binds; zero picks an ephemeral port.
	// BindAddress, when set, is the interface the listener binds instead
	// of the advertised address.
	Address     string
	BindAddress string
	Port        int

	// Seeds are known peers used for reachability probes and tunnel
	// discovery on startup.
	Seeds []kad.Contact

	// Bootstrap runs the reachability worker on start: forward a port,
	// probe a seed, and fall back to a relay tunnel when the probe
	// fails.
	Bootstrap bool

	// RPCTimeout bounds outbound protocol requests that carry no
	// deadline of their own.
	RPCTimeout time.Duration

	// TokenExpire is how long an issued transfer token stays redeemable.
	TokenExpire time.Duration

	// OfferTimeout is how long after publishing a contract its offer
	// stream keeps collecting offers.
	OfferTimeout time.Duration

	// MaxOffers is how many offers a published contract collects before
	// its stream ends. MaxConcurrentOffers bounds how many offer streams
	// may be open at once.
	MaxOffers           int
	MaxConcurrentOffers int

	// MaxConcurrentAudits bounds how many audit proofs are computed at
	// once across all inbound AUDIT requests.
	MaxConcurrentAudits int

	// MaxFindTunnelRelays bounds how many known relays a FIND_TUNNEL
	// reply names besides the node itself.
	MaxFindTunnelRelays int

	// ConsignThreshold is how long before store_begin a consignment may
	// arrive. Uploads stay accepted until store_end.
	ConsignThreshold time.Duration

	// PublishTTL is the hop budget on outgoing publications.
	PublishTTL int

	// NetReentry is the pause between reachability attempts after a
	// failed one.
	NetReentry time.Duration

	// TunnelAnnounceInterval is the pause between capacity announcements
	// when the node volunteers as a relay.
	TunnelAnnounceInterval time.Duration

	// ReadBPS and WriteBPS rate limit shard transfers. Zero means
	// unlimited.
	ReadBPS  int64
	WriteBPS int64

	// Tunnel, when set, volunteers the node as a relay with the given
	// pool configuration.
	Tunnel *tunnel.ServerConfig

	// RPCInbox, when set, is mounted at /rpc on the node's listener so
	// the overlay binding can receive traffic over plain HTTP.
	RPCInbox http.Handler

	// TunnelDataTarget, when set, is the local websocket endpoint
	// datachannel traffic is spliced to while the node rents a tunnel.
	// Unset, a rented tunnel relays RPC only.
	TunnelDataTarget string
}

// DefaultConfig returns the values deployments start from.
func DefaultConfig() Config {
	return Config{
		Address:                "127.0.0.1",
		Bootstrap:              true,
		RPCTimeout:             15 * time.Second,
		TokenExpire:            30 * time.Minute,
		OfferTimeout:           15 * time.Second,
		MaxOffers:              24,
		MaxConcurrentOffers:    3,
		MaxConcurrentAudits:    3,
		MaxFindTunnelRelays:    3,
		ConsignThreshold:       24 * time.Hour,
		PublishTTL:             6,
		NetReentry:             10 * time.Minute,
		TunnelAnnounceInterval: 15 * time.Minute,
	}
}
