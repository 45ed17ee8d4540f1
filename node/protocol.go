package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/audit"
	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/crypto"
	"github.com/granary-tech/granary/identity"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
	"github.com/granary-tech/granary/storage"
	"github.com/granary-tech/granary/tunnel"
)

var (
	// ErrNotOpenToOffers is returned for offers against a hash with no
	// pending offer stream, and for offers the stream refuses.
	ErrNotOpenToOffers = errors.Extend(errors.New("contract is no longer open to offers"), kad.ErrInvalidOperation)

	// ErrConsignUnauthorized is returned when a consignment request names a
	// shard the sender holds no contract for.
	ErrConsignUnauthorized = errors.Extend(errors.New("consignment is not authorized"), kad.ErrInvalidOperation)

	// ErrConsignWindowClosed is returned when a consignment arrives outside
	// the contract's storage window.
	ErrConsignWindowClosed = errors.Extend(errors.New("consignment window is closed"), kad.ErrInvalidOperation)

	// ErrMirrorUnauthorized is returned when a mirror request names a shard
	// the sender holds no contract for.
	ErrMirrorUnauthorized = errors.Extend(errors.New("no contract found for shard"), kad.ErrInvalidOperation)

	// ErrAuditUnauthorized is returned when an audit names a shard the
	// sender holds no contract for.
	ErrAuditUnauthorized = errors.Extend(errors.New("audit is not authorized"), kad.ErrInvalidOperation)

	// ErrAuditNoTree is returned when no audit leaves are stored for the
	// auditing renter.
	ErrAuditNoTree = errors.Extend(errors.New("no audit tree stored for shard"), kad.ErrInvalidOperation)

	// ErrProbeFailed is returned when the probed peer does not answer the
	// ping sent back to it.
	ErrProbeFailed = errors.New("probe failed, peer is not addressable")

	// ErrNoTunnelServer is returned for tunnel requests against a node that
	// does not volunteer tunnels.
	ErrNoTunnelServer = errors.Extend(errors.New("node does not volunteer tunnels"), kad.ErrInvalidOperation)

	// ErrRenewUnauthorized is returned when a renewal names a contract the
	// sender is not the renter of.
	ErrRenewUnauthorized = errors.Extend(errors.New("renewal is not authorized"), kad.ErrInvalidOperation)

	// ErrRenewProtectedField is returned when a renewal rewrites a field
	// renewals may not touch.
	ErrRenewProtectedField = errors.Extend(errors.New("renewal modifies a protected field"), contract.ErrInvalidContract)
)

// farmerNegotiable lists the wire keys a farmer fills in when answering a
// published descriptor. An offer differing from the proposal on any other
// key is refused.
var farmerNegotiable = map[string]bool{
	"farmer_id":           true,
	"farmer_hd_key":       true,
	"farmer_hd_index":     true,
	"farmer_signature":    true,
	"payment_destination": true,
}

// renewable lists the wire keys a renewal may rewrite. The shard binding
// and the farmer's identity are fixed for the life of the agreement; a
// renter id change is additionally restricted to hd-derived renters, whose
// contracts are filed under the parent key.
var renewable = map[string]bool{
	"renter_id":              true,
	"renter_hd_index":        true,
	"renter_signature":       true,
	"farmer_signature":       true,
	"store_begin":            true,
	"store_end":              true,
	"audit_count":            true,
	"audit_leaves":           true,
	"payment_amount":         true,
	"payment_destination":    true,
	"payment_source":         true,
	"payment_download_price": true,
	"payment_storage_price":  true,
}

// A View is the slice of node state the protocol handlers operate on. The
// node implements it; tests may assemble a lighter one.
type View interface {
	KeyPair() *identity.KeyPair
	Manager() *storage.Manager
	Tokens() *TokenStore
	Offers() *OfferRegistry
	Triggers() *TriggerRegistry
	TunnelServer() *tunnel.Server
	Contact() kad.Contact
	Tunnelers() []kad.Contact
	Ping(ctx context.Context, peer kad.Contact) error
}

// Protocol serves the overlay RPC methods against a node view. Handlers are
// safe for concurrent use; audit proving is additionally bounded by a
// semaphore because it rereads whole shards.
type Protocol struct {
	view     View
	cfg      Config
	transfer *http.Client
	audits   chan struct{}
	log      *persist.Logger
}

// NewProtocol returns a protocol bound to a view. The transfer client is
// used for pulling shards when serving mirror requests.
func NewProtocol(view View, cfg Config, transfer *http.Client, log *persist.Logger) *Protocol {
	if transfer == nil {
		transfer = http.DefaultClient
	}
	maxAudits := cfg.MaxConcurrentAudits
	if maxAudits <= 0 {
		maxAudits = 1
	}
	return &Protocol{
		view:     view,
		cfg:      cfg,
		transfer: transfer,
		audits:   make(chan struct{}, maxAudits),
		log:      log,
	}
}

// Register installs every protocol handler on the router.
func (p *Protocol) Register(r kad.Router) {
	r.Use(MethodOffer, p.managedOffer)
	r.Use(MethodConsign, p.managedConsign)
	r.Use(MethodRetrieve, p.managedRetrieve)
	r.Use(MethodMirror, p.managedMirror)
	r.Use(MethodAudit, p.managedAudit)
	r.Use(MethodProbe, p.managedProbe)
	r.Use(MethodFindTunnel, p.managedFindTunnel)
	r.Use(MethodOpenTunnel, p.managedOpenTunnel)
	r.Use(MethodRenew, p.managedRenew)
	r.Use(MethodTrigger, p.managedTrigger)
	r.Use(MethodPing, p.managedPing)
}

// Wire shapes of the protocol methods. Contracts travel in their JSON wire
// form inside the params object.
type offerParams struct {
	Contract *contract.Contract `json:"contract"`
}

type offerResult struct {
	Contract *contract.Contract `json:"contract"`
}

type consignParams struct {
	DataHash  string   `json:"data_hash"`
	AuditTree []string `json:"audit_tree"`
}

type tokenResult struct {
	Token string `json:"token"`
}

type retrieveParams struct {
	DataHash string `json:"data_hash"`
}

type mirrorParams struct {
	DataHash string      `json:"data_hash"`
	Token    string      `json:"token"`
	Farmer   kad.Contact `json:"farmer"`
}

// An AuditPair names one challenge to answer for one shard.
type AuditPair struct {
	DataHash  string `json:"data_hash"`
	Challenge string `json:"challenge"`
}

type auditParams struct {
	Audits []AuditPair `json:"audits"`
}

type auditResult struct {
	Proofs []*audit.Proof `json:"proofs"`
}

type probeParams struct {
	Contact kad.Contact `json:"contact"`
}

type findTunnelResult struct {
	Tunnels []kad.Contact `json:"tunnels"`
}

type openTunnelResult struct {
	Tunnel string       `json:"tunnel"`
	Alias  tunnel.Alias `json:"alias"`
}

type renewParams struct {
	Contract *contract.Contract `json:"contract"`
}

type renewResult struct {
	Contract *contract.Contract `json:"contract"`
}

type triggerParams struct {
	Behavior string          `json:"behavior"`
	Contents json.RawMessage `json:"contents"`
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.Extend(errors.New("missing params"), kad.ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Extend(err, kad.ErrInvalidMessage)
	}
	return nil
}

// managedOffer answers a farmer's offer against one of our published
// descriptors: verify the farmer only filled its own fields, countersign,
// and queue the completed contract on the pending offer stream.
func (p *Protocol) managedOffer(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params offerParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	proposed := params.Contract
	if proposed == nil {
		return nil, errors.Extend(errors.New("offer carries no contract"), kad.ErrInvalidMessage)
	}
	if err := proposed.Validate(); err != nil {
		return nil, err
	}
	proposal, stream, ok := p.view.Offers().Pending(proposed.DataHash)
	if !ok {
		return nil, ErrNotOpenToOffers
	}
	for _, key := range contract.Diff(proposal, proposed) {
		if !farmerNegotiable[key] {
			return nil, errors.Extend(errors.New("offer rewrites "+key), contract.ErrInvalidContract)
		}
	}
	if proposed.FarmerID != contact.NodeID {
		return nil, errors.Extend(errors.New("offer is not from the named farmer"), kad.ErrInvalidOperation)
	}
	if err := proposed.Verify(contract.RoleFarmer); err != nil {
		return nil, err
	}
	if err := proposed.Sign(contract.RoleRenter, p.view.KeyPair()); err != nil {
		return nil, err
	}
	if !proposed.IsComplete() {
		return nil, errors.Extend(errors.New("countersigned contract is incomplete"), contract.ErrInvalidContract)
	}
	if !stream.Add(contact, proposed) {
		return nil, ErrNotOpenToOffers
	}
	p.log.Debugf("queued offer from %v for %v", contact.NodeID, proposed.DataHash)
	return offerResult{Contract: proposed}, nil
}

// managedConsign authorizes a renter to upload the shard its contract
// covers: store the audit tree and issue a one-shot upload token.
func (p *Protocol) managedConsign(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params consignParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	item, err := p.view.Manager().Peek(params.DataHash)
	if err != nil {
		return nil, ErrConsignUnauthorized
	}
	c, ok := item.Contract(contact.HDKey, contact.NodeID)
	if !ok {
		return nil, ErrConsignUnauthorized
	}
	if !consignmentWindowOpen(c, time.Now(), p.cfg.ConsignThreshold) {
		return nil, ErrConsignWindowClosed
	}
	for _, leaf := range params.AuditTree {
		if !validLeafHex(leaf) {
			return nil, errors.Extend(errors.New("malformed audit tree leaf"), kad.ErrInvalidMessage)
		}
	}
	err = p.view.Manager().MutateExisting(params.DataHash, func(it *storage.Item) error {
		it.SetTree(c.RenterID, params.AuditTree)
		return nil
	})
	if err != nil {
		return nil, err
	}
	token := NewToken()
	p.view.Tokens().Accept(token, params.DataHash, contact)
	p.log.Debugf("authorized consignment of %v for %v", params.DataHash, contact.NodeID)
	return tokenResult{Token: token}, nil
}

// managedRetrieve issues a one-shot download token for a stored shard.
func (p *Protocol) managedRetrieve(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params retrieveParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if _, err := p.view.Manager().Peek(params.DataHash); err != nil {
		return nil, err
	}
	token := NewToken()
	p.view.Tokens().Accept(token, params.DataHash, contact)
	return tokenResult{Token: token}, nil
}

// managedMirror pulls a shard from another farmer under a retrieval token
// the renter obtained for us. The bytes pass through the same size and hash
// enforcement as a direct upload. Mirroring a shard we already hold is a
// no-op.
func (p *Protocol) managedMirror(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params mirrorParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	item, err := p.view.Manager().Load(params.DataHash)
	if err != nil {
		return nil, ErrMirrorUnauthorized
	}
	c, ok := item.Contract(contact.HDKey, contact.NodeID)
	if !ok {
		return nil, ErrMirrorUnauthorized
	}
	if item.HasShard() {
		return struct{}{}, nil
	}
	if err := params.Farmer.Valid(); err != nil {
		return nil, errors.Extend(err, kad.ErrInvalidMessage)
	}
	reader, err := DownloadShard(ctx, p.transfer, params.Farmer, params.DataHash, params.Token)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	if err := consignShard(p.view.Manager(), c, reader); err != nil {
		return nil, err
	}
	p.log.Printf("mirrored %v from %v", params.DataHash, params.Farmer.NodeID)
	return struct{}{}, nil
}

// managedAudit answers a batch of storage challenges with merkle proofs.
func (p *Protocol) managedAudit(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params auditParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if len(params.Audits) == 0 {
		return nil, errors.Extend(errors.New("audit carries no challenges"), kad.ErrInvalidMessage)
	}
	proofs := make([]*audit.Proof, 0, len(params.Audits))
	for _, pair := range params.Audits {
		proof, err := p.managedProve(ctx, contact, pair)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	return auditResult{Proofs: proofs}, nil
}

// managedProve computes one audit proof under the audit semaphore. Proving
// rereads the whole shard, so the bound keeps a burst of audits from
// monopolizing disk bandwidth.
func (p *Protocol) managedProve(ctx context.Context, contact kad.Contact, pair AuditPair) (_ *audit.Proof, err error) {
	select {
	case p.audits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.audits }()

	item, err := p.view.Manager().Peek(pair.DataHash)
	if err != nil {
		return nil, ErrAuditUnauthorized
	}
	c, ok := item.Contract(contact.HDKey, contact.NodeID)
	if !ok {
		return nil, ErrAuditUnauthorized
	}
	leaves, ok := item.Tree(c.RenterID)
	if !ok {
		return nil, ErrAuditNoTree
	}
	reader, err := p.view.Manager().ShardReader(pair.DataHash)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Compose(err, reader.Close())
	}()
	return audit.Prove(reader, pair.Challenge, leaves)
}

// managedProbe pings the sender back at its claimed contact. A reachable
// sender gets an empty success; everything else is reported as a failed
// probe so the sender knows to rent a tunnel.
func (p *Protocol) managedProbe(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params probeParams
	if len(raw) > 0 {
		// A missing contact in the params falls back to the transport's
		// view of the sender.
		_ = json.Unmarshal(raw, &params)
	}
	target := params.Contact
	if target.Valid() != nil {
		target = contact
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.RPCTimeout)
	defer cancel()
	if err := p.view.Ping(pingCtx, target); err != nil {
		p.log.Debugf("probe of %v failed: %v", target, err)
		return nil, ErrProbeFailed
	}
	return struct{}{}, nil
}

// managedFindTunnel lists tunnel entrances the sender could rent: ourselves
// when we volunteer and have a free gateway, then other volunteers we have
// heard announcements from.
func (p *Protocol) managedFindTunnel(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	tunnels := make([]kad.Contact, 0, 1+p.cfg.MaxFindTunnelRelays)
	if ts := p.view.TunnelServer(); ts != nil && ts.HasAvailable() {
		tunnels = append(tunnels, p.view.Contact())
	}
	relays := 0
	for _, relay := range p.view.Tunnelers() {
		if relays >= p.cfg.MaxFindTunnelRelays {
			break
		}
		if relay.NodeID == contact.NodeID || relay.NodeID == p.view.Contact().NodeID {
			continue
		}
		tunnels = append(tunnels, relay)
		relays++
	}
	return findTunnelResult{Tunnels: tunnels}, nil
}

// managedOpenTunnel allocates a gateway for the sender and returns the
// entrance it must attach to plus the alias where its traffic will arrive.
func (p *Protocol) managedOpenTunnel(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	ts := p.view.TunnelServer()
	if ts == nil {
		return nil, ErrNoTunnelServer
	}
	gw, err := ts.CreateGateway()
	if err != nil {
		return nil, err
	}
	p.log.Printf("opened tunnel for %v at %v", contact.NodeID, gw.Alias())
	return openTunnelResult{Tunnel: ts.EntranceURL(gw), Alias: gw.Alias()}, nil
}

// managedRenew replaces a stored contract with a renter-signed successor.
// Only the storage window, audit material, payment terms and hd-derived
// renter identity may change; the farmer countersigns and files the result
// under the same storage key.
func (p *Protocol) managedRenew(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params renewParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	renewed := params.Contract
	if renewed == nil {
		return nil, errors.Extend(errors.New("renewal carries no contract"), kad.ErrInvalidMessage)
	}
	if err := renewed.Validate(); err != nil {
		return nil, err
	}
	if renewed.RenterID != contact.NodeID {
		return nil, ErrRenewUnauthorized
	}
	if err := renewed.Verify(contract.RoleRenter); err != nil {
		return nil, err
	}
	item, err := p.view.Manager().Peek(renewed.DataHash)
	if err != nil {
		return nil, ErrRenewUnauthorized
	}
	old, ok := item.Contract(contact.HDKey, contact.NodeID)
	if !ok {
		return nil, ErrRenewUnauthorized
	}
	for _, key := range contract.Diff(old, renewed) {
		if !renewable[key] {
			return nil, ErrRenewProtectedField
		}
		if key == "renter_id" && renewed.RenterHDKey == "" {
			return nil, ErrRenewProtectedField
		}
	}
	if err := renewed.Sign(contract.RoleFarmer, p.view.KeyPair()); err != nil {
		return nil, err
	}
	if !renewed.IsComplete() {
		return nil, errors.Extend(errors.New("renewed contract is incomplete"), contract.ErrInvalidContract)
	}
	err = p.view.Manager().MutateExisting(renewed.DataHash, func(it *storage.Item) error {
		it.AddContract(renewed.StorageKey(contract.RoleRenter), renewed)
		if len(renewed.AuditLeaves) > 0 {
			it.SetTree(renewed.RenterID, renewed.AuditLeaves)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.log.Printf("renewed contract for %v with %v", renewed.DataHash, contact.NodeID)
	return renewResult{Contract: renewed}, nil
}

// managedTrigger dispatches an application trigger to the handler
// registered for the behavior and sender.
func (p *Protocol) managedTrigger(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	var params triggerParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Behavior == "" {
		return nil, errors.Extend(errors.New("trigger names no behavior"), kad.ErrInvalidMessage)
	}
	return p.view.Triggers().Process(ctx, params.Behavior, contact, params.Contents)
}

func (p *Protocol) managedPing(ctx context.Context, contact kad.Contact, raw json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

// consignmentWindowOpen reports whether a consignment arriving at now is
// inside the contract's upload window: at most threshold before store_begin
// and no later than store_end.
func consignmentWindowOpen(c *contract.Contract, now time.Time, threshold time.Duration) bool {
	ms := now.UnixMilli()
	return c.StoreBegin-threshold.Milliseconds() <= ms && ms <= c.StoreEnd
}

// validLeafHex reports whether s is a hex-encoded Hash160 digest.
func validLeafHex(s string) bool {
	if len(s) != crypto.HashHexSize {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
