package node

import (
	"context"
	"encoding/json"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/storage"
)

// A Consignment pairs a shard hash with the audit tree the farmer must
// store alongside the bytes.
type Consignment struct {
	Hash string
	Tree []string
}

// A TunnelLease is a rented tunnel: the entrance the tenant attaches its
// client to and the alias its traffic will arrive under.
type TunnelLease struct {
	Tunnel string
	Alias  kad.Contact
}

// managedSend issues one protocol request, bounding it with the configured
// RPC timeout when the caller's context carries no deadline of its own.
func (n *Node) managedSend(ctx context.Context, peer kad.Contact, method string, params, result interface{}) error {
	if _, ok := ctx.Deadline(); !ok && n.cfg.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.RPCTimeout)
		defer cancel()
	}
	raw, err := n.net.Send(ctx, peer, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.Extend(err, kad.ErrInvalidMessage)
	}
	return nil
}

// PublishShardDescriptor signs the proposal as renter and publishes it on
// its topic, opening an offer stream for the answers. At most one stream
// may be open per shard hash, and the stream self-destructs OfferTimeout
// after the publish whether or not offers arrived.
func (n *Node) PublishShardDescriptor(ctx context.Context, c *contract.Contract) (*OfferStream, error) {
	if c == nil {
		return nil, errors.New("no contract to publish")
	}
	if c.RenterID == "" {
		c.RenterID = n.kp.NodeID()
	}
	if c.RenterID != n.kp.NodeID() {
		return nil, errors.New("descriptor names a different renter")
	}
	if err := c.Sign(contract.RoleRenter, n.kp); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	stream, err := n.offers.Open(c, n.cfg.MaxOffers, n.cfg.OfferTimeout)
	if err != nil {
		return nil, err
	}
	env := descriptorEnvelope{Contact: n.Contact(), Contract: c}
	if err := n.net.Publish(ctx, c.TopicString(), env, n.cfg.PublishTTL); err != nil {
		stream.Destroy()
		return nil, errors.AddContext(err, "unable to publish descriptor")
	}
	n.log.Debugf("published descriptor for %v on topic %v", c.DataHash, c.TopicString())
	return stream, nil
}

// SubscribeShardDescriptor delivers published proposals matching any of the
// topics. Duplicate publications of one contract are delivered once, and
// proposals published shortly before the subscription replay into it. The
// returned cancel detaches the subscription and closes the channel.
func (n *Node) SubscribeShardDescriptor(topics []string) (<-chan *Descriptor, func()) {
	return n.subs.Subscribe(topics)
}

// OfferContract answers a published descriptor: fill in the farmer fields,
// sign, and submit the offer to the publishing renter. On acceptance the
// countersigned contract is filed under the renter's key so consignments
// and audits against it are honored.
func (n *Node) OfferContract(ctx context.Context, renter kad.Contact, c *contract.Contract) (*contract.Contract, error) {
	if c == nil {
		return nil, errors.New("no contract to offer")
	}
	offered := c.Clone()
	offered.FarmerID = n.kp.NodeID()
	offered.FarmerHDKey, offered.FarmerHDIndex = n.kp.HDKey()
	if offered.PaymentDestination == "" {
		offered.PaymentDestination = n.kp.Address()
	}
	if err := offered.Sign(contract.RoleFarmer, n.kp); err != nil {
		return nil, err
	}

	var result offerResult
	if err := n.managedSend(ctx, renter, MethodOffer, offerParams{Contract: offered}, &result); err != nil {
		return nil, err
	}
	complete := result.Contract
	if complete == nil || !complete.IsComplete() {
		return nil, errors.Extend(errors.New("renter returned an incomplete contract"), contract.ErrInvalidContract)
	}
	if complete.FarmerID != n.kp.NodeID() || complete.DataHash != c.DataHash {
		return nil, errors.Extend(errors.New("renter returned a different contract"), contract.ErrInvalidContract)
	}
	err := n.manager.MutateOrCreate(complete.DataHash, func(it *storage.Item) error {
		it.AddContract(complete.StorageKey(contract.RoleRenter), complete)
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.log.Printf("holding contract for %v with renter %v", complete.DataHash, complete.RenterID)
	return complete, nil
}

// AcceptOffer files an offered contract on the renter side, together with
// the audit material derived for the shard: the private challenges and the
// public leaves audits will be verified against.
func (n *Node) AcceptOffer(offer Offer, challenges, leaves []string) error {
	c := offer.Contract
	if c == nil || !c.IsComplete() {
		return errors.Extend(errors.New("offer carries an incomplete contract"), contract.ErrInvalidContract)
	}
	return n.manager.MutateOrCreate(c.DataHash, func(it *storage.Item) error {
		it.AddContract(c.StorageKey(contract.RoleFarmer), c)
		it.SetChallenges(c.RenterID, challenges)
		it.SetTree(c.RenterID, leaves)
		return nil
	})
}

// AuthorizeConsignment obtains one upload token per consignment from the
// peer. Tokens come back in consignment order.
func (n *Node) AuthorizeConsignment(ctx context.Context, peer kad.Contact, consignments []Consignment) ([]string, error) {
	tokens := make([]string, 0, len(consignments))
	for _, cons := range consignments {
		var result tokenResult
		params := consignParams{DataHash: cons.Hash, AuditTree: cons.Tree}
		if err := n.managedSend(ctx, peer, MethodConsign, params, &result); err != nil {
			return nil, errors.AddContext(err, "consignment refused for "+cons.Hash)
		}
		tokens = append(tokens, result.Token)
	}
	return tokens, nil
}

// AuthorizeRetrieval obtains one download token per shard hash from the
// peer. Tokens come back in hash order.
func (n *Node) AuthorizeRetrieval(ctx context.Context, peer kad.Contact, hashes []string) ([]string, error) {
	tokens := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		var result tokenResult
		if err := n.managedSend(ctx, peer, MethodRetrieve, retrieveParams{DataHash: hash}, &result); err != nil {
			return nil, errors.AddContext(err, "retrieval refused for "+hash)
		}
		tokens = append(tokens, result.Token)
	}
	return tokens, nil
}

// AuditRemoteShards issues the challenge pairs to the peer and verifies
// every returned proof against the leaves filed when the contract was
// accepted. Any missing or failing proof fails the whole audit.
func (n *Node) AuditRemoteShards(ctx context.Context, peer kad.Contact, pairs []AuditPair) error {
	if len(pairs) == 0 {
		return nil
	}
	var result auditResult
	if err := n.managedSend(ctx, peer, MethodAudit, auditParams{Audits: pairs}, &result); err != nil {
		return err
	}
	if len(result.Proofs) != len(pairs) {
		return errors.New("farmer answered the wrong number of proofs")
	}
	for i, pair := range pairs {
		item, err := n.manager.Peek(pair.DataHash)
		if err != nil {
			return err
		}
		leaves, ok := item.Tree(n.kp.NodeID())
		if !ok {
			return ErrAuditNoTree
		}
		proof := result.Proofs[i]
		if proof == nil {
			return errors.New("farmer omitted a proof")
		}
		if err := proof.Verify(leaves); err != nil {
			return errors.AddContext(err, "audit failed for "+pair.DataHash)
		}
	}
	return nil
}

// CreateShardMirror replicates a shard from one farmer to another: obtain a
// retrieval token at the source, then instruct the destination to pull the
// bytes under it. The destination must already hold a contract with us for
// the hash.
func (n *Node) CreateShardMirror(ctx context.Context, source, destination kad.Contact, hash string) error {
	tokens, err := n.AuthorizeRetrieval(ctx, source, []string{hash})
	if err != nil {
		return err
	}
	params := mirrorParams{DataHash: hash, Token: tokens[0], Farmer: source}
	if err := n.managedSend(ctx, destination, MethodMirror, params, nil); err != nil {
		return errors.AddContext(err, "mirror refused for "+hash)
	}
	return nil
}

// RenewContract signs the replacement contract as renter and submits it to
// the farmer holding the current one. The farmer's countersigned result is
// filed over the local copy.
func (n *Node) RenewContract(ctx context.Context, peer kad.Contact, c *contract.Contract) (*contract.Contract, error) {
	if c == nil {
		return nil, errors.New("no contract to renew")
	}
	renewed := c.Clone()
	renewed.FarmerSignature = ""
	if err := renewed.Sign(contract.RoleRenter, n.kp); err != nil {
		return nil, err
	}
	var result renewResult
	if err := n.managedSend(ctx, peer, MethodRenew, renewParams{Contract: renewed}, &result); err != nil {
		return nil, err
	}
	final := result.Contract
	if final == nil || !final.IsComplete() {
		return nil, errors.Extend(errors.New("farmer returned an incomplete renewal"), contract.ErrInvalidContract)
	}
	if final.DataHash != c.DataHash || final.FarmerID != c.FarmerID {
		return nil, errors.Extend(errors.New("farmer returned a different contract"), contract.ErrInvalidContract)
	}
	err := n.manager.MutateOrCreate(final.DataHash, func(it *storage.Item) error {
		it.AddContract(final.StorageKey(contract.RoleFarmer), final)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// Probe asks the peer to call us back at our advertised contact. A nil
// error means the node is addressable from the peer's vantage.
func (n *Node) Probe(ctx context.Context, peer kad.Contact) error {
	return n.managedSend(ctx, peer, MethodProbe, probeParams{Contact: n.Contact()}, nil)
}

// FindTunnel asks the peer for tunnel entrances: volunteers it knows of,
// itself included when it has a free gateway.
func (n *Node) FindTunnel(ctx context.Context, peer kad.Contact) ([]kad.Contact, error) {
	var result findTunnelResult
	if err := n.managedSend(ctx, peer, MethodFindTunnel, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tunnels, nil
}

// OpenTunnel rents a tunnel from a volunteer relay.
func (n *Node) OpenTunnel(ctx context.Context, relay kad.Contact) (*TunnelLease, error) {
	var result openTunnelResult
	if err := n.managedSend(ctx, relay, MethodOpenTunnel, struct{}{}, &result); err != nil {
		return nil, err
	}
	if result.Tunnel == "" {
		return nil, errors.New("relay returned no tunnel entrance")
	}
	alias := kad.Contact{
		Address: result.Alias.Address,
		Port:    result.Alias.Port,
		NodeID:  n.kp.NodeID(),
	}
	alias.HDKey, alias.HDIndex = n.kp.HDKey()
	return &TunnelLease{Tunnel: result.Tunnel, Alias: alias}, nil
}

// Trigger invokes a registered behavior on the peer and returns the raw
// handler result.
func (n *Node) Trigger(ctx context.Context, peer kad.Contact, behavior string, contents interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(contents)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode trigger contents")
	}
	var result json.RawMessage
	params := triggerParams{Behavior: behavior, Contents: raw}
	if err := n.managedSend(ctx, peer, MethodTrigger, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
