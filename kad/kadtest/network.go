// Package kadtest provides an in-memory DHT binding. Peers joined to the
// same Network reach each other directly; publications fan out to every
// other peer with a matching topic subscription. Package tests use it in
// place of a production routing table.
package kadtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/kad"
)

// ErrPeerUnreachable is returned when sending to a contact that never
// joined the network.
var ErrPeerUnreachable = errors.New("peer is not reachable")

// A Network connects in-memory peers.
type Network struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer)}
}

// Join adds a peer under the given contact and returns its binding.
func (n *Network) Join(contact kad.Contact) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := &Peer{
		net:      n,
		contact:  contact,
		handlers: make(map[string]kad.Handler),
		subs:     make(map[uint64]*subscription),
	}
	n.peers[contact.NodeID] = p
	return p
}

// peer looks up a joined peer by node id.
func (n *Network) peer(nodeID string) (*Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[nodeID]
	return p, ok
}

// others returns every peer except the one with the given node id.
func (n *Network) others(nodeID string) []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]*Peer, 0, len(n.peers))
	for id, p := range n.peers {
		if id != nodeID {
			peers = append(peers, p)
		}
	}
	return peers
}

// A Peer is one node's binding to the in-memory network. It implements
// kad.Network and kad.ContactSetter.
type Peer struct {
	net *Network

	mu       sync.Mutex
	contact  kad.Contact
	handlers map[string]kad.Handler
	subs     map[uint64]*subscription
	subSeq   uint64
}

type subscription struct {
	topics  map[string]struct{}
	deliver kad.DeliverFunc
}

// Contact returns the contact the peer currently hands to transports.
func (p *Peer) Contact() kad.Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contact
}

// SetContact updates the address the peer is known under. The node id is
// the network key and may not change.
func (p *Peer) SetContact(contact kad.Contact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if contact.NodeID != p.contact.NodeID {
		return
	}
	p.contact = contact
}

// Use registers a handler for a method.
func (p *Peer) Use(method string, handler kad.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = handler
}

// Send dispatches a request directly to the target peer's handler,
// honoring ctx cancellation the way a network transport would.
func (p *Peer) Send(ctx context.Context, peer kad.Contact, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode rpc params")
	}
	sender := p.Contact()
	target, ok := p.net.peer(peer.NodeID)
	if !ok {
		return nil, ErrPeerUnreachable
	}
	target.mu.Lock()
	handler, ok := target.handlers[method]
	target.mu.Unlock()
	if !ok {
		return nil, &kad.MessageError{Code: kad.CodeMethodNotFound, Message: "unknown method " + method}
	}

	type reply struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		result, herr := handler(ctx, sender, raw)
		if herr != nil {
			ch <- reply{nil, &kad.MessageError{Code: kad.CodeApplication, Message: herr.Error()}}
			return
		}
		out, merr := json.Marshal(result)
		if merr != nil {
			ch <- reply{nil, &kad.MessageError{Code: kad.CodeApplication, Message: merr.Error()}}
			return
		}
		ch <- reply{out, nil}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.result, r.err
	}
}

// Publish fans the content out to every other peer subscribed to the
// topic. The in-memory network reaches everyone in one hop, so ttl is
// ignored. Deliveries run on their own goroutines, as they would arrive
// off the network.
func (p *Peer) Publish(ctx context.Context, topic string, content interface{}, _ int) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return errors.AddContext(err, "unable to encode publication")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, peer := range p.net.others(p.Contact().NodeID) {
		peer.mu.Lock()
		for _, sub := range peer.subs {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
			deliver := sub.deliver
			go deliver(topic, raw)
		}
		peer.mu.Unlock()
	}
	return nil
}

// Subscribe registers deliver for the topics and returns a cancel that
// detaches it.
func (p *Peer) Subscribe(topics []string, deliver kad.DeliverFunc) func() {
	sub := &subscription{
		topics:  make(map[string]struct{}, len(topics)),
		deliver: deliver,
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	p.mu.Lock()
	p.subSeq++
	id := p.subSeq
	p.subs[id] = sub
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}
