// Package httpbind provides the production overlay binding. Requests travel
// as JSON-RPC 2.0 envelopes POSTed to the peer's /rpc endpoint on its
// transfer listener; publications flood peer to peer as PUBLISH envelopes
// with an id-deduped relay. The binding learns peers from configured seeds
// and from the declared contact on every inbound request, so a small seed
// set is enough to join the gossip mesh.
package httpbind

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
)

const (
	// RPCPath is the endpoint peers receive envelopes on, relative to the
	// contact URL. The node mounts the binding there on its transfer
	// listener, and tunnel clients post relayed envelopes to the same
	// path.
	RPCPath = "/rpc"

	// MethodPublish carries gossip between bindings. It is consumed by
	// the binding itself and never reaches node handlers.
	MethodPublish = "PUBLISH"

	// maxEnvelopeSize bounds one envelope on the wire. Envelopes carry
	// negotiation and audit traffic; shard bytes move over the transfer
	// endpoints.
	maxEnvelopeSize = 1 << 20

	// seenPublications bounds the relay dedupe window. Copies of one
	// publication arrive over multiple gossip paths; only the first is
	// delivered and relayed.
	seenPublications = 1024

	// maxPeerFailures is how many consecutive failed exchanges a peer
	// survives before the clean sweep drops it.
	maxPeerFailures = 3
)

// A Config collects the binding's tunables.
type Config struct {
	// RequestTimeout bounds one envelope exchange. It also applies to
	// relayed publications, which run detached from the publisher's
	// context.
	RequestTimeout time.Duration

	// MaxPeers bounds the peer set learned from seeds and inbound
	// senders.
	MaxPeers int

	// PublishFanout is how many peers each publication is forwarded to
	// per hop.
	PublishFanout int

	// CleanInterval is how often the peer set is swept of peers whose
	// exchanges keep failing. Swept peers re-enter the set when they
	// make contact again.
	CleanInterval time.Duration

	// Seeds are added to the peer set at construction.
	Seeds []kad.Contact
}

// DefaultConfig returns the values deployments start from.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 15 * time.Second,
		MaxPeers:       128,
		PublishFanout:  8,
		CleanInterval:  60 * time.Second,
	}
}

// A Binding is an HTTP overlay binding. It implements kad.Network for the
// node's outbound traffic, kad.ContactSetter so the node can hand it the
// advertised contact once the listener is bound, and http.Handler for the
// inbound side.
type Binding struct {
	cfg    Config
	client *http.Client
	log    *persist.Logger
	tg     threadgroup.ThreadGroup

	mu       sync.Mutex
	contact  kad.Contact
	handlers map[string]kad.Handler
	peers    map[string]*peerEntry
	subs     map[uint64]*subscription
	subSeq   uint64
	seen     *lru.Cache
}

type subscription struct {
	topics  map[string]struct{}
	deliver kad.DeliverFunc
}

// A peerEntry is one member of the gossip peer set along with its run of
// consecutive failed exchanges.
type peerEntry struct {
	contact  kad.Contact
	failures int
}

// A carrier is the params member of every envelope on the wire: the
// sender's declared contact plus the method's own params. Handlers receive
// the inner data; the contact feeds peer discovery and the sender checks of
// the protocol handlers.
type carrier struct {
	Contact kad.Contact     `json:"contact"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// A publication is the carrier data of a PUBLISH envelope. TTL counts the
// hops it may still travel, including the one that delivers it.
type publication struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Content json.RawMessage `json:"content"`
	TTL     int             `json:"ttl"`
}

// New returns a binding seeded with the configured peers. Zero config
// values fall back to defaults.
func New(cfg Config, log *persist.Logger) *Binding {
	defaults := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaults.MaxPeers
	}
	if cfg.PublishFanout <= 0 {
		cfg.PublishFanout = defaults.PublishFanout
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = defaults.CleanInterval
	}
	seen, _ := lru.New(seenPublications)
	b := &Binding{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		log:      log,
		handlers: make(map[string]kad.Handler),
		peers:    make(map[string]*peerEntry),
		subs:     make(map[uint64]*subscription),
		seen:     seen,
	}
	for _, seed := range cfg.Seeds {
		b.AddPeer(seed)
	}
	go b.threadedClean()
	return b
}

// Close waits out in-flight deliveries and relays.
func (b *Binding) Close() error {
	err := b.tg.Stop()
	b.client.CloseIdleConnections()
	return err
}

// SetContact records the contact outbound envelopes declare as their
// sender. The node calls this once its listener is bound, and again when a
// rented tunnel changes the advertised address.
func (b *Binding) SetContact(contact kad.Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contact = contact
}

// Contact returns the contact the binding currently declares.
func (b *Binding) Contact() kad.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contact
}

// AddPeer records a peer for gossip. Invalid contacts and the binding's own
// contact are dropped; a known node id has its address refreshed and its
// failure run cleared; new peers beyond the cap are dropped.
func (b *Binding) AddPeer(contact kad.Contact) {
	if contact.Valid() != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if contact.NodeID == b.contact.NodeID {
		return
	}
	if _, ok := b.peers[contact.NodeID]; !ok && len(b.peers) >= b.cfg.MaxPeers {
		return
	}
	b.peers[contact.NodeID] = &peerEntry{contact: contact}
}

// Peers returns the current peer set in no particular order.
func (b *Binding) Peers() []kad.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]kad.Contact, 0, len(b.peers))
	for _, entry := range b.peers {
		peers = append(peers, entry.contact)
	}
	return peers
}

// managedRecordExchange tracks the outcome of one exchange with a peer.
// An answered envelope clears the peer's failure run even when the answer
// is an error response; only transport failures count against it.
func (b *Binding) managedRecordExchange(id string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, known := b.peers[id]
	if !known {
		return
	}
	if ok {
		entry.failures = 0
		return
	}
	entry.failures++
}

// threadedClean sweeps the peer set of peers that have stopped answering.
func (b *Binding) threadedClean() {
	if err := b.tg.Add(); err != nil {
		return
	}
	defer b.tg.Done()
	ticker := time.NewTicker(b.cfg.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.tg.StopChan():
			return
		case <-ticker.C:
		}
		b.mu.Lock()
		for id, entry := range b.peers {
			if entry.failures >= maxPeerFailures {
				delete(b.peers, id)
			}
		}
		b.mu.Unlock()
	}
}

// Use registers the handler for a method.
func (b *Binding) Use(method string, handler kad.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = handler
}

// Send posts a request envelope to the peer and returns its result. An
// error response surfaces as a *kad.MessageError.
func (b *Binding) Send(ctx context.Context, peer kad.Contact, method string, params interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode rpc params")
	}
	req, err := kad.NewRequest(method, carrier{Contact: b.Contact(), Data: data})
	if err != nil {
		return nil, err
	}
	res, err := b.managedExchange(ctx, peer, req)
	b.managedRecordExchange(peer.NodeID, err == nil)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Result, nil
}

// managedExchange performs one envelope round trip over HTTP.
func (b *Binding) managedExchange(ctx context.Context, peer kad.Contact, msg *kad.Message) (*kad.Message, error) {
	body, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL()+RPCPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.AddContext(err, "unable to build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")
	httpRes, err := b.client.Do(req)
	if err != nil {
		return nil, errors.AddContext(err, "rpc to "+peer.String()+" failed")
	}
	defer httpRes.Body.Close()
	raw, err := ioutil.ReadAll(io.LimitReader(httpRes.Body, maxEnvelopeSize))
	if err != nil {
		return nil, errors.AddContext(err, "unable to read rpc response")
	}
	res, err := kad.ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	if !res.IsResponse() || res.ID != msg.ID {
		return nil, errors.Extend(errors.New("response does not answer the request"), kad.ErrInvalidMessage)
	}
	return res, nil
}

// Publish floods the content to the peer set under a fresh publication id.
// Receiving bindings deliver it to their local subscriptions and relay the
// remaining hops.
func (b *Binding) Publish(ctx context.Context, topic string, content interface{}, ttl int) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return errors.AddContext(err, "unable to encode publication")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 1
	}
	pub := publication{ID: kad.NewMessageID(), Topic: topic, Content: raw, TTL: ttl}
	b.mu.Lock()
	b.seen.Add(pub.ID, struct{}{})
	b.mu.Unlock()
	b.managedFlood(pub, "")
	return nil
}

// Subscribe registers deliver for the topics and returns a cancel that
// detaches it.
func (b *Binding) Subscribe(topics []string, deliver kad.DeliverFunc) func() {
	sub := &subscription{
		topics:  make(map[string]struct{}, len(topics)),
		deliver: deliver,
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	b.mu.Lock()
	b.subSeq++
	id := b.subSeq
	b.subs[id] = sub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// ServeHTTP receives one envelope, dispatches it and writes the response
// envelope. Application errors travel inside the envelope; the HTTP status
// is 200 for anything the binding could parse.
func (b *Binding) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := ioutil.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		writeMessage(w, kad.NewErrorResponse("", kad.CodeParse, "unable to read request"))
		return
	}
	msg, err := kad.ParseMessage(raw)
	if err != nil {
		writeMessage(w, kad.NewErrorResponse("", kad.CodeParse, err.Error()))
		return
	}
	if !msg.IsRequest() {
		writeMessage(w, kad.NewErrorResponse(msg.ID, kad.CodeInvalidRequest, "envelope is not a request"))
		return
	}
	var car carrier
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &car); err != nil {
			writeMessage(w, kad.NewErrorResponse(msg.ID, kad.CodeInvalidParams, "malformed params carrier"))
			return
		}
	}
	b.AddPeer(car.Contact)

	if msg.Method == MethodPublish {
		writeMessage(w, b.managedReceivePublish(msg.ID, car))
		return
	}
	b.mu.Lock()
	handler, ok := b.handlers[msg.Method]
	b.mu.Unlock()
	if !ok {
		writeMessage(w, kad.NewErrorResponse(msg.ID, kad.CodeMethodNotFound, "unknown method "+msg.Method))
		return
	}
	result, err := handler(r.Context(), car.Contact, car.Data)
	if err != nil {
		writeMessage(w, kad.NewErrorResponse(msg.ID, kad.CodeApplication, err.Error()))
		return
	}
	res, err := kad.NewResponse(msg.ID, result)
	if err != nil {
		writeMessage(w, kad.NewErrorResponse(msg.ID, kad.CodeApplication, err.Error()))
		return
	}
	writeMessage(w, res)
}

// managedReceivePublish consumes one gossip envelope: deliver locally once,
// relay the remaining hops to everyone but the sender.
func (b *Binding) managedReceivePublish(id string, car carrier) *kad.Message {
	var pub publication
	if err := json.Unmarshal(car.Data, &pub); err != nil || pub.ID == "" || pub.Topic == "" {
		return kad.NewErrorResponse(id, kad.CodeInvalidParams, "malformed publication")
	}
	b.mu.Lock()
	dup := b.seen.Contains(pub.ID)
	if !dup {
		b.seen.Add(pub.ID, struct{}{})
	}
	b.mu.Unlock()
	if !dup {
		b.managedDeliver(pub.Topic, pub.Content)
		if pub.TTL > 1 {
			relay := pub
			relay.TTL--
			b.managedFlood(relay, car.Contact.NodeID)
		}
	}
	res, err := kad.NewResponse(id, struct{}{})
	if err != nil {
		return kad.NewErrorResponse(id, kad.CodeApplication, err.Error())
	}
	return res
}

// managedDeliver hands one publication to every local subscription of the
// topic. Deliveries run on their own goroutines, as they would arrive off
// the network.
func (b *Binding) managedDeliver(topic string, content json.RawMessage) {
	b.mu.Lock()
	targets := make([]kad.DeliverFunc, 0, len(b.subs))
	for _, sub := range b.subs {
		if _, ok := sub.topics[topic]; ok {
			targets = append(targets, sub.deliver)
		}
	}
	b.mu.Unlock()
	for _, deliver := range targets {
		if b.tg.Add() != nil {
			return
		}
		go func(deliver kad.DeliverFunc) {
			defer b.tg.Done()
			deliver(topic, content)
		}(deliver)
	}
}

// managedFlood forwards a publication to up to PublishFanout peers,
// skipping the one it arrived from. Sends run detached so a slow peer does
// not stall the inbound request that triggered the relay.
func (b *Binding) managedFlood(pub publication, skipID string) {
	sent := 0
	for _, peer := range b.Peers() {
		if sent >= b.cfg.PublishFanout {
			break
		}
		if peer.NodeID == skipID {
			continue
		}
		if b.tg.Add() != nil {
			return
		}
		sent++
		go func(peer kad.Contact) {
			defer b.tg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
			defer cancel()
			if _, err := b.Send(ctx, peer, MethodPublish, pub); err != nil {
				b.log.Debugf("publish of %v to %v failed: %v", pub.Topic, peer, err)
			}
		}(peer)
	}
}

func writeMessage(w http.ResponseWriter, msg *kad.Message) {
	body, err := msg.Bytes()
	if err != nil {
		http.Error(w, "unable to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
