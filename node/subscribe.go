package node

import (
	"encoding/json"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/uplo-tech/demotemutex"

	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
)

const (
	// seenDescriptors bounds the dedupe window on publications. Relayed
	// copies of one publication arrive over multiple paths; only the
	// first is delivered.
	seenDescriptors = 512

	// recentDescriptors bounds the replay window handed to a fresh
	// subscriber.
	recentDescriptors = 32

	// descriptorBuffer is the channel depth handed to subscribers. A
	// subscriber that falls this far behind misses descriptors.
	descriptorBuffer = 64
)

// A Descriptor is one published contract proposal as seen by a subscriber.
type Descriptor struct {
	Topic    string
	Contact  kad.Contact
	Contract *contract.Contract
}

// descriptorEnvelope is the wire form of a published descriptor: the
// proposing renter's contact and the renter-signed contract.
type descriptorEnvelope struct {
	Contact  kad.Contact        `json:"contact"`
	Contract *contract.Contract `json:"contract"`
}

// A subscriptionRegistry fans descriptor publications out to local
// subscribers. One overlay subscription is kept per distinct topic and
// shared by every local subscriber of that topic. A short window of recent
// descriptors replays to new subscribers, so a farmer subscribing moments
// after a publish still sees the proposal.
type subscriptionRegistry struct {
	pub kad.Publisher
	log *persist.Logger

	// mu is demoted while descriptors fan out to subscriber channels:
	// deliveries may run concurrently with each other and with replay,
	// but never with registration changes or channel closes.
	mu     demotemutex.DemoteMutex
	subs   map[uint64]*descriptorSub
	nextID uint64
	topics map[string]*topicBinding
	seen   *lru.Cache
	recent []*Descriptor

	dropped uint64
}

type descriptorSub struct {
	topics map[string]struct{}
	ch     chan *Descriptor
}

// topicBinding refcounts the shared overlay subscription of one topic.
type topicBinding struct {
	refs   int
	cancel func()
}

func newSubscriptionRegistry(pub kad.Publisher, log *persist.Logger) *subscriptionRegistry {
	seen, _ := lru.New(seenDescriptors)
	return &subscriptionRegistry{
		pub:    pub,
		log:    log,
		subs:   make(map[uint64]*descriptorSub),
		topics: make(map[string]*topicBinding),
		seen:   seen,
	}
}

// Subscribe attaches a subscriber to a topic set. The returned cancel
// detaches it and closes the channel.
func (r *subscriptionRegistry) Subscribe(topics []string) (<-chan *Descriptor, func()) {
	sub := &descriptorSub{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan *Descriptor, descriptorBuffer),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	for topic := range sub.topics {
		binding, ok := r.topics[topic]
		if !ok {
			binding = &topicBinding{cancel: r.pub.Subscribe([]string{topic}, r.managedDeliver)}
			r.topics[topic] = binding
		}
		binding.refs++
	}
	r.mu.Demote()
	defer r.mu.DemotedUnlock()

	// Replay under the demoted lock: live deliveries may interleave, but
	// the subscriber set is pinned. The replay window is smaller than the
	// channel buffer, so these sends cannot block.
	for _, desc := range r.recent {
		if _, ok := sub.topics[desc.Topic]; ok {
			sub.ch <- desc
		}
	}
	return sub.ch, func() { r.managedCancel(id) }
}

// managedCancel detaches one subscriber and releases its topic bindings.
func (r *subscriptionRegistry) managedCancel(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	for topic := range sub.topics {
		binding, ok := r.topics[topic]
		if !ok {
			continue
		}
		binding.refs--
		if binding.refs == 0 {
			binding.cancel()
			delete(r.topics, topic)
		}
	}
	close(sub.ch)
}

// Close detaches every subscriber.
func (r *subscriptionRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		delete(r.subs, id)
		close(sub.ch)
	}
	for topic, binding := range r.topics {
		binding.cancel()
		delete(r.topics, topic)
	}
	return nil
}

// managedDeliver consumes one publication off the overlay: decode, dedupe
// by contract hash, remember for replay, fan out to matching subscribers.
func (r *subscriptionRegistry) managedDeliver(topic string, content json.RawMessage) {
	var env descriptorEnvelope
	if err := json.Unmarshal(content, &env); err != nil || env.Contract == nil {
		r.log.Debugf("dropping malformed publication on %v", topic)
		return
	}
	if err := env.Contract.Validate(); err != nil {
		r.log.Debugf("dropping invalid descriptor on %v: %v", topic, err)
		return
	}
	desc := &Descriptor{Topic: topic, Contact: env.Contact, Contract: env.Contract}

	r.mu.Lock()
	if r.seen.Contains(desc.Contract.Hash()) {
		r.mu.Unlock()
		return
	}
	r.seen.Add(desc.Contract.Hash(), struct{}{})
	r.recent = append(r.recent, desc)
	if len(r.recent) > recentDescriptors {
		r.recent = r.recent[1:]
	}
	r.mu.Demote()
	defer r.mu.DemotedUnlock()

	for _, sub := range r.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		select {
		case sub.ch <- desc:
		default:
			if atomic.AddUint64(&r.dropped, 1)%64 == 1 {
				r.log.Println("WARN: descriptor subscriber falling behind, dropping publications")
			}
		}
	}
}
