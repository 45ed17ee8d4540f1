package node

import (
	"context"
	"sync"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/kad"
	"github.com/granary-tech/granary/persist"
)

var (
	// ErrStreamEnded is returned by Next once a stream has delivered its
	// offer budget or been destroyed.
	ErrStreamEnded = errors.New("offer stream has ended")

	// ErrAlreadyPublished is returned when a descriptor is published while
	// an offer stream for the same shard hash is still open.
	ErrAlreadyPublished = errors.Extend(errors.New("descriptor already has an open offer stream"), kad.ErrInvalidOperation)

	// ErrTooManyStreams is returned when opening an offer stream would
	// exceed the concurrent publication budget.
	ErrTooManyStreams = errors.Extend(errors.New("too many open offer streams"), kad.ErrInvalidOperation)
)

// An Offer is one farmer's countersigned answer to a published descriptor.
type Offer struct {
	Contact  kad.Contact
	Contract *contract.Contract
}

// An OfferStream collects the offers arriving for one published contract.
// It accepts at most maxOffers offers over its lifetime, one per farmer,
// and ends once all accepted offers have been consumed.
type OfferStream struct {
	hash      string
	maxOffers int

	mu        sync.Mutex
	queue     []Offer
	seen      map[string]struct{}
	accepted  int
	delivered int
	destroyed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newOfferStream(hash string, maxOffers int) *OfferStream {
	return &OfferStream{
		hash:      hash,
		maxOffers: maxOffers,
		seen:      make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Hash returns the shard hash the stream collects offers for.
func (s *OfferStream) Hash() string {
	return s.hash
}

// Add queues one offer. It reports false when the offer is not accepted:
// the contract is incomplete, the farmer already offered, the stream has
// accepted its budget, or the stream was destroyed.
func (s *OfferStream) Add(contact kad.Contact, c *contract.Contract) bool {
	if c == nil || !c.IsComplete() {
		return false
	}
	s.mu.Lock()
	if s.destroyed || s.accepted >= s.maxOffers {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.seen[c.FarmerID]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[c.FarmerID] = struct{}{}
	s.accepted++
	s.queue = append(s.queue, Offer{Contact: contact, Contract: c})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an offer is available and pops it. It returns
// ErrStreamEnded once the stream has delivered maxOffers offers or was
// destroyed with an empty queue.
func (s *OfferStream) Next(ctx context.Context) (Offer, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			offer := s.queue[0]
			s.queue = s.queue[1:]
			s.delivered++
			ended := s.delivered >= s.maxOffers
			s.mu.Unlock()
			if ended {
				s.Destroy()
			}
			return offer, nil
		}
		if s.destroyed || s.delivered >= s.maxOffers {
			s.mu.Unlock()
			return Offer{}, ErrStreamEnded
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
		case <-ctx.Done():
			return Offer{}, ctx.Err()
		}
	}
}

// Destroy drains the queue and ends the stream. Destroying a stream twice
// is a no-op.
func (s *OfferStream) Destroy() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done returns a channel closed when the stream ends.
func (s *OfferStream) Done() <-chan struct{} {
	return s.done
}

// pendingOffer remembers the proposal a stream was opened for, so inbound
// offers can be checked against the fields the renter actually published.
type pendingOffer struct {
	proposal *contract.Contract
	stream   *OfferStream
}

// An OfferRegistry tracks the open offer streams of a node, at most one per
// shard hash and boundedly many overall. Streams expire a fixed time after
// publication whether or not offers are arriving.
type OfferRegistry struct {
	maxStreams int
	log        *persist.Logger
	tg         threadgroup.ThreadGroup

	mu      sync.Mutex
	pending map[string]*pendingOffer
}

// NewOfferRegistry returns a registry admitting up to maxStreams streams.
func NewOfferRegistry(maxStreams int, log *persist.Logger) *OfferRegistry {
	return &OfferRegistry{
		maxStreams: maxStreams,
		log:        log,
		pending:    make(map[string]*pendingOffer),
	}
}

// Close destroys every open stream and stops the expiry timers.
func (r *OfferRegistry) Close() error {
	r.mu.Lock()
	streams := make([]*OfferStream, 0, len(r.pending))
	for _, entry := range r.pending {
		streams = append(streams, entry.stream)
	}
	r.mu.Unlock()
	for _, s := range streams {
		s.Destroy()
	}
	return r.tg.Stop()
}

// Open registers an offer stream for the proposal and arms its expiry. The
// registry keeps a copy of the proposal for offer verification.
func (r *OfferRegistry) Open(proposal *contract.Contract, maxOffers int, timeout time.Duration) (*OfferStream, error) {
	hash := proposal.DataHash
	r.mu.Lock()
	if _, exists := r.pending[hash]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyPublished
	}
	if len(r.pending) >= r.maxStreams {
		r.mu.Unlock()
		return nil, ErrTooManyStreams
	}
	s := newOfferStream(hash, maxOffers)
	s.onClose = func() {
		r.mu.Lock()
		if entry, ok := r.pending[hash]; ok && entry.stream == s {
			delete(r.pending, hash)
		}
		r.mu.Unlock()
	}
	r.pending[hash] = &pendingOffer{proposal: proposal.Clone(), stream: s}
	r.mu.Unlock()

	go r.threadedExpire(s, timeout)
	return s, nil
}

// Pending returns the proposal and stream for a shard hash while offers are
// still being collected.
func (r *OfferRegistry) Pending(hash string) (*contract.Contract, *OfferStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[hash]
	if !ok {
		return nil, nil, false
	}
	return entry.proposal.Clone(), entry.stream, true
}

// Len returns the number of open streams.
func (r *OfferRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// threadedExpire destroys the stream once its publication window passes.
// The window is wall clock from publication; a trickle of offers does not
// extend it.
func (r *OfferRegistry) threadedExpire(s *OfferStream, timeout time.Duration) {
	if err := r.tg.Add(); err != nil {
		s.Destroy()
		return
	}
	defer r.tg.Done()
	select {
	case <-time.After(timeout):
		r.log.Debugf("offer stream for %v expired after %v", s.Hash(), timeout)
		s.Destroy()
	case <-s.done:
	case <-r.tg.StopChan():
	}
}
