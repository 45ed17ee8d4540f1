package node

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/kad"
)

// ErrTriggerUnauthorized is returned when no handler is registered for a
// behavior and requester pair.
var ErrTriggerUnauthorized = errors.Extend(errors.New("not authorized to process trigger"), kad.ErrUnauthorizedToken)

// A TriggerHandler processes one application-defined trigger. The contact is
// the authenticated requester and contents is the opaque payload it sent.
// The returned value is serialized into the RPC reply.
type TriggerHandler func(ctx context.Context, contact kad.Contact, contents json.RawMessage) (interface{}, error)

// A TriggerRegistry maps (behavior, requester) pairs to handlers. Triggers
// let prearranged peers poke application behavior over the overlay without
// extending the protocol surface; a trigger from any peer that was not
// explicitly registered is refused.
type TriggerRegistry struct {
	mu       sync.Mutex
	handlers map[triggerKey]TriggerHandler
}

type triggerKey struct {
	behavior  string
	requester string
}

// NewTriggerRegistry returns an empty registry.
func NewTriggerRegistry() *TriggerRegistry {
	return &TriggerRegistry{handlers: make(map[triggerKey]TriggerHandler)}
}

// Register authorizes requesterID to invoke behavior, replacing any previous
// handler for the pair.
func (r *TriggerRegistry) Register(behavior, requesterID string, handler TriggerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[triggerKey{behavior, requesterID}] = handler
}

// Deregister removes the handler for a behavior and requester pair.
func (r *TriggerRegistry) Deregister(behavior, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, triggerKey{behavior, requesterID})
}

// Process dispatches a trigger to the handler registered for the behavior
// and the requesting contact.
func (r *TriggerRegistry) Process(ctx context.Context, behavior string, contact kad.Contact, contents json.RawMessage) (interface{}, error) {
	r.mu.Lock()
	handler, ok := r.handlers[triggerKey{behavior, contact.NodeID}]
	r.mu.Unlock()
	if !ok {
		return nil, ErrTriggerUnauthorized
	}
	return handler(ctx, contact, contents)
}
