package kad

import (
	"context"
	"encoding/json"
)

// A Handler serves one RPC method. The contact is the sender as reported by
// the transport; params is the raw params member of the request. The
// returned value is encoded as the response result.
type Handler func(ctx context.Context, contact Contact, params json.RawMessage) (interface{}, error)

// A Router is the RPC half of a DHT binding: it dispatches inbound
// requests to registered handlers and sends outbound requests to peers.
type Router interface {
	// Use registers the handler for a method. Registering a method twice
	// replaces the previous handler.
	Use(method string, handler Handler)

	// Send issues a request to a peer and returns the raw result. An error
	// response surfaces as a *MessageError.
	Send(ctx context.Context, peer Contact, method string, params interface{}) (json.RawMessage, error)
}

// A DeliverFunc consumes one publication on a subscribed topic.
type DeliverFunc func(topic string, content json.RawMessage)

// A Publisher is the pub/sub half of a DHT binding: topic-routed
// publication of contract descriptors and subscription to topic sets.
type Publisher interface {
	// Publish broadcasts content under a topic. Relaying peers forward
	// the publication for at most ttl hops.
	Publish(ctx context.Context, topic string, content interface{}, ttl int) error

	// Subscribe registers deliver for every publication on any of the
	// topics. The returned cancel detaches the subscription.
	Subscribe(topics []string, deliver DeliverFunc) (cancel func())
}

// A ContactSetter is implemented by bindings that cannot know the node's
// advertised contact at construction time; the node supplies it once its
// listeners are bound.
type ContactSetter interface {
	SetContact(contact Contact)
}

// A Network is a full DHT binding.
type Network interface {
	Router
	Publisher
}
