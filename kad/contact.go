// Package kad defines the overlay surface the node is built against: peer
// contacts, the JSON-RPC message envelope, the error kinds shared by the
// RPC and tunnel surfaces, and the Router/Publisher interfaces a DHT
// binding must provide. The routing table itself lives behind those
// interfaces; kadtest provides an in-memory binding for tests.
package kad

import (
	"fmt"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/crypto"
)

// ErrInvalidContact is returned when a contact fails validation.
var ErrInvalidContact = errors.New("invalid contact")

// A Contact identifies a peer on the overlay. HDKey and HDIndex are set by
// peers that operate under a derived identity; for those peers contracts
// are filed under the hd key rather than the node id.
type Contact struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	NodeID  string `json:"nodeID"`
	HDKey   string `json:"hdKey,omitempty"`
	HDIndex uint32 `json:"hdIndex,omitempty"`
}

// String formats the contact as host:port.
func (c Contact) String() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// URL returns the contact's shard server base url.
func (c Contact) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Address, c.Port)
}

// Valid checks that the contact is routable and carries a well-formed node
// id.
func (c Contact) Valid() error {
	if c.Address == "" {
		return errors.Extend(errors.New("no address"), ErrInvalidContact)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Extend(errors.New("port out of range"), ErrInvalidContact)
	}
	if _, err := crypto.HashFromHex(c.NodeID); err != nil {
		return errors.Extend(errors.New("malformed node id"), ErrInvalidContact)
	}
	return nil
}
