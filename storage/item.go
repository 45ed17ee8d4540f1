// Package storage implements the content-addressed shard store: per-hash
// items carrying contracts, audit trees and challenges, pluggable adapters
// for the bytes and metadata, and a manager that serializes access per hash
// and reaps expired items.
package storage

import (
	"time"

	"github.com/granary-tech/granary/contract"
)

// An Item is everything a node knows about one shard hash: the contracts it
// has entered keyed by counterparty (node id or hd key), the public audit
// trees keyed by renter id, the private challenge sets keyed by renter id,
// and the size of the shard bytes when they are present.
type Item struct {
	Hash       string                        `json:"hash"`
	Contracts  map[string]*contract.Contract `json:"contracts"`
	Trees      map[string][]string           `json:"trees"`
	Challenges map[string][]string           `json:"challenges"`
	ShardSize  int64                         `json:"shardsize"`
}

// NewItem returns an empty item for a shard hash.
func NewItem(hash string) *Item {
	return &Item{
		Hash:       hash,
		Contracts:  make(map[string]*contract.Contract),
		Trees:      make(map[string][]string),
		Challenges: make(map[string][]string),
	}
}

// init backfills nil maps after JSON decoding.
func (it *Item) init() {
	if it.Contracts == nil {
		it.Contracts = make(map[string]*contract.Contract)
	}
	if it.Trees == nil {
		it.Trees = make(map[string][]string)
	}
	if it.Challenges == nil {
		it.Challenges = make(map[string][]string)
	}
}

// AddContract files a contract under the counterparty key.
func (it *Item) AddContract(key string, c *contract.Contract) {
	if key == "" {
		return
	}
	it.Contracts[key] = c
}

// Contract looks a contract up by the first matching key. Callers pass the
// counterparty's hd key and node id; empty keys are skipped.
func (it *Item) Contract(keys ...string) (*contract.Contract, bool) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if c, ok := it.Contracts[key]; ok {
			return c, true
		}
	}
	return nil, false
}

// RemoveContract drops the contract filed under key.
func (it *Item) RemoveContract(key string) {
	delete(it.Contracts, key)
}

// SetTree stores a renter's public audit leaves.
func (it *Item) SetTree(renterID string, leaves []string) {
	it.Trees[renterID] = append([]string(nil), leaves...)
}

// Tree returns a renter's public audit leaves.
func (it *Item) Tree(renterID string) ([]string, bool) {
	leaves, ok := it.Trees[renterID]
	return leaves, ok
}

// SetChallenges stores the private challenge set for a renter id.
func (it *Item) SetChallenges(renterID string, challenges []string) {
	it.Challenges[renterID] = append([]string(nil), challenges...)
}

// ChallengeSet returns the private challenges stored for a renter id.
func (it *Item) ChallengeSet(renterID string) ([]string, bool) {
	challenges, ok := it.Challenges[renterID]
	return challenges, ok
}

// HasShard reports whether shard bytes are present.
func (it *Item) HasShard() bool {
	return it.ShardSize > 0
}

// Expired reports whether every contract window has ended. Items with no
// contracts at all count as expired; nothing references them.
func (it *Item) Expired(now time.Time) bool {
	for _, c := range it.Contracts {
		if !c.Expired(now) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	clone := NewItem(it.Hash)
	clone.ShardSize = it.ShardSize
	for key, c := range it.Contracts {
		clone.Contracts[key] = c.Clone()
	}
	for key, leaves := range it.Trees {
		clone.Trees[key] = append([]string(nil), leaves...)
	}
	for key, challenges := range it.Challenges {
		clone.Challenges[key] = append([]string(nil), challenges...)
	}
	return clone
}
