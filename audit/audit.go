// Package audit implements the custody proofs of the overlay. At contract
// time the renter derives a set of random challenges and one leaf per
// challenge, leaf = Hash160(Hash160(challenge || shard)), padded to a power
// of two and arranged in a Merkle tree. The padded leaf list is public and
// travels with the consignment; the challenges stay private with the renter.
// To answer an audit the farmer recomputes the pre-leaf for one challenge
// from its stored shard bytes and returns a Merkle proof, which the renter
// checks against the leaf list it published.
package audit

import (
	"bytes"
	"encoding/hex"
	"hash"
	"io"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/merkletree"

	"github.com/granary-tech/granary/crypto"
)

// ChallengeSize is the byte length of one audit challenge.
const ChallengeSize = 32

var (
	// ErrLeafUnknown is returned by Prove when the recomputed leaf does not
	// appear in the audit tree, meaning the shard bytes or the challenge do
	// not match the consignment.
	ErrLeafUnknown = errors.New("recomputed leaf is not in the audit tree")

	// ErrInvalidProof is returned by Verify when a proof does not check out
	// against the published leaves.
	ErrInvalidProof = errors.New("audit proof failed verification")

	// paddingLeaf fills the leaf list up to a power of two.
	paddingLeaf = crypto.Hash160(nil).String()
)

// A Stream generates the audit material for one shard in a single pass: it
// seeds one hasher per challenge and fans every written byte out to all of
// them. Write the full shard, then read the challenges and leaves.
type Stream struct {
	challenges []string
	hashers    []hash.Hash
}

// NewStream creates an audit stream with count fresh random challenges.
func NewStream(count int) *Stream {
	s := &Stream{
		challenges: make([]string, 0, count),
		hashers:    make([]hash.Hash, 0, count),
	}
	for i := 0; i < count; i++ {
		challenge := fastrand.Bytes(ChallengeSize)
		h := crypto.NewHash160()
		h.Write(challenge)
		s.challenges = append(s.challenges, hex.EncodeToString(challenge))
		s.hashers = append(s.hashers, h)
	}
	return s
}

// Write feeds shard bytes to every challenge hasher.
func (s *Stream) Write(p []byte) (int, error) {
	for _, h := range s.hashers {
		h.Write(p)
	}
	return len(p), nil
}

// Challenges returns the private challenge set, hex encoded.
func (s *Stream) Challenges() []string {
	return append([]string(nil), s.challenges...)
}

// Leaves returns the public record: one leaf per challenge over the bytes
// written so far, padded to a power of two. It may be called repeatedly as
// more bytes arrive; each call reflects the current prefix.
func (s *Stream) Leaves() []string {
	leaves := make([]string, 0, len(s.hashers))
	for _, h := range s.hashers {
		preLeaf := h.Sum(nil)
		leaves = append(leaves, crypto.Hash160(preLeaf).String())
	}
	return PadLeaves(leaves)
}

// Root returns the Merkle root of the current public record.
func (s *Stream) Root() (crypto.Hash, error) {
	return Root(s.Leaves())
}

// PadLeaves extends a copy of leaves to the next power of two with the
// padding leaf. An empty list stays empty.
func PadLeaves(leaves []string) []string {
	padded := append([]string(nil), leaves...)
	for len(padded) < nextPowerOfTwo(len(leaves)) {
		padded = append(padded, paddingLeaf)
	}
	return padded
}

// Root computes the Merkle root over a padded leaf list. The zero hash is
// returned for an empty list; a shard with no audits has no tree.
func Root(leaves []string) (crypto.Hash, error) {
	if len(leaves) == 0 {
		return crypto.Hash{}, nil
	}
	tree := merkletree.New(crypto.NewHash160())
	if err := pushLeaves(tree, leaves); err != nil {
		return crypto.Hash{}, err
	}
	var root crypto.Hash
	copy(root[:], tree.Root())
	return root, nil
}

// A Proof shows custody of a shard for one challenge. Path carries the
// Merkle proof set starting at the leaf; PreLeaf is Hash160(challenge ||
// shard), from which the verifier rebuilds the leaf.
type Proof struct {
	Index   uint64   `json:"index"`
	PreLeaf string   `json:"pre_leaf"`
	Path    []string `json:"path"`
}

// Prove streams the shard through the challenge hasher and builds the Merkle
// proof for the resulting leaf against the published leaf list.
func Prove(shard io.Reader, challengeHex string, leaves []string) (*Proof, error) {
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil || len(challenge) == 0 {
		return nil, errors.New("malformed audit challenge")
	}
	h := crypto.NewHash160()
	h.Write(challenge)
	if _, err := io.Copy(h, shard); err != nil {
		return nil, errors.AddContext(err, "unable to digest shard for audit")
	}
	preLeaf := h.Sum(nil)
	leaf := crypto.Hash160(preLeaf).String()

	index := -1
	for i, l := range leaves {
		if l == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, ErrLeafUnknown
	}

	tree := merkletree.New(crypto.NewHash160())
	if err := tree.SetIndex(uint64(index)); err != nil {
		return nil, errors.AddContext(err, "unable to select proof index")
	}
	if err := pushLeaves(tree, leaves); err != nil {
		return nil, err
	}
	_, proofSet, proofIndex, _ := tree.Prove()
	path := make([]string, 0, len(proofSet))
	for _, p := range proofSet {
		path = append(path, hex.EncodeToString(p))
	}
	return &Proof{
		Index:   proofIndex,
		PreLeaf: hex.EncodeToString(preLeaf),
		Path:    path,
	}, nil
}

// Verify checks the proof against the published leaf list: the pre-leaf must
// rebuild the leaf at the claimed index and the path must connect that leaf
// to the root of the list.
func (p *Proof) Verify(leaves []string) error {
	if len(leaves) == 0 || p.Index >= uint64(len(leaves)) {
		return ErrInvalidProof
	}
	preLeaf, err := hex.DecodeString(p.PreLeaf)
	if err != nil || len(preLeaf) != crypto.HashSize {
		return ErrInvalidProof
	}
	leaf := crypto.Hash160(preLeaf)
	if leaves[p.Index] != leaf.String() {
		return ErrInvalidProof
	}

	proofSet := make([][]byte, 0, len(p.Path))
	for _, entry := range p.Path {
		b, err := hex.DecodeString(entry)
		if err != nil {
			return ErrInvalidProof
		}
		proofSet = append(proofSet, b)
	}
	if len(proofSet) == 0 || !bytes.Equal(proofSet[0], leaf.Bytes()) {
		return ErrInvalidProof
	}

	root, err := Root(leaves)
	if err != nil {
		return err
	}
	if !merkletree.VerifyProof(crypto.NewHash160(), root.Bytes(), proofSet, p.Index, uint64(len(leaves))) {
		return ErrInvalidProof
	}
	return nil
}

// pushLeaves decodes and pushes every leaf into the tree.
func pushLeaves(tree *merkletree.Tree, leaves []string) error {
	for _, leaf := range leaves {
		b, err := hex.DecodeString(leaf)
		if err != nil {
			return errors.AddContext(err, "audit tree holds a malformed leaf")
		}
		tree.Push(b)
	}
	return nil
}

// nextPowerOfTwo returns the smallest power of two that is >= n. Zero maps
// to zero.
func nextPowerOfTwo(n int) int {
	if n == 0 {
		return 0
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
