package identity

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// Hierarchically derived keys used for storage contracts live under the
// purpose-specific path m/3000'/0'. Contracts carry the neutered key of that
// node ("renter_hd_key"/"farmer_hd_key") plus a non-hardened child index, so
// counterparties can derive the child public key and check it hashes to the
// claimed node id.
const (
	// hdStoragePurpose is the hardened purpose index of the storage
	// subtree.
	hdStoragePurpose = 3000

	// hdStorageGroup is the hardened group index below the purpose node.
	hdStorageGroup = 0

	// MaxHDIndex is the highest valid child index; child derivation is
	// non-hardened.
	MaxHDIndex = hdkeychain.HardenedKeyStart - 1
)

var (
	// ErrInvalidHDKey is returned when an extended key cannot be parsed or
	// has the wrong visibility for the requested operation.
	ErrInvalidHDKey = errors.New("invalid extended key")

	// ErrInvalidHDIndex is returned for child indices at or beyond the
	// hardened range.
	ErrInvalidHDIndex = errors.New("invalid hd index")
)

// NewMasterKey generates a fresh random master extended private key.
func NewMasterKey() (*hdkeychain.ExtendedKey, error) {
	seed := fastrand.Bytes(hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive master key")
	}
	return master, nil
}

// DeriveStorageKey derives the m/3000'/0' storage node from a master
// extended private key.
func DeriveStorageKey(master *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	if !master.IsPrivate() {
		return nil, ErrInvalidHDKey
	}
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + hdStoragePurpose)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive purpose node")
	}
	group, err := purpose.Derive(hdkeychain.HardenedKeyStart + hdStorageGroup)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive group node")
	}
	return group, nil
}

// FromExtendedKey constructs a key pair from the child at index below a
// storage-level extended private key. The returned pair remembers the
// neutered parent and index so contracts can carry them.
func FromExtendedKey(xkey string, index uint32) (*KeyPair, error) {
	if index > MaxHDIndex {
		return nil, ErrInvalidHDIndex
	}
	parent, err := hdkeychain.NewKeyFromString(xkey)
	if err != nil {
		return nil, errors.Compose(ErrInvalidHDKey, err)
	}
	if !parent.IsPrivate() {
		return nil, ErrInvalidHDKey
	}
	child, err := parent.Derive(index)
	if err != nil {
		return nil, errors.AddContext(err, "unable to derive child key")
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, errors.AddContext(err, "unable to extract child private key")
	}
	neutered, err := parent.Neuter()
	if err != nil {
		return nil, errors.AddContext(err, "unable to neuter parent key")
	}
	return &KeyPair{
		priv:    priv,
		hdKey:   neutered.String(),
		hdIndex: index,
	}, nil
}

// ChildNodeID derives the node id of the child at index below a neutered
// (public) extended key. It is used to check that a contract's hd key and
// index agree with the claimed node id.
func ChildNodeID(xpub string, index uint32) (string, error) {
	if index > MaxHDIndex {
		return "", ErrInvalidHDIndex
	}
	parent, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return "", errors.Compose(ErrInvalidHDKey, err)
	}
	child, err := parent.Derive(index)
	if err != nil {
		return "", errors.AddContext(err, "unable to derive child key")
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", errors.AddContext(err, "unable to extract child public key")
	}
	return NodeIDFromPublicKey(pub), nil
}
