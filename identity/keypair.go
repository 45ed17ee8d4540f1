// Package identity implements the overlay node identity: a secp256k1 key
// pair whose 20-byte node id is RIPEMD160(SHA256(compressed public key)).
// Identities sign contracts and messages either with recoverable "compact"
// signatures (the Bitcoin signed-message construction) or with plain DER
// ECDSA signatures over SHA256 of the message.
package identity

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/crypto"
)

const (
	// NodeIDSize is the length of a node id in bytes.
	NodeIDSize = crypto.HashSize

	// addressVersion is the version byte prepended to the hash160 when
	// rendering the payment address of a key pair.
	addressVersion = 0

	// messageMagic is the prefix of the digest signed by compact
	// signatures. The construction matches the Bitcoin signed-message
	// scheme so that recovered public keys can be mapped back to node ids.
	messageMagic = "Bitcoin Signed Message:\n"
)

var (
	// ErrInvalidPrivateKey is returned when constructing a key pair from a
	// scalar that is not a valid 32-byte secp256k1 private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrSignatureInvalid is returned when a signature does not verify
	// against the claimed signer.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// A KeyPair holds a secp256k1 private key together with the derived node
// identity. A key pair is immutable for the life of the process.
type KeyPair struct {
	priv *btcec.PrivateKey

	// hdKey and hdIndex are set when the pair was derived from an extended
	// key; hdKey is the neutered (public) parent, hdIndex the child index.
	hdKey   string
	hdIndex uint32
}

// New generates a key pair from a fresh random private key.
func New() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.AddContext(err, "unable to generate private key")
	}
	return &KeyPair{priv: priv}, nil
}

// FromPrivateKeyHex constructs a key pair from a 64-character hex private
// scalar.
func FromPrivateKeyHex(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Compose(ErrInvalidPrivateKey, err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, ErrInvalidPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &KeyPair{priv: priv}, nil
}

// PrivateKeyHex returns the private scalar as 64 hex characters.
func (kp *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.priv.Serialize())
}

// PublicKeyHex returns the compressed 33-byte public key as hex.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.priv.PubKey().SerializeCompressed())
}

// NodeID returns the 40-character hex node identity,
// RIPEMD160(SHA256(compressed public key)).
func (kp *KeyPair) NodeID() string {
	return NodeIDFromPublicKey(kp.priv.PubKey())
}

// Address returns the base58check payment address of the key pair.
func (kp *KeyPair) Address() string {
	h := crypto.Hash160(kp.priv.PubKey().SerializeCompressed())
	return base58.CheckEncode(h.Bytes(), addressVersion)
}

// HDKey returns the neutered parent extended key and child index the pair
// was derived from. The key is empty for non-derived pairs.
func (kp *KeyPair) HDKey() (string, uint32) {
	return kp.hdKey, kp.hdIndex
}

// SignCompact signs msg with the recoverable signed-message construction and
// returns the 65-byte signature base64-encoded.
func (kp *KeyPair) SignCompact(msg []byte) string {
	sig := btcecdsa.SignCompact(kp.priv, messageDigest(msg), true)
	return base64.StdEncoding.EncodeToString(sig)
}

// SignDER signs SHA256(msg) with plain ECDSA and returns the DER signature
// base64-encoded.
func (kp *KeyPair) SignDER(msg []byte) string {
	sig := btcecdsa.Sign(kp.priv, crypto.SHA256(msg))
	return base64.StdEncoding.EncodeToString(sig.Serialize())
}

// NodeIDFromPublicKey maps a public key to its hex node id.
func NodeIDFromPublicKey(pub *btcec.PublicKey) string {
	return crypto.Hash160(pub.SerializeCompressed()).String()
}

// NodeIDFromPublicKeyHex maps a compressed hex public key to its node id.
func NodeIDFromPublicKeyHex(pubHex string) (string, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", errors.AddContext(err, "could not decode public key")
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return "", errors.AddContext(err, "could not parse public key")
	}
	return crypto.Hash160(b).String(), nil
}

// RecoverNodeID recovers the signer's node id from a compact signature over
// msg.
func RecoverNodeID(msg []byte, sigB64 string) (string, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", errors.AddContext(err, "could not decode signature")
	}
	pub, _, err := btcecdsa.RecoverCompact(sig, messageDigest(msg))
	if err != nil {
		return "", errors.Compose(ErrSignatureInvalid, err)
	}
	return NodeIDFromPublicKey(pub), nil
}

// VerifyCompact checks a compact signature over msg against the claimed node
// id.
func VerifyCompact(msg []byte, sigB64, nodeID string) error {
	recovered, err := RecoverNodeID(msg, sigB64)
	if err != nil {
		return err
	}
	if recovered != nodeID {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyDER checks a DER signature over SHA256(msg) against a compressed hex
// public key.
func VerifyDER(msg []byte, sigB64, pubHex string) error {
	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errors.AddContext(err, "could not decode signature")
	}
	sig, err := btcecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return errors.Compose(ErrSignatureInvalid, err)
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return errors.AddContext(err, "could not decode public key")
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return errors.AddContext(err, "could not parse public key")
	}
	if !sig.Verify(crypto.SHA256(msg), pub) {
		return ErrSignatureInvalid
	}
	return nil
}

// messageDigest computes the double-SHA256 digest of the varint-framed magic
// prefix and message.
func messageDigest(msg []byte) []byte {
	buf := make([]byte, 0, len(messageMagic)+len(msg)+18)
	buf = appendVarint(buf, uint64(len(messageMagic)))
	buf = append(buf, messageMagic...)
	buf = appendVarint(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	return crypto.DoubleSHA256(buf)
}

// appendVarint appends the Bitcoin variable-length integer encoding of v.
func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(b, byte(v))
	case v <= 0xffff:
		b = append(b, 0xfd)
		return binary.LittleEndian.AppendUint16(b, uint16(v))
	case v <= 0xffffffff:
		b = append(b, 0xfe)
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	default:
		b = append(b, 0xff)
		return binary.LittleEndian.AppendUint64(b, v)
	}
}
