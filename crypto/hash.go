// Package crypto collects the hashing primitives of the overlay. Node
// identities and shard identifiers are RIPEMD160(SHA256(data)) digests,
// referred to as Hash160 throughout the codebase.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/uplo-tech/errors"
	"golang.org/x/crypto/ripemd160"
)

const (
	// HashSize is the length of a Hash160 digest in bytes.
	HashSize = ripemd160.Size

	// HashHexSize is the length of a hex-encoded Hash160 digest.
	HashHexSize = HashSize * 2
)

var (
	// ErrHashWrongLen is returned when parsing a hex string whose decoded
	// length is not HashSize.
	ErrHashWrongLen = errors.New("encoded value has the wrong length to be a hash")
)

// Hash is a RIPEMD160(SHA256(data)) digest.
type Hash [HashSize]byte

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DoubleSHA256 returns SHA256(SHA256(data)), the digest used by the signed
// message construction.
func DoubleSHA256(data []byte) []byte {
	return SHA256(SHA256(data))
}

// Hash160 returns RIPEMD160(SHA256(data)) over the concatenation of the
// provided byte slices.
func Hash160(data ...[]byte) (h Hash) {
	inner := sha256.New()
	for _, d := range data {
		inner.Write(d)
	}
	outer := ripemd160.New()
	outer.Write(inner.Sum(nil))
	outer.Sum(h[:0])
	return h
}

// NewHash160 returns a streaming hash.Hash computing RIPEMD160(SHA256(data)).
// It is used wherever shard bytes are digested incrementally: upload
// integrity checks and audit leaf computation.
func NewHash160() hash.Hash {
	return &hash160{inner: sha256.New()}
}

type hash160 struct {
	inner hash.Hash
}

func (h *hash160) Write(p []byte) (int, error) { return h.inner.Write(p) }
func (h *hash160) Reset()                      { h.inner.Reset() }
func (h *hash160) Size() int                   { return HashSize }
func (h *hash160) BlockSize() int              { return h.inner.BlockSize() }

// Sum finalizes the composite digest. The inner SHA-256 state is not
// modified, so Sum may be called repeatedly while writing.
func (h *hash160) Sum(b []byte) []byte {
	outer := ripemd160.New()
	outer.Write(h.inner.Sum(nil))
	return outer.Sum(b)
}

// String prints the hash in hexadecimal.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// HashFromHex parses a 40-character hex string into a Hash.
func HashFromHex(s string) (h Hash, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, errors.AddContext(err, "could not decode hash")
	}
	if len(b) != HashSize {
		return Hash{}, ErrHashWrongLen
	}
	copy(h[:], b)
	return h, nil
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
