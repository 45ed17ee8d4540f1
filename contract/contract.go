// Package contract implements the signed storage agreement between a renter
// and a farmer covering one shard. A contract is a flat record of recognized
// fields; unknown fields are dropped on decode. Both parties sign the
// canonical digest of the record, and the topic opcode derived from the
// contract routes proposals through the publish/subscribe layer.
package contract

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/crypto"
	"github.com/granary-tech/granary/identity"
)

const (
	// CurrentVersion is the contract format version this codebase emits and
	// accepts.
	CurrentVersion = 2
)

var (
	// ErrInvalidContract is returned when a contract fails schema or
	// structural validation.
	ErrInvalidContract = errors.New("invalid contract")

	// ErrUnknownRole is returned when a signing role is neither renter nor
	// farmer.
	ErrUnknownRole = errors.New("unknown contract role")
)

// Role selects which party of a contract an operation applies to.
type Role string

const (
	// RoleRenter is the party requesting storage.
	RoleRenter Role = "renter"

	// RoleFarmer is the party offering storage.
	RoleFarmer Role = "farmer"
)

// recognizedKeys lists every contract field in lexicographic order. The
// serialized form of a contract carries exactly this key set.
var recognizedKeys = []string{
	"audit_count",
	"audit_leaves",
	"data_hash",
	"data_size",
	"farmer_hd_index",
	"farmer_hd_key",
	"farmer_id",
	"farmer_signature",
	"payment_amount",
	"payment_destination",
	"payment_download_price",
	"payment_source",
	"payment_storage_price",
	"renter_hd_index",
	"renter_hd_key",
	"renter_id",
	"renter_signature",
	"store_begin",
	"store_end",
	"version",
}

// A Contract binds one shard hash to one renter/farmer pair for a time
// window. String fields are empty until set and serialize as null; sizes and
// timestamps are plain integers, timestamps in epoch milliseconds.
//
// Fields may be assigned directly by code that owns the contract; wire-keyed
// mutation goes through Set/Update, which ignore unrecognized keys.
type Contract struct {
	Version              int
	RenterID             string
	RenterHDKey          string
	RenterHDIndex        uint32
	RenterSignature      string
	FarmerID             string
	FarmerHDKey          string
	FarmerHDIndex        uint32
	FarmerSignature      string
	PaymentSource        string
	PaymentDestination   string
	PaymentDownloadPrice int64
	PaymentStoragePrice  int64
	PaymentAmount        int64
	DataHash             string
	DataSize             int64
	StoreBegin           int64
	StoreEnd             int64
	AuditCount           int
	AuditLeaves          []string

	// criteria holds the publish dimensions that are not contract fields;
	// it never serializes.
	criteria Criteria
}

// New returns an empty contract at the current version.
func New() *Contract {
	return &Contract{
		Version:     CurrentVersion,
		AuditLeaves: []string{},
	}
}

// FromMap builds a contract from a wire-keyed field map, ignoring
// unrecognized keys.
func FromMap(fields map[string]interface{}) *Contract {
	c := New()
	c.Update(fields)
	return c
}

// FromJSON decodes a contract from its JSON wire form.
func FromJSON(data []byte) (*Contract, error) {
	c := New()
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Update applies every recognized key in fields via Set.
func (c *Contract) Update(fields map[string]interface{}) {
	for key, value := range fields {
		c.Set(key, value)
	}
}

// Set assigns a recognized field from its wire key, coercing JSON-shaped
// values (float64 numbers, []interface{} arrays). It reports whether the
// assignment was applied; unrecognized keys and uncoercible values are
// ignored.
func (c *Contract) Set(key string, value interface{}) bool {
	switch key {
	case "version":
		n, ok := toInt64(value)
		if !ok {
			return false
		}
		c.Version = int(n)
	case "renter_id":
		return setString(&c.RenterID, value)
	case "renter_hd_key":
		return setString(&c.RenterHDKey, value)
	case "renter_hd_index":
		return setHDIndex(&c.RenterHDIndex, value)
	case "renter_signature":
		return setString(&c.RenterSignature, value)
	case "farmer_id":
		return setString(&c.FarmerID, value)
	case "farmer_hd_key":
		return setString(&c.FarmerHDKey, value)
	case "farmer_hd_index":
		return setHDIndex(&c.FarmerHDIndex, value)
	case "farmer_signature":
		return setString(&c.FarmerSignature, value)
	case "payment_source":
		return setString(&c.PaymentSource, value)
	case "payment_destination":
		return setString(&c.PaymentDestination, value)
	case "payment_download_price":
		return setInt64(&c.PaymentDownloadPrice, value)
	case "payment_storage_price":
		return setInt64(&c.PaymentStoragePrice, value)
	case "payment_amount":
		return setInt64(&c.PaymentAmount, value)
	case "data_hash":
		return setString(&c.DataHash, value)
	case "data_size":
		return setInt64(&c.DataSize, value)
	case "store_begin":
		return setInt64(&c.StoreBegin, value)
	case "store_end":
		return setInt64(&c.StoreEnd, value)
	case "audit_count":
		n, ok := toInt64(value)
		if !ok || n < 0 {
			return false
		}
		c.AuditCount = int(n)
	case "audit_leaves":
		ls, ok := toStringSlice(value)
		if !ok {
			return false
		}
		c.AuditLeaves = ls
	default:
		return false
	}
	return true
}

// Get reads a recognized field by its wire key. Numbers are returned as
// int64, strings as string, leaves as a copied slice.
func (c *Contract) Get(key string) (interface{}, bool) {
	switch key {
	case "version":
		return int64(c.Version), true
	case "renter_id":
		return c.RenterID, true
	case "renter_hd_key":
		return c.RenterHDKey, true
	case "renter_hd_index":
		return int64(c.RenterHDIndex), true
	case "renter_signature":
		return c.RenterSignature, true
	case "farmer_id":
		return c.FarmerID, true
	case "farmer_hd_key":
		return c.FarmerHDKey, true
	case "farmer_hd_index":
		return int64(c.FarmerHDIndex), true
	case "farmer_signature":
		return c.FarmerSignature, true
	case "payment_source":
		return c.PaymentSource, true
	case "payment_destination":
		return c.PaymentDestination, true
	case "payment_download_price":
		return c.PaymentDownloadPrice, true
	case "payment_storage_price":
		return c.PaymentStoragePrice, true
	case "payment_amount":
		return c.PaymentAmount, true
	case "data_hash":
		return c.DataHash, true
	case "data_size":
		return c.DataSize, true
	case "store_begin":
		return c.StoreBegin, true
	case "store_end":
		return c.StoreEnd, true
	case "audit_count":
		return int64(c.AuditCount), true
	case "audit_leaves":
		return append([]string(nil), c.AuditLeaves...), true
	}
	return nil, false
}

// Clone returns a deep copy of the contract, criteria included.
func (c *Contract) Clone() *Contract {
	clone := *c
	clone.AuditLeaves = append([]string(nil), c.AuditLeaves...)
	return &clone
}

// wireMap renders the recognized fields as a JSON-ready object. Empty string
// fields render as null so every serialized contract carries the full key
// set. Signatures are omitted when withSignatures is false; that form is the
// canonical signing input.
func (c *Contract) wireMap(withSignatures bool) map[string]interface{} {
	leaves := c.AuditLeaves
	if leaves == nil {
		leaves = []string{}
	}
	m := map[string]interface{}{
		"version":                c.Version,
		"renter_id":              nullable(c.RenterID),
		"renter_hd_key":          nullable(c.RenterHDKey),
		"renter_hd_index":        c.RenterHDIndex,
		"farmer_id":              nullable(c.FarmerID),
		"farmer_hd_key":          nullable(c.FarmerHDKey),
		"farmer_hd_index":        c.FarmerHDIndex,
		"payment_source":         nullable(c.PaymentSource),
		"payment_destination":    nullable(c.PaymentDestination),
		"payment_download_price": c.PaymentDownloadPrice,
		"payment_storage_price":  c.PaymentStoragePrice,
		"payment_amount":         c.PaymentAmount,
		"data_hash":              nullable(c.DataHash),
		"data_size":              c.DataSize,
		"store_begin":            c.StoreBegin,
		"store_end":              c.StoreEnd,
		"audit_count":            c.AuditCount,
		"audit_leaves":           leaves,
	}
	if withSignatures {
		m["renter_signature"] = nullable(c.RenterSignature)
		m["farmer_signature"] = nullable(c.FarmerSignature)
	}
	return m
}

// MarshalJSON encodes the contract with its full recognized key set in
// lexicographic order.
func (c *Contract) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wireMap(true))
}

// UnmarshalJSON decodes a contract, dropping unknown fields and treating
// null as unset.
func (c *Contract) UnmarshalJSON(data []byte) error {
	var aux struct {
		Version              *int     `json:"version"`
		RenterID             *string  `json:"renter_id"`
		RenterHDKey          *string  `json:"renter_hd_key"`
		RenterHDIndex        *uint32  `json:"renter_hd_index"`
		RenterSignature      *string  `json:"renter_signature"`
		FarmerID             *string  `json:"farmer_id"`
		FarmerHDKey          *string  `json:"farmer_hd_key"`
		FarmerHDIndex        *uint32  `json:"farmer_hd_index"`
		FarmerSignature      *string  `json:"farmer_signature"`
		PaymentSource        *string  `json:"payment_source"`
		PaymentDestination   *string  `json:"payment_destination"`
		PaymentDownloadPrice *int64   `json:"payment_download_price"`
		PaymentStoragePrice  *int64   `json:"payment_storage_price"`
		PaymentAmount        *int64   `json:"payment_amount"`
		DataHash             *string  `json:"data_hash"`
		DataSize             *int64   `json:"data_size"`
		StoreBegin           *int64   `json:"store_begin"`
		StoreEnd             *int64   `json:"store_end"`
		AuditCount           *int     `json:"audit_count"`
		AuditLeaves          []string `json:"audit_leaves"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Compose(ErrInvalidContract, err)
	}
	decoded := New()
	if aux.Version != nil {
		decoded.Version = *aux.Version
	}
	if aux.RenterID != nil {
		decoded.RenterID = *aux.RenterID
	}
	if aux.RenterHDKey != nil {
		decoded.RenterHDKey = *aux.RenterHDKey
	}
	if aux.RenterHDIndex != nil {
		decoded.RenterHDIndex = *aux.RenterHDIndex
	}
	if aux.RenterSignature != nil {
		decoded.RenterSignature = *aux.RenterSignature
	}
	if aux.FarmerID != nil {
		decoded.FarmerID = *aux.FarmerID
	}
	if aux.FarmerHDKey != nil {
		decoded.FarmerHDKey = *aux.FarmerHDKey
	}
	if aux.FarmerHDIndex != nil {
		decoded.FarmerHDIndex = *aux.FarmerHDIndex
	}
	if aux.FarmerSignature != nil {
		decoded.FarmerSignature = *aux.FarmerSignature
	}
	if aux.PaymentSource != nil {
		decoded.PaymentSource = *aux.PaymentSource
	}
	if aux.PaymentDestination != nil {
		decoded.PaymentDestination = *aux.PaymentDestination
	}
	if aux.PaymentDownloadPrice != nil {
		decoded.PaymentDownloadPrice = *aux.PaymentDownloadPrice
	}
	if aux.PaymentStoragePrice != nil {
		decoded.PaymentStoragePrice = *aux.PaymentStoragePrice
	}
	if aux.PaymentAmount != nil {
		decoded.PaymentAmount = *aux.PaymentAmount
	}
	if aux.DataHash != nil {
		decoded.DataHash = *aux.DataHash
	}
	if aux.DataSize != nil {
		decoded.DataSize = *aux.DataSize
	}
	if aux.StoreBegin != nil {
		decoded.StoreBegin = *aux.StoreBegin
	}
	if aux.StoreEnd != nil {
		decoded.StoreEnd = *aux.StoreEnd
	}
	if aux.AuditCount != nil {
		decoded.AuditCount = *aux.AuditCount
	}
	if aux.AuditLeaves != nil {
		decoded.AuditLeaves = aux.AuditLeaves
	}
	decoded.criteria = c.criteria
	*c = *decoded
	return nil
}

// Bytes returns the JSON wire form. Marshaling a contract cannot fail; a
// failure here is a programmer error.
func (c *Contract) Bytes() []byte {
	b, err := json.Marshal(c)
	if err != nil {
		build.Critical("contract marshal failed:", err)
	}
	return b
}

// signingJSON is the canonical signing input: the recognized fields minus
// both signatures, keys in lexicographic order.
func (c *Contract) signingJSON() []byte {
	b, err := json.Marshal(c.wireMap(false))
	if err != nil {
		build.Critical("contract signing marshal failed:", err)
	}
	return b
}

// SigningDigest returns the SHA-256 digest of the canonical signing input.
func (c *Contract) SigningDigest() []byte {
	return crypto.SHA256(c.signingJSON())
}

// Hash returns the hex signing digest, a stable identifier for a proposal
// that does not change as parties countersign.
func (c *Contract) Hash() string {
	return hex.EncodeToString(c.SigningDigest())
}

// Sign computes the role's signature over the signing digest and stores it
// in the contract. Any field the caller wants covered must be set first.
func (c *Contract) Sign(role Role, kp *identity.KeyPair) error {
	sig := kp.SignCompact(c.SigningDigest())
	switch role {
	case RoleRenter:
		c.RenterSignature = sig
	case RoleFarmer:
		c.FarmerSignature = sig
	default:
		return ErrUnknownRole
	}
	return nil
}

// Verify checks the role's signature: the signer recovered from the compact
// signature must hash to the role's claimed node id.
func (c *Contract) Verify(role Role) error {
	var id, sig string
	switch role {
	case RoleRenter:
		id, sig = c.RenterID, c.RenterSignature
	case RoleFarmer:
		id, sig = c.FarmerID, c.FarmerSignature
	default:
		return ErrUnknownRole
	}
	if id == "" || sig == "" {
		return identity.ErrSignatureInvalid
	}
	return identity.VerifyCompact(c.SigningDigest(), sig, id)
}

// IsComplete reports whether the contract binds both parties: every required
// field set and both signatures verifying.
func (c *Contract) IsComplete() bool {
	if c.RenterID == "" || c.FarmerID == "" || c.DataHash == "" ||
		c.PaymentSource == "" || c.PaymentDestination == "" {
		return false
	}
	if c.Validate() != nil {
		return false
	}
	return c.Verify(RoleRenter) == nil && c.Verify(RoleFarmer) == nil
}

// StorageKey returns the identifier a contract is filed under for the given
// party: the party's hd key when present, its node id otherwise. Deriving
// renters share one hd key across child identities, so their contracts are
// found under the parent key.
func (c *Contract) StorageKey(role Role) string {
	switch role {
	case RoleRenter:
		if c.RenterHDKey != "" {
			return c.RenterHDKey
		}
		return c.RenterID
	case RoleFarmer:
		if c.FarmerHDKey != "" {
			return c.FarmerHDKey
		}
		return c.FarmerID
	}
	return ""
}

// WindowContains reports whether t falls inside the storage window,
// store_begin and store_end included.
func (c *Contract) WindowContains(t time.Time) bool {
	ms := t.UnixMilli()
	return c.StoreBegin <= ms && ms <= c.StoreEnd
}

// Expired reports whether the storage window ended before t.
func (c *Contract) Expired(t time.Time) bool {
	return c.StoreEnd < t.UnixMilli()
}

// Diff lists the wire keys on which a and b disagree.
func Diff(a, b *Contract) []string {
	var differing []string
	for _, key := range recognizedKeys {
		if key == "audit_leaves" {
			if !equalStrings(a.AuditLeaves, b.AuditLeaves) {
				differing = append(differing, key)
			}
			continue
		}
		av, _ := a.Get(key)
		bv, _ := b.Get(key)
		if av != bv {
			differing = append(differing, key)
		}
	}
	return differing
}

// Compare reports equality of the canonical forms of a and b, i.e. agreement
// on every field the signing digest covers.
func Compare(a, b *Contract) bool {
	return bytes.Equal(a.signingJSON(), b.signingJSON())
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func setString(dst *string, value interface{}) bool {
	s, ok := toString(value)
	if !ok {
		return false
	}
	*dst = s
	return true
}

func setInt64(dst *int64, value interface{}) bool {
	n, ok := toInt64(value)
	if !ok || n < 0 {
		return false
	}
	*dst = n
	return true
}

func setHDIndex(dst *uint32, value interface{}) bool {
	n, ok := toInt64(value)
	if !ok || n < 0 || n > int64(identity.MaxHDIndex) {
		return false
	}
	*dst = uint32(n)
	return true
}

func toString(value interface{}) (string, bool) {
	if value == nil {
		return "", true
	}
	s, ok := value.(string)
	return s, ok
}

func toInt64(value interface{}) (int64, bool) {
	switch n := value.(type) {
	case nil:
		return 0, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > 1<<62 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toStringSlice(value interface{}) ([]string, bool) {
	switch vs := value.(type) {
	case nil:
		return []string{}, true
	case []string:
		return append([]string(nil), vs...), true
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
