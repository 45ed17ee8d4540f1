package contract

import (
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/granary-tech/granary/identity"
)

// contractSchemaJSON is the wire schema of a contract. Optional fields admit
// null; field relationships the schema cannot express are checked in code by
// Validate.
const contractSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-04/schema#",
	"type": "object",
	"properties": {
		"version": {
			"enum": [2]
		},
		"renter_id": {
			"type": ["string", "null"],
			"pattern": "^[0-9a-f]{40}$"
		},
		"renter_hd_key": {
			"type": ["string", "null"],
			"pattern": "^[1-9A-HJ-NP-Za-km-z]{111}$"
		},
		"renter_hd_index": {
			"type": "integer",
			"minimum": 0,
			"maximum": 2147483647
		},
		"renter_signature": {
			"type": ["string", "null"]
		},
		"farmer_id": {
			"type": ["string", "null"],
			"pattern": "^[0-9a-f]{40}$"
		},
		"farmer_hd_key": {
			"type": ["string", "null"],
			"pattern": "^[1-9A-HJ-NP-Za-km-z]{111}$"
		},
		"farmer_hd_index": {
			"type": "integer",
			"minimum": 0,
			"maximum": 2147483647
		},
		"farmer_signature": {
			"type": ["string", "null"]
		},
		"payment_source": {
			"type": ["string", "null"],
			"pattern": "^[1-9A-HJ-NP-Za-km-z]{26,35}$"
		},
		"payment_destination": {
			"type": ["string", "null"],
			"pattern": "^[1-9A-HJ-NP-Za-km-z]{26,35}$"
		},
		"payment_download_price": {
			"type": "integer",
			"minimum": 0
		},
		"payment_storage_price": {
			"type": "integer",
			"minimum": 0
		},
		"payment_amount": {
			"type": "integer",
			"minimum": 0
		},
		"data_hash": {
			"type": "string",
			"pattern": "^[0-9a-f]{40}$"
		},
		"data_size": {
			"type": "integer",
			"minimum": 1
		},
		"store_begin": {
			"type": "integer",
			"minimum": 0
		},
		"store_end": {
			"type": "integer",
			"minimum": 0
		},
		"audit_count": {
			"type": "integer",
			"minimum": 0
		},
		"audit_leaves": {
			"type": "array",
			"items": {
				"type": "string",
				"pattern": "^[0-9a-f]{40}$"
			}
		}
	},
	"required": [
		"version", "renter_id", "renter_hd_index", "renter_signature",
		"farmer_id", "farmer_hd_index", "farmer_signature",
		"payment_source", "payment_destination", "payment_download_price",
		"payment_storage_price", "payment_amount", "data_hash", "data_size",
		"store_begin", "store_end", "audit_count", "audit_leaves"
	]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaCompile  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		loader := gojsonschema.NewStringLoader(contractSchemaJSON)
		compiledSchema, schemaCompile = gojsonschema.NewSchema(loader)
	})
	return compiledSchema, schemaCompile
}

// Validate checks the contract against the wire schema plus the structural
// rules the schema cannot express: the store window must not be inverted,
// and when an hd key is present the derived child must hash to the claimed
// node id. A nil return means the contract is well formed; it says nothing
// about signatures or completeness.
func (c *Contract) Validate() error {
	schema, err := loadSchema()
	if err != nil {
		return errors.AddContext(err, "contract schema failed to compile")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(c.Bytes()))
	if err != nil {
		return errors.Compose(ErrInvalidContract, err)
	}
	if !result.Valid() {
		var violations error
		for _, desc := range result.Errors() {
			violations = errors.Compose(violations, errors.New(desc.String()))
		}
		return errors.Extend(violations, ErrInvalidContract)
	}
	if c.StoreBegin >= c.StoreEnd {
		return errors.Extend(errors.New("store window is inverted"), ErrInvalidContract)
	}
	if err := verifyHDIdentity(c.RenterHDKey, c.RenterHDIndex, c.RenterID); err != nil {
		return errors.Extend(errors.AddContext(err, "renter hd identity"), ErrInvalidContract)
	}
	if err := verifyHDIdentity(c.FarmerHDKey, c.FarmerHDIndex, c.FarmerID); err != nil {
		return errors.Extend(errors.AddContext(err, "farmer hd identity"), ErrInvalidContract)
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (c *Contract) IsValid() bool {
	return c.Validate() == nil
}

// verifyHDIdentity checks that the child at index under xpub hashes to the
// claimed node id. An empty xpub passes; hd fields are optional.
func verifyHDIdentity(xpub string, index uint32, claimed string) error {
	if xpub == "" {
		return nil
	}
	if claimed == "" {
		return errors.New("hd key present without a node id")
	}
	derived, err := identity.ChildNodeID(xpub, index)
	if err != nil {
		return err
	}
	if derived != claimed {
		return errors.New("derived child id does not match the claimed id")
	}
	return nil
}
