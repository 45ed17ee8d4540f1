package identity

import (
	"os"

	"github.com/uplo-tech/errors"

	"github.com/granary-tech/granary/persist"
)

// keyMetadata identifies a key file on disk. The version tracks the key file
// format, not the release.
var keyMetadata = persist.Metadata{
	Header:  "Granary Identity",
	Version: "1.0.0",
}

// keyFile is the on-disk form of a key pair. The hd fields are empty for
// non-derived pairs.
type keyFile struct {
	PrivateKey string `json:"privateKey"`
	HDKey      string `json:"hdKey,omitempty"`
	HDIndex    uint32 `json:"hdIndex,omitempty"`
}

// Save writes the key pair to filename, creating the parent directory if
// needed. The file is written with owner-only permissions.
func (kp *KeyPair) Save(filename string) error {
	if err := persist.MkdirAll(filename); err != nil {
		return errors.AddContext(err, "unable to create identity dir")
	}
	kf := keyFile{
		PrivateKey: kp.PrivateKeyHex(),
		HDKey:      kp.hdKey,
		HDIndex:    kp.hdIndex,
	}
	return errors.AddContext(persist.SaveJSON(keyMetadata, kf, filename), "unable to save key file")
}

// Load reads a key pair previously written with Save.
func Load(filename string) (*KeyPair, error) {
	var kf keyFile
	if err := persist.LoadJSON(keyMetadata, &kf, filename); err != nil {
		return nil, errors.AddContext(err, "unable to load key file")
	}
	kp, err := FromPrivateKeyHex(kf.PrivateKey)
	if err != nil {
		return nil, err
	}
	kp.hdKey = kf.HDKey
	kp.hdIndex = kf.HDIndex
	return kp, nil
}

// LoadOrNew loads the key pair at filename, generating and saving a fresh one
// when the file does not exist yet.
func LoadOrNew(filename string) (*KeyPair, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		kp, err := New()
		if err != nil {
			return nil, err
		}
		if err := kp.Save(filename); err != nil {
			return nil, err
		}
		return kp, nil
	}
	return Load(filename)
}
