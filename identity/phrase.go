package identity

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/uplo-tech/entropy-mnemonics"
	"github.com/uplo-tech/errors"
)

// ErrInvalidPhrase is returned when a recovery phrase does not decode to a
// valid private key.
var ErrInvalidPhrase = errors.New("invalid recovery phrase")

// RecoveryPhrase encodes the private key as an english mnemonic phrase,
// suitable for writing down and re-importing with FromRecoveryPhrase.
func (kp *KeyPair) RecoveryPhrase() (string, error) {
	phrase, err := mnemonics.ToPhrase(kp.priv.Serialize(), mnemonics.English)
	if err != nil {
		return "", errors.AddContext(err, "unable to encode recovery phrase")
	}
	return phrase.String(), nil
}

// FromRecoveryPhrase reconstructs a key pair from an english mnemonic phrase
// produced by RecoveryPhrase.
func FromRecoveryPhrase(phrase string) (*KeyPair, error) {
	entropy, err := mnemonics.FromString(phrase, mnemonics.English)
	if err != nil {
		return nil, errors.Compose(ErrInvalidPhrase, err)
	}
	if len(entropy) != btcec.PrivKeyBytesLen {
		return nil, ErrInvalidPhrase
	}
	priv, _ := btcec.PrivKeyFromBytes(entropy)
	return &KeyPair{priv: priv}, nil
}
