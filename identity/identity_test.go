package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/granary-tech/granary/build"
)

// privKeyOne is the secp256k1 scalar 1; its compressed public key is the
// generator point, whose hash160 is a standard test vector.
const privKeyOne = "0000000000000000000000000000000000000000000000000000000000000001"

// TestKeyPairVectors checks node id, address, and public key derivation
// against known secp256k1 vectors.
func TestKeyPairVectors(t *testing.T) {
	kp, err := FromPrivateKeyHex(privKeyOne)
	if err != nil {
		t.Fatal(err)
	}
	if pub := kp.PublicKeyHex(); pub != "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798" {
		t.Errorf("wrong public key: %v", pub)
	}
	if id := kp.NodeID(); id != "751e76e8199196d454941c45d1b3a323f1433bd6" {
		t.Errorf("wrong node id: %v", id)
	}
	if addr := kp.Address(); addr != "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH" {
		t.Errorf("wrong address: %v", addr)
	}
	if kp.PrivateKeyHex() != privKeyOne {
		t.Error("private key did not round trip")
	}
}

// TestFromPrivateKeyHexInvalid checks rejection of malformed scalars.
func TestFromPrivateKeyHexInvalid(t *testing.T) {
	if _, err := FromPrivateKeyHex("abcd"); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for non-hex key")
	}
}

// TestSignRecoverCompact checks that the signer's node id can be recovered
// from a compact signature and that tampering is detected.
func TestSignRecoverCompact(t *testing.T) {
	kp, err := New()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("0f02000000 1f8ad1d1c3ebd85e4d09c40e1c4e51d0e83bf0b7")

	sig := kp.SignCompact(msg)
	recovered, err := RecoverNodeID(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != kp.NodeID() {
		t.Errorf("recovered %v, want %v", recovered, kp.NodeID())
	}
	if err := VerifyCompact(msg, sig, kp.NodeID()); err != nil {
		t.Errorf("verify failed: %v", err)
	}
	if err := VerifyCompact(append(msg, '!'), sig, kp.NodeID()); err == nil {
		t.Error("expected tampered message to fail verification")
	}
	if err := VerifyCompact(msg, sig, "0000000000000000000000000000000000000000"); err == nil {
		t.Error("expected wrong node id to fail verification")
	}
}

// TestSignVerifyDER checks plain ECDSA signatures against the compressed
// public key.
func TestSignVerifyDER(t *testing.T) {
	kp, err := New()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("der signature payload")

	sig := kp.SignDER(msg)
	if err := VerifyDER(msg, sig, kp.PublicKeyHex()); err != nil {
		t.Errorf("verify failed: %v", err)
	}
	if err := VerifyDER(append(msg, '!'), sig, kp.PublicKeyHex()); err == nil {
		t.Error("expected tampered message to fail verification")
	}
	other, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyDER(msg, sig, other.PublicKeyHex()); err == nil {
		t.Error("expected wrong public key to fail verification")
	}
}

// TestHDChildAgreement derives a contract identity from the storage subtree
// and checks that the advertised xpub and index reproduce the node id.
func TestHDChildAgreement(t *testing.T) {
	master, err := NewMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	storage, err := DeriveStorageKey(master)
	if err != nil {
		t.Fatal(err)
	}
	kp, err := FromExtendedKey(storage.String(), 5)
	if err != nil {
		t.Fatal(err)
	}

	xpub, index := kp.HDKey()
	if xpub == "" || index != 5 {
		t.Fatalf("unexpected hd fields: %v %v", xpub, index)
	}
	childID, err := ChildNodeID(xpub, index)
	if err != nil {
		t.Fatal(err)
	}
	if childID != kp.NodeID() {
		t.Errorf("child id %v does not match pair id %v", childID, kp.NodeID())
	}

	// A sibling index must map to a different id.
	siblingID, err := ChildNodeID(xpub, 6)
	if err != nil {
		t.Fatal(err)
	}
	if siblingID == childID {
		t.Error("sibling child produced the same node id")
	}
}

// TestHDInvalidInputs checks the guard rails around extended key handling.
func TestHDInvalidInputs(t *testing.T) {
	master, err := NewMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	neutered, err := master.Neuter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DeriveStorageKey(neutered); err == nil {
		t.Error("expected error deriving storage key from public key")
	}
	if _, err := FromExtendedKey(neutered.String(), 0); err == nil {
		t.Error("expected error constructing pair from public key")
	}
	if _, err := FromExtendedKey("xprvjunk", 0); err == nil {
		t.Error("expected error for malformed key")
	}
	if _, err := FromExtendedKey(master.String(), MaxHDIndex+1); err == nil {
		t.Error("expected error for hardened index")
	}
	if _, err := ChildNodeID("xpubjunk", 0); err == nil {
		t.Error("expected error for malformed xpub")
	}
}

// TestRecoveryPhrase round trips a key pair through its mnemonic phrase.
func TestRecoveryPhrase(t *testing.T) {
	kp, err := New()
	if err != nil {
		t.Fatal(err)
	}
	phrase, err := kp.RecoveryPhrase()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := FromRecoveryPhrase(phrase)
	if err != nil {
		t.Fatal(err)
	}
	if restored.NodeID() != kp.NodeID() {
		t.Error("restored pair has different node id")
	}
	if _, err := FromRecoveryPhrase("zzzz zzzz zzzz"); err == nil {
		t.Error("expected error for junk phrase")
	}
}

// TestKeyFilePersistence writes a key file and loads it back, including the
// hd fields.
func TestKeyFilePersistence(t *testing.T) {
	dir := build.TempDir("identity", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	filename := filepath.Join(dir, "granary.key")

	master, err := NewMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	storage, err := DeriveStorageKey(master)
	if err != nil {
		t.Fatal(err)
	}
	kp, err := FromExtendedKey(storage.String(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := kp.Save(filename); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(filename)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.NodeID() != kp.NodeID() {
		t.Error("loaded pair has different node id")
	}
	wantKey, wantIndex := kp.HDKey()
	gotKey, gotIndex := loaded.HDKey()
	if gotKey != wantKey || gotIndex != wantIndex {
		t.Error("hd fields did not round trip")
	}

	// LoadOrNew must return the existing pair, not mint a new one.
	again, err := LoadOrNew(filename)
	if err != nil {
		t.Fatal(err)
	}
	if again.NodeID() != kp.NodeID() {
		t.Error("LoadOrNew replaced the existing key")
	}

	// And it must create one when the file is missing.
	fresh, err := LoadOrNew(filepath.Join(dir, "fresh.key"))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.NodeID() == kp.NodeID() {
		t.Error("fresh pair collided with existing pair")
	}
}
