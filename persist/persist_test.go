package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/granary-tech/granary/build"
	"github.com/uplo-tech/bolt"
)

// testMeta is the metadata used by the persist tests.
var testMeta = Metadata{
	Header:  "Persist Test",
	Version: "1.2.0",
}

// TestSaveLoadJSON checks that a saved object round-trips and that metadata
// mismatches are caught.
func TestSaveLoadJSON(t *testing.T) {
	dir := build.TempDir("persist", t.Name())
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		t.Fatal(err)
	}
	filename := filepath.Join(dir, "test.json")

	type object struct {
		Name  string
		Count int
	}
	saved := object{Name: "shard", Count: 3}
	if err := SaveJSON(testMeta, saved, filename); err != nil {
		t.Fatal(err)
	}

	var loaded object
	if err := LoadJSON(testMeta, &loaded, filename); err != nil {
		t.Fatal(err)
	}
	if loaded != saved {
		t.Error("loaded object does not match saved object")
	}

	// Wrong header.
	err := LoadJSON(Metadata{Header: "Other", Version: testMeta.Version}, &loaded, filename)
	if err != ErrBadHeader {
		t.Error("expected ErrBadHeader, got", err)
	}
	// Wrong version.
	err = LoadJSON(Metadata{Header: testMeta.Header, Version: "0.0.0"}, &loaded, filename)
	if err != ErrBadVersion {
		t.Error("expected ErrBadVersion, got", err)
	}
}

// TestBoltDatabase checks metadata stamping and reopening of the bolt
// wrapper.
func TestBoltDatabase(t *testing.T) {
	dir := build.TempDir("persist", t.Name())
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		t.Fatal(err)
	}
	filename := filepath.Join(dir, "test.db")

	db, err := OpenDatabase(testMeta, filename)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("Shards"))
		if err != nil {
			return err
		}
		return b.Put([]byte("key"), []byte("value"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening with matching metadata must succeed and retain data.
	db, err = OpenDatabase(testMeta, filename)
	if err != nil {
		t.Fatal(err)
	}
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("Shards"))
		if b == nil {
			return ErrNilBucket
		}
		if string(b.Get([]byte("key"))) != "value" {
			return ErrNilEntry
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening with different metadata must fail.
	_, err = OpenDatabase(Metadata{Header: "Other", Version: "9"}, filename)
	if err == nil {
		t.Fatal("expected metadata mismatch error")
	}
}
