package persist

import (
	"time"

	"github.com/uplo-tech/bolt"
	"github.com/uplo-tech/errors"
)

var (
	// ErrNilBucket is returned when a bucket that is expected to exist does
	// not exist.
	ErrNilBucket = errors.New("bucket does not exist")

	// ErrNilEntry is returned when an entry that is expected to exist does
	// not exist.
	ErrNilEntry = errors.New("entry does not exist")
)

// BoltDatabase is a persist-level wrapper for the bolt database, allowing
// tighter control over database versions and headers.
type BoltDatabase struct {
	Metadata
	*bolt.DB
}

// updateMetadata will set the contents of the metadata bucket to be what is
// stored inside the metadata argument.
func (db *BoltDatabase) updateMetadata(tx *bolt.Tx) error {
	bucket, err := tx.CreateBucketIfNotExists([]byte("Metadata"))
	if err != nil {
		return err
	}
	err = bucket.Put([]byte("Header"), []byte(db.Header))
	if err != nil {
		return err
	}
	return bucket.Put([]byte("Version"), []byte(db.Version))
}

// checkMetadata confirms that the metadata in the database is correct. If
// there is no metadata, correct metadata is inserted.
func (db *BoltDatabase) checkMetadata(md Metadata) error {
	return db.Update(func(tx *bolt.Tx) error {
		// Check if the database has metadata. If not, create metadata for
		// the database.
		bucket := tx.Bucket([]byte("Metadata"))
		if bucket == nil {
			return db.updateMetadata(tx)
		}

		// Verify that the metadata matches the expected metadata.
		header := bucket.Get([]byte("Header"))
		if string(header) != md.Header {
			return ErrBadHeader
		}
		version := bucket.Get([]byte("Version"))
		if string(version) != md.Version {
			return ErrBadVersion
		}
		return nil
	})
}

// OpenDatabase opens a database filename and checks its metadata, creating
// the file if it does not exist.
func OpenDatabase(md Metadata, filename string) (*BoltDatabase, error) {
	// Open the database using a 3 second timeout (without the timeout,
	// database will potentially hang indefinitely).
	db, err := bolt.Open(filename, DefaultFilePermissions, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.AddContext(err, "unable to open bolt database")
	}
	boltDB := &BoltDatabase{
		Metadata: md,
		DB:       db,
	}
	err = boltDB.checkMetadata(md)
	if err != nil {
		return nil, errors.Compose(err, db.Close())
	}
	return boltDB, nil
}
