package storage

import (
	"io"

	"github.com/uplo-tech/errors"
)

var (
	// ErrItemNotFound is returned when no item exists for a hash.
	ErrItemNotFound = errors.New("no storage item for that hash")

	// ErrShardNotFound is returned when an item has no shard bytes.
	ErrShardNotFound = errors.New("no shard data for that hash")

	// ErrAdapterClosed is returned by operations on a closed adapter.
	ErrAdapterClosed = errors.New("storage adapter has been closed")

	// errWriterDone is returned when writing to a committed or canceled
	// shard writer.
	errWriterDone = errors.New("shard writer is closed")
)

// A ShardWriter streams shard bytes into an adapter. The shard becomes
// visible to readers only when Close returns nil; Cancel discards whatever
// has been written so far. Calling Cancel after a successful Close is a
// no-op.
type ShardWriter interface {
	io.WriteCloser

	// Cancel aborts the write and releases any partial data.
	Cancel() error
}

// An Adapter persists items and shard bytes. Implementations must be safe
// for concurrent use; callers above the manager never touch an adapter
// directly.
type Adapter interface {
	// Open prepares the adapter for use.
	Open() error

	// Close flushes and releases the adapter's resources.
	Close() error

	// Put stores an item, replacing any previous copy.
	Put(it *Item) error

	// Get returns the item for a hash with ShardSize reflecting the bytes
	// actually on hand. It returns ErrItemNotFound when no item exists.
	Get(hash string) (*Item, error)

	// Peek is Get without consulting the shard store; the returned item
	// reports the size recorded at the last Put.
	Peek(hash string) (*Item, error)

	// Delete removes an item and its shard bytes. Deleting a missing hash
	// is not an error.
	Delete(hash string) error

	// Keys lists the hashes of all stored items.
	Keys() ([]string, error)

	// Size reports the total shard bytes stored.
	Size() (int64, error)

	// ShardReader streams the shard bytes for a hash. It returns
	// ErrShardNotFound when the item exists without its bytes.
	ShardReader(hash string) (io.ReadCloser, error)

	// ShardWriter begins streaming shard bytes for a hash, replacing any
	// previous bytes once committed.
	ShardWriter(hash string) (ShardWriter, error)
}
