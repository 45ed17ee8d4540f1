package storage

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/uplo-tech/bolt"
	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/writeaheadlog"

	"github.com/granary-tech/granary/persist"
)

const (
	itemsDBFilename = "items.db"
	shardsDirName   = "shards"
	walFilename     = "storage.wal"

	// shardChunkSize is the value size shards are split into inside the
	// shard database.
	shardChunkSize = 128 << 10

	// updateDeleteName names the wal update that removes an item and its
	// shard across both databases.
	updateDeleteName = "storageItemDelete"
)

var (
	dbMetadata = persist.Metadata{
		Header:  "Granary Storage",
		Version: "1.0.0",
	}

	bucketItems = []byte("Items")
)

// shardMeta is the commit record for a stored shard. Chunks written under
// any other generation are garbage and swept at open.
type shardMeta struct {
	Size   uint64
	Chunks uint64
	Gen    uint64
}

// metaKey returns the shard database key holding a shard's commit record.
func metaKey(hash string) []byte {
	return append([]byte{'m'}, hash...)
}

// chunkKey returns the shard database key for one chunk of a shard
// generation.
func chunkKey(hash string, gen, index uint64) []byte {
	key := make([]byte, 0, 1+len(hash)+16)
	key = append(key, 'c')
	key = append(key, hash...)
	key = binary.BigEndian.AppendUint64(key, gen)
	key = binary.BigEndian.AppendUint64(key, index)
	return key
}

// chunkGenPrefix returns the key prefix shared by every chunk of one shard
// generation.
func chunkGenPrefix(hash string, gen uint64) []byte {
	prefix := make([]byte, 0, 1+len(hash)+8)
	prefix = append(prefix, 'c')
	prefix = append(prefix, hash...)
	return binary.BigEndian.AppendUint64(prefix, gen)
}

// splitChunkKey recovers the hash and generation from a chunk key.
func splitChunkKey(key []byte) (hash string, gen uint64, ok bool) {
	if len(key) != 1+40+16 || key[0] != 'c' {
		return "", 0, false
	}
	return string(key[1:41]), binary.BigEndian.Uint64(key[41:49]), true
}

// DiskAdapter persists items in a bolt database and shard bytes in a
// leveldb store, split into fixed-size chunks. A write ahead log covers the
// one operation that must mutate both databases.
type DiskAdapter struct {
	dir string

	mu     sync.Mutex
	db     *persist.BoltDatabase
	shards *leveldb.DB
	wal    *writeaheadlog.WAL
}

// NewDiskAdapter returns an unopened adapter rooted at dir.
func NewDiskAdapter(dir string) *DiskAdapter {
	return &DiskAdapter{dir: dir}
}

// Open opens the databases, replays any interrupted deletes from the wal,
// and sweeps chunk records left behind by interrupted shard writes.
func (da *DiskAdapter) Open() (err error) {
	da.mu.Lock()
	defer da.mu.Unlock()
	if da.db != nil {
		return nil
	}
	if err = os.MkdirAll(da.dir, persist.DefaultDirPermissions); err != nil {
		return errors.AddContext(err, "unable to create storage directory")
	}

	db, err := persist.OpenDatabase(dbMetadata, filepath.Join(da.dir, itemsDBFilename))
	if err != nil {
		return errors.AddContext(err, "unable to open item database")
	}
	defer func() {
		if err != nil {
			err = errors.Compose(err, db.Close())
		}
	}()
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketItems)
		return berr
	})
	if err != nil {
		return errors.AddContext(err, "unable to create item bucket")
	}

	shards, err := leveldb.OpenFile(filepath.Join(da.dir, shardsDirName), nil)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		shards, err = leveldb.RecoverFile(filepath.Join(da.dir, shardsDirName), nil)
	}
	if err != nil {
		return errors.AddContext(err, "unable to open shard database")
	}
	defer func() {
		if err != nil {
			err = errors.Compose(err, shards.Close())
		}
	}()

	txns, wal, err := writeaheadlog.New(filepath.Join(da.dir, walFilename))
	if err != nil {
		return errors.AddContext(err, "unable to open write ahead log")
	}
	defer func() {
		if err != nil {
			_, werr := wal.CloseIncomplete()
			err = errors.Compose(err, werr)
		}
	}()

	// Finish deletes that were interrupted by an unclean shutdown.
	for _, txn := range txns {
		for _, update := range txn.Updates {
			if !isDeleteUpdate(update) {
				continue
			}
			hash, uerr := readDeleteUpdate(update)
			if uerr != nil {
				return errors.AddContext(uerr, "unable to decode wal update")
			}
			if uerr := applyDelete(db, shards, hash); uerr != nil {
				return errors.AddContext(uerr, "unable to replay interrupted delete")
			}
		}
		if uerr := txn.SignalUpdatesApplied(); uerr != nil {
			return errors.AddContext(uerr, "unable to mark wal transaction applied")
		}
	}
	if err = sweepChunks(shards); err != nil {
		return errors.AddContext(err, "unable to sweep uncommitted chunks")
	}

	da.db = db
	da.shards = shards
	da.wal = wal
	return nil
}

// Close releases the databases and the wal.
func (da *DiskAdapter) Close() error {
	da.mu.Lock()
	defer da.mu.Unlock()
	if da.db == nil {
		return nil
	}
	_, walErr := da.wal.CloseIncomplete()
	err := errors.Compose(walErr, da.shards.Close(), da.db.Close())
	da.db = nil
	da.shards = nil
	da.wal = nil
	return err
}

// handles returns the open database handles, or ErrAdapterClosed.
func (da *DiskAdapter) handles() (*persist.BoltDatabase, *leveldb.DB, *writeaheadlog.WAL, error) {
	da.mu.Lock()
	defer da.mu.Unlock()
	if da.db == nil {
		return nil, nil, nil, ErrAdapterClosed
	}
	return da.db, da.shards, da.wal, nil
}

// Put stores the item record.
func (da *DiskAdapter) Put(it *Item) error {
	db, _, _, err := da.handles()
	if err != nil {
		return err
	}
	blob, err := json.Marshal(it)
	if err != nil {
		return errors.AddContext(err, "unable to encode item")
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Put([]byte(it.Hash), blob)
	})
}

// getItem fetches and decodes the bolt record for a hash.
func (da *DiskAdapter) getItem(db *persist.BoltDatabase, hash string) (*Item, error) {
	var blob []byte
	err := db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketItems).Get([]byte(hash))
		if value != nil {
			blob = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrItemNotFound
	}
	it := new(Item)
	if err := json.Unmarshal(blob, it); err != nil {
		return nil, errors.AddContext(err, "unable to decode item")
	}
	it.init()
	return it, nil
}

// readMeta fetches a shard's commit record, returning nil when the shard is
// not stored.
func readMeta(shards *leveldb.DB, hash string) (*shardMeta, error) {
	blob, err := shards.Get(metaKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta := new(shardMeta)
	if err := encoding.Unmarshal(blob, meta); err != nil {
		return nil, errors.AddContext(err, "unable to decode shard record")
	}
	return meta, nil
}

// Get returns the item with ShardSize reflecting the bytes actually stored.
func (da *DiskAdapter) Get(hash string) (*Item, error) {
	db, shards, _, err := da.handles()
	if err != nil {
		return nil, err
	}
	it, err := da.getItem(db, hash)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(shards, hash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		it.ShardSize = 0
	} else {
		it.ShardSize = int64(meta.Size)
	}
	return it, nil
}

// Peek returns the item record without consulting the shard database.
func (da *DiskAdapter) Peek(hash string) (*Item, error) {
	db, _, _, err := da.handles()
	if err != nil {
		return nil, err
	}
	return da.getItem(db, hash)
}

// Delete removes an item and its shard. The removal spans both databases,
// so it is logged to the wal first and replayed at open if interrupted.
func (da *DiskAdapter) Delete(hash string) error {
	db, shards, wal, err := da.handles()
	if err != nil {
		return err
	}
	txn, err := wal.NewTransaction([]writeaheadlog.Update{deleteUpdate(hash)})
	if err != nil {
		return errors.AddContext(err, "unable to create wal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "unable to commit wal transaction")
	}
	if err := applyDelete(db, shards, hash); err != nil {
		return errors.AddContext(err, "unable to apply delete")
	}
	return txn.SignalUpdatesApplied()
}

// applyDelete removes the item record, the shard commit record, and every
// chunk for the hash. It is idempotent so wal replay can run it again.
func applyDelete(db *persist.BoltDatabase, shards *leveldb.DB, hash string) error {
	err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Delete([]byte(hash))
	})
	if err != nil {
		return err
	}
	if err := shards.Delete(metaKey(hash), nil); err != nil {
		return err
	}
	return deleteChunks(shards, hash)
}

// deleteChunks removes every chunk record for a hash.
func deleteChunks(shards *leveldb.DB, hash string) error {
	prefix := append([]byte{'c'}, hash...)
	iter := shards.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := shards.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

// sweepChunks removes chunks that do not belong to a committed shard
// generation, left behind by writes that were interrupted before commit.
func sweepChunks(shards *leveldb.DB) error {
	live := make(map[string]uint64)
	iter := shards.NewIterator(util.BytesPrefix([]byte{'m'}), nil)
	for iter.Next() {
		var meta shardMeta
		if err := encoding.Unmarshal(iter.Value(), &meta); err != nil {
			continue
		}
		live[string(iter.Key()[1:])] = meta.Gen
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	iter = shards.NewIterator(util.BytesPrefix([]byte{'c'}), nil)
	defer iter.Release()
	for iter.Next() {
		hash, gen, ok := splitChunkKey(iter.Key())
		if ok {
			if committed, exists := live[hash]; exists && committed == gen {
				continue
			}
		}
		if err := shards.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Keys lists the hashes of all stored items.
func (da *DiskAdapter) Keys() ([]string, error) {
	db, _, _, err := da.handles()
	if err != nil {
		return nil, err
	}
	var keys []string
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Size sums the committed shard sizes.
func (da *DiskAdapter) Size() (int64, error) {
	_, shards, _, err := da.handles()
	if err != nil {
		return 0, err
	}
	var total int64
	iter := shards.NewIterator(util.BytesPrefix([]byte{'m'}), nil)
	defer iter.Release()
	for iter.Next() {
		var meta shardMeta
		if err := encoding.Unmarshal(iter.Value(), &meta); err != nil {
			continue
		}
		total += int64(meta.Size)
	}
	return total, iter.Error()
}

// ShardReader streams the committed shard for a hash chunk by chunk.
func (da *DiskAdapter) ShardReader(hash string) (io.ReadCloser, error) {
	_, shards, _, err := da.handles()
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(shards, hash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrShardNotFound
	}
	return &chunkReader{shards: shards, hash: hash, meta: *meta}, nil
}

// chunkReader streams a shard's chunks in order.
type chunkReader struct {
	shards *leveldb.DB
	hash   string
	meta   shardMeta
	next   uint64
	buf    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= r.meta.Chunks {
			return 0, io.EOF
		}
		chunk, err := r.shards.Get(chunkKey(r.hash, r.meta.Gen, r.next), nil)
		if err == leveldb.ErrNotFound {
			return 0, errors.AddContext(ErrShardNotFound, "shard chunk missing")
		}
		if err != nil {
			return 0, err
		}
		r.buf = chunk
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

// ShardWriter begins a shard write under a fresh generation. Chunks land in
// the shard database as they fill; nothing is visible until Close writes
// the commit record.
func (da *DiskAdapter) ShardWriter(hash string) (ShardWriter, error) {
	_, shards, _, err := da.handles()
	if err != nil {
		return nil, err
	}
	return &diskShardWriter{
		shards: shards,
		hash:   hash,
		gen:    uint64(time.Now().UnixNano()),
		buf:    make([]byte, 0, shardChunkSize),
	}, nil
}

type diskShardWriter struct {
	shards *leveldb.DB
	hash   string
	gen    uint64
	buf    []byte
	chunks uint64
	size   uint64
	done   bool
}

func (w *diskShardWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errWriterDone
	}
	n := len(p)
	w.size += uint64(n)
	for len(p) > 0 {
		space := shardChunkSize - len(w.buf)
		if space > len(p) {
			space = len(p)
		}
		w.buf = append(w.buf, p[:space]...)
		p = p[space:]
		if len(w.buf) == shardChunkSize {
			if err := w.flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (w *diskShardWriter) flush() error {
	if err := w.shards.Put(chunkKey(w.hash, w.gen, w.chunks), w.buf, nil); err != nil {
		return err
	}
	w.chunks++
	w.buf = w.buf[:0]
	return nil
}

// Close commits the shard. Writing the commit record is the atomic point;
// the chunks of the generation it replaces are removed afterwards.
func (w *diskShardWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if len(w.buf) > 0 {
		if err := w.flush(); err != nil {
			return errors.Compose(err, w.discard())
		}
	}
	old, err := readMeta(w.shards, w.hash)
	if err != nil {
		return errors.Compose(err, w.discard())
	}
	blob := encoding.Marshal(shardMeta{Size: w.size, Chunks: w.chunks, Gen: w.gen})
	if err := w.shards.Put(metaKey(w.hash), blob, nil); err != nil {
		return errors.Compose(err, w.discard())
	}
	if old == nil || old.Gen == w.gen {
		return nil
	}
	iter := w.shards.NewIterator(util.BytesPrefix(chunkGenPrefix(w.hash, old.Gen)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := w.shards.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Cancel discards the chunks written under this writer's generation.
func (w *diskShardWriter) Cancel() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.discard()
}

func (w *diskShardWriter) discard() error {
	iter := w.shards.NewIterator(util.BytesPrefix(chunkGenPrefix(w.hash, w.gen)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := w.shards.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

// deleteUpdate logs the intent to remove an item and its shard.
func deleteUpdate(hash string) writeaheadlog.Update {
	return writeaheadlog.Update{
		Name:         updateDeleteName,
		Instructions: encoding.Marshal(hash),
	}
}

// isDeleteUpdate reports whether a wal update belongs to this package.
func isDeleteUpdate(update writeaheadlog.Update) bool {
	return update.Name == updateDeleteName
}

// readDeleteUpdate decodes the hash from a delete update.
func readDeleteUpdate(update writeaheadlog.Update) (string, error) {
	var hash string
	err := encoding.Unmarshal(update.Instructions, &hash)
	return hash, err
}
