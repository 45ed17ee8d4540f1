package storage

import (
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"

	"github.com/granary-tech/granary/build"
	"github.com/granary-tech/granary/contract"
	"github.com/granary-tech/granary/crypto"
	"github.com/granary-tech/granary/identity"
	"github.com/granary-tech/granary/persist"
)

// testLogger returns a logger that discards its output.
func testLogger(t *testing.T) *persist.Logger {
	logger, err := persist.NewLogger(ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

// testHash returns the shard hash of arbitrary bytes.
func testHash(data []byte) string {
	return crypto.Hash160(crypto.SHA256(data)).String()
}

// testItem builds an item with a single contract whose window ends at end.
func testItem(t *testing.T, hash string, end time.Time) *Item {
	renter, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	c := contract.New()
	c.RenterID = renter.NodeID()
	c.DataHash = hash
	c.StoreBegin = end.Add(-time.Hour).UnixMilli()
	c.StoreEnd = end.UnixMilli()
	it := NewItem(hash)
	it.AddContract(c.RenterID, c)
	return it
}

// runAdapterSuite exercises the common adapter behavior.
func runAdapterSuite(t *testing.T, adapter Adapter) {
	if err := adapter.Open(); err != nil {
		t.Fatal(err)
	}

	shard := fastrand.Bytes(300e3)
	hash := testHash(shard)

	// Items that were never stored are not found.
	if _, err := adapter.Get(hash); !errors.Contains(err, ErrItemNotFound) {
		t.Fatal("expected ErrItemNotFound, got", err)
	}
	if _, err := adapter.Peek(hash); !errors.Contains(err, ErrItemNotFound) {
		t.Fatal("expected ErrItemNotFound, got", err)
	}

	it := testItem(t, hash, time.Now().Add(time.Hour))
	it.SetTree("aa", []string{"bb", "cc"})
	if err := adapter.Put(it); err != nil {
		t.Fatal(err)
	}

	// The item exists but carries no shard yet.
	got, err := adapter.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasShard() {
		t.Error("item should not report a shard before one is written")
	}
	if len(got.Contracts) != 1 {
		t.Error("contract did not round trip")
	}
	if leaves, ok := got.Tree("aa"); !ok || len(leaves) != 2 {
		t.Error("tree did not round trip")
	}
	if _, err := adapter.ShardReader(hash); !errors.Contains(err, ErrShardNotFound) {
		t.Fatal("expected ErrShardNotFound, got", err)
	}

	// A canceled write leaves no shard behind.
	w, err := adapter.ShardWriter(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard[:100]); err != nil {
		t.Fatal(err)
	}
	if err := w.Cancel(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard); err == nil {
		t.Error("write after cancel should fail")
	}
	if _, err := adapter.ShardReader(hash); !errors.Contains(err, ErrShardNotFound) {
		t.Fatal("canceled write should not produce a shard, got", err)
	}

	// A committed write is readable and reported by Get and Size.
	w, err = adapter.ShardWriter(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(w, bytes.NewReader(shard)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	got, err = adapter.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.ShardSize != int64(len(shard)) {
		t.Errorf("shard size %v, expected %v", got.ShardSize, len(shard))
	}
	r, err := adapter.ShardReader(hash)
	if err != nil {
		t.Fatal(err)
	}
	read, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read, shard) {
		t.Error("shard bytes did not round trip")
	}
	size, err := adapter.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(shard)) {
		t.Errorf("size %v, expected %v", size, len(shard))
	}

	// Rewriting a shard replaces its bytes.
	replacement := fastrand.Bytes(1000)
	w, err = adapter.ShardWriter(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(replacement); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err = adapter.ShardReader(hash)
	if err != nil {
		t.Fatal(err)
	}
	read, err = ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read, replacement) {
		t.Error("replacement shard did not round trip")
	}

	// Keys lists the stored hash, delete removes everything.
	keys, err := adapter.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != hash {
		t.Errorf("keys %v, expected [%v]", keys, hash)
	}
	if err := adapter.Delete(hash); err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.Get(hash); !errors.Contains(err, ErrItemNotFound) {
		t.Fatal("expected ErrItemNotFound after delete, got", err)
	}
	if _, err := adapter.ShardReader(hash); !errors.Contains(err, ErrShardNotFound) {
		t.Fatal("expected ErrShardNotFound after delete, got", err)
	}
	// Deleting again is not an error.
	if err := adapter.Delete(hash); err != nil {
		t.Fatal(err)
	}
	size, err = adapter.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("size %v after delete, expected 0", size)
	}

	if err := adapter.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.Get(hash); !errors.Contains(err, ErrAdapterClosed) {
		t.Fatal("expected ErrAdapterClosed, got", err)
	}
}

// TestMemoryAdapter exercises the in-memory adapter.
func TestMemoryAdapter(t *testing.T) {
	runAdapterSuite(t, NewMemoryAdapter())
}

// TestDiskAdapter exercises the disk adapter.
func TestDiskAdapter(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	runAdapterSuite(t, NewDiskAdapter(build.TempDir("storage", t.Name())))
}

// TestDiskAdapterReopen checks that items and shards survive a close and
// reopen.
func TestDiskAdapterReopen(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	dir := build.TempDir("storage", t.Name())
	adapter := NewDiskAdapter(dir)
	if err := adapter.Open(); err != nil {
		t.Fatal(err)
	}

	shard := fastrand.Bytes(int(shardChunkSize) + 37)
	hash := testHash(shard)
	if err := adapter.Put(testItem(t, hash, time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	w, err := adapter.ShardWriter(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatal(err)
	}

	adapter = NewDiskAdapter(dir)
	if err := adapter.Open(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			t.Fatal(err)
		}
	}()
	it, err := adapter.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if it.ShardSize != int64(len(shard)) {
		t.Errorf("shard size %v after reopen, expected %v", it.ShardSize, len(shard))
	}
	r, err := adapter.ShardReader(hash)
	if err != nil {
		t.Fatal(err)
	}
	read, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read, shard) {
		t.Error("shard bytes did not survive reopen")
	}
}

// TestDiskAdapterSweep checks that chunks from uncommitted writes are
// removed when the adapter reopens.
func TestDiskAdapterSweep(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	dir := build.TempDir("storage", t.Name())
	adapter := NewDiskAdapter(dir)
	if err := adapter.Open(); err != nil {
		t.Fatal(err)
	}

	// Write chunks without committing, simulating a crash mid-upload.
	shard := fastrand.Bytes(int(shardChunkSize) * 2)
	hash := testHash(shard)
	w, err := adapter.ShardWriter(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatal(err)
	}

	adapter = NewDiskAdapter(dir)
	if err := adapter.Open(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			t.Fatal(err)
		}
	}()
	size, err := adapter.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("uncommitted chunks survived reopen, size %v", size)
	}
	if _, err := adapter.ShardReader(hash); !errors.Contains(err, ErrShardNotFound) {
		t.Fatal("expected ErrShardNotFound, got", err)
	}
}

// TestManagerMutate checks the create and update paths of the manager.
func TestManagerMutate(t *testing.T) {
	m, err := NewManager(NewMemoryAdapter(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	hash := testHash([]byte("mutate"))
	if err := m.MutateExisting(hash, func(*Item) error { return nil }); !errors.Contains(err, ErrItemNotFound) {
		t.Fatal("expected ErrItemNotFound, got", err)
	}

	err = m.MutateOrCreate(hash, func(it *Item) error {
		it.SetChallenges("renter", []string{"one", "two"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	it, err := m.Load(hash)
	if err != nil {
		t.Fatal(err)
	}
	if challenges, ok := it.ChallengeSet("renter"); !ok || len(challenges) != 2 {
		t.Error("challenges were not stored")
	}

	// A failing mutation must not be stored.
	boom := errors.New("boom")
	err = m.MutateExisting(hash, func(it *Item) error {
		it.SetChallenges("renter", nil)
		return boom
	})
	if !errors.Contains(err, boom) {
		t.Fatal("expected mutation error, got", err)
	}
	it, err = m.Load(hash)
	if err != nil {
		t.Fatal(err)
	}
	if challenges, ok := it.ChallengeSet("renter"); !ok || len(challenges) != 2 {
		t.Error("failed mutation was stored")
	}
}

// flakyAdapter delegates to a real adapter after failing Get and Put a set
// number of times, simulating transient disk trouble.
type flakyAdapter struct {
	Adapter

	mu        sync.Mutex
	remaining int
	calls     int
}

func (f *flakyAdapter) managedFail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.remaining > 0 {
		f.remaining--
		return errors.New("disk hiccup")
	}
	return nil
}

func (f *flakyAdapter) Get(hash string) (*Item, error) {
	if err := f.managedFail(); err != nil {
		return nil, err
	}
	return f.Adapter.Get(hash)
}

func (f *flakyAdapter) Put(it *Item) error {
	if err := f.managedFail(); err != nil {
		return err
	}
	return f.Adapter.Put(it)
}

// TestManagerRetries checks that transient adapter failures are retried,
// runs longer than the attempt budget surface, and the package sentinels
// pass through without a retry.
func TestManagerRetries(t *testing.T) {
	flaky := &flakyAdapter{Adapter: NewMemoryAdapter(), remaining: maxOpAttempts - 1}
	m, err := NewManager(flaky, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	hash := testHash([]byte("flaky"))
	err = m.MutateOrCreate(hash, func(it *Item) error {
		it.SetChallenges("renter", []string{"one"})
		return nil
	})
	if err != nil {
		t.Fatal("transient failures surfaced:", err)
	}

	flaky.mu.Lock()
	flaky.remaining = maxOpAttempts
	flaky.mu.Unlock()
	if _, err := m.Load(hash); err == nil {
		t.Fatal("persistent failure did not surface")
	}

	flaky.mu.Lock()
	flaky.remaining = 0
	flaky.calls = 0
	flaky.mu.Unlock()
	if _, err := m.Load(testHash([]byte("missing"))); !errors.Contains(err, ErrItemNotFound) {
		t.Fatal("expected ErrItemNotFound, got", err)
	}
	flaky.mu.Lock()
	calls := flaky.calls
	flaky.mu.Unlock()
	if calls != 1 {
		t.Errorf("sentinel came back after %v calls, expected 1", calls)
	}
}

// TestManagerHashLock checks that the per-hash lock serializes access.
func TestManagerHashLock(t *testing.T) {
	m, err := NewManager(NewMemoryAdapter(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	hash := testHash([]byte("lock"))
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.managedLockHash(hash)
				counter++
				m.managedUnlockHash(hash)
			}
		}()
	}
	wg.Wait()
	if counter != 1000 {
		t.Errorf("counter %v, expected 1000", counter)
	}
	m.mu.Lock()
	entries := len(m.locks)
	m.mu.Unlock()
	if entries != 0 {
		t.Errorf("lock map holds %v entries after release, expected 0", entries)
	}
}

// TestManagerSweep checks that the expiry sweep removes only items whose
// contracts have all ended.
func TestManagerSweep(t *testing.T) {
	m, err := NewManager(NewMemoryAdapter(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	expired := testItem(t, testHash([]byte("expired")), time.Now().Add(-time.Minute))
	live := testItem(t, testHash([]byte("live")), time.Now().Add(time.Hour))
	for _, it := range []*Item{expired, live} {
		if err := m.adapter.Put(it); err != nil {
			t.Fatal(err)
		}
	}

	m.managedSweepExpired()

	if _, err := m.Load(expired.Hash); !errors.Contains(err, ErrItemNotFound) {
		t.Fatal("expired item survived the sweep, err:", err)
	}
	if _, err := m.Load(live.Hash); err != nil {
		t.Fatal("live item was swept:", err)
	}
}

// TestManagerClosed checks that operations fail after Close.
func TestManagerClosed(t *testing.T) {
	m, err := NewManager(NewMemoryAdapter(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(testHash([]byte("closed"))); err == nil {
		t.Fatal("load after close should fail")
	}
	if err := m.MutateOrCreate("x", func(*Item) error { return nil }); err == nil {
		t.Fatal("mutate after close should fail")
	}
}

// TestDiskManagerEndToEnd runs a consign-like flow against the disk stack.
func TestDiskManagerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	dir := filepath.Join(build.TempDir("storage", t.Name()), "data")
	m, err := NewManager(NewDiskAdapter(dir), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	shard := fastrand.Bytes(5000)
	hash := testHash(shard)
	err = m.MutateOrCreate(hash, func(it *Item) error {
		it.SetTree("renter", []string{"leaf"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	w, err := m.ShardWriter(hash)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(shard); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	it, err := m.Load(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !it.HasShard() || it.ShardSize != int64(len(shard)) {
		t.Errorf("item reports shard size %v, expected %v", it.ShardSize, len(shard))
	}
	r, err := m.ShardReader(hash)
	if err != nil {
		t.Fatal(err)
	}
	read, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read, shard) {
		t.Error("shard did not round trip through the manager")
	}
}
