package storage

import (
	"io"
	"sync"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/granary-tech/granary/persist"
)

// Transient adapter failures are retried before they surface. The bounds
// keep a wedged disk from stalling a request for long.
const (
	maxOpAttempts = 3
	opRetryPause  = 50 * time.Millisecond
)

// A Manager owns an adapter and serializes all access to a given hash, so
// that read-modify-write cycles from concurrent protocol handlers cannot
// interleave. It also sweeps items once every contract on them has expired.
type Manager struct {
	adapter Adapter
	log     *persist.Logger

	mu    sync.Mutex
	locks map[string]*hashLock

	tg threadgroup.ThreadGroup
}

// hashLock serializes access to one hash. refs counts current holders and
// waiters so the entry can be dropped when it reaches zero.
type hashLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager opens the adapter and starts the expiry sweeper. An adapter
// that cannot open is fatal; the caller should not start without storage.
func NewManager(adapter Adapter, log *persist.Logger) (*Manager, error) {
	if err := adapter.Open(); err != nil {
		return nil, errors.AddContext(err, "unable to open storage adapter")
	}
	m := &Manager{
		adapter: adapter,
		log:     log,
		locks:   make(map[string]*hashLock),
	}
	go m.threadedSweep()
	return m, nil
}

// Close stops background threads, waits for in-flight operations, and
// closes the adapter.
func (m *Manager) Close() error {
	return errors.Compose(m.tg.Stop(), m.adapter.Close())
}

// managedRetry runs op, retrying transient adapter failures. The package
// sentinels pass through untouched; anything else is assumed transient
// until the attempt budget runs out.
func (m *Manager) managedRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < maxOpAttempts; attempt++ {
		err = op()
		if err == nil || errors.Contains(err, ErrItemNotFound) ||
			errors.Contains(err, ErrShardNotFound) || errors.Contains(err, ErrAdapterClosed) {
			return err
		}
		m.log.Debugf("storage operation failed on attempt %v: %v", attempt+1, err)
		select {
		case <-time.After(opRetryPause):
		case <-m.tg.StopChan():
			return err
		}
	}
	return err
}

// managedLockHash blocks until the calling goroutine holds the hash.
func (m *Manager) managedLockHash(hash string) {
	m.mu.Lock()
	hl, exists := m.locks[hash]
	if !exists {
		hl = new(hashLock)
		m.locks[hash] = hl
	}
	hl.refs++
	m.mu.Unlock()
	hl.mu.Lock()
}

// managedUnlockHash releases the hash and drops the lock entry once nothing
// holds or waits on it.
func (m *Manager) managedUnlockHash(hash string) {
	m.mu.Lock()
	hl, exists := m.locks[hash]
	if !exists {
		m.mu.Unlock()
		m.log.Critical("unlock of a hash that was not locked", hash)
		return
	}
	hl.refs--
	if hl.refs == 0 {
		delete(m.locks, hash)
	}
	m.mu.Unlock()
	hl.mu.Unlock()
}

// MutateExisting locks the hash, loads its item, applies fn, and stores the
// result. The item is not stored when fn returns an error.
func (m *Manager) MutateExisting(hash string, fn func(*Item) error) error {
	if err := m.tg.Add(); err != nil {
		return err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)

	var it *Item
	err := m.managedRetry(func() (err error) {
		it, err = m.adapter.Get(hash)
		return err
	})
	if err != nil {
		return err
	}
	if err := fn(it); err != nil {
		return err
	}
	return m.managedRetry(func() error {
		return m.adapter.Put(it)
	})
}

// MutateOrCreate is MutateExisting, creating an empty item when none is
// stored yet.
func (m *Manager) MutateOrCreate(hash string, fn func(*Item) error) error {
	if err := m.tg.Add(); err != nil {
		return err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)

	var it *Item
	err := m.managedRetry(func() (err error) {
		it, err = m.adapter.Get(hash)
		return err
	})
	if errors.Contains(err, ErrItemNotFound) {
		it = NewItem(hash)
	} else if err != nil {
		return err
	}
	if err := fn(it); err != nil {
		return err
	}
	return m.managedRetry(func() error {
		return m.adapter.Put(it)
	})
}

// Load returns the item for a hash with its current shard size.
func (m *Manager) Load(hash string) (*Item, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)
	var it *Item
	err := m.managedRetry(func() (err error) {
		it, err = m.adapter.Get(hash)
		return err
	})
	return it, err
}

// Peek returns the item record without checking for shard bytes.
func (m *Manager) Peek(hash string) (*Item, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)
	var it *Item
	err := m.managedRetry(func() (err error) {
		it, err = m.adapter.Peek(hash)
		return err
	})
	return it, err
}

// Remove deletes the item and its shard bytes.
func (m *Manager) Remove(hash string) error {
	if err := m.tg.Add(); err != nil {
		return err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)
	return m.managedRetry(func() error {
		return m.adapter.Delete(hash)
	})
}

// Keys lists the stored item hashes.
func (m *Manager) Keys() ([]string, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()
	var keys []string
	err := m.managedRetry(func() (err error) {
		keys, err = m.adapter.Keys()
		return err
	})
	return keys, err
}

// Size reports the total shard bytes stored.
func (m *Manager) Size() (int64, error) {
	if err := m.tg.Add(); err != nil {
		return 0, err
	}
	defer m.tg.Done()
	var size int64
	err := m.managedRetry(func() (err error) {
		size, err = m.adapter.Size()
		return err
	})
	return size, err
}

// ShardReader opens a stream over the stored shard bytes for a hash.
// Retries cover the open only; a stream that fails mid-read surfaces to
// the caller.
func (m *Manager) ShardReader(hash string) (io.ReadCloser, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)
	var r io.ReadCloser
	err := m.managedRetry(func() (err error) {
		r, err = m.adapter.ShardReader(hash)
		return err
	})
	return r, err
}

// ShardWriter opens a shard write for a hash. The shard becomes readable
// when the writer is closed without a cancel.
func (m *Manager) ShardWriter(hash string) (ShardWriter, error) {
	if err := m.tg.Add(); err != nil {
		return nil, err
	}
	defer m.tg.Done()
	m.managedLockHash(hash)
	defer m.managedUnlockHash(hash)
	var w ShardWriter
	err := m.managedRetry(func() (err error) {
		w, err = m.adapter.ShardWriter(hash)
		return err
	})
	return w, err
}

// threadedSweep periodically removes items on which every contract window
// has ended, reclaiming the shard space they pin.
func (m *Manager) threadedSweep() {
	if err := m.tg.Add(); err != nil {
		return
	}
	defer m.tg.Done()

	for {
		select {
		case <-m.tg.StopChan():
			return
		case <-time.After(cleanInterval):
		}
		m.managedSweepExpired()
	}
}

// managedSweepExpired deletes every item whose contracts have all expired.
func (m *Manager) managedSweepExpired() {
	keys, err := m.adapter.Keys()
	if err != nil {
		m.log.Println("WARN: expiry sweep could not list items:", err)
		return
	}
	now := time.Now()
	var removed int
	for _, hash := range keys {
		m.managedLockHash(hash)
		it, err := m.adapter.Peek(hash)
		if err == nil && it.Expired(now) {
			if err := m.adapter.Delete(hash); err != nil {
				m.log.Println("WARN: expiry sweep could not delete item:", err)
			} else {
				removed++
			}
		} else if err != nil && !errors.Contains(err, ErrItemNotFound) {
			m.log.Println("WARN: expiry sweep could not load item:", err)
		}
		m.managedUnlockHash(hash)
	}
	if removed > 0 {
		m.log.Printf("expiry sweep removed %v of %v items", removed, len(keys))
	}
}
