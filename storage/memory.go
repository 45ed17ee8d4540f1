package storage

import (
	"bytes"
	"io"
	"sort"
	"sync"
)

// MemoryAdapter keeps items and shard bytes in process memory. It is used by
// tests and by nodes running without a data directory.
type MemoryAdapter struct {
	mu     sync.Mutex
	items  map[string]*Item
	shards map[string][]byte
	closed bool
}

// NewMemoryAdapter returns an unopened in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

// Open prepares the adapter for use.
func (ma *MemoryAdapter) Open() error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.items == nil {
		ma.items = make(map[string]*Item)
		ma.shards = make(map[string][]byte)
	}
	ma.closed = false
	return nil
}

// Close marks the adapter closed. The stored data survives a reopen.
func (ma *MemoryAdapter) Close() error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.closed = true
	return nil
}

// Put stores a deep copy of the item.
func (ma *MemoryAdapter) Put(it *Item) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return ErrAdapterClosed
	}
	ma.items[it.Hash] = it.Clone()
	return nil
}

// Get returns a copy of the item with ShardSize reflecting the bytes on hand.
func (ma *MemoryAdapter) Get(hash string) (*Item, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return nil, ErrAdapterClosed
	}
	it, ok := ma.items[hash]
	if !ok {
		return nil, ErrItemNotFound
	}
	clone := it.Clone()
	clone.ShardSize = int64(len(ma.shards[hash]))
	return clone, nil
}

// Peek returns a copy of the item as last stored by Put.
func (ma *MemoryAdapter) Peek(hash string) (*Item, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return nil, ErrAdapterClosed
	}
	it, ok := ma.items[hash]
	if !ok {
		return nil, ErrItemNotFound
	}
	return it.Clone(), nil
}

// Delete removes the item and its shard bytes.
func (ma *MemoryAdapter) Delete(hash string) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return ErrAdapterClosed
	}
	delete(ma.items, hash)
	delete(ma.shards, hash)
	return nil
}

// Keys lists the stored item hashes in lexical order.
func (ma *MemoryAdapter) Keys() ([]string, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return nil, ErrAdapterClosed
	}
	keys := make([]string, 0, len(ma.items))
	for hash := range ma.items {
		keys = append(keys, hash)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size reports the total shard bytes stored.
func (ma *MemoryAdapter) Size() (int64, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return 0, ErrAdapterClosed
	}
	var total int64
	for _, shard := range ma.shards {
		total += int64(len(shard))
	}
	return total, nil
}

// ShardReader streams the shard bytes for a hash.
func (ma *MemoryAdapter) ShardReader(hash string) (io.ReadCloser, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return nil, ErrAdapterClosed
	}
	shard, ok := ma.shards[hash]
	if !ok {
		return nil, ErrShardNotFound
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), shard...))), nil
}

// ShardWriter begins a buffered shard write that commits on Close.
func (ma *MemoryAdapter) ShardWriter(hash string) (ShardWriter, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.closed {
		return nil, ErrAdapterClosed
	}
	return &memoryShardWriter{ma: ma, hash: hash}, nil
}

// memoryShardWriter buffers writes and installs them atomically on Close.
type memoryShardWriter struct {
	ma   *MemoryAdapter
	hash string
	buf  bytes.Buffer
	done bool
}

func (w *memoryShardWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errWriterDone
	}
	return w.buf.Write(p)
}

func (w *memoryShardWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.ma.mu.Lock()
	defer w.ma.mu.Unlock()
	if w.ma.closed {
		return ErrAdapterClosed
	}
	w.ma.shards[w.hash] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (w *memoryShardWriter) Cancel() error {
	if w.done {
		return nil
	}
	w.done = true
	w.buf.Reset()
	return nil
}
