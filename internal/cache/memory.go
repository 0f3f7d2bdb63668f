package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each partition enforces a byte quota.
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[string]*MemoryPartition
	order      []string
	maxSize    int64
	now        func() time.Time // injectable for testing
}

// NewMemoryStore creates a store whose partitions each hold at most maxSize
// bytes. A maxSize of zero or less disables the quota.
func NewMemoryStore(maxSize int64) *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]*MemoryPartition),
		maxSize:    maxSize,
		now:        time.Now,
	}
}

// Open returns the named partition, creating it if needed.
func (s *MemoryStore) Open(_ context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	p := &MemoryPartition{
		name:    name,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: s.maxSize,
		now:     s.now,
	}
	s.partitions[name] = p
	s.order = append(s.order, name)
	return p, nil
}

// Get returns the named partition if it exists.
func (s *MemoryStore) Get(_ context.Context, name string) (Partition, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		return nil, false, nil
	}
	return p, true, nil
}

// Has reports whether the named partition exists.
func (s *MemoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[name]
	return ok, nil
}

// Keys lists partition names in creation order.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

// Delete drops a partition. Handles to it stay usable but are detached.
func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// MemoryPartition is a thread-safe in-memory partition with byte counting.
type MemoryPartition struct {
	name    string
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	maxSize int64
	curSize int64
	now     func() time.Time
}

type cacheItem struct {
	key   string
	entry Entry
	size  int64
}

// Name returns the partition name.
func (p *MemoryPartition) Name() string { return p.name }

// Match retrieves a copy of the entry stored under key.
func (p *MemoryPartition) Match(_ context.Context, key string) (*Entry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.items[key]
	if !ok {
		return nil, false, nil
	}
	return elem.Value.(*cacheItem).entry.clone(), true, nil
}

// Put stores an entry. It fails with ErrQuotaExceeded instead of evicting:
// entries only leave a partition when it is deleted.
func (p *MemoryPartition) Put(_ context.Context, key string, entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry.Header = entry.Header.Clone()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = p.now()
	}
	size := entry.Size()

	// Update existing
	if elem, ok := p.items[key]; ok {
		old := elem.Value.(*cacheItem)
		if p.exceeds(p.curSize - old.size + size) {
			return fmt.Errorf("put %q in %q (%d bytes): %w", key, p.name, size, ErrQuotaExceeded)
		}
		p.curSize += size - old.size
		old.entry = entry
		old.size = size
		return nil
	}

	if p.exceeds(p.curSize + size) {
		return fmt.Errorf("put %q in %q (%d bytes): %w", key, p.name, size, ErrQuotaExceeded)
	}
	item := &cacheItem{key: key, entry: entry, size: size}
	p.items[key] = p.order.PushBack(item)
	p.curSize += size
	return nil
}

func (p *MemoryPartition) exceeds(size int64) bool {
	return p.maxSize > 0 && size > p.maxSize
}

// Delete removes the entry stored under key.
func (p *MemoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.items[key]
	if !ok {
		return false, nil
	}
	p.curSize -= elem.Value.(*cacheItem).size
	delete(p.items, key)
	p.order.Remove(elem)
	return true, nil
}

// Keys lists stored keys in insertion order.
func (p *MemoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*cacheItem).key)
	}
	return keys, nil
}

// Len returns the number of stored entries.
func (p *MemoryPartition) Len(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items), nil
}

// Size returns the current byte size of the partition.
func (p *MemoryPartition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curSize
}
