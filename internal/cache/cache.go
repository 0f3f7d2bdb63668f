package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrQuotaExceeded is returned by Put when storing an entry would take a
// partition over its byte quota.
var ErrQuotaExceeded = errors.New("cache: partition quota exceeded")

// Entry is a stored response as observed at write time.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Size approximates the bytes an entry occupies: body plus header text.
func (e *Entry) Size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	return &c
}

// Key returns the cache key for u: the absolute URL without its fragment.
func Key(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}

// Partition is a named key to response store.
type Partition interface {
	Name() string
	// Match returns the entry for key. A miss is (nil, false, nil).
	Match(ctx context.Context, key string) (*Entry, bool, error)
	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists stored keys in insertion order.
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// Store holds the named partitions of one origin.
type Store interface {
	// Open returns the named partition, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)
	// Get returns the named partition if it exists. It never creates one.
	Get(ctx context.Context, name string) (Partition, bool, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists partition names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a partition and all of its entries. It reports whether
	// the partition existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Match looks key up in every partition of s, in creation order, and
// returns the first hit. Partitions deleted while it runs are skipped, never
// recreated.
func Match(ctx context.Context, s Store, key string) (*Entry, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		p, ok, err := s.Get(ctx, name)
		if err != nil {
			return nil, false, fmt.Errorf("open partition %q: %w", name, err)
		}
		if !ok {
			continue
		}
		entry, ok, err := p.Match(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("match in %q: %w", name, err)
		}
		if ok {
			return entry, true, nil
		}
	}
	return nil, false, nil
}
