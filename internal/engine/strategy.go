package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/air-gapped/quizwise/internal/cache"
	"github.com/air-gapped/quizwise/internal/fetch"
	"github.com/air-gapped/quizwise/internal/logging"
)

const (
	offlineResource = "Offline - Resource not available"
	offlineContent  = "Offline - Content not available"
)

// offlineAPIBody is returned by network-only routes when the network is down.
var offlineAPIBody = []byte(`{"error":"Network unavailable","message":"Please check your internet connection"}`)

var errRevalidationAborted = errors.New("revalidation aborted")

// cacheFirst serves from any partition and falls back to the network,
// storing 200 responses in the static partition.
func (e *Engine) cacheFirst(ctx context.Context, req *fetch.Request, key string) (*fetch.Response, Source) {
	if entry, ok := e.match(ctx, key); ok {
		return responseFrom(entry), SourceCache
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.networkErrors.Add(1)
		logging.FromContext(ctx).Warn("cache first: network failed", "url", key, "error", err)
		return offlineText(offlineResource), SourceOffline
	}
	if resp.StatusCode == http.StatusOK {
		e.put(ctx, e.catalog.StaticCache, key, resp)
	}
	return resp, SourceNetwork
}

// networkFirst prefers the network, storing 200 responses in the dynamic
// partition, and falls back to any partition.
func (e *Engine) networkFirst(ctx context.Context, req *fetch.Request, key string) (*fetch.Response, Source) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			e.put(ctx, e.catalog.DynamicCache, key, resp)
		}
		return resp, SourceNetwork
	}

	e.networkErrors.Add(1)
	logging.FromContext(ctx).Warn("network first: network failed, trying cache", "url", key, "error", err)
	if entry, ok := e.match(ctx, key); ok {
		return responseFrom(entry), SourceCache
	}
	return offlineText(offlineContent), SourceOffline
}

// networkOnly never touches the cache.
func (e *Engine) networkOnly(ctx context.Context, req *fetch.Request) (*fetch.Response, Source) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.networkErrors.Add(1)
		logging.FromContext(ctx).Warn("network only: network failed", "url", req.URL, "error", err)
		return offlineJSON(), SourceOffline
	}
	return resp, SourceNetwork
}

type revalidation struct {
	resp *fetch.Response
	err  error
}

// staleWhileRevalidate answers from the dynamic partition when it can and
// always refreshes it from the network in the background. On a miss the
// caller waits for that same fetch; if it fails the error is returned.
func (e *Engine) staleWhileRevalidate(ctx context.Context, req *fetch.Request, key string) (*fetch.Response, Source, error) {
	var (
		entry *cache.Entry
		hit   bool
	)
	p, err := e.store.Open(ctx, e.catalog.DynamicCache)
	if err != nil {
		logging.FromContext(ctx).Warn("open dynamic cache failed", "error", err)
	} else if entry, hit, err = p.Match(ctx, key); err != nil {
		logging.FromContext(ctx).Warn("cache read failed", "cache", e.catalog.DynamicCache, "url", key, "error", err)
		hit = false
	}

	done := e.revalidate(ctx, req, key)
	if hit {
		return responseFrom(entry), SourceCache, nil
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, "", r.err
		}
		return r.resp, SourceNetwork, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// revalidate fetches key in the background and refreshes the dynamic
// partition with a 200 answer. Concurrent revalidations of one key share a
// single network fetch. The fetch outlives ctx cancellation.
func (e *Engine) revalidate(ctx context.Context, req *fetch.Request, key string) <-chan revalidation {
	done := make(chan revalidation, 1)
	bctx := context.WithoutCancel(ctx)

	e.goSafe("revalidate", func() {
		result := revalidation{err: errRevalidationAborted}
		defer func() { done <- result }()

		v, err, _ := e.revalidations.Do(key, func() (any, error) {
			e.revalidated.Add(1)
			resp, err := e.fetcher.Fetch(bctx, req)
			if err != nil {
				e.networkErrors.Add(1)
				logging.FromContext(bctx).Warn("revalidate failed", "url", key, "error", err)
				return nil, err
			}
			if resp.StatusCode == http.StatusOK {
				e.put(bctx, e.catalog.DynamicCache, key, resp)
			}
			return resp, nil
		})
		if err != nil {
			result = revalidation{err: err}
			return
		}
		result = revalidation{resp: v.(*fetch.Response).Clone()}
	})
	return done
}

// match searches every partition. Read failures count as a miss.
func (e *Engine) match(ctx context.Context, key string) (*cache.Entry, bool) {
	entry, ok, err := cache.Match(ctx, e.store, key)
	if err != nil {
		logging.FromContext(ctx).Warn("cache read failed", "url", key, "error", err)
		return nil, false
	}
	return entry, ok
}

// put stores resp under key. A failed write is logged and counted; it never
// affects the response handed back to the page.
func (e *Engine) put(ctx context.Context, partition, key string, resp *fetch.Response) {
	p, err := e.store.Open(ctx, partition)
	if err == nil {
		err = p.Put(ctx, key, entryFrom(resp))
	}
	if err != nil {
		e.cacheWriteErrors.Add(1)
		logging.FromContext(ctx).Warn("cache write failed", "cache", partition, "url", key, "error", err)
	}
}

func entryFrom(resp *fetch.Response) cache.Entry {
	return cache.Entry{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   resp.Body,
	}
}

func responseFrom(entry *cache.Entry) *fetch.Response {
	return &fetch.Response{
		StatusCode: entry.Status,
		Header:     entry.Header.Clone(),
		Body:       entry.Body,
	}
}

func offlineText(msg string) *fetch.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &fetch.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     h,
		Body:       []byte(msg),
	}
}

func offlineJSON() *fetch.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &fetch.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     h,
		Body:       append([]byte(nil), offlineAPIBody...),
	}
}

