package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/air-gapped/quizwise/internal/cache"
	"github.com/air-gapped/quizwise/internal/fetch"
)

// State is a lifecycle state.
type State string

const (
	StateUninstalled   State = "uninstalled"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateActivating    State = "activating"
	StateActive        State = "active"
	StateInstallFailed State = "install-failed"
)

// MessageSkipWaiting forces a waiting generation to activate.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message sent by a page.
type Message struct {
	Type string `json:"type"`
}

// InstallError reports why pre-population failed.
type InstallError struct {
	URL string
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install: precache %s: %v", e.URL, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Install pre-populates the static partition. The batch is all or nothing:
// every precache URL is fetched first, and only when all of them answered
// with a 2xx status are they written. On failure the engine is left in
// install-failed and the error is returned; it does not retry.
func (e *Engine) Install(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateUninstalled, StateInstallFailed:
	default:
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("install from %s: %w", st, ErrLifecycle)
	}
	e.state = StateInstalling
	e.mu.Unlock()

	e.logger.Info("installing", "static_cache", e.catalog.StaticCache, "precache", len(e.catalog.Precache))

	if err := e.precache(ctx); err != nil {
		e.setState(StateInstallFailed)
		e.logger.Error("failed to cache static files", "error", err)
		return err
	}

	e.mu.Lock()
	e.state = StateInstalled
	e.skipWaiting = true
	e.mu.Unlock()

	e.logger.Info("static files cached", "static_cache", e.catalog.StaticCache)
	return nil
}

type precached struct {
	key  string
	resp *fetch.Response
}

func (e *Engine) precache(ctx context.Context) error {
	urls, err := e.precacheURLs()
	if err != nil {
		return err
	}

	results := make([]precached, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.installConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			raw := u.String()
			resp, err := e.fetcher.Fetch(gctx, fetch.NewRequest(http.MethodGet, raw))
			if err != nil {
				return &InstallError{URL: raw, Err: err}
			}
			if !resp.OK() {
				return &InstallError{URL: raw, Err: fmt.Errorf("status %d", resp.StatusCode)}
			}
			results[i] = precached{key: cache.Key(u), resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p, err := e.store.Open(ctx, e.catalog.StaticCache)
	if err != nil {
		return &InstallError{URL: e.catalog.StaticCache, Err: err}
	}
	for _, r := range results {
		if err := p.Put(ctx, r.key, entryFrom(r.resp)); err != nil {
			if _, derr := e.store.Delete(ctx, e.catalog.StaticCache); derr != nil {
				e.logger.Error("discard partial static cache failed", "error", derr)
			}
			return &InstallError{URL: r.key, Err: err}
		}
	}
	return nil
}

// precacheURLs resolves the precache list against the origin, dropping
// duplicates.
func (e *Engine) precacheURLs() ([]*url.URL, error) {
	seen := make(map[string]bool, len(e.catalog.Precache))
	var urls []*url.URL
	for _, raw := range e.catalog.Precache {
		u, err := e.resolve(raw)
		if err != nil {
			return nil, &InstallError{URL: raw, Err: err}
		}
		if s := u.String(); !seen[s] {
			seen[s] = true
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// Activate deletes every partition that is not part of this generation and
// claims the connected pages. Deletions run concurrently and fail
// independently; a failed deletion is logged and does not stop activation.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateInstalled {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("activate from %s: %w", st, ErrLifecycle)
	}
	e.state = StateActivating
	e.mu.Unlock()

	e.logger.Info("activating")

	names, err := e.store.Keys(ctx)
	if err != nil {
		e.setState(StateInstalled)
		return fmt.Errorf("list partitions: %w", err)
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if name == e.catalog.StaticCache || name == e.catalog.DynamicCache {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.store.Delete(ctx, name); err != nil {
				e.logger.Error("remove old cache failed", "cache", name, "error", err)
				return
			}
			e.logger.Info("removed old cache", "cache", name)
		}()
	}
	wg.Wait()

	if e.clients != nil {
		if err := e.clients.Claim(ctx); err != nil {
			e.logger.Warn("claim clients failed", "error", err)
		}
	}

	e.setState(StateActive)
	e.logger.Info("activated", "static_cache", e.catalog.StaticCache, "dynamic_cache", e.catalog.DynamicCache)
	return nil
}

// Start installs and, once installation has signalled skip-waiting,
// activates. When the install fails but an earlier run left this
// generation's static partition complete in the store, the engine keeps
// serving from it and Start succeeds.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Install(ctx); err != nil {
		if !e.resume(ctx) {
			return err
		}
		e.logger.Warn("install failed, serving persisted caches",
			"static_cache", e.catalog.StaticCache, "error", err)
		return nil
	}
	e.mu.Lock()
	skip := e.skipWaiting
	e.mu.Unlock()
	if !skip {
		return nil
	}
	return e.Activate(ctx)
}

// resume puts a generation whose install failed back in control when its
// static partition already holds every precache URL. Stale partitions were
// removed when that partition's generation first activated.
func (e *Engine) resume(ctx context.Context) bool {
	p, ok, err := e.store.Get(ctx, e.catalog.StaticCache)
	if err != nil || !ok {
		return false
	}
	urls, err := e.precacheURLs()
	if err != nil {
		return false
	}
	for _, u := range urls {
		if _, hit, err := p.Match(ctx, cache.Key(u)); err != nil || !hit {
			return false
		}
	}

	e.mu.Lock()
	if e.state != StateInstallFailed {
		e.mu.Unlock()
		return false
	}
	e.state = StateActive
	e.mu.Unlock()

	if e.clients != nil {
		if err := e.clients.Claim(ctx); err != nil {
			e.logger.Warn("claim clients failed", "error", err)
		}
	}
	return true
}

// HandleMessage processes a control message from a page. SKIP_WAITING
// activates a generation parked in installed; other types are ignored.
func (e *Engine) HandleMessage(ctx context.Context, m Message) error {
	if m.Type != MessageSkipWaiting {
		return nil
	}
	e.mu.Lock()
	e.skipWaiting = true
	waiting := e.state == StateInstalled
	e.mu.Unlock()

	if !waiting {
		return nil
	}
	return e.Activate(ctx)
}
