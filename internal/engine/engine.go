// Package engine is the offline caching layer of QuizWise: it owns the cache
// generations, answers intercepted page requests with one of four caching
// strategies, drains queued submissions on background sync and bridges
// push notifications.
//
// The engine is plain request-in/response-out: the HTTP adapter in package
// server translates platform events into calls on it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/air-gapped/quizwise/internal/cache"
	"github.com/air-gapped/quizwise/internal/config"
	"github.com/air-gapped/quizwise/internal/fetch"
	"github.com/air-gapped/quizwise/internal/notify"
	"github.com/air-gapped/quizwise/internal/queue"
	"github.com/air-gapped/quizwise/internal/route"
)

var (
	// ErrPassthrough means the request is not intercepted and should go to
	// the network untouched.
	ErrPassthrough = errors.New("request not intercepted")
	// ErrLifecycle is returned for a lifecycle transition not allowed from
	// the current state.
	ErrLifecycle = errors.New("invalid lifecycle transition")
)

const defaultInstallConcurrency = 6

// Fetcher performs network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
}

// Claimer takes control of connected pages after activation.
type Claimer interface {
	Claim(ctx context.Context) error
}

// SubmissionQueue holds submissions recorded while offline.
type SubmissionQueue interface {
	Drain(ctx context.Context, submit queue.SubmitFunc) (queue.DrainResult, error)
}

// Options configures an Engine. Catalog, Origin, Store and Fetcher are
// required.
type Options struct {
	Catalog *config.Catalog
	// Origin resolves relative precache entries and the submit path.
	Origin  *url.URL
	Store   cache.Store
	Fetcher Fetcher

	Clients  Claimer
	Queue    SubmissionQueue
	Notifier *notify.Bridge

	Logger             *slog.Logger
	InstallConcurrency int
}

// Source says where a response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// Response is the answer to an intercepted request.
type Response struct {
	*fetch.Response
	Strategy route.Strategy
	Rule     string
	Source   Source
}

// Stats counts engine events since start.
type Stats struct {
	CacheWriteErrors int64 `json:"cache_write_errors"`
	NetworkErrors    int64 `json:"network_errors"`
	Revalidations    int64 `json:"revalidations"`
}

// Engine is the caching engine. All methods are safe for concurrent use.
type Engine struct {
	catalog  *config.Catalog
	origin   *url.URL
	router   *route.Router
	store    cache.Store
	fetcher  Fetcher
	clients  Claimer
	queue    SubmissionQueue
	notifier *notify.Bridge
	logger   *slog.Logger

	installConcurrency int

	mu          sync.Mutex
	state       State
	skipWaiting bool

	revalidations singleflight.Group
	bg            sync.WaitGroup

	cacheWriteErrors atomic.Int64
	networkErrors    atomic.Int64
	revalidated      atomic.Int64
}

// New creates an engine in the uninstalled state.
func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil || opts.Origin == nil || opts.Store == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("engine: catalog, origin, store and fetcher are required")
	}
	if err := opts.Catalog.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	return &Engine{
		catalog:            opts.Catalog,
		origin:             opts.Origin,
		router:             route.New(opts.Catalog),
		store:              opts.Store,
		fetcher:            opts.Fetcher,
		clients:            opts.Clients,
		queue:              opts.Queue,
		notifier:           opts.Notifier,
		logger:             logger,
		installConcurrency: concurrency,
		state:              StateUninstalled,
	}, nil
}

// Router returns the request router built from the catalog.
func (e *Engine) Router() *route.Router { return e.router }

// Catalog returns the catalog of this generation.
func (e *Engine) Catalog() *config.Catalog { return e.catalog }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		CacheWriteErrors: e.cacheWriteErrors.Load(),
		NetworkErrors:    e.networkErrors.Load(),
		Revalidations:    e.revalidated.Load(),
	}
}

// Handle answers an intercepted request. It returns ErrPassthrough when the
// request is not intercepted (not a GET, an ignored scheme) or when this
// generation is not active yet.
func (e *Engine) Handle(ctx context.Context, req *fetch.Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	rule, ok := e.router.Match(req.Method, u)
	if !ok {
		return nil, ErrPassthrough
	}
	if e.State() != StateActive {
		return nil, ErrPassthrough
	}

	key := cache.Key(u)
	var (
		resp   *fetch.Response
		source Source
	)
	switch rule.Strategy {
	case route.CacheFirst:
		resp, source = e.cacheFirst(ctx, req, key)
	case route.NetworkFirst:
		resp, source = e.networkFirst(ctx, req, key)
	case route.NetworkOnly:
		resp, source = e.networkOnly(ctx, req)
	case route.StaleWhileRevalidate:
		resp, source, err = e.staleWhileRevalidate(ctx, req, key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("rule %q: unknown strategy %q", rule.Name, rule.Strategy)
	}

	return &Response{Response: resp, Strategy: rule.Strategy, Rule: rule.Name, Source: source}, nil
}

// Wait blocks until background revalidations have settled.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// goSafe runs fn on a tracked goroutine. A panic is logged as an uncaught
// error instead of taking the process down.
func (e *Engine) goSafe(task string, fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("uncaught error", "task", task, "panic", r)
			}
		}()
		fn()
	}()
}

// resolve turns a catalog URL into an absolute one against the origin.
func (e *Engine) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return e.origin.ResolveReference(ref), nil
}
