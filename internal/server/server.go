// Package server is the HTTP adapter in front of the caching engine. Pages
// reach the quiz application through its proxy surface; platform events
// (install, activate, sync, push, notification clicks) arrive on /_sw/.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/air-gapped/quizwise/internal/cache"
	"github.com/air-gapped/quizwise/internal/clients"
	"github.com/air-gapped/quizwise/internal/config"
	"github.com/air-gapped/quizwise/internal/engine"
	"github.com/air-gapped/quizwise/internal/fetch"
	"github.com/air-gapped/quizwise/internal/logging"
	"github.com/air-gapped/quizwise/internal/notify"
	"github.com/air-gapped/quizwise/internal/queue"
	"github.com/air-gapped/quizwise/internal/route"
)

const (
	headerStrategy   = "X-Quizwise-Strategy"
	headerSource     = "X-Quizwise-Source"
	headerUpstream   = "X-Quizwise-Upstream"
	headerUpstreamMs = "X-Quizwise-Upstream-Ms"

	strategyPassthrough = "passthrough"

	maxControlBody = 1 << 20
)

// Deps are the components the server drives.
type Deps struct {
	Engine  *engine.Engine
	Fetcher engine.Fetcher
	Store   cache.Store
	Queue   *queue.Queue
	Tray    *notify.Tray
	Clients *clients.Registry
	Logger  *slog.Logger
}

// Server is the quizwise HTTP server.
type Server struct {
	cfg       *config.Config
	version   string
	origin    *url.URL
	allowlist *route.HostList
	engine    *engine.Engine
	fetcher   engine.Fetcher
	store     cache.Store
	queue     *queue.Queue
	tray      *notify.Tray
	clients   *clients.Registry
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates a server. The engine, fetcher, store, queue, tray and client
// registry are all required.
func New(cfg *config.Config, version string, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Fetcher == nil || deps.Store == nil || deps.Queue == nil || deps.Tray == nil || deps.Clients == nil {
		return nil, errors.New("server: missing dependency")
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		version:   version,
		origin:    origin,
		allowlist: AllowedHosts(origin, cfg.AllowedUpstreams, deps.Engine.Catalog()),
		engine:    deps.Engine,
		fetcher:   deps.Fetcher,
		store:     deps.Store,
		queue:     deps.Queue,
		tray:      deps.Tray,
		clients:   deps.Clients,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /_sw/install", s.handleInstall)
	s.mux.HandleFunc("POST /_sw/activate", s.handleActivate)
	s.mux.HandleFunc("POST /_sw/message", s.handleMessage)
	s.mux.HandleFunc("POST /_sw/sync", s.handleSync)
	s.mux.HandleFunc("POST /_sw/push", s.handlePush)
	s.mux.HandleFunc("POST /_sw/notificationclick", s.handleNotificationClick)
	s.mux.HandleFunc("GET /_sw/notifications", s.handleNotifications)
	s.mux.HandleFunc("POST /_sw/submissions", s.handleEnqueue)
	s.mux.HandleFunc("GET /_sw/submissions", s.handleSubmissions)
	s.mux.HandleFunc("DELETE /_sw/submissions/{id}", s.handleRemoveSubmission)
	s.mux.HandleFunc("GET /_sw/state", s.handleState)
	s.mux.HandleFunc("GET /_sw/clients", s.handleClients)
	s.mux.HandleFunc("GET /_sw/clients/events", s.handleClientEvents)
	s.mux.HandleFunc("/_sw/", http.NotFound)

	s.mux.HandleFunc("/{upstream...}", s.handleProxy)
}

// Handler returns the server's HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.loggingMiddleware(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
	w.Write([]byte("OK"))
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target, err := TargetURL(s.origin, r.URL.EscapedPath(), r.URL.RawQuery)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad-request", fmt.Sprintf("Invalid URL: %v", err))
		return
	}
	w.Header().Set(headerUpstream, redactUpstream(target))

	if !s.allowlist.Match(target.Host) {
		s.writeError(w, http.StatusForbidden, "blocked", "This upstream is not in the allowed list")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxFileSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad-request", "Could not read request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxFileSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "too-large",
			fmt.Sprintf("Request body too large (limit is %d bytes)", s.cfg.MaxFileSize))
		return
	}

	req := &fetch.Request{
		Method: r.Method,
		URL:    target.String(),
		Header: r.Header.Clone(),
		Body:   body,
	}
	ctx := logging.WithLogger(r.Context(), s.logger.With("upstream", redactUpstream(target)))

	resp, err := s.engine.Handle(ctx, req)
	switch {
	case errors.Is(err, engine.ErrPassthrough):
		nresp, err := s.fetcher.Fetch(ctx, req)
		if err != nil {
			s.fetchError(w, err)
			return
		}
		s.writeResponse(w, nresp, strategyPassthrough, string(engine.SourceNetwork))
	case err != nil:
		s.fetchError(w, err)
	default:
		s.writeResponse(w, resp.Response, string(resp.Strategy), string(resp.Source))
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *fetch.Response, strategy, source string) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(headerStrategy, strategy)
	h.Set(headerSource, source)
	h.Set(headerUpstreamMs, strconv.FormatInt(resp.FetchMs, 10))

	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (s *Server) fetchError(w http.ResponseWriter, err error) {
	switch {
	case isTimeout(err):
		s.writeError(w, http.StatusGatewayTimeout, "timeout",
			fmt.Sprintf("Upstream request timed out after %s", s.cfg.FetchTimeout))
	case errors.Is(err, fetch.ErrTooLarge):
		s.writeError(w, http.StatusBadGateway, "too-large",
			fmt.Sprintf("Upstream response too large (limit is %d bytes)", s.cfg.MaxFileSize))
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the answer.
		w.WriteHeader(499)
	default:
		s.writeError(w, http.StatusBadGateway, "unreachable",
			fmt.Sprintf("Could not reach upstream server: %v", err))
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errType, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &logging.ByteCountingWriter{ResponseWriter: w}
		next.ServeHTTP(wrapped, r)

		if wrapped.StatusCode == 0 {
			wrapped.StatusCode = 200
		}

		logging.LogRequest(s.logger, logging.RequestFields{
			Method:     r.Method,
			Path:       r.URL.Path,
			Upstream:   wrapped.Header().Get(headerUpstream),
			Status:     wrapped.StatusCode,
			Strategy:   wrapped.Header().Get(headerStrategy),
			Source:     wrapped.Header().Get(headerSource),
			UpstreamMs: parseHeaderInt64(wrapped.Header().Get(headerUpstreamMs)),
			TotalMs:    time.Since(start).Milliseconds(),
			Bytes:      wrapped.Bytes,
		})
	})
}

func parseHeaderInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
