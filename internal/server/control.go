package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/air-gapped/quizwise/internal/engine"
	"github.com/air-gapped/quizwise/internal/notify"
	"github.com/air-gapped/quizwise/internal/queue"
)

type stateResponse struct {
	Version            string          `json:"version"`
	State              engine.State    `json:"state"`
	StaticCache        string          `json:"static_cache"`
	DynamicCache       string          `json:"dynamic_cache"`
	Partitions         []partitionInfo `json:"partitions"`
	PendingSubmissions int             `json:"pending_submissions"`
	Stats              engine.Stats    `json:"stats"`
}

type partitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type syncRequest struct {
	Tag string `json:"tag"`
}

type syncResponse struct {
	Tag       string `json:"tag"`
	Submitted int    `json:"submitted"`
	Failed    int    `json:"failed"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Install(r.Context()); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.handleState(w, r)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Activate(r.Context()); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.handleState(w, r)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var m engine.Message
	if !s.decodeBody(w, r, &m) {
		return
	}
	if err := s.engine.HandleMessage(r.Context(), m); err != nil {
		s.lifecycleError(w, err)
		return
	}
	s.handleState(w, r)
}

func (s *Server) lifecycleError(w http.ResponseWriter, err error) {
	var installErr *engine.InstallError
	switch {
	case errors.Is(err, engine.ErrLifecycle):
		s.writeError(w, http.StatusConflict, "lifecycle", err.Error())
	case errors.As(err, &installErr):
		s.writeError(w, http.StatusBadGateway, "install-failed", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.Sync(r.Context(), req.Tag)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "sync-failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Tag: req.Tag, Submitted: res.Submitted, Failed: res.Failed})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad-request", "Could not read push data")
		return
	}
	n, err := s.engine.Push(r.Context(), data)
	switch {
	case errors.Is(err, notify.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, "invalid-payload", err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	case n == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusCreated, n)
	}
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var c notify.Click
	if !s.decodeBody(w, r, &c) {
		return
	}
	opened, err := s.engine.NotificationClick(r.Context(), c)
	switch {
	case errors.Is(err, notify.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not-found", err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"opened": opened})
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tray.List())
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if !s.decodeBody(w, r, &payload) {
		return
	}
	id, err := submissionID(payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid-payload", err.Error())
		return
	}

	sub, err := s.queue.Enqueue(r.Context(), id, payload)
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, "invalid-payload", err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, sub)
	}
}

// submissionID returns the payload's "id". A missing or null id is empty;
// any other non-string id is invalid. Payloads that are not objects are
// left for Enqueue to reject.
func submissionID(payload json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil
	}
	raw, ok := fields["id"]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: id must be a string, got %s", queue.ErrInvalidPayload, raw)
	}
	return id, nil
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.queue.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if subs == nil {
		subs = []queue.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleRemoveSubmission(w http.ResponseWriter, r *http.Request) {
	err := s.queue.Remove(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not-found", err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	catalog := s.engine.Catalog()

	names, err := s.store.Keys(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	partitions := make([]partitionInfo, 0, len(names))
	for _, name := range names {
		p, ok, err := s.store.Get(ctx, name)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if !ok {
			continue
		}
		n, err := p.Len(ctx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		partitions = append(partitions, partitionInfo{Name: name, Entries: n})
	}

	pending, err := s.queue.Len(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{
		Version:            s.version,
		State:              s.engine.State(),
		StaticCache:        catalog.StaticCache,
		DynamicCache:       catalog.DynamicCache,
		Partitions:         partitions,
		PendingSubmissions: pending,
		Stats:              s.engine.Stats(),
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.clients.List())
}

// handleClientEvents streams events for one connected page as Server-Sent
// Events until the page disconnects.
func (s *Server) handleClientEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = "/"
	}
	conn := s.clients.Connect(pageURL)
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "connected", map[string]string{"id": conn.ID()})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			writeEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

// decodeBody reads a JSON control body, answering 400 itself on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad-request", fmt.Sprintf("Invalid JSON body: %v", err))
		return false
	}
	return true
}
