package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/air-gapped/quizwise/internal/cache"
	"github.com/air-gapped/quizwise/internal/clients"
	"github.com/air-gapped/quizwise/internal/config"
	"github.com/air-gapped/quizwise/internal/engine"
	"github.com/air-gapped/quizwise/internal/fetch"
	"github.com/air-gapped/quizwise/internal/notify"
	"github.com/air-gapped/quizwise/internal/queue"
	"github.com/air-gapped/quizwise/internal/store"
)

type testEnv struct {
	upstream *httptest.Server
	srv      *httptest.Server
	handler  http.Handler
	engine   *engine.Engine
	registry *clients.Registry

	mu        sync.Mutex
	submitted []string
}

func (e *testEnv) submissions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.submitted...)
}

func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	env := &testEnv{}

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/quiz-results":
			body, _ := io.ReadAll(r.Body)
			env.mu.Lock()
			env.submitted = append(env.submitted, string(body))
			env.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>home</html>"))
		case r.URL.Path == "/quiz.html":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>quiz</html>"))
		case r.URL.Path == "/assets/css/styles.css":
			w.Header().Set("Content-Type", "text/css")
			w.Write([]byte("body{}"))
		case r.URL.Path == "/assets/js/quiz.js":
			w.Header().Set("Content-Type", "application/javascript")
			w.Write([]byte("quiz()"))
		case r.URL.Path == "/api/leaderboard":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"user":"ada","score":9}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(env.upstream.Close)

	catalog := config.DefaultCatalog()
	catalog.Precache = []string{"/", "/assets/css/styles.css"}
	cfg := &config.Config{
		Origin:       env.upstream.URL,
		FetchTimeout: 5 * time.Second,
		MaxFileSize:  1024 * 1024,
		Catalog:      catalog,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(context.Background(), db.DB(), logger)
	if err != nil {
		t.Fatal(err)
	}

	client := fetch.NewClient(cfg.FetchTimeout, cfg.MaxFileSize, false)
	t.Cleanup(client.CloseIdleConnections)

	registry := clients.NewRegistry(logger)
	tray := notify.NewTray(0)
	bridge, err := notify.NewBridge(tray, registry, logger)
	if err != nil {
		t.Fatal(err)
	}
	cacheStore := cache.NewMemoryStore(cfg.MaxFileSize)
	origin, _ := url.Parse(cfg.Origin)

	env.engine, err = engine.New(engine.Options{
		Catalog:  catalog,
		Origin:   origin,
		Store:    cacheStore,
		Fetcher:  client,
		Clients:  registry,
		Queue:    q,
		Notifier: bridge,
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(env.engine.Wait)

	if start {
		if err := env.engine.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	s, err := New(cfg, "v0.1.0-test", Deps{
		Engine:  env.engine,
		Fetcher: client,
		Store:   cacheStore,
		Queue:   q,
		Tray:    tray,
		Clients: registry,
		Logger:  logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.registry = registry
	env.handler = s.Handler()
	env.srv = httptest.NewServer(env.handler)
	t.Cleanup(env.srv.Close)
	return env
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func post(t *testing.T, rawURL, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(rawURL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := get(t, env.srv.URL+"/healthz")
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestProxy_PassthroughBeforeActive(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := get(t, env.srv.URL+"/quiz.html")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body != "<html>quiz</html>" {
		t.Errorf("body = %q", body)
	}
	if got := resp.Header.Get(headerStrategy); got != strategyPassthrough {
		t.Errorf("%s = %q, want %q", headerStrategy, got, strategyPassthrough)
	}
}

func TestControl_InstallThenSkipWaiting(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := post(t, env.srv.URL+"/_sw/install", "")
	if resp.StatusCode != 200 {
		t.Fatalf("install status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"state":"installed"`) {
		t.Errorf("install body = %s", body)
	}

	resp, body = post(t, env.srv.URL+"/_sw/install", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second install status = %d, want 409", resp.StatusCode)
	}

	resp, body = post(t, env.srv.URL+"/_sw/message", `{"type":"SKIP_WAITING"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("message status = %d: %s", resp.StatusCode, body)
	}
	if env.engine.State() != engine.StateActive {
		t.Errorf("state = %s, want active", env.engine.State())
	}
}

func TestControl_BadJSON(t *testing.T) {
	env := newTestEnv(t, false)

	resp, _ := post(t, env.srv.URL+"/_sw/message", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestControl_UnknownEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp, _ := get(t, env.srv.URL+"/_sw/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxy_Strategies(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		path     string
		strategy string
		source   string
		body     string
	}{
		{"/assets/css/styles.css", "cache-first", "cache", "body{}"},
		{"/assets/js/quiz.js", "cache-first", "network", "quiz()"},
		{"/api/leaderboard", "network-only", "network", `[{"user":"ada","score":9}]`},
		{"/quiz.html", "stale-while-revalidate", "network", "<html>quiz</html>"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, body := get(t, env.srv.URL+tc.path)
			if resp.StatusCode != 200 {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if got := resp.Header.Get(headerStrategy); got != tc.strategy {
				t.Errorf("strategy = %q, want %q", got, tc.strategy)
			}
			if got := resp.Header.Get(headerSource); got != tc.source {
				t.Errorf("source = %q, want %q", got, tc.source)
			}
			if got := resp.Header.Get(headerUpstream); got != env.upstream.URL+tc.path {
				t.Errorf("upstream = %q", got)
			}
			if body != tc.body {
				t.Errorf("body = %q, want %q", body, tc.body)
			}
		})
	}
}

func TestProxy_Offline(t *testing.T) {
	env := newTestEnv(t, true)

	// Warm the caches while online.
	get(t, env.srv.URL+"/assets/js/quiz.js")
	get(t, env.srv.URL+"/quiz.html")
	env.engine.Wait()

	env.upstream.Close()

	tests := []struct {
		path        string
		status      int
		source      string
		contentType string
		body        string
	}{
		{"/assets/js/quiz.js", 200, "cache", "application/javascript", "quiz()"},
		{"/quiz.html", 200, "cache", "text/html", "<html>quiz</html>"},
		{"/assets/img/logo.png", 503, "offline", "text/plain; charset=utf-8", "Offline - Resource not available"},
		{"/api/leaderboard", 503, "offline", "application/json", `{"error":"Network unavailable","message":"Please check your internet connection"}`},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, body := get(t, env.srv.URL+tc.path)
			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if got := resp.Header.Get(headerSource); got != tc.source {
				t.Errorf("source = %q, want %q", got, tc.source)
			}
			if got := resp.Header.Get("Content-Type"); got != tc.contentType {
				t.Errorf("Content-Type = %q, want %q", got, tc.contentType)
			}
			if body != tc.body {
				t.Errorf("body = %q, want %q", body, tc.body)
			}
		})
	}

	// Stale-while-revalidate miss with no network is a gateway error.
	resp, _ := get(t, env.srv.URL+"/profile.html")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("swr miss status = %d, want 502", resp.StatusCode)
	}
	env.engine.Wait()
}

func TestProxy_Forbidden(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := get(t, env.srv.URL+"/https://evil.example.com/steal.js")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestProxy_PostPassesThrough(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := post(t, env.srv.URL+"/api/quiz-results", `{"score":4}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Get(headerStrategy); got != strategyPassthrough {
		t.Errorf("strategy = %q, want passthrough", got)
	}
	if got := env.submissions(); len(got) != 1 || got[0] != `{"score":4}` {
		t.Errorf("upstream received %q", got)
	}
}

func TestSubmissionsAndSync(t *testing.T) {
	env := newTestEnv(t, true)

	resp, body := post(t, env.srv.URL+"/_sw/submissions", `{"id":"r1","quizId":"science","score":7}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status = %d: %s", resp.StatusCode, body)
	}
	resp, _ = post(t, env.srv.URL+"/_sw/submissions", `[1,2]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("array payload status = %d, want 400", resp.StatusCode)
	}
	resp, body = post(t, env.srv.URL+"/_sw/submissions", `{"id":42,"score":1}`)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, "id must be a string") {
		t.Errorf("numeric id: status = %d, body = %s; want 400", resp.StatusCode, body)
	}

	_, body = get(t, env.srv.URL+"/_sw/submissions")
	var pending []map[string]any
	if err := json.Unmarshal([]byte(body), &pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0]["id"] != "r1" {
		t.Fatalf("pending = %v", pending)
	}

	resp, body = post(t, env.srv.URL+"/_sw/sync", `{"tag":"quiz-submission"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("sync status = %d: %s", resp.StatusCode, body)
	}
	var res syncResponse
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 1 || res.Failed != 0 {
		t.Errorf("sync = %+v", res)
	}

	got := env.submissions()
	if len(got) != 1 {
		t.Fatalf("upstream received %d submissions", len(got))
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(got[0]), &sent); err != nil {
		t.Fatal(err)
	}
	if sent["id"] != "r1" || sent["quizId"] != "science" {
		t.Errorf("sent = %v", sent)
	}

	_, body = get(t, env.srv.URL+"/_sw/submissions")
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("queue after sync = %s", body)
	}
}

func TestRemoveSubmission(t *testing.T) {
	env := newTestEnv(t, true)
	post(t, env.srv.URL+"/_sw/submissions", `{"id":"r9","score":1}`)

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/_sw/submissions/r9", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestPush_InvalidAndEmpty(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := post(t, env.srv.URL+"/_sw/push", `{"title":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid push status = %d, want 400", resp.StatusCode)
	}
	resp, _ = post(t, env.srv.URL+"/_sw/push", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("empty push status = %d, want 204", resp.StatusCode)
	}
}

func TestPushClickOpensWindow(t *testing.T) {
	env := newTestEnv(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/_sw/clients/events?url=/leaderboard.html", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	events := bufio.NewReader(stream.Body)
	if ev := nextEvent(t, events); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}

	resp, body := post(t, env.srv.URL+"/_sw/push",
		`{"title":"Leaderboard updated","body":"You moved up","data":{"url":"/leaderboard.html"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("push status = %d: %s", resp.StatusCode, body)
	}
	var n notify.Notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		t.Fatal(err)
	}

	_, body = get(t, env.srv.URL+"/_sw/notifications")
	if !strings.Contains(body, n.ID) {
		t.Errorf("notifications = %s", body)
	}

	resp, body = post(t, env.srv.URL+"/_sw/notificationclick", `{"id":"`+n.ID+`","action":"view"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("click status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"opened":"/leaderboard.html"`) {
		t.Errorf("click body = %s", body)
	}

	if ev := nextEvent(t, events); ev != clients.EventFocus {
		t.Errorf("event = %q, want focus", ev)
	}

	resp, _ = post(t, env.srv.URL+"/_sw/notificationclick", `{"id":"`+n.ID+`"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second click status = %d, want 404", resp.StatusCode)
	}
}

// nextEvent reads one SSE frame and returns its event name.
func nextEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var name string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case line == "" && name != "":
			return name
		}
	}
}

func TestState(t *testing.T) {
	env := newTestEnv(t, true)

	_, body := get(t, env.srv.URL+"/_sw/state")
	var st stateResponse
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != engine.StateActive {
		t.Errorf("state = %s", st.State)
	}
	if st.Version != "v0.1.0-test" {
		t.Errorf("version = %s", st.Version)
	}
	if len(st.Partitions) != 1 || st.Partitions[0].Name != "quizwise-static-v1" || st.Partitions[0].Entries != 2 {
		t.Errorf("partitions = %+v", st.Partitions)
	}

	_, body = get(t, env.srv.URL+"/_sw/clients")
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("clients = %s", body)
	}
}

func TestSubmissionID(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"string id", `{"id":"r1","score":3}`, "r1", false},
		{"missing id", `{"score":3}`, "", false},
		{"null id", `{"id":null}`, "", false},
		{"numeric id", `{"id":42}`, "", true},
		{"object id", `{"id":{"n":1}}`, "", true},
		{"not an object", `[1,2]`, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := submissionID(json.RawMessage(tc.payload))
			if (err != nil) != tc.wantErr {
				t.Fatalf("submissionID(%s) error = %v, wantErr %v", tc.payload, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, queue.ErrInvalidPayload) {
				t.Errorf("error %v does not wrap ErrInvalidPayload", err)
			}
			if got != tc.want {
				t.Errorf("submissionID(%s) = %q, want %q", tc.payload, got, tc.want)
			}
		})
	}
}

func TestClientEvents_EndOnShutdown(t *testing.T) {
	env := newTestEnv(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hs := &http.Server{Handler: env.handler}
	hs.RegisterOnShutdown(env.registry.CloseAll)
	served := make(chan error, 1)
	go func() { served <- hs.Serve(ln) }()

	stream, err := http.Get("http://" + ln.Addr().String() + "/_sw/clients/events?url=/quiz.html")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	events := bufio.NewReader(stream.Body)
	if ev := nextEvent(t, events); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown with a connected page: %v", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve = %v, want ErrServerClosed", err)
	}

	io.Copy(io.Discard, events)
	if got := env.registry.List(); len(got) != 0 {
		t.Errorf("clients after shutdown = %+v", got)
	}
}
