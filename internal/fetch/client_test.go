package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetch_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("ETag", `"abc123"`)
		w.Write([]byte("body{margin:0}"))
	}))
	defer upstream.Close()

	c := NewClient(10*time.Second, 5*1024*1024, false)
	result, err := c.Fetch(context.Background(), NewRequest(http.MethodGet, upstream.URL+"/assets/css/styles.css"))
	if err != nil {
		t.Fatal(err)
	}

	if result.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if !result.OK() {
		t.Error("OK() = false, want true")
	}
	if string(result.Body) != "body{margin:0}" {
		t.Errorf("Body = %q", string(result.Body))
	}
	if result.Header.Get("Content-Type") != "text/css" {
		t.Errorf("Content-Type = %q", result.Header.Get("Content-Type"))
	}
	if result.Header.Get("ETag") != `"abc123"` {
		t.Errorf("ETag = %q, want \"abc123\"", result.Header.Get("ETag"))
	}
	if result.Header.Get("Content-Length") != "" {
		t.Error("Content-Length should be dropped from stored headers")
	}
	if result.FetchMs < 0 {
		t.Errorf("FetchMs = %d, want >= 0", result.FetchMs)
	}
}

func TestFetch_ForwardsMethodHeadersBody(t *testing.T) {
	var gotMethod, gotType, gotConn, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotConn = r.Header.Get("Proxy-Connection")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	req := NewRequest(http.MethodPost, upstream.URL+"/api/quiz-results")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Body = []byte(`{"id":"s1","score":8}`)

	c := NewClient(10*time.Second, 5*1024*1024, false)
	result, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if result.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", result.StatusCode)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotConn != "" {
		t.Errorf("hop-by-hop header forwarded: %q", gotConn)
	}
	if gotBody != `{"id":"s1","score":8}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestFetch_DefaultsToGet(t *testing.T) {
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer upstream.Close()

	c := NewClient(10*time.Second, 1024, false)
	if _, err := c.Fetch(context.Background(), &Request{URL: upstream.URL}); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %q, want GET", gotMethod)
	}
}

func TestFetch_FileTooLarge_ContentLength(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000000")
		w.Write([]byte("big"))
	}))
	defer upstream.Close()

	c := NewClient(10*time.Second, 1024, false) // 1KB limit
	_, err := c.Fetch(context.Background(), NewRequest(http.MethodGet, upstream.URL+"/big.js"))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestFetch_FileTooLarge_StreamingBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Don't set Content-Length, stream data
		for i := 0; i < 100; i++ {
			fmt.Fprint(w, strings.Repeat("x", 100))
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	c := NewClient(10*time.Second, 1024, false) // 1KB limit
	_, err := c.Fetch(context.Background(), NewRequest(http.MethodGet, upstream.URL+"/big.js"))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	c := NewClient(100*time.Millisecond, 5*1024*1024, false)
	_, err := c.Fetch(context.Background(), NewRequest(http.MethodGet, upstream.URL+"/slow"))
	if err == nil {
		t.Error("expected timeout error, got nil")
	}
}

func TestFetch_ContextCanceled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(10*time.Second, 1024, false)
	_, err := c.Fetch(ctx, NewRequest(http.MethodGet, upstream.URL))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestFetch_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	c := NewClient(time.Second, 1024, false)
	if _, err := c.Fetch(context.Background(), NewRequest(http.MethodGet, addr)); err == nil {
		t.Error("expected error for closed upstream, got nil")
	}
}

func TestFetch_UpstreamNon200(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte("not found"))
	}))
	defer upstream.Close()

	c := NewClient(10*time.Second, 5*1024*1024, false)
	result, err := c.Fetch(context.Background(), NewRequest(http.MethodGet, upstream.URL+"/missing.css"))
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", result.StatusCode)
	}
	if result.OK() {
		t.Error("OK() = true for 404")
	}
}
