package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTooLarge is returned when a response body exceeds the configured limit.
var ErrTooLarge = errors.New("response too large")

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an intercepted page request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest returns a request with an empty header.
func NewRequest(method, rawURL string) *Request {
	return &Request{Method: method, URL: rawURL, Header: make(http.Header)}
}

// Response holds the outcome of a network fetch, or a response synthesised
// from a cache entry.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchMs    int64
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a copy that shares the body bytes but not the header map.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// Client performs network fetches on behalf of intercepted requests.
type Client struct {
	httpClient  *http.Client
	maxFileSize int64
}

// NewClient creates a fetch client with the given configuration.
func NewClient(timeout time.Duration, maxFileSize int64, tlsSkipVerify bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		maxFileSize: maxFileSize,
	}
}

// Fetch sends req to the network. Any HTTP status is a successful fetch;
// only transport failures and oversized bodies are errors.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	removeHopHeaders(httpReq.Header)
	// Let the transport negotiate compression so bodies are stored decoded.
	httpReq.Header.Del("Accept-Encoding")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("network fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 && resp.ContentLength > c.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, resp.ContentLength, c.maxFileSize)
	}

	limited := io.LimitReader(resp.Body, c.maxFileSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if int64(len(data)) > c.maxFileSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes limit", ErrTooLarge, c.maxFileSize)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
		FetchMs:    time.Since(start).Milliseconds(),
	}, nil
}

// CloseIdleConnections closes idle upstream connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
