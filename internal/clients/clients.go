// Package clients tracks the quiz pages connected to the caching layer.
package clients

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types sent to connected pages.
const (
	EventControllerChange = "controllerchange"
	EventFocus            = "focus"
	EventNavigate         = "navigate"
)

const eventBuffer = 16

// Event is a message to one page.
type Event struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Info describes a connected page.
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Controlled  bool      `json:"controlled"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Conn is one connected page.
type Conn struct {
	info   Info
	events chan Event
	reg    *Registry
	once   sync.Once
}

// ID returns the client id.
func (c *Conn) ID() string { return c.info.ID }

// Events delivers events for this page. The channel is closed on Close.
func (c *Conn) Events() <-chan Event { return c.events }

// Close disconnects the page.
func (c *Conn) Close() {
	c.once.Do(func() { c.reg.remove(c) })
}

// Registry holds connected pages. The last window requested while no page
// is connected is opened by the next page that connects.
type Registry struct {
	mu      sync.Mutex
	conns   []*Conn // connection order
	pending string
	claimed bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, now: time.Now}
}

// Connect registers a page showing pageURL. Once the registry has been
// claimed, new pages start out controlled.
func (r *Registry) Connect(pageURL string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Conn{
		info: Info{
			ID:          uuid.New().String(),
			URL:         pageURL,
			Controlled:  r.claimed,
			ConnectedAt: r.now(),
		},
		events: make(chan Event, eventBuffer),
		reg:    r,
	}
	r.conns = append(r.conns, c)

	if r.pending != "" {
		r.send(c, Event{Type: EventNavigate, URL: r.pending})
		r.pending = ""
	}
	return c
}

func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, conn := range r.conns {
		if conn == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			break
		}
	}
	close(c.events)
}

// Claim takes control of every connected page and of pages connecting later.
func (r *Registry) Claim(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claimed = true
	for _, c := range r.conns {
		if c.info.Controlled {
			continue
		}
		c.info.Controlled = true
		r.send(c, Event{Type: EventControllerChange})
	}
	return nil
}

// OpenWindow focuses a page already showing url, or else navigates the most
// recently connected page to it. With no page connected, the request waits
// for the next connection and replaces any request already waiting.
func (r *Registry) OpenWindow(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		if c.info.URL == url {
			r.send(c, Event{Type: EventFocus, URL: url})
			return nil
		}
	}
	if n := len(r.conns); n > 0 {
		c := r.conns[n-1]
		c.info.URL = url
		r.send(c, Event{Type: EventNavigate, URL: url})
		return nil
	}
	r.pending = url
	return nil
}

// CloseAll disconnects every page, ending their event streams.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := append([]*Conn(nil), r.conns...)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// List returns the connected pages in connection order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info)
	}
	return out
}

// send must be called with mu held. A page that stops reading loses events
// rather than blocking the registry.
func (r *Registry) send(c *Conn, ev Event) {
	select {
	case c.events <- ev:
	default:
		r.logger.Warn("client event dropped", "client", c.info.ID, "type", ev.Type)
	}
}
