package notify

import (
	"context"
	"fmt"
	"sync"
)

// DefaultTrayCapacity bounds how many notifications a Tray keeps.
const DefaultTrayCapacity = 50

// Tray is an in-process Displayer. When full, the oldest notification is
// dropped.
type Tray struct {
	mu       sync.Mutex
	items    []Notification // oldest first
	capacity int
}

// NewTray creates a tray holding up to capacity notifications.
func NewTray(capacity int) *Tray {
	if capacity <= 0 {
		capacity = DefaultTrayCapacity
	}
	return &Tray{capacity: capacity}
}

// Show adds n to the tray.
func (t *Tray) Show(_ context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.items) >= t.capacity {
		t.items = t.items[1:]
	}
	t.items = append(t.items, n)
	return nil
}

// Get returns the notification with the given id.
func (t *Tray) Get(_ context.Context, id string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range t.items {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

// Close removes a notification from the tray.
func (t *Tray) Close(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, n := range t.items {
		if n.ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("close %q: %w", id, ErrNotFound)
}

// List returns displayed notifications, newest first.
func (t *Tray) List() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Notification, 0, len(t.items))
	for i := len(t.items) - 1; i >= 0; i-- {
		out = append(out, t.items[i])
	}
	return out
}
