// Package notify turns push messages into notifications and routes clicks on
// them back to the quiz pages.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/air-gapped/quizwise/internal/sanitize"
)

var (
	// ErrInvalidPayload is returned for push data that fails validation.
	ErrInvalidPayload = errors.New("invalid push payload")
	// ErrNotFound is returned when a clicked notification is not displayed.
	ErrNotFound = errors.New("notification not found")
)

// Click actions.
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

// Fixed iconography of QuizWise notifications.
const (
	Icon  = "/assets/icons/icon-192x192.png"
	Badge = "/assets/icons/badge-72x72.png"
)

var vibratePattern = []int{200, 100, 200}

const payloadSchema = `{
	"type": "object",
	"required": ["title", "body"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"data": {
			"type": "object",
			"properties": {
				"url": {"type": "string"}
			}
		}
	}
}`

// Action is a button shown on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// Notification is a displayed push message.
type Notification struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon"`
	Badge   string         `json:"badge"`
	Vibrate []int          `json:"vibrate"`
	Data    map[string]any `json:"data"`
	Actions []Action       `json:"actions"`
	ShownAt time.Time      `json:"shown_at"`
}

// URL returns the routing URL carried in the notification data, if any.
func (n *Notification) URL() string {
	u, _ := n.Data["url"].(string)
	return u
}

// Click is a user interaction with a notification. An empty Action means
// the notification body itself was clicked.
type Click struct {
	NotificationID string `json:"id"`
	Action         string `json:"action"`
}

// Displayer shows and closes notifications.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
	Get(ctx context.Context, id string) (Notification, bool)
	Close(ctx context.Context, id string) error
}

// WindowOpener opens or focuses a quiz page at url.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// Bridge maps push data to notifications and clicks to navigation.
type Bridge struct {
	display Displayer
	windows WindowOpener
	logger  *slog.Logger
	schema  *jsonschema.Schema
	now     func() time.Time
}

// NewBridge compiles the push payload schema.
func NewBridge(display Displayer, windows WindowOpener, logger *slog.Logger) (*Bridge, error) {
	var doc any
	if err := json.Unmarshal([]byte(payloadSchema), &doc); err != nil {
		return nil, fmt.Errorf("parse push schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const schemaURL = "schema://push-payload.json"
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add push schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile push schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		display: display,
		windows: windows,
		logger:  logger,
		schema:  compiled,
		now:     time.Now,
	}, nil
}

// Push displays the notification carried by data. Empty data is ignored and
// returns (nil, nil).
func (b *Bridge) Push(ctx context.Context, data []byte) (*Notification, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := b.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p pushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}

	n := Notification{
		ID:      uuid.New().String(),
		Title:   sanitize.PlainText(p.Title),
		Body:    sanitize.PlainText(p.Body),
		Icon:    Icon,
		Badge:   Badge,
		Vibrate: append([]int(nil), vibratePattern...),
		Data:    p.Data,
		Actions: []Action{
			{Action: ActionView, Title: "View Quiz", Icon: "/assets/icons/action-view.png"},
			{Action: ActionDismiss, Title: "Dismiss", Icon: "/assets/icons/action-dismiss.png"},
		},
		ShownAt: b.now(),
	}
	if err := b.display.Show(ctx, n); err != nil {
		return nil, fmt.Errorf("show notification: %w", err)
	}
	b.logger.Info("notification shown", "id", n.ID, "title", n.Title)
	return &n, nil
}

// Click closes the clicked notification and runs exactly one branch: view
// opens the notification URL (or the root), dismiss does nothing else, and
// any other action opens the root. It returns the URL opened, if any.
func (b *Bridge) Click(ctx context.Context, c Click) (string, error) {
	n, ok := b.display.Get(ctx, c.NotificationID)
	if !ok {
		return "", fmt.Errorf("click %q: %w", c.NotificationID, ErrNotFound)
	}
	if err := b.display.Close(ctx, n.ID); err != nil {
		b.logger.Warn("close notification failed", "id", n.ID, "error", err)
	}

	var target string
	switch c.Action {
	case ActionView:
		target = n.URL()
		if target == "" {
			target = "/"
		}
	case ActionDismiss:
		return "", nil
	default:
		target = "/"
	}

	if err := b.windows.OpenWindow(ctx, target); err != nil {
		return "", fmt.Errorf("open window %q: %w", target, err)
	}
	return target, nil
}

