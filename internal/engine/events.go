package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/air-gapped/quizwise/internal/fetch"
	"github.com/air-gapped/quizwise/internal/notify"
	"github.com/air-gapped/quizwise/internal/queue"
)

// ErrNotConfigured is returned for events whose handler was not wired in
// Options.
var ErrNotConfigured = errors.New("engine: handler not configured")

// Sync handles a background-sync event. Only the catalog's sync tag drains
// the submission queue; other tags are ignored.
func (e *Engine) Sync(ctx context.Context, tag string) (queue.DrainResult, error) {
	if tag != e.catalog.SyncTag {
		e.logger.Debug("ignoring sync tag", "tag", tag)
		return queue.DrainResult{}, nil
	}
	if e.queue == nil {
		return queue.DrainResult{}, fmt.Errorf("sync %q: %w", tag, ErrNotConfigured)
	}

	res, err := e.queue.Drain(ctx, e.submit)
	if err != nil {
		return res, fmt.Errorf("sync %q: %w", tag, err)
	}
	e.logger.Info("sync finished", "tag", tag, "submitted", res.Submitted, "failed", res.Failed)
	return res, nil
}

// submit POSTs one queued submission to the origin's submit path. Anything
// but a 2xx answer is a failure.
func (e *Engine) submit(ctx context.Context, s queue.Submission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	target, err := e.resolve(e.catalog.SubmitPath)
	if err != nil {
		return fmt.Errorf("resolve submit path: %w", err)
	}

	req := fetch.NewRequest(http.MethodPost, target.String())
	req.Header.Set("Content-Type", "application/json")
	req.Body = body

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("submit %s: HTTP status %d", s.ID, resp.StatusCode)
	}
	return nil
}

// Push handles a push event.
func (e *Engine) Push(ctx context.Context, data []byte) (*notify.Notification, error) {
	if e.notifier == nil {
		return nil, fmt.Errorf("push: %w", ErrNotConfigured)
	}
	return e.notifier.Push(ctx, data)
}

// NotificationClick handles a click on a shown notification and returns the
// URL of the window it opened, if any.
func (e *Engine) NotificationClick(ctx context.Context, c notify.Click) (string, error) {
	if e.notifier == nil {
		return "", fmt.Errorf("notification click: %w", ErrNotConfigured)
	}
	return e.notifier.Click(ctx, c)
}
