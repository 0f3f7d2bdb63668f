// Package queue persists quiz-result submissions made while offline until a
// background sync delivers them.
package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a submission id is not queued.
	ErrNotFound = errors.New("submission not found")
	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("submission payload must be a JSON object")
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_submissions (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);`

// Submission is one queued quiz result.
type Submission struct {
	ID         string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// MarshalJSON renders the durable record format: the payload object with
// the id merged in as "id".
func (s Submission) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(s.Payload) > 0 {
		if err := json.Unmarshal(s.Payload, &fields); err != nil {
			return nil, fmt.Errorf("decode payload of %q: %w", s.ID, err)
		}
	}
	id, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// DrainResult counts the outcome of one drain pass.
type DrainResult struct {
	Submitted int
	Failed    int
}

// SubmitFunc delivers one submission. A non-nil error keeps it queued.
type SubmitFunc func(ctx context.Context, s Submission) error

// Queue is a durable FIFO of submissions keyed by id.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time // injectable for testing
}

// New creates the queue table in db if needed.
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Queue, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, logger: logger, now: time.Now}, nil
}

// Enqueue stores a submission. An empty id is replaced by a new UUID. If
// the id is already queued its payload is replaced and it keeps its place
// in line.
func (q *Queue) Enqueue(ctx context.Context, id string, payload json.RawMessage) (Submission, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return Submission{}, ErrInvalidPayload
	}
	if id == "" {
		id = uuid.New().String()
	}

	s := Submission{ID: id, Payload: json.RawMessage(trimmed), EnqueuedAt: q.now()}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_submissions (id, seq, payload, enqueued_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_submissions), ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`,
		s.ID, []byte(s.Payload), s.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		return Submission{}, fmt.Errorf("enqueue %q: %w", id, err)
	}
	return s, nil
}

// List returns queued submissions in enqueue order.
func (q *Queue) List(ctx context.Context) ([]Submission, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload, enqueued_at FROM pending_submissions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var (
			s        Submission
			payload  []byte
			enqueued int64
		)
		if err := rows.Scan(&s.ID, &payload, &enqueued); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		s.Payload = payload
		s.EnqueuedAt = time.Unix(0, enqueued)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Len returns the number of queued submissions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_submissions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

// Remove deletes a submission.
func (q *Queue) Remove(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	return nil
}

// Drain submits every queued item in enqueue order. Each item stands alone:
// a delivered item is removed, a failed one is logged and kept for the next
// drain, and either way the pass moves on. Only failing to read the queue
// aborts the pass.
func (q *Queue) Drain(ctx context.Context, submit SubmitFunc) (DrainResult, error) {
	var res DrainResult

	pending, err := q.List(ctx)
	if err != nil {
		return res, err
	}

	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := submit(ctx, s); err != nil {
			res.Failed++
			q.logger.Error("sync submission failed", "id", s.ID, "error", err)
			continue
		}
		if err := q.Remove(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			// Delivered but still queued; the next drain resubmits it.
			res.Failed++
			q.logger.Error("remove synced submission failed", "id", s.ID, "error", err)
			continue
		}
		res.Submitted++
		q.logger.Info("synced submission", "id", s.ID)
	}

	return res, nil
}
