package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-render/internal/render"
)

// SQLiteQueue stores items in the render_queue table so queued and
// interrupted work survives a restart.
type SQLiteQueue struct {
	db    *sql.DB
	ready signal
	now   func() time.Time
}

func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	q := &SQLiteQueue{
		db:    db,
		ready: newSignal(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	// Items recovered at startup are claimable immediately.
	q.ready.notify()
	return q
}

// payload is the JSON stored in the payload column.
type payload struct {
	Prompt  string            `json:"prompt,omitempty"`
	Task    render.RenderTask `json:"task"`
	Options render.Options    `json:"config"`
}

const itemColumns = `id, scene_id, variation_index, engine_id, status, priority, attempts, max_attempts,
	payload, result, last_error, created_at, updated_at`

func (q *SQLiteQueue) Enqueue(ctx context.Context, items ...*Item) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := q.now()
	ts := now.Format(time.RFC3339Nano)
	for _, it := range items {
		body, err := json.Marshal(payload{Prompt: it.Prompt, Task: it.Task, Options: it.Options})
		if err != nil {
			return fmt.Errorf("encode queue payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO render_queue (id, scene_id, variation_index, engine_id, status, priority, attempts, max_attempts, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', ?, 0, ?, ?, ?, ?)
		`, it.ID, it.SceneID, it.VariationIndex, it.EngineID, it.Priority, it.MaxAttempts, string(body), ts, ts)
		if err != nil {
			return fmt.Errorf("insert queue item %s: %w", it.ID, err)
		}
		it.Status = StatusQueued
		it.Attempts = 0
		it.CreatedAt = now
		it.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if len(items) > 0 {
		q.ready.notify()
	}
	return nil
}

// Claim selects and marks the next item in one statement, so two workers can
// never receive the same item.
func (q *SQLiteQueue) Claim(ctx context.Context) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE render_queue
		SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM render_queue
			WHERE status = 'queued'
			ORDER BY priority DESC, rowid ASC
			LIMIT 1
		)
		RETURNING `+itemColumns,
		q.now().Format(time.RFC3339Nano))

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	q.ready.notify()
	return it, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, id string, result render.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode queue result: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE render_queue SET status = 'completed', result = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, string(body), q.now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *SQLiteQueue) Fail(ctx context.Context, id string, pe *render.PipelineError) (bool, error) {
	it, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}

	var lastErr sql.NullString
	if pe != nil {
		b, err := json.Marshal(pe)
		if err != nil {
			return false, fmt.Errorf("encode queue error: %w", err)
		}
		lastErr = sql.NullString{String: string(b), Valid: true}
	}

	requeue := shouldRequeue(it, pe)
	status := StatusFailed
	if requeue {
		status = StatusQueued
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE render_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(status), lastErr, q.now().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, err
	}
	if requeue {
		q.ready.notify()
	}
	return requeue, nil
}

func (q *SQLiteQueue) Get(ctx context.Context, id string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM render_queue WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (q *SQLiteQueue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM render_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{StatusQueued: 0, StatusRunning: 0, StatusCompleted: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (q *SQLiteQueue) Ready() <-chan struct{} { return q.ready }

func scanItem(row *sql.Row) (*Item, error) {
	var it Item
	var status, body, createdAt, updatedAt string
	var result, lastErr sql.NullString

	err := row.Scan(&it.ID, &it.SceneID, &it.VariationIndex, &it.EngineID, &status, &it.Priority,
		&it.Attempts, &it.MaxAttempts, &body, &result, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.Status = Status(status)

	var p payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}
	it.Prompt, it.Task, it.Options = p.Prompt, p.Task, p.Options

	if result.Valid && result.String != "" {
		var r render.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode queue result: %w", err)
		}
		it.Result = &r
	}
	if lastErr.Valid && lastErr.String != "" {
		var pe render.PipelineError
		if err := json.Unmarshal([]byte(lastErr.String), &pe); err != nil {
			return nil, fmt.Errorf("decode queue error: %w", err)
		}
		it.LastError = &pe
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &it, nil
}
