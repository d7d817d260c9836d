// Package queue holds render work items and the worker pool that drains them.
// Claims are atomic: an item is handed to exactly one worker at a time.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/heimdex/heimdex-render/internal/render"
)

var (
	ErrNotFound = errors.New("queue item not found")
	ErrEmpty    = errors.New("queue empty")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Item is one scene x engine x variation unit of render work.
type Item struct {
	ID             string                `json:"id"`
	SceneID        string                `json:"scene_id"`
	EngineID       string                `json:"engine_id"`
	VariationIndex int                   `json:"variation_index"`
	Prompt         string                `json:"prompt,omitempty"`
	Task           render.RenderTask     `json:"task"`
	Options        render.Options        `json:"config"`
	Status         Status                `json:"status"`
	Priority       int                   `json:"priority"`
	Attempts       int                   `json:"attempts"`
	MaxAttempts    int                   `json:"max_attempts"`
	Result         *render.Result        `json:"result,omitempty"`
	LastError      *render.PipelineError `json:"last_error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Queue is a priority FIFO of render items.
type Queue interface {
	Enqueue(ctx context.Context, items ...*Item) error
	// Claim moves the highest-priority, oldest queued item to running and
	// increments its attempts. It returns ErrEmpty when nothing is queued.
	Claim(ctx context.Context) (*Item, error)
	Complete(ctx context.Context, id string, result render.Result) error
	// Fail records pe. Retryable failures with attempts left go back to
	// queued; requeued reports which happened.
	Fail(ctx context.Context, id string, pe *render.PipelineError) (requeued bool, err error)
	Get(ctx context.Context, id string) (*Item, error)
	Counts(ctx context.Context) (map[Status]int, error)
	// Ready is signalled whenever an item may have become claimable.
	Ready() <-chan struct{}
}

func shouldRequeue(it *Item, pe *render.PipelineError) bool {
	return pe != nil && pe.Retryable && it.Attempts < it.MaxAttempts
}

// signal is a one-slot wakeup shared by the backends.
type signal chan struct{}

func newSignal() signal { return make(signal, 1) }

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}
