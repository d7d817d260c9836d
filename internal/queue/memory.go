package queue

import (
	"context"
	"sync"
	"time"

	"github.com/heimdex/heimdex-render/internal/render"
)

// MemoryQueue keeps items in process memory. Items are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]*memItem
	seq   int64
	ready signal
	now   func() time.Time
}

type memItem struct {
	item Item
	seq  int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items: make(map[string]*memItem),
		ready: newSignal(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, items ...*Item) error {
	q.mu.Lock()
	now := q.now()
	for _, it := range items {
		q.seq++
		cp := *it
		cp.Status = StatusQueued
		cp.CreatedAt = now
		cp.UpdatedAt = now
		q.items[cp.ID] = &memItem{item: cp, seq: q.seq}
		*it = cp
	}
	q.mu.Unlock()
	if len(items) > 0 {
		q.ready.notify()
	}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	var best *memItem
	for _, m := range q.items {
		if m.item.Status != StatusQueued {
			continue
		}
		if best == nil || m.item.Priority > best.item.Priority ||
			(m.item.Priority == best.item.Priority && m.seq < best.seq) {
			best = m
		}
	}
	if best == nil {
		q.mu.Unlock()
		return nil, ErrEmpty
	}
	best.item.Status = StatusRunning
	best.item.Attempts++
	best.item.UpdatedAt = q.now()
	cp := best.item
	q.mu.Unlock()

	q.ready.notify()
	return &cp, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string, result render.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	m.item.Status = StatusCompleted
	m.item.Result = &result
	m.item.LastError = nil
	m.item.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, pe *render.PipelineError) (bool, error) {
	q.mu.Lock()
	m, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return false, ErrNotFound
	}
	requeue := shouldRequeue(&m.item, pe)
	m.item.LastError = pe
	m.item.UpdatedAt = q.now()
	if requeue {
		m.item.Status = StatusQueued
	} else {
		m.item.Status = StatusFailed
	}
	q.mu.Unlock()

	if requeue {
		q.ready.notify()
	}
	return requeue, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.item
	return &cp, nil
}

func (q *MemoryQueue) Counts(_ context.Context) (map[Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[Status]int{StatusQueued: 0, StatusRunning: 0, StatusCompleted: 0, StatusFailed: 0}
	for _, m := range q.items {
		counts[m.item.Status]++
	}
	return counts, nil
}

func (q *MemoryQueue) Ready() <-chan struct{} { return q.ready }
