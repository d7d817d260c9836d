package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/observability"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/store"
)

// Handler renders one claimed item.
type Handler func(ctx context.Context, it *Item) (render.Result, error)

// Pool runs a fixed number of workers against a queue. Idle workers block on
// the queue's ready signal.
type Pool struct {
	q       Queue
	handle  Handler
	size    int
	logger  *slog.Logger
	active  atomic.Int32
	running atomic.Bool
}

func NewPool(q Queue, size int, handle Handler, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		q:      q,
		handle: handle,
		size:   size,
		logger: logging.WithComponent(logging.OrDiscard(logger), "worker"),
	}
}

func (p *Pool) Size() int       { return p.size }
func (p *Pool) Active() int     { return int(p.active.Load()) }
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Run blocks until ctx is cancelled and every in-flight item has been
// recorded.
func (p *Pool) Run(ctx context.Context) error {
	if p.running.Swap(true) {
		return errors.New("worker pool already running")
	}
	defer p.running.Store(false)

	p.logger.Info("worker pool started", "workers", p.size)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		it, err := p.q.Claim(ctx)
		switch {
		case err == nil:
			p.process(ctx, logger, it)
			continue
		case errors.Is(err, ErrEmpty):
		case ctx.Err() != nil:
			return
		default:
			logger.Error("failed to claim queue item", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.q.Ready():
		}
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, it *Item) {
	p.active.Add(1)
	defer p.active.Add(-1)

	logger = logger.With("item_id", it.ID, "scene_id", it.SceneID, "engine_id", it.EngineID, "attempt", it.Attempts)
	logger.Info("processing queue item")
	start := time.Now()

	res, err := p.handle(ctx, it)

	// Outcomes are recorded even when shutdown cancelled the render.
	wctx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := p.q.Complete(wctx, it.ID, res); cerr != nil {
			logger.Error("failed to complete queue item", "error", cerr)
		}
		logger.Info("queue item completed", "videos", len(res.Videos), "duration_ms", time.Since(start).Milliseconds())
		return
	}

	pe, ok := render.AsPipelineError(err)
	if !ok {
		pe = render.NewPipelineError(render.StageExecute, render.ErrFFmpeg, err, "render failed")
	}
	requeued, ferr := p.q.Fail(wctx, it.ID, pe)
	if ferr != nil {
		logger.Error("failed to record queue failure", "error", ferr)
	}
	logger.Warn("queue item failed",
		"error_type", pe.ErrorType,
		"requeued", requeued,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Executor renders one task.
type Executor interface {
	Execute(ctx context.Context, task render.RenderTask, opts render.Options) (render.Result, error)
}

// RenderHandler asks the item's engine for its source clip, renders the item
// and records every output as a variation. The first output keeps the item's
// id so a failed item can be retried by that id.
func RenderHandler(exec Executor, gen engines.Generator, variations store.VariationWriter, logger *slog.Logger) Handler {
	if gen == nil {
		gen = engines.Passthrough{}
	}
	logger = logging.OrDiscard(logger)

	return func(ctx context.Context, it *Item) (render.Result, error) {
		ctx, span := observability.StartSpan(ctx, "queue.item",
			attribute.String("queue.item_id", it.ID),
			attribute.String("engine.id", it.EngineID),
		)
		defer span.End()

		task := it.Task
		task.VideoID = it.ID
		task.InputVideos = append([]string(nil), it.Task.InputVideos...)
		task.InputImages = append([]string(nil), it.Task.InputImages...)

		var (
			res    render.Result
			runErr error
		)
		if src := task.FirstInput(); it.EngineID != "" && src != "" {
			url, err := gen.Generate(ctx, engines.GenerateRequest{VideoID: it.ID, EngineID: it.EngineID, SourceURL: src, Prompt: it.Prompt})
			if err != nil {
				runErr = render.NewPipelineError(render.StageEngine, render.ErrEngine, err, "engine %s failed", it.EngineID)
			} else {
				task.ReplaceFirstInput(url)
			}
		}
		if runErr == nil {
			res, runErr = exec.Execute(ctx, task, it.Options)
		}

		rctx := context.WithoutCancel(ctx)
		if err := recordVariations(rctx, variations, it, res, runErr); err != nil {
			logger.Error("failed to record variations", "item_id", it.ID, "error", err)
		}
		return res, runErr
	}
}

func recordVariations(ctx context.Context, vs store.VariationWriter, it *Item, res render.Result, runErr error) error {
	if vs == nil {
		return nil
	}
	cfg := store.VariationConfig{Task: it.Task, Options: it.Options}
	if runErr == nil {
		return store.RecordResult(ctx, vs, res, cfg, "", it.EngineID)
	}

	now := time.Now().UTC()
	pe, _ := render.AsPipelineError(runErr)
	return store.SaveVariation(ctx, vs, &store.Variation{
		ID:         it.ID,
		Status:     store.VariationStatusFailed,
		Config:     cfg,
		EngineUsed: it.EngineID,
		LastError:  pe,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}
