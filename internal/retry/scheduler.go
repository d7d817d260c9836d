package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/observability"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/store"
)

// EngineFFmpeg is recorded as the engine of retries that bypass upstream
// engines.
const EngineFFmpeg = "ffmpeg"

// Executor renders one task or one compiled plan.
type Executor interface {
	Execute(ctx context.Context, task render.RenderTask, opts render.Options) (render.Result, error)
	ExecutePlan(ctx context.Context, plan creative.ExecutionPlan, opts render.PlanOptions) (render.Result, error)
}

// Repository is the slice of the store the scheduler needs.
type Repository interface {
	GetVariation(ctx context.Context, id string) (*store.Variation, error)
	GetPlan(ctx context.Context, id string) (*creative.ExecutionPlan, error)
	ClaimRetry(ctx context.Context, id string, expectedCount int, mode string, now time.Time) error
	RecordOutcome(ctx context.Context, v *store.Variation) error
}

// Outcome is the result of one retry attempt.
type Outcome struct {
	VideoID  string         `json:"videoId"`
	Status   string         `json:"status"`
	VideoURL string         `json:"videoUrl,omitempty"`
	State    RetryState     `json:"state"`
	Result   *render.Result `json:"result,omitempty"`
}

type Scheduler struct {
	repo        Repository
	exec        Executor
	gen         engines.Generator
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewScheduler(repo Repository, exec Executor, gen engines.Generator, maxAttempts int, logger *slog.Logger) *Scheduler {
	if gen == nil {
		gen = engines.Passthrough{}
	}
	return &Scheduler{
		repo:        repo,
		exec:        exec,
		gen:         gen,
		maxAttempts: maxAttempts,
		logger:      logging.WithComponent(logging.OrDiscard(logger), "retry"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// MaxAttempts is the retry ceiling; 0 means unlimited.
func (s *Scheduler) MaxAttempts() int { return s.maxAttempts }

// Retry advances the variation one step along the ladder and re-renders it.
// The attempt is claimed atomically before rendering, so a crash mid-attempt
// still counts it and a concurrent retry of the same variation is rejected.
// Failures come back as *render.PipelineError and are also stored on the
// variation.
func (s *Scheduler) Retry(ctx context.Context, videoID string) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "retry.attempt", attribute.String("video.id", videoID))
	defer span.End()
	logger := logging.WithVideoID(s.logger, videoID)

	v, err := s.repo.GetVariation(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{VideoID: videoID}, notFound(videoID)
	}
	if err != nil {
		return Outcome{VideoID: videoID}, fmt.Errorf("load variation: %w", err)
	}

	current := RetryState{
		VideoID:      v.ID,
		RetryCount:   v.RetryCount,
		FallbackMode: ParseMode(v.FallbackMode),
		EngineUsed:   v.EngineUsed,
	}
	reject := func(format string, args ...any) (Outcome, error) {
		return Outcome{VideoID: videoID, Status: v.Status, State: current},
			render.NewPipelineError(render.StageValidate, render.ErrValidation, nil, format, args...)
	}
	if v.Status == store.VariationStatusRendering {
		return reject("variation %s is already rendering", videoID)
	}
	if s.maxAttempts > 0 && current.RetryCount >= s.maxAttempts {
		return reject("retry limit of %d attempts reached", s.maxAttempts)
	}
	var plan *creative.ExecutionPlan
	if v.PlanID != "" {
		plan, err = s.repo.GetPlan(ctx, v.PlanID)
		if errors.Is(err, store.ErrNotFound) {
			return reject("plan %s of variation %s not found", v.PlanID, videoID)
		}
		if err != nil {
			return Outcome{VideoID: videoID, State: current}, fmt.Errorf("load plan: %w", err)
		}
	} else if len(v.Config.Task.InputVideos) == 0 && len(v.Config.Task.InputImages) == 0 && len(v.Config.Options.SourceVideos) == 0 {
		return reject("variation %s has no inputs to re-render", videoID)
	}

	next := current.Next()
	span.SetAttributes(
		attribute.Int("retry.count", next.RetryCount),
		attribute.String("retry.fallback_mode", string(next.FallbackMode)),
	)

	switch err := s.repo.ClaimRetry(ctx, v.ID, current.RetryCount, string(next.FallbackMode), s.now()); {
	case errors.Is(err, store.ErrConflict):
		return reject("variation %s was retried concurrently", videoID)
	case errors.Is(err, store.ErrNotFound):
		return Outcome{VideoID: videoID}, notFound(videoID)
	case err != nil:
		return Outcome{VideoID: videoID, State: current}, fmt.Errorf("claim retry: %w", err)
	}
	v.RetryCount = next.RetryCount
	v.FallbackMode = string(next.FallbackMode)
	v.Status = store.VariationStatusRendering

	logger.Info("retry started", "retry_count", next.RetryCount, "fallback_mode", next.FallbackMode, "plan_id", v.PlanID)
	start := time.Now()

	var (
		result render.Result
		engine string
		runErr error
	)
	if plan != nil {
		result, engine, runErr = s.attemptPlan(ctx, v, *plan, next)
	} else {
		result, engine, runErr = s.attempt(ctx, v, next)
	}
	if runErr != nil {
		pe, ok := render.AsPipelineError(runErr)
		if !ok {
			pe = render.NewPipelineError(render.StageExecute, render.ErrFFmpeg, runErr, "retry render failed")
		}
		span.RecordError(pe)
		span.SetStatus(codes.Error, string(pe.ErrorType))

		v.Status = store.VariationStatusFailed
		v.LastError = pe
		v.UpdatedAt = s.now()
		if err := s.repo.RecordOutcome(context.WithoutCancel(ctx), v); err != nil {
			logger.Error("failed to persist retry failure", "error", err)
		}
		logger.Warn("retry failed",
			"retry_count", next.RetryCount,
			"fallback_mode", next.FallbackMode,
			"error_type", pe.ErrorType,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return Outcome{VideoID: videoID, Status: v.Status, State: next}, pe
	}

	next.EngineUsed = engine
	completed := s.now()
	v.EngineUsed = engine
	v.LastError = nil
	v.Status = store.VariationStatusCompleted
	if len(result.Videos) > 0 {
		video := result.Videos[0]
		v.VideoURL = video.URL
		if video.Placeholder {
			v.Status = store.VariationStatusPlaceholder
		}
	}
	v.CompletedAt = &completed
	v.UpdatedAt = completed
	if err := s.repo.RecordOutcome(context.WithoutCancel(ctx), v); err != nil {
		return Outcome{VideoID: videoID, State: next}, fmt.Errorf("persist retry result: %w", err)
	}

	logger.Info("retry completed",
		"retry_count", next.RetryCount,
		"fallback_mode", next.FallbackMode,
		"engine_used", engine,
		"status", v.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Outcome{VideoID: videoID, Status: v.Status, VideoURL: v.VideoURL, State: next, Result: &result}, nil
}

func notFound(videoID string) error {
	return render.NewPipelineError(render.StageValidate, render.ErrValidation, nil, "variation %s not found", videoID)
}

// regenerate asks the variation's engine for a fresh copy of src. It reports
// ok=false when the variation has no upstream engine to ask.
func (s *Scheduler) regenerate(ctx context.Context, v *store.Variation, src string) (url, engine string, ok bool, err error) {
	if v.EngineUsed == "" || v.EngineUsed == EngineFFmpeg || src == "" {
		return "", EngineFFmpeg, false, nil
	}
	engine = v.EngineUsed
	url, err = s.gen.Generate(ctx, engines.GenerateRequest{VideoID: v.ID, EngineID: engine, SourceURL: src})
	if err != nil {
		return "", engine, false, render.NewPipelineError(render.StageEngine, render.ErrEngine, err, "engine %s failed", engine)
	}
	return url, engine, true, nil
}

// attempt renders the variation's stored task in the given mode and reports
// the engine that produced it.
func (s *Scheduler) attempt(ctx context.Context, v *store.Variation, state RetryState) (render.Result, string, error) {
	task := v.Config.Task
	task.InputVideos = append([]string(nil), task.InputVideos...)
	task.InputImages = append([]string(nil), task.InputImages...)
	if len(task.InputVideos) == 0 {
		task.InputVideos = append(task.InputVideos, v.Config.Options.SourceVideos...)
	}
	task.VideoID = v.ID
	opts := v.Config.Options
	opts.Variations = 1

	engine := EngineFFmpeg
	switch state.FallbackMode {
	case ModeSameEngine:
		url, used, ok, err := s.regenerate(ctx, v, task.FirstInput())
		engine = used
		if err != nil {
			return render.Result{}, engine, err
		}
		if ok {
			task.ReplaceFirstInput(url)
		}
	case ModeFFmpegOnly:
	case ModeSafeMode:
		task.SafeMode = true
	}

	res, err := s.exec.Execute(ctx, task, opts)
	return res, engine, err
}

// attemptPlan re-renders the compiled plan a variation came from.
func (s *Scheduler) attemptPlan(ctx context.Context, v *store.Variation, plan creative.ExecutionPlan, state RetryState) (render.Result, string, error) {
	opts := render.PlanOptions{VideoID: v.ID}
	engine := EngineFFmpeg
	switch state.FallbackMode {
	case ModeSameEngine:
		var src string
		if len(plan.Timeline) > 0 {
			src = plan.Timeline[0].AssetURL
		}
		url, used, ok, err := s.regenerate(ctx, v, src)
		engine = used
		if err != nil {
			return render.Result{}, engine, err
		}
		if ok {
			plan = replaceAsset(plan, src, url)
		}
	case ModeFFmpegOnly:
	case ModeSafeMode:
		opts.SafeMode = true
	}

	res, err := s.exec.ExecutePlan(ctx, plan, opts)
	return res, engine, err
}

// replaceAsset points every timeline segment cut from old at url. The stored
// plan is not modified.
func replaceAsset(plan creative.ExecutionPlan, old, url string) creative.ExecutionPlan {
	timeline := make([]creative.TimelineSegment, len(plan.Timeline))
	copy(timeline, plan.Timeline)
	for i := range timeline {
		if timeline[i].AssetURL == old {
			timeline[i].AssetURL = url
		}
	}
	plan.Timeline = timeline
	return plan
}
