package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/observability"
	"github.com/heimdex/heimdex-render/internal/storage"
)

// Deps are the executor's collaborators.
type Deps struct {
	Transcoder Transcoder
	Store      storage.Store
	Downloader Downloader
	WorkRoot   string

	// InputRoot is the only directory local inputs may be read from. Empty
	// rejects every local input.
	InputRoot string
	Logger    *slog.Logger
}

// Executor runs render tasks through probe, fetch, transform, execute and
// publish. It holds no per-task state, so one Executor serves every worker.
type Executor struct {
	cfg        config.RenderConfig
	transcoder Transcoder
	probe      *CachedProbe
	store      storage.Store
	downloader Downloader
	workRoot   string
	inputRoot  string
	logger     *slog.Logger

	now func() time.Time
}

func NewExecutor(cfg config.RenderConfig, deps Deps) *Executor {
	logger := logging.WithComponent(logging.OrDiscard(deps.Logger), "executor")
	if deps.Downloader == nil {
		deps.Downloader = NewHTTPDownloader(cfg.Transcoder.DownloadTimeout)
	}
	if deps.WorkRoot == "" {
		deps.WorkRoot = os.TempDir()
	}
	if deps.InputRoot != "" {
		if abs, err := filepath.Abs(deps.InputRoot); err == nil {
			deps.InputRoot = abs
		}
	}
	return &Executor{
		cfg:        cfg,
		transcoder: deps.Transcoder,
		probe:      NewCachedProbe(deps.Transcoder, cfg.Transcoder.ProbeTimeout, logger),
		store:      deps.Store,
		downloader: deps.Downloader,
		workRoot:   deps.WorkRoot,
		inputRoot:  deps.InputRoot,
		logger:     logger,
		now:        time.Now,
	}
}

// Probe exposes the transcoder probe cache for status reporting.
func (e *Executor) Probe() *CachedProbe { return e.probe }

// output is one transcoder invocation. Intermediate outputs feed later ones
// and are not published.
type output struct {
	args         []string
	path         string
	variation    int
	hookStyle    string
	ratio        string
	dims         config.Dimensions
	expectedSec  float64
	intermediate bool

	// silenceSource, when set, is probed for silences right before the
	// transcoder runs and args are rebuilt from the result.
	silenceSource string
}

// taskRun carries the per-call state through the stages.
type taskRun struct {
	id     string
	start  time.Time
	logger *slog.Logger
	result Result
}

func (e *Executor) newRun(taskType TaskType) *taskRun {
	id := uuid.NewString()
	return &taskRun{
		id:     id,
		start:  e.now(),
		logger: logging.WithTaskID(e.logger, id).With("task_type", string(taskType)),
		result: Result{TaskID: id, TaskType: taskType, Videos: []Video{}},
	}
}

func (e *Executor) finish(run *taskRun) Result {
	run.result.TotalVideos = len(run.result.Videos)
	run.result.CompletedAt = e.now().UTC()
	run.result.ProcessingTime = e.now().Sub(run.start).Milliseconds()
	return run.result
}

// stage runs fn inside a span and logs its duration.
func (e *Executor) stage(ctx context.Context, run *taskRun, stage Stage, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "render."+string(stage), attribute.String("task.id", run.id))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	attrs := []any{"stage", string(stage), "duration_ms", time.Since(start).Milliseconds()}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.logger.Warn("stage failed", append(attrs, "error", err)...)
		return err
	}
	run.logger.Debug("stage complete", attrs...)
	return nil
}

// Execute materialises task. Every failure is a *PipelineError; the partial
// result is returned alongside it.
func (e *Executor) Execute(ctx context.Context, task RenderTask, opts Options) (Result, error) {
	task = mergeOptions(task, opts)
	run := e.newRun(task.TaskType)

	ctx, span := observability.StartSpan(ctx, "render.execute",
		attribute.String("task.id", run.id),
		attribute.String("task.type", string(task.TaskType)),
	)
	defer span.End()

	if err := e.validateTask(task); err != nil {
		return e.finish(run), err
	}

	caps := e.probe.Get(ctx)
	run.result.FFmpegAvailable = caps.Available
	if !caps.Available {
		err := e.stage(ctx, run, StagePublish, func(ctx context.Context) error {
			return e.publishPlaceholders(ctx, run, task, opts)
		})
		return e.finish(run), err
	}

	workDir, err := os.MkdirTemp(e.workRoot, "task-*")
	if err != nil {
		return e.finish(run), NewPipelineError(StageFetch, ErrDownload, err, "create work dir")
	}
	defer os.RemoveAll(workDir)

	var local map[string]string
	err = e.stage(ctx, run, StageFetch, func(ctx context.Context) error {
		var ferr error
		local, ferr = fetchAssets(ctx, e.downloader, workDir, e.inputRoot, taskSources(task), e.cfg.Transcoder.DownloadConcurrency)
		if ferr != nil {
			return fetchError(ferr, "fetch assets")
		}
		return nil
	})
	if err != nil {
		return e.finish(run), err
	}

	var outs []output
	err = e.stage(ctx, run, StageTransform, func(context.Context) error {
		var terr error
		outs, terr = e.buildOutputs(task, opts, workDir, local)
		return terr
	})
	if err != nil {
		return e.finish(run), err
	}

	err = e.stage(ctx, run, StageExecute, func(ctx context.Context) error {
		for i := range outs {
			if src := outs[i].silenceSource; src != "" {
				silences, derr := e.detectSilence(ctx, src)
				if derr != nil {
					return derr
				}
				outs[i].args = smartCutArgs(src, outs[i].path, silences, e.encoding(outs[i].dims, false))
			}
			sec, rerr := e.runTranscoder(ctx, outs[i].args, outs[i].path)
			if rerr != nil {
				return rerr
			}
			if sec > 0 {
				outs[i].expectedSec = sec
			}
		}
		return nil
	})
	if err != nil {
		return e.finish(run), err
	}

	err = e.stage(ctx, run, StagePublish, func(ctx context.Context) error {
		for _, o := range outs {
			if o.intermediate {
				continue
			}
			url, perr := e.publish(ctx, run.id, o.path)
			if perr != nil {
				return perr
			}
			run.result.Videos = append(run.result.Videos, Video{
				ID:        task.videoID(len(run.result.Videos)),
				Status:    VideoCompleted,
				URL:       url,
				Duration:  o.expectedSec,
				Ratio:     o.ratio,
				Width:     o.dims.Width,
				Height:    o.dims.Height,
				Variation: o.variation,
				HookStyle: o.hookStyle,
			})
		}
		return nil
	})
	if err != nil {
		return e.finish(run), err
	}

	run.logger.Info("render task completed", "videos", len(run.result.Videos))
	return e.finish(run), nil
}

// PlanOptions adjust one plan render.
type PlanOptions struct {
	// VideoID is kept as the id of the published video when set.
	VideoID string
	// SafeMode encodes with the safe preset.
	SafeMode bool
}

// ExecutePlan renders a compiled execution plan and publishes its EDL next to
// the video.
func (e *Executor) ExecutePlan(ctx context.Context, plan creative.ExecutionPlan, opts PlanOptions) (Result, error) {
	run := e.newRun(TaskFullAssembly)
	run.logger = logging.WithPlanID(run.logger, plan.PlanID)

	ctx, span := observability.StartSpan(ctx, "render.execute_plan",
		attribute.String("task.id", run.id),
		attribute.String("plan.id", plan.PlanID),
		attribute.Bool("render.safe_mode", opts.SafeMode),
	)
	defer span.End()

	if !plan.IsCompilable() || len(plan.Timeline) == 0 {
		return e.finish(run), NewPipelineError(StageValidate, ErrValidation, nil,
			"plan %s is not renderable: %s", plan.PlanID, planReason(plan))
	}

	dims := config.Dimensions{Width: plan.OutputFormat.Width, Height: plan.OutputFormat.Height}
	durationSec := ms(plan.Validation.TotalDurationMs)

	caps := e.probe.Get(ctx)
	run.result.FFmpegAvailable = caps.Available

	workDir, err := os.MkdirTemp(e.workRoot, "plan-*")
	if err != nil {
		return e.finish(run), NewPipelineError(StageFetch, ErrDownload, err, "create work dir")
	}
	defer os.RemoveAll(workDir)

	if !caps.Available {
		err := e.stage(ctx, run, StagePublish, func(ctx context.Context) error {
			path := filepath.Join(workDir, "placeholder.json")
			if err := writePlaceholder(path, placeholder{
				Placeholder: true,
				Reason:      "transcoder unavailable",
				TaskID:      run.id,
				TaskType:    TaskFullAssembly,
				Ratio:       plan.OutputFormat.Ratio,
				Width:       dims.Width,
				Height:      dims.Height,
				DurationSec: durationSec,
				Inputs:      planSources(plan),
				CreatedAt:   e.now().UTC(),
			}); err != nil {
				return NewPipelineError(StagePublish, ErrUpload, err, "write placeholder")
			}
			return e.publishPlanArtifacts(ctx, run, plan, opts, workDir, path, VideoPlaceholder, durationSec, dims)
		})
		return e.finish(run), err
	}

	var local map[string]string
	err = e.stage(ctx, run, StageFetch, func(ctx context.Context) error {
		var ferr error
		local, ferr = fetchAssets(ctx, e.downloader, workDir, e.inputRoot, planSources(plan), e.cfg.Transcoder.DownloadConcurrency)
		if ferr != nil {
			return fetchError(ferr, "fetch plan assets")
		}
		return nil
	})
	if err != nil {
		return e.finish(run), err
	}

	sources := planSources(plan)
	inputs := make([]string, len(sources))
	index := make(map[string]int, len(sources))
	for i, src := range sources {
		inputs[i] = local[src]
		index[src] = i
	}
	outPath := filepath.Join(workDir, fmt.Sprintf("plan-%s.%s", export.SanitizeName(plan.VariationID, 40), e.container()))
	enc := e.encoding(dims, opts.SafeMode)
	if plan.OutputFormat.FPS > 0 {
		enc.fps = plan.OutputFormat.FPS
	}
	args := planArgs(plan, inputs, index, outPath, enc)

	err = e.stage(ctx, run, StageExecute, func(ctx context.Context) error {
		sec, rerr := e.runTranscoder(ctx, args, outPath)
		if rerr == nil && sec > 0 {
			durationSec = sec
		}
		return rerr
	})
	if err != nil {
		return e.finish(run), err
	}

	err = e.stage(ctx, run, StagePublish, func(ctx context.Context) error {
		return e.publishPlanArtifacts(ctx, run, plan, opts, workDir, outPath, VideoCompleted, durationSec, dims)
	})
	return e.finish(run), err
}

func (e *Executor) publishPlanArtifacts(ctx context.Context, run *taskRun, plan creative.ExecutionPlan, opts PlanOptions, workDir, artifact, status string, durationSec float64, dims config.Dimensions) error {
	url, err := e.publish(ctx, run.id, artifact)
	if err != nil {
		return err
	}
	edlPath, werr := export.WritePlanEDL(workDir, plan)
	if werr != nil {
		return NewPipelineError(StagePublish, ErrUpload, werr, "write edl")
	}
	edlURL, err := e.publish(ctx, run.id, edlPath)
	if err != nil {
		return err
	}
	id := opts.VideoID
	if id == "" {
		id = uuid.NewString()
	}
	run.result.Videos = append(run.result.Videos, Video{
		ID:          id,
		Status:      status,
		URL:         url,
		Duration:    durationSec,
		Ratio:       plan.OutputFormat.Ratio,
		Width:       dims.Width,
		Height:      dims.Height,
		EDLURL:      edlURL,
		Placeholder: status == VideoPlaceholder,
	})
	return nil
}

// fetchError keeps pipeline errors raised while resolving inputs and wraps
// everything else as a download failure.
func fetchError(err error, msg string) error {
	if pe, ok := AsPipelineError(err); ok {
		return pe
	}
	return NewPipelineError(StageFetch, ErrDownload, err, msg)
}

// runTranscoder executes one invocation under the wall-clock budget and
// returns the parsed output duration.
func (e *Executor) runTranscoder(ctx context.Context, args []string, outPath string) (float64, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Transcoder.ExecTimeout)
	defer cancel()

	res := e.transcoder.Run(runCtx, args)
	if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return 0, NewPipelineError(StageExecute, ErrTimeout, nil,
			"transcoder exceeded %s", e.cfg.Transcoder.ExecTimeout)
	}
	if errors.Is(res.Err, context.Canceled) {
		return 0, NewPipelineError(StageExecute, ErrTimeout, res.Err, "transcoder cancelled")
	}
	if !res.IsSuccess() {
		return 0, NewPipelineError(StageExecute, ErrFFmpeg, nil,
			"transcoder exited %d: %s", res.ExitCode, truncate(strings.TrimSpace(res.StderrTail), 512))
	}
	if _, err := os.Stat(outPath); err != nil {
		return 0, NewPipelineError(StageExecute, ErrFFmpeg, err, "transcoder produced no output")
	}
	sec, _ := ParseDuration(res.StderrTail)
	return sec, nil
}

func (e *Executor) publish(ctx context.Context, taskID, path string) (string, error) {
	key := fmt.Sprintf("renders/%s/%s", taskID, filepath.Base(path))
	url, err := e.store.Put(ctx, path, key, storage.ContentTypeFor(path))
	if err != nil {
		return "", NewPipelineError(StagePublish, ErrUpload, err, "publish %s", filepath.Base(path))
	}
	return url, nil
}

// publishPlaceholders is degraded mode: one JSON artifact per planned output,
// each flagged as a placeholder.
func (e *Executor) publishPlaceholders(ctx context.Context, run *taskRun, task RenderTask, opts Options) error {
	dir, err := os.MkdirTemp(e.workRoot, "placeholder-*")
	if err != nil {
		return NewPipelineError(StagePublish, ErrUpload, err, "create placeholder dir")
	}
	defer os.RemoveAll(dir)

	for _, slot := range e.outputSlots(task, opts) {
		path := filepath.Join(dir, fmt.Sprintf("placeholder-v%d-%s.json", slot.variation, ratioSlug(slot.ratio)))
		if err := writePlaceholder(path, placeholder{
			Placeholder: true,
			Reason:      "transcoder unavailable",
			TaskID:      run.id,
			TaskType:    task.TaskType,
			Variation:   slot.variation,
			Ratio:       slot.ratio,
			Width:       slot.dims.Width,
			Height:      slot.dims.Height,
			DurationSec: slot.expectedSec,
			Inputs:      taskSources(task),
			CreatedAt:   e.now().UTC(),
		}); err != nil {
			return NewPipelineError(StagePublish, ErrUpload, err, "write placeholder")
		}
		url, perr := e.publish(ctx, run.id, path)
		if perr != nil {
			return perr
		}
		run.result.Videos = append(run.result.Videos, Video{
			ID:          task.videoID(len(run.result.Videos)),
			Status:      VideoPlaceholder,
			URL:         url,
			Duration:    slot.expectedSec,
			Ratio:       slot.ratio,
			Width:       slot.dims.Width,
			Height:      slot.dims.Height,
			Variation:   slot.variation,
			HookStyle:   slot.hookStyle,
			Placeholder: true,
		})
	}
	run.logger.Warn("transcoder unavailable, published placeholders", "count", len(run.result.Videos))
	return nil
}

func (e *Executor) validateTask(task RenderTask) error {
	invalid := func(format string, args ...any) error {
		return NewPipelineError(StageValidate, ErrValidation, nil, format, args...)
	}
	switch {
	case !task.TaskType.Valid():
		return invalid("unknown task type %q", task.TaskType)
	case task.TaskType == TaskRetrySingle:
		return invalid("retry_single tasks are handled by the retry scheduler")
	case task.TaskType == TaskMotionEffects && len(task.InputImages) == 0:
		return invalid("motion_effects requires at least one input image")
	case task.TaskType != TaskMotionEffects && len(task.InputVideos) == 0:
		return invalid("%s requires at least one input video", task.TaskType)
	case task.TaskType == TaskMusicSync && task.MusicURL == "":
		return invalid("music_sync requires music_url")
	case task.TaskType == TaskSubtitles && task.SubtitlesURL == "":
		return invalid("subtitles requires subtitles_url")
	case task.MaxDuration < 0:
		return invalid("max_duration must not be negative")
	}
	for _, r := range e.ratiosFor(task) {
		if _, ok := e.cfg.DimensionsFor(r); !ok {
			return invalid("unsupported output ratio %q", r)
		}
	}
	return nil
}

// mergeOptions fills empty task fields from the request-level options.
func mergeOptions(task RenderTask, opts Options) RenderTask {
	if len(task.InputVideos) == 0 && len(opts.SourceVideos) > 0 {
		task.InputVideos = append([]string(nil), opts.SourceVideos...)
	}
	if task.Pacing == "" {
		task.Pacing = opts.Pacing
	}
	if len(task.Transitions) == 0 && len(opts.Transitions) > 0 {
		task.Transitions = append([]string(nil), opts.Transitions...)
	}
	if len(task.Ratios) == 0 && len(opts.Ratios) > 0 {
		task.Ratios = append([]string(nil), opts.Ratios...)
	}
	return task
}

func taskSources(task RenderTask) []string {
	var s []string
	s = append(s, task.InputVideos...)
	s = append(s, task.InputImages...)
	if task.MusicURL != "" {
		s = append(s, task.MusicURL)
	}
	if task.SubtitlesURL != "" {
		s = append(s, task.SubtitlesURL)
	}
	return s
}

// planSources lists the plan's distinct assets in first-use order.
func planSources(plan creative.ExecutionPlan) []string {
	seen := make(map[string]bool)
	var s []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			s = append(s, u)
		}
	}
	for _, seg := range plan.Timeline {
		add(seg.AssetURL)
	}
	for _, at := range plan.AudioTracks {
		add(at.AssetURL)
	}
	return s
}

func planReason(plan creative.ExecutionPlan) string {
	if plan.Reason != "" {
		return plan.Reason
	}
	return "empty timeline"
}

func ratioSlug(r string) string { return strings.ReplaceAll(r, ":", "x") }

func (e *Executor) container() string {
	if e.cfg.Output.Container == "" {
		return "mp4"
	}
	return e.cfg.Output.Container
}

func (e *Executor) encoding(dims config.Dimensions, safe bool) encoding {
	preset := e.cfg.Transcoder.Preset
	if safe {
		preset = e.cfg.Transcoder.SafePreset
	}
	return encoding{
		width:  dims.Width,
		height: dims.Height,
		fps:    e.cfg.Output.FPS,
		codec:  e.cfg.Output.Codec,
		preset: preset,
	}
}
