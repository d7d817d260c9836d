package retry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/store"
)

func TestModeForAttempt(t *testing.T) {
	tests := []struct {
		attempt int
		want    FallbackMode
	}{
		{0, ModeOriginal},
		{1, ModeSameEngine},
		{2, ModeSameEngine},
		{3, ModeFFmpegOnly},
		{4, ModeSafeMode},
		{9, ModeSafeMode},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModeForAttempt(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNext_Monotone(t *testing.T) {
	state := RetryState{VideoID: "vid", FallbackMode: ModeOriginal}
	for i := 0; i < 8; i++ {
		next := state.Next()
		assert.Equal(t, state.RetryCount+1, next.RetryCount)
		assert.True(t, next.FallbackMode.AtLeastAsConservative(state.FallbackMode),
			"%s regressed to %s", state.FallbackMode, next.FallbackMode)
		state = next
	}
	assert.Equal(t, ModeSafeMode, state.FallbackMode)
}

func TestNext_NeverRegressesFromPersistedMode(t *testing.T) {
	// A record already in safe mode with a low count keeps safe mode.
	state := RetryState{RetryCount: 1, FallbackMode: ModeSafeMode}
	assert.Equal(t, ModeSafeMode, state.Next().FallbackMode)

	state = RetryState{RetryCount: 0, FallbackMode: ModeFFmpegOnly}
	assert.Equal(t, ModeFFmpegOnly, state.Next().FallbackMode)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeFFmpegOnly, ParseMode("ffmpeg_only"))
	assert.Equal(t, ModeOriginal, ParseMode(""))
	assert.Equal(t, ModeOriginal, ParseMode("turbo"))
}

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]store.Variation
	plans   map[string]creative.ExecutionPlan
	history []store.Variation
	err     error
}

func newFakeRepo(vs ...store.Variation) *fakeRepo {
	r := &fakeRepo{records: map[string]store.Variation{}, plans: map[string]creative.ExecutionPlan{}}
	for _, v := range vs {
		r.records[v.ID] = v
	}
	return r
}

func (r *fakeRepo) GetVariation(_ context.Context, id string) (*store.Variation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (r *fakeRepo) GetPlan(_ context.Context, id string) (*creative.ExecutionPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *fakeRepo) ClaimRetry(_ context.Context, id string, expected int, mode string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	v, ok := r.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if v.RetryCount != expected || v.Status == store.VariationStatusRendering {
		return store.ErrConflict
	}
	v.RetryCount++
	v.FallbackMode = mode
	v.Status = store.VariationStatusRendering
	v.UpdatedAt = now
	r.records[id] = v
	r.history = append(r.history, v)
	return nil
}

func (r *fakeRepo) RecordOutcome(_ context.Context, v *store.Variation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cur, ok := r.records[v.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = v.Status
	cur.VideoURL = v.VideoURL
	cur.Config = v.Config
	cur.EngineUsed = v.EngineUsed
	cur.LastError = v.LastError
	cur.UpdatedAt = v.UpdatedAt
	cur.CompletedAt = v.CompletedAt
	if v.PlanID != "" {
		cur.PlanID = v.PlanID
	}
	r.records[v.ID] = cur
	r.history = append(r.history, cur)
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	tasks    []render.RenderTask
	opts     []render.Options
	plans    []creative.ExecutionPlan
	planOpts []render.PlanOptions
	fail     error
	video    render.Video

	started chan struct{}
	release chan struct{}
}

func (f *fakeExecutor) Execute(_ context.Context, task render.RenderTask, opts render.Options) (render.Result, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	if f.fail != nil {
		return render.Result{TaskType: task.TaskType}, f.fail
	}
	v := f.video
	v.ID = task.VideoID
	return render.Result{TaskType: task.TaskType, TotalVideos: 1, Videos: []render.Video{v}, FFmpegAvailable: !v.Placeholder}, nil
}

func (f *fakeExecutor) ExecutePlan(_ context.Context, plan creative.ExecutionPlan, opts render.PlanOptions) (render.Result, error) {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	f.planOpts = append(f.planOpts, opts)
	f.mu.Unlock()
	if f.fail != nil {
		return render.Result{TaskType: render.TaskFullAssembly}, f.fail
	}
	v := f.video
	v.ID = opts.VideoID
	return render.Result{TaskType: render.TaskFullAssembly, TotalVideos: 1, Videos: []render.Video{v}}, nil
}

type fakeGenerator struct {
	calls []engines.GenerateRequest
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, req engines.GenerateRequest) (string, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return "", g.err
	}
	return "https://engine.example/" + req.EngineID + "/" + req.VideoID + ".mp4", nil
}

func failedVariation(count int, mode FallbackMode) store.Variation {
	return store.Variation{
		ID:           "vid_1",
		Status:       store.VariationStatusFailed,
		RetryCount:   count,
		FallbackMode: string(mode),
		EngineUsed:   "kling-t2v",
		Config: store.VariationConfig{
			Task:    render.RenderTask{TaskType: render.TaskFullAssembly, InputVideos: []string{"https://cdn.example/a.mp4", "https://cdn.example/b.mp4"}},
			Options: render.Options{Variations: 3, Pacing: "fast"},
		},
	}
}

func TestRetry_SameEngineRegenerates(t *testing.T) {
	repo := newFakeRepo(failedVariation(0, ModeOriginal))
	exec := &fakeExecutor{video: render.Video{Status: render.VideoCompleted, URL: "http://renderd/artifacts/out.mp4"}}
	gen := &fakeGenerator{}
	s := NewScheduler(repo, exec, gen, 5, nil)

	out, err := s.Retry(context.Background(), "vid_1")
	require.NoError(t, err)

	assert.Equal(t, 1, out.State.RetryCount)
	assert.Equal(t, ModeSameEngine, out.State.FallbackMode)
	assert.Equal(t, "kling-t2v", out.State.EngineUsed)
	assert.Equal(t, store.VariationStatusCompleted, out.Status)

	require.Len(t, gen.calls, 1)
	assert.Equal(t, "https://cdn.example/a.mp4", gen.calls[0].SourceURL)
	require.Len(t, exec.tasks, 1)
	assert.Equal(t, "https://engine.example/kling-t2v/vid_1.mp4", exec.tasks[0].InputVideos[0])
	assert.Equal(t, 1, exec.opts[0].Variations)
	assert.False(t, exec.tasks[0].SafeMode)

	rec := repo.records["vid_1"]
	assert.Equal(t, "http://renderd/artifacts/out.mp4", rec.VideoURL)
	assert.Equal(t, "same_engine", rec.FallbackMode)
	assert.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.LastError)
	assert.Equal(t, "https://cdn.example/a.mp4", rec.Config.Task.InputVideos[0], "stored inputs are not mutated")

	require.GreaterOrEqual(t, len(repo.history), 2)
	assert.Equal(t, store.VariationStatusRendering, repo.history[0].Status)
	assert.Equal(t, 1, repo.history[0].RetryCount)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestRetry_FFmpegOnlySkipsEngine(t *testing.T) {
	repo := newFakeRepo(failedVariation(2, ModeSameEngine))
	exec := &fakeExecutor{video: render.Video{Status: render.VideoCompleted, URL: "u"}}
	gen := &fakeGenerator{}
	s := NewScheduler(repo, exec, gen, 5, nil)

	out, err := s.Retry(context.Background(), "vid_1")
	require.NoError(t, err)
	assert.Equal(t, ModeFFmpegOnly, out.State.FallbackMode)
	assert.Equal(t, EngineFFmpeg, out.State.EngineUsed)
	assert.Empty(t, gen.calls)
	assert.Equal(t, EngineFFmpeg, repo.records["vid_1"].EngineUsed)
}

func TestRetry_SafeModeSetsFlag(t *testing.T) {
	repo := newFakeRepo(failedVariation(3, ModeFFmpegOnly))
	exec := &fakeExecutor{video: render.Video{Status: render.VideoPlaceholder, URL: "p.json", Placeholder: true}}
	s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

	out, err := s.Retry(context.Background(), "vid_1")
	require.NoError(t, err)
	assert.Equal(t, ModeSafeMode, out.State.FallbackMode)
	require.Len(t, exec.tasks, 1)
	assert.True(t, exec.tasks[0].SafeMode)
	assert.Equal(t, store.VariationStatusPlaceholder, out.Status)
}

func TestRetry_FailurePersistsPipelineError(t *testing.T) {
	repo := newFakeRepo(failedVariation(2, ModeSameEngine))
	pe := render.NewPipelineError(render.StageExecute, render.ErrTimeout, nil, "transcoder exceeded 120s")
	exec := &fakeExecutor{fail: pe}
	s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

	out, err := s.Retry(context.Background(), "vid_1")
	require.Error(t, err)
	got, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrTimeout, got.ErrorType)
	assert.True(t, got.Retryable)

	rec := repo.records["vid_1"]
	assert.Equal(t, store.VariationStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, pe.Message, rec.LastError.Message)
	assert.Equal(t, 3, out.State.RetryCount)
}

func TestRetry_EngineFailureIsEngineError(t *testing.T) {
	repo := newFakeRepo(failedVariation(0, ModeOriginal))
	exec := &fakeExecutor{}
	s := NewScheduler(repo, exec, &fakeGenerator{err: errors.New("quota exceeded")}, 5, nil)

	_, err := s.Retry(context.Background(), "vid_1")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrEngine, pe.ErrorType)
	assert.Equal(t, render.StageEngine, pe.Stage)
	assert.Empty(t, exec.tasks)
}

func TestRetry_RepeatedFailuresClimbLadder(t *testing.T) {
	repo := newFakeRepo(failedVariation(0, ModeOriginal))
	exec := &fakeExecutor{fail: render.NewPipelineError(render.StageExecute, render.ErrFFmpeg, nil, "exit 1")}
	s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

	var modes []FallbackMode
	for i := 0; i < 5; i++ {
		out, err := s.Retry(context.Background(), "vid_1")
		require.Error(t, err)
		modes = append(modes, out.State.FallbackMode)
	}
	assert.Equal(t, []FallbackMode{ModeSameEngine, ModeSameEngine, ModeFFmpegOnly, ModeSafeMode, ModeSafeMode}, modes)

	_, err := s.Retry(context.Background(), "vid_1")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)
	assert.False(t, pe.Retryable)
	assert.Len(t, exec.tasks, 5)
}

func TestRetry_UnknownVariation(t *testing.T) {
	s := NewScheduler(newFakeRepo(), &fakeExecutor{}, nil, 5, nil)

	_, err := s.Retry(context.Background(), "ghost")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)
}

func TestRetry_PersistFailureIsPlainError(t *testing.T) {
	repo := newFakeRepo(failedVariation(0, ModeOriginal))
	repo.err = errors.New("disk full")
	exec := &fakeExecutor{}
	s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

	_, err := s.Retry(context.Background(), "vid_1")
	require.Error(t, err)
	_, ok := render.AsPipelineError(err)
	assert.False(t, ok)
	assert.Empty(t, exec.tasks)
}

func TestRetry_RejectsWhileRendering(t *testing.T) {
	v := failedVariation(1, ModeSameEngine)
	v.Status = store.VariationStatusRendering
	repo := newFakeRepo(v)
	exec := &fakeExecutor{}
	s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

	_, err := s.Retry(context.Background(), "vid_1")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)
	assert.Empty(t, exec.tasks)
	assert.Equal(t, 1, repo.records["vid_1"].RetryCount)
}

func TestRetry_ConcurrentRetriesClaimOnce(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "retry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := store.NewRepository(database.Conn())

	ctx := context.Background()
	v := failedVariation(0, ModeOriginal)
	v.CreatedAt = time.Now().UTC()
	v.UpdatedAt = v.CreatedAt
	require.NoError(t, repo.CreateVariation(ctx, &v))

	exec := &fakeExecutor{
		video:   render.Video{Status: render.VideoCompleted, URL: "http://renderd/artifacts/out.mp4"},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := s.Retry(ctx, "vid_1")
		first <- result{out, err}
	}()
	<-exec.started

	_, err = s.Retry(ctx, "vid_1")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok, "second retry must be rejected, got %v", err)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)

	close(exec.release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.out.State.RetryCount)

	got, err := repo.GetVariation(ctx, "vid_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, store.VariationStatusCompleted, got.Status)
	assert.Len(t, exec.tasks, 1)

	// The next retry continues from the stored count.
	exec.started = nil
	out, err := s.Retry(ctx, "vid_1")
	require.NoError(t, err)
	assert.Equal(t, 2, out.State.RetryCount)
}

func TestRetry_StaleCountIsConflict(t *testing.T) {
	repo := newFakeRepo(failedVariation(2, ModeSameEngine))
	stale := &staleRepo{fakeRepo: repo, count: 1}
	exec := &fakeExecutor{}
	s := NewScheduler(stale, exec, &fakeGenerator{}, 5, nil)

	_, err := s.Retry(context.Background(), "vid_1")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)
	assert.Empty(t, exec.tasks)
	assert.Equal(t, 2, repo.records["vid_1"].RetryCount)
}

// staleRepo serves a variation read before another retry bumped its count.
type staleRepo struct {
	*fakeRepo
	count int
}

func (r *staleRepo) GetVariation(ctx context.Context, id string) (*store.Variation, error) {
	v, err := r.fakeRepo.GetVariation(ctx, id)
	if err != nil {
		return nil, err
	}
	v.RetryCount = r.count
	return v, nil
}

func planVariation(count int, mode FallbackMode, engine string) (store.Variation, creative.ExecutionPlan) {
	plan := creative.ExecutionPlan{
		PlanID:      "plan_1",
		VariationID: "v1",
		Status:      creative.PlanCompilable,
		Timeline: []creative.TimelineSegment{
			{SegmentID: "tl_0", AssetURL: "https://cdn.example/src.mp4", TrimEndMs: 2000, TimelineEndMs: 2000, OutputDurationMs: 2000, SpeedMultiplier: 1},
			{SegmentID: "tl_1", AssetURL: "https://cdn.example/src.mp4", TrimStartMs: 4000, TrimEndMs: 5000, TimelineStartMs: 2000, TimelineEndMs: 3000, OutputDurationMs: 1000, SpeedMultiplier: 1},
		},
	}
	return store.Variation{
		ID:           "vid_plan",
		PlanID:       plan.PlanID,
		Status:       store.VariationStatusFailed,
		RetryCount:   count,
		FallbackMode: string(mode),
		EngineUsed:   engine,
	}, plan
}

func TestRetry_PlanVariationRendersPlan(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		mode     FallbackMode
		wantSafe bool
	}{
		{"ffmpeg only", 2, ModeSameEngine, false},
		{"safe mode", 3, ModeFFmpegOnly, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, plan := planVariation(tt.count, tt.mode, "")
			repo := newFakeRepo(v)
			repo.plans[plan.PlanID] = plan
			exec := &fakeExecutor{video: render.Video{Status: render.VideoCompleted, URL: "http://renderd/artifacts/plan.mp4"}}
			s := NewScheduler(repo, exec, &fakeGenerator{}, 5, nil)

			out, err := s.Retry(context.Background(), "vid_plan")
			require.NoError(t, err)
			assert.Empty(t, exec.tasks, "plan variations never fall back to a generic task")
			require.Len(t, exec.plans, 1)
			assert.Equal(t, plan.Timeline, exec.plans[0].Timeline)
			assert.Equal(t, "vid_plan", exec.planOpts[0].VideoID)
			assert.Equal(t, tt.wantSafe, exec.planOpts[0].SafeMode)
			assert.Equal(t, "http://renderd/artifacts/plan.mp4", out.VideoURL)
			assert.Equal(t, "plan_1", repo.records["vid_plan"].PlanID)
		})
	}
}

func TestRetry_PlanVariationSameEngineSwapsAsset(t *testing.T) {
	v, plan := planVariation(0, ModeOriginal, "kling-t2v")
	repo := newFakeRepo(v)
	repo.plans[plan.PlanID] = plan
	exec := &fakeExecutor{video: render.Video{Status: render.VideoCompleted, URL: "u"}}
	gen := &fakeGenerator{}
	s := NewScheduler(repo, exec, gen, 5, nil)

	_, err := s.Retry(context.Background(), "vid_plan")
	require.NoError(t, err)
	require.Len(t, gen.calls, 1)
	require.Len(t, exec.plans, 1)
	for _, seg := range exec.plans[0].Timeline {
		assert.Equal(t, "https://engine.example/kling-t2v/vid_plan.mp4", seg.AssetURL)
	}
	assert.Equal(t, "https://cdn.example/src.mp4", repo.plans["plan_1"].Timeline[0].AssetURL)
}

func TestRetry_PlanMissing(t *testing.T) {
	v, _ := planVariation(0, ModeOriginal, "")
	s := NewScheduler(newFakeRepo(v), &fakeExecutor{}, nil, 5, nil)

	_, err := s.Retry(context.Background(), "vid_plan")
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)
}
