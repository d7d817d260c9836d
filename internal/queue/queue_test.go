package queue

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/store"
)

func openDB(t *testing.T, path string) *db.DB {
	t.Helper()
	database, err := db.New(path, nil)
	require.NoError(t, err)
	return database
}

func backends(t *testing.T) map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemoryQueue() },
		"sqlite": func(t *testing.T) Queue {
			database := openDB(t, filepath.Join(t.TempDir(), "queue.db"))
			t.Cleanup(func() { database.Close() })
			return NewSQLiteQueue(database.Conn())
		},
	}
}

func item(id string, priority int) *Item {
	return &Item{
		ID:          id,
		SceneID:     "scene-" + id,
		EngineID:    "wan-t2v",
		Task:        render.RenderTask{TaskType: render.TaskFullAssembly, InputVideos: []string{"a.mp4"}},
		Priority:    priority,
		MaxAttempts: 2,
	}
}

func TestQueue_ClaimOrder(t *testing.T) {
	for name, newQueue := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, item("low", 1), item("high-1", 9)))
			require.NoError(t, q.Enqueue(ctx, item("high-2", 9)))

			var order []string
			for i := 0; i < 3; i++ {
				it, err := q.Claim(ctx)
				require.NoError(t, err)
				assert.Equal(t, StatusRunning, it.Status)
				assert.Equal(t, 1, it.Attempts)
				order = append(order, it.ID)
			}
			assert.Equal(t, []string{"high-1", "high-2", "low"}, order)

			_, err := q.Claim(ctx)
			assert.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestQueue_ClaimIsExclusive(t *testing.T) {
	for name, newQueue := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()

			const n = 20
			for i := 0; i < n; i++ {
				require.NoError(t, q.Enqueue(ctx, item(string(rune('a'+i)), 5)))
			}

			var mu sync.Mutex
			seen := map[string]int{}
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						it, err := q.Claim(ctx)
						if errors.Is(err, ErrEmpty) {
							return
						}
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						seen[it.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, seen, n)
			for id, c := range seen {
				assert.Equal(t, 1, c, "item %s claimed %d times", id, c)
			}
		})
	}
}

func TestQueue_FailRequeuesUntilMaxAttempts(t *testing.T) {
	for name, newQueue := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, item("x", 5)))

			pe := render.NewPipelineError(render.StageFetch, render.ErrDownload, nil, "connection reset")

			_, err := q.Claim(ctx)
			require.NoError(t, err)
			requeued, err := q.Fail(ctx, "x", pe)
			require.NoError(t, err)
			assert.True(t, requeued)

			got, err := q.Get(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, got.Status)
			require.NotNil(t, got.LastError)
			assert.Equal(t, render.ErrDownload, got.LastError.ErrorType)

			_, err = q.Claim(ctx)
			require.NoError(t, err)
			requeued, err = q.Fail(ctx, "x", pe)
			require.NoError(t, err)
			assert.False(t, requeued)

			got, err = q.Get(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Equal(t, 2, got.Attempts)
		})
	}
}

func TestQueue_NonRetryableFailsImmediately(t *testing.T) {
	for name, newQueue := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, item("x", 5)))
			_, err := q.Claim(ctx)
			require.NoError(t, err)

			requeued, err := q.Fail(ctx, "x", render.NewPipelineError(render.StageValidate, render.ErrValidation, nil, "bad ratio"))
			require.NoError(t, err)
			assert.False(t, requeued)
		})
	}
}

func TestQueue_CompleteAndCounts(t *testing.T) {
	for name, newQueue := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, item("a", 5), item("b", 5)))

			_, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NoError(t, q.Complete(ctx, "a", render.Result{TaskID: "t1", TotalVideos: 1}))

			got, err := q.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			require.NotNil(t, got.Result)
			assert.Equal(t, "t1", got.Result.TaskID)
			assert.Equal(t, []string{"a.mp4"}, got.Task.InputVideos)

			counts, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, counts[StatusCompleted])
			assert.Equal(t, 1, counts[StatusQueued])
			assert.Equal(t, 0, counts[StatusRunning])

			_, err = q.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, q.Complete(ctx, "missing", render.Result{}), ErrNotFound)
		})
	}
}

func TestQueue_EnqueueSignalsReady(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), item("a", 5)))
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal after enqueue")
	}
}

func TestSQLiteQueue_RunningItemsRecoveredOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db1 := openDB(t, path)
	q1 := NewSQLiteQueue(db1.Conn())
	require.NoError(t, q1.Enqueue(ctx, item("a", 5)))
	_, err := q1.Claim(ctx)
	require.NoError(t, err)
	db1.Close()

	db2 := openDB(t, path)
	defer db2.Close()
	q2 := NewSQLiteQueue(db2.Conn())

	it, err := q2.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", it.ID)
	assert.Equal(t, 2, it.Attempts)
}

func testSelector(t *testing.T) *engines.Selector {
	t.Helper()
	pool := engines.PoolFromConfig(config.DefaultRenderConfig().Engines)
	return engines.NewSelectorWithRand(pool, rand.New(rand.NewSource(1)))
}

func TestService_EnqueueFansOutVariations(t *testing.T) {
	q := NewMemoryQueue()
	svc := NewService(q, testSelector(t), config.QueueConfig{MaxAttempts: 3, DefaultPriority: 5}, nil)

	items, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Scenes: []Scene{
			{ID: "s1", Type: "testimonial"},
			{ID: "s2", Type: "broll", VisualHint: "product photo", InputVideos: []string{"p1.mp4", "p2.mp4"}},
		},
		Task:   render.RenderTask{TaskType: render.TaskFullAssembly, InputVideos: []string{"a.mp4", "b.mp4", "c.mp4"}},
		Config: render.Options{Variations: 2, EngineTier: "expensive", HookStyles: []string{"question", "stat"}},
	})
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "heygen-avatar", items[0].EngineID)
	assert.Equal(t, []string{"a.mp4", "b.mp4", "c.mp4"}, items[0].Task.InputVideos)
	assert.Equal(t, []string{"b.mp4", "c.mp4", "a.mp4"}, items[1].Task.InputVideos)
	assert.Equal(t, []string{"stat"}, items[1].Options.HookStyles)
	assert.Equal(t, 1, items[1].Options.Variations)
	assert.Equal(t, items[1].ID, items[1].Task.VideoID)

	assert.Contains(t, []string{"ltx-i2v", "runway-i2v"}, items[2].EngineID)
	assert.Equal(t, []string{"p1.mp4", "p2.mp4"}, items[2].Task.InputVideos)

	for _, it := range items {
		assert.Equal(t, 5, it.Priority)
		assert.Equal(t, 3, it.MaxAttempts)
		assert.Equal(t, StatusQueued, it.Status)
	}
	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[StatusQueued])
}

func TestService_NoEngineForTier(t *testing.T) {
	pool := []engines.Engine{
		{ID: "cheap", Type: engines.TypeTextToVideo, CostTier: engines.TierCheap},
		{ID: "normal", Type: engines.TypeTextToVideo, CostTier: engines.TierNormal},
	}
	q := NewMemoryQueue()
	svc := NewService(q, engines.NewSelector(pool), config.QueueConfig{MaxAttempts: 3}, nil)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Scenes: []Scene{{ID: "s1", Type: "broll"}},
		Task:   render.RenderTask{TaskType: render.TaskSmartCut, InputVideos: []string{"a.mp4"}},
		Config: render.Options{EngineTier: "free"},
	})
	require.ErrorIs(t, err, engines.ErrNoEnginesAvailable)

	counts, _ := q.Counts(context.Background())
	assert.Equal(t, 0, counts[StatusQueued], "nothing is queued when any scene fails selection")
}

func TestService_RejectsInvalidRequests(t *testing.T) {
	svc := NewService(NewMemoryQueue(), testSelector(t), config.QueueConfig{}, nil)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{Task: render.RenderTask{TaskType: render.TaskSmartCut}})
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)

	_, err = svc.Enqueue(context.Background(), EnqueueRequest{
		Scenes: []Scene{{ID: "s"}},
		Task:   render.RenderTask{TaskType: render.TaskRetrySingle},
	})
	pe, ok = render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrValidation, pe.ErrorType)
}

func TestPool_DrainsQueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := map[string]int{}
	done := make(chan struct{})
	handler := func(_ context.Context, it *Item) (render.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		handled[it.ID]++
		if it.ID == "flaky" && it.Attempts == 1 {
			return render.Result{}, render.NewPipelineError(render.StageExecute, render.ErrTimeout, nil, "slow")
		}
		if len(handled) == 3 && handled["flaky"] == 2 {
			close(done)
		}
		return render.Result{TotalVideos: 1}, nil
	}

	pool := NewPool(q, 2, handler, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, item("a", 5), item("flaky", 5), item("c", 1)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain the queue")
	}

	require.Eventually(t, func() bool {
		counts, _ := q.Counts(context.Background())
		return counts[StatusCompleted] == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
	assert.False(t, pool.IsRunning())
	assert.Equal(t, 2, handled["flaky"])
}

type fakeExecutor struct {
	mu    sync.Mutex
	tasks []render.RenderTask
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, task render.RenderTask, _ render.Options) (render.Result, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	if f.err != nil {
		return render.Result{}, f.err
	}
	return render.Result{TotalVideos: 1, Videos: []render.Video{{ID: task.VideoID, Status: render.VideoCompleted, URL: "http://renderd/artifacts/" + task.VideoID + ".mp4"}}}, nil
}

type memVariations struct {
	mu sync.Mutex
	m  map[string]store.Variation
}

func (s *memVariations) GetVariation(_ context.Context, id string) (*store.Variation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (s *memVariations) CreateVariation(_ context.Context, v *store.Variation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[v.ID] = *v
	return nil
}

func (s *memVariations) RecordOutcome(_ context.Context, v *store.Variation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[v.ID]
	if !ok {
		return store.ErrNotFound
	}
	next := *v
	next.RetryCount = cur.RetryCount
	next.FallbackMode = cur.FallbackMode
	next.CreatedAt = cur.CreatedAt
	if next.PlanID == "" {
		next.PlanID = cur.PlanID
	}
	s.m[v.ID] = next
	return nil
}

type prefixGenerator struct{ err error }

func (g prefixGenerator) Generate(_ context.Context, req engines.GenerateRequest) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "gen://" + req.EngineID + "/" + req.SourceURL, nil
}

func TestRenderHandler_RecordsVariation(t *testing.T) {
	exec := &fakeExecutor{}
	vs := &memVariations{m: map[string]store.Variation{}}
	h := RenderHandler(exec, prefixGenerator{}, vs, nil)

	it := item("item-1", 5)
	it.Attempts = 1
	res, err := h(context.Background(), it)
	require.NoError(t, err)
	require.Len(t, res.Videos, 1)

	require.Len(t, exec.tasks, 1)
	assert.Equal(t, "gen://wan-t2v/a.mp4", exec.tasks[0].InputVideos[0])
	assert.Equal(t, "item-1", exec.tasks[0].VideoID)
	assert.Equal(t, "a.mp4", it.Task.InputVideos[0])

	v := vs.m["item-1"]
	assert.Equal(t, store.VariationStatusCompleted, v.Status)
	assert.Equal(t, "wan-t2v", v.EngineUsed)
	assert.Equal(t, "a.mp4", v.Config.Task.InputVideos[0])
	assert.NotNil(t, v.CompletedAt)
}

func TestRenderHandler_FailureKeepsRetryCount(t *testing.T) {
	pe := render.NewPipelineError(render.StageExecute, render.ErrFFmpeg, nil, "exit 1")
	exec := &fakeExecutor{err: pe}
	vs := &memVariations{m: map[string]store.Variation{
		"item-1": {ID: "item-1", Status: store.VariationStatusFailed, RetryCount: 2, FallbackMode: "same_engine"},
	}}
	h := RenderHandler(exec, prefixGenerator{}, vs, nil)

	_, err := h(context.Background(), item("item-1", 5))
	require.ErrorIs(t, err, pe)

	v := vs.m["item-1"]
	assert.Equal(t, store.VariationStatusFailed, v.Status)
	assert.Equal(t, 2, v.RetryCount)
	require.NotNil(t, v.LastError)
	assert.Equal(t, render.ErrFFmpeg, v.LastError.ErrorType)
}

func TestRenderHandler_EngineError(t *testing.T) {
	exec := &fakeExecutor{}
	h := RenderHandler(exec, prefixGenerator{err: errors.New("rate limited")}, nil, nil)

	_, err := h(context.Background(), item("item-1", 5))
	pe, ok := render.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, render.ErrEngine, pe.ErrorType)
	assert.Empty(t, exec.tasks)
}
