package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/render"
)

// DefaultEngineTier applies when a request names no engine tier.
const DefaultEngineTier = engines.TierNormal

// Scene is one storyboard scene to render.
type Scene struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	VisualHint  string   `json:"visual_hint,omitempty"`
	InputVideos []string `json:"input_videos,omitempty"`
	InputImages []string `json:"input_images,omitempty"`
}

// EnqueueRequest fans scenes out into queue items, one per scene and
// variation.
type EnqueueRequest struct {
	Scenes   []Scene           `json:"scenes"`
	Task     render.RenderTask `json:"task"`
	Config   render.Options    `json:"config"`
	Priority *int              `json:"priority,omitempty"`
}

type Service struct {
	q        Queue
	selector *engines.Selector
	cfg      config.QueueConfig
	logger   *slog.Logger
}

func NewService(q Queue, selector *engines.Selector, cfg config.QueueConfig, logger *slog.Logger) *Service {
	return &Service{
		q:        q,
		selector: selector,
		cfg:      cfg,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "queue"),
	}
}

func (s *Service) Queue() Queue { return s.q }

// Enqueue selects an engine for every scene and queues its variations. A scene
// with no eligible engine fails the whole request before anything is queued.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) ([]*Item, error) {
	if len(req.Scenes) == 0 {
		return nil, render.NewPipelineError(render.StageValidate, render.ErrValidation, nil, "no scenes to enqueue")
	}
	if !req.Task.TaskType.Valid() || req.Task.TaskType == render.TaskRetrySingle {
		return nil, render.NewPipelineError(render.StageValidate, render.ErrValidation, nil, "task type %q cannot be queued", req.Task.TaskType)
	}

	tier := engines.CostTier(req.Config.EngineTier)
	if tier == "" {
		tier = DefaultEngineTier
	}
	priority := s.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	variations := req.Config.Variations
	if variations < 1 {
		variations = 1
	}

	var items []*Item
	for _, scene := range req.Scenes {
		engine, err := s.selector.Select(scene.Type, scene.VisualHint, []engines.CostTier{tier})
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", scene.ID, err)
		}

		task := req.Task
		if len(scene.InputVideos) > 0 {
			task.InputVideos = scene.InputVideos
		}
		if len(scene.InputImages) > 0 {
			task.InputImages = scene.InputImages
		}

		for v := 0; v < variations; v++ {
			id := uuid.NewString()
			vt := task
			vt.VideoID = id
			vt.InputVideos = render.Rotate(task.InputVideos, v)

			opts := req.Config
			opts.Variations = 1
			if len(req.Config.HookStyles) > 0 {
				opts.HookStyles = []string{req.Config.HookStyles[v%len(req.Config.HookStyles)]}
			}

			items = append(items, &Item{
				ID:             id,
				SceneID:        scene.ID,
				EngineID:       engine.ID,
				VariationIndex: v,
				Prompt:         scene.VisualHint,
				Task:           vt,
				Options:        opts,
				Priority:       priority,
				MaxAttempts:    s.cfg.MaxAttempts,
			})
		}
	}

	if err := s.q.Enqueue(ctx, items...); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	s.logger.Info("enqueued render items", "scenes", len(req.Scenes), "items", len(items), "engine_tier", tier)
	return items, nil
}
