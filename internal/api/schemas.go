package api

import (
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/queue"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/retry"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State             string         `json:"state"`
	FFmpegAvailable   *bool          `json:"ffmpeg_available,omitempty"`
	TranscoderVersion string         `json:"transcoder_version,omitempty"`
	LastProbeAt       string         `json:"last_probe_at,omitempty"`
	Queue             map[string]int `json:"queue"`
	Workers           int            `json:"workers"`
	WorkersActive     int            `json:"workers_active"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RetryTask accepts both the camelCase and snake_case spellings callers use.
type RetryTask struct {
	TaskType      string `json:"taskType"`
	VideoID       string `json:"videoId"`
	TaskTypeSnake string `json:"task_type"`
	VideoIDSnake  string `json:"video_id"`
}

func (t RetryTask) Type() string {
	if t.TaskType != "" {
		return t.TaskType
	}
	return t.TaskTypeSnake
}

func (t RetryTask) Video() string {
	if t.VideoID != "" {
		return t.VideoID
	}
	return t.VideoIDSnake
}

type RetryRequest struct {
	Task RetryTask `json:"task"`
}

type RetryResponse struct {
	Success bool                  `json:"success"`
	Result  *retry.Outcome        `json:"result,omitempty"`
	Error   *render.PipelineError `json:"error,omitempty"`
}

type EnqueueResponse struct {
	Items []*queue.Item `json:"items"`
}

type SelectEngineRequest struct {
	SceneType        string             `json:"scene_type"`
	VisualHint       string             `json:"visual_hint,omitempty"`
	AllowedCostTiers []engines.CostTier `json:"allowed_cost_tiers"`
}

type SelectEngineResponse struct {
	Engine engines.Engine `json:"engine"`
}
