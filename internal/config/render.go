package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputFormat is the default encoding target for every rendered artifact.
type OutputFormat struct {
	Ratio     string `yaml:"ratio" json:"ratio"`
	Width     int    `yaml:"width" json:"width"`
	Height    int    `yaml:"height" json:"height"`
	FPS       int    `yaml:"fps" json:"fps"`
	Codec     string `yaml:"codec" json:"codec"`
	Container string `yaml:"container" json:"container"`
}

// Dimensions is the pixel size of one output aspect ratio.
type Dimensions struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type TranscoderConfig struct {
	Path                string        `yaml:"path"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	ExecTimeout         time.Duration `yaml:"exec_timeout"`
	DownloadTimeout     time.Duration `yaml:"download_timeout"`
	DownloadConcurrency int           `yaml:"download_concurrency"`
	Preset              string        `yaml:"preset"`
	SafePreset          string        `yaml:"safe_preset"`
}

type ValidationConfig struct {
	MinDurationMs int `yaml:"min_duration_ms"`
	MaxDurationMs int `yaml:"max_duration_ms"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type QueueConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	DefaultPriority int `yaml:"default_priority"`
}

// EngineConfig describes one content-generation engine in the selectable pool.
type EngineConfig struct {
	ID               string  `yaml:"id"`
	Name             string  `yaml:"name"`
	Type             string  `yaml:"type"`
	CostTier         string  `yaml:"cost_tier"`
	SupportsFreeTier bool    `yaml:"supports_free_tier"`
	PriorityScore    float64 `yaml:"priority_score"`
}

// RenderConfig enumerates every option the render pipeline recognises. It is
// the only place defaults live; call sites never invent their own.
type RenderConfig struct {
	Output OutputFormat          `yaml:"output"`
	Ratios map[string]Dimensions `yaml:"ratios"`

	// Pacing maps a pacing name to the per-clip length in seconds used by
	// full_assembly and transitions.
	Pacing        map[string]float64 `yaml:"pacing"`
	DefaultPacing string             `yaml:"default_pacing"`

	// Transitions maps a user-facing transition name to an xfade transition.
	Transitions           map[string]string `yaml:"transitions"`
	DefaultTransition     string            `yaml:"default_transition"`
	TransitionDurationSec float64           `yaml:"transition_duration_sec"`

	MaxDurationSec    float64 `yaml:"max_duration_sec"`
	MotionFPS         int     `yaml:"motion_fps"`
	MotionDurationSec float64 `yaml:"motion_duration_sec"`
	MusicVolume       float64 `yaml:"music_volume"`
	AudioFadeMs       int     `yaml:"audio_fade_ms"`

	Transcoder TranscoderConfig `yaml:"transcoder"`
	Validation ValidationConfig `yaml:"validation"`
	Retry      RetryConfig      `yaml:"retry"`
	Queue      QueueConfig      `yaml:"queue"`
	Engines    []EngineConfig   `yaml:"engines"`
}

// DefaultRenderConfig returns production defaults.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Output: OutputFormat{
			Ratio:     "9:16",
			Width:     1080,
			Height:    1920,
			FPS:       30,
			Codec:     "libx264",
			Container: "mp4",
		},
		Ratios: map[string]Dimensions{
			"9:16": {Width: 1080, Height: 1920},
			"1:1":  {Width: 1080, Height: 1080},
			"4:5":  {Width: 1080, Height: 1350},
			"16:9": {Width: 1920, Height: 1080},
		},
		Pacing: map[string]float64{
			"fast":   1.5,
			"medium": 3,
			"slow":   5,
		},
		DefaultPacing: "medium",
		Transitions: map[string]string{
			"whip-pan": "wipeleft",
			"slide":    "slideleft",
			"zoom":     "circlecrop",
			"glitch":   "pixelize",
			"fade":     "fade",
		},
		DefaultTransition:     "fade",
		TransitionDurationSec: 0.5,
		MaxDurationSec:        30,
		MotionFPS:             25,
		MotionDurationSec:     5,
		MusicVolume:           0.3,
		AudioFadeMs:           500,
		Transcoder: TranscoderConfig{
			Path:                "ffmpeg",
			ProbeTimeout:        5 * time.Second,
			ExecTimeout:         120 * time.Second,
			DownloadTimeout:     60 * time.Second,
			DownloadConcurrency: 4,
			Preset:              "veryfast",
			SafePreset:          "ultrafast",
		},
		Validation: ValidationConfig{
			MinDurationMs: 15000,
			MaxDurationMs: 30000,
		},
		Retry: RetryConfig{MaxAttempts: 5},
		Queue: QueueConfig{MaxAttempts: 3, DefaultPriority: 5},
		Engines: []EngineConfig{
			{ID: "wan-t2v", Name: "Wan Text2Video", Type: "text_to_video", CostTier: "free", SupportsFreeTier: true, PriorityScore: 0.6},
			{ID: "ltx-i2v", Name: "LTX Image2Video", Type: "image_to_video", CostTier: "cheap", SupportsFreeTier: false, PriorityScore: 0.7},
			{ID: "kling-t2v", Name: "Kling", Type: "text_to_video", CostTier: "normal", PriorityScore: 0.8},
			{ID: "heygen-avatar", Name: "HeyGen Avatar", Type: "avatar", CostTier: "expensive", PriorityScore: 0.9},
			{ID: "runway-i2v", Name: "Runway Gen-3", Type: "image_to_video", CostTier: "expensive", PriorityScore: 0.95},
		},
	}
}

// LoadRenderConfig overlays the YAML file at path onto the defaults. An empty
// path returns the defaults.
func LoadRenderConfig(path string) (RenderConfig, error) {
	cfg := DefaultRenderConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return RenderConfig{}, fmt.Errorf("read render config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RenderConfig{}, fmt.Errorf("parse render config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RenderConfig{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the pipeline relies on.
func (c RenderConfig) Validate() error {
	if _, ok := c.Ratios[c.Output.Ratio]; !ok {
		return fmt.Errorf("output ratio %q has no dimensions entry", c.Output.Ratio)
	}
	for name, d := range c.Ratios {
		if d.Width <= 0 || d.Height <= 0 {
			return fmt.Errorf("ratio %q: width and height must be positive", name)
		}
	}
	if len(c.Pacing) == 0 {
		return fmt.Errorf("pacing table must not be empty")
	}
	if _, ok := c.Pacing[c.DefaultPacing]; !ok {
		return fmt.Errorf("default pacing %q not in pacing table", c.DefaultPacing)
	}
	for name, sec := range c.Pacing {
		if sec <= 0 {
			return fmt.Errorf("pacing %q: clip length must be positive", name)
		}
	}
	if c.Transcoder.ProbeTimeout <= 0 || c.Transcoder.ExecTimeout <= 0 || c.Transcoder.DownloadTimeout <= 0 {
		return fmt.Errorf("transcoder timeouts must be positive")
	}
	if c.Transcoder.DownloadConcurrency <= 0 {
		return fmt.Errorf("transcoder.download_concurrency must be positive")
	}
	if c.MotionFPS <= 0 {
		return fmt.Errorf("motion_fps must be positive")
	}
	if c.MaxDurationSec <= 0 {
		return fmt.Errorf("max_duration_sec must be positive")
	}
	if c.Validation.MinDurationMs < 0 || c.Validation.MaxDurationMs < c.Validation.MinDurationMs {
		return fmt.Errorf("validation duration bounds are inconsistent")
	}
	if c.Retry.MaxAttempts <= 0 || c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}

// DimensionsFor returns the pixel size for ratio, falling back to the default
// output size when the ratio is unknown.
func (c RenderConfig) DimensionsFor(ratio string) (Dimensions, bool) {
	d, ok := c.Ratios[ratio]
	if !ok {
		return Dimensions{Width: c.Output.Width, Height: c.Output.Height}, false
	}
	return d, true
}

// ClipSeconds resolves a pacing name to a per-clip length.
func (c RenderConfig) ClipSeconds(pacing string) float64 {
	if sec, ok := c.Pacing[strings.ToLower(pacing)]; ok {
		return sec
	}
	return c.Pacing[c.DefaultPacing]
}

// XFade resolves a transition name to the xfade transition identifier.
func (c RenderConfig) XFade(name string) string {
	if t, ok := c.Transitions[strings.ToLower(name)]; ok {
		return t
	}
	if t, ok := c.Transitions[c.DefaultTransition]; ok {
		return t
	}
	return "fade"
}
