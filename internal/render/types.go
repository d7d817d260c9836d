// Package render materialises render tasks and execution plans into video
// files by driving an external transcoder subprocess.
package render

import (
	"time"

	"github.com/google/uuid"
)

// TaskType selects the filter graph the executor builds.
type TaskType string

const (
	TaskSmartCut      TaskType = "smart_cut"
	TaskTransitions   TaskType = "transitions"
	TaskMusicSync     TaskType = "music_sync"
	TaskSubtitles     TaskType = "subtitles"
	TaskMultiRatio    TaskType = "multi_ratio"
	TaskFullAssembly  TaskType = "full_assembly"
	TaskMotionEffects TaskType = "motion_effects"
	TaskRetrySingle   TaskType = "retry_single"
)

// AllTaskTypes lists every task type the executor knows about.
var AllTaskTypes = []TaskType{
	TaskSmartCut,
	TaskTransitions,
	TaskMusicSync,
	TaskSubtitles,
	TaskMultiRatio,
	TaskFullAssembly,
	TaskMotionEffects,
	TaskRetrySingle,
}

func (t TaskType) Valid() bool {
	for _, v := range AllTaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// RenderTask is one unit of executor work.
type RenderTask struct {
	TaskType     TaskType `json:"task_type"`
	InputVideos  []string `json:"input_videos"`
	InputImages  []string `json:"input_images,omitempty"`
	OutputRatio  string   `json:"output_ratio,omitempty"`
	Ratios       []string `json:"ratios,omitempty"`
	Transitions  []string `json:"transitions,omitempty"`
	Pacing       string   `json:"pacing,omitempty"`
	MaxDuration  float64  `json:"max_duration,omitempty"`
	MotionEffect string   `json:"motion_effect,omitempty"`
	MusicURL     string   `json:"music_url,omitempty"`
	SubtitlesURL string   `json:"subtitles_url,omitempty"`
	VideoID      string   `json:"video_id,omitempty"`

	// SafeMode swaps every filter graph for the minimal scale-and-encode one.
	SafeMode bool `json:"safe_mode,omitempty"`
}

// videoID keeps a caller-supplied id for the first output of a task.
func (t RenderTask) videoID(n int) string {
	if t.VideoID != "" && n == 0 {
		return t.VideoID
	}
	return uuid.NewString()
}

// FirstInput is the clip an upstream engine regenerates: the first video, or
// the first image when there are none.
func (t RenderTask) FirstInput() string {
	if len(t.InputVideos) > 0 {
		return t.InputVideos[0]
	}
	if len(t.InputImages) > 0 {
		return t.InputImages[0]
	}
	return ""
}

// ReplaceFirstInput swaps the clip FirstInput reports for url. Callers own
// the input slices.
func (t *RenderTask) ReplaceFirstInput(url string) {
	if len(t.InputVideos) > 0 {
		t.InputVideos[0] = url
		return
	}
	if len(t.InputImages) > 0 {
		t.InputImages[0] = url
	}
}

// Options is the request-level render configuration. Fields fill in the
// matching task fields when those are empty.
type Options struct {
	SourceVideos []string `json:"sourceVideos,omitempty"`
	Variations   int      `json:"variations,omitempty"`
	HookStyles   []string `json:"hookStyles,omitempty"`
	Pacing       string   `json:"pacing,omitempty"`
	Transitions  []string `json:"transitions,omitempty"`
	Ratios       []string `json:"ratios,omitempty"`
	EngineTier   string   `json:"engineTier,omitempty"`
}

// Request is the body of a render call.
type Request struct {
	Task   RenderTask `json:"task"`
	Config Options    `json:"config"`
}

// Video status values.
const (
	VideoCompleted   = "completed"
	VideoPlaceholder = "placeholder"
	VideoFailed      = "failed"
)

// Video is one produced output.
type Video struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	URL         string  `json:"url"`
	Duration    float64 `json:"duration"`
	Ratio       string  `json:"ratio,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Variation   int     `json:"variation"`
	HookStyle   string  `json:"hookStyle,omitempty"`
	EDLURL      string  `json:"edlUrl,omitempty"`
	Placeholder bool    `json:"placeholder,omitempty"`
}

// Result is the outcome of one executor call.
type Result struct {
	TaskID          string    `json:"taskId"`
	TaskType        TaskType  `json:"taskType"`
	TotalVideos     int       `json:"totalVideos"`
	Videos          []Video   `json:"videos"`
	ProcessingTime  int64     `json:"processingTime"`
	FFmpegAvailable bool      `json:"ffmpegAvailable"`
	CompletedAt     time.Time `json:"completedAt"`
}

// Response is the wire shape of a render call.
type Response struct {
	Success bool           `json:"success"`
	Result  *Result        `json:"result,omitempty"`
	Error   *PipelineError `json:"error,omitempty"`
}
