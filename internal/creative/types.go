// Package creative compiles abstract variation ideas into validated,
// frame-accurate execution plans.
//
// The flow is Resolve (one idea -> ResolvedAction), Compile (segments +
// actions -> timeline and audio tracks), Validate (timeline -> report) and
// Builder, which ties the three together into an ExecutionPlan.
package creative

import (
	"time"

	"github.com/heimdex/heimdex-render/internal/config"
)

// Segment is a time-bounded structural unit of a source video.
type Segment struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	StartMs int    `json:"start_ms"`
	EndMs   int    `json:"end_ms"`
}

func (s Segment) DurationMs() int { return s.EndMs - s.StartMs }

// SourceAnalysis is the structural analysis of one source video.
type SourceAnalysis struct {
	ID       string    `json:"id"`
	Segments []Segment `json:"segments"`
}

// ActionType is the closed vocabulary of edit intents.
type ActionType string

const (
	ActionRemoveSegment    ActionType = "remove_segment"
	ActionCompressSegment  ActionType = "compress_segment"
	ActionEmphasizeSegment ActionType = "emphasize_segment"
	ActionReorderSegments  ActionType = "reorder_segments"
	ActionReplaceSegment   ActionType = "replace_segment"
	ActionSplitSegment     ActionType = "split_segment"
	ActionMergeSegments    ActionType = "merge_segments"
)

// ReorderSentinel in Transformation.TimelineOffsetMs defers placement of the
// target segments to the compiler's ordering pass.
const ReorderSentinel = -1

// VariationIdea is one abstract edit intent of a blueprint.
type VariationIdea struct {
	ID                string     `json:"id"`
	Action            ActionType `json:"action"`
	TargetSegmentType string     `json:"target_segment_type"`
}

// CreativeBlueprint is an ordered set of variation ideas.
type CreativeBlueprint struct {
	ID             string          `json:"id"`
	VariationIdeas []VariationIdea `json:"variation_ideas"`
}

// Transformation is the concrete effect of an action on its target segments.
// Nil fields are "not set".
type Transformation struct {
	Remove           bool     `json:"remove,omitempty"`
	SpeedMultiplier  *float64 `json:"speed_multiplier,omitempty"`
	TrimPercentStart *float64 `json:"trim_percent_start,omitempty"`
	TrimPercentEnd   *float64 `json:"trim_percent_end,omitempty"`
	TimelineOffsetMs *int     `json:"timeline_offset_ms,omitempty"`
}

// Speed returns the effective speed multiplier (1 when unset or invalid).
func (t Transformation) Speed() float64 {
	if t.SpeedMultiplier == nil || *t.SpeedMultiplier <= 0 {
		return 1
	}
	return *t.SpeedMultiplier
}

func (t Transformation) trimStart() float64 { return pct(t.TrimPercentStart) }
func (t Transformation) trimEnd() float64   { return pct(t.TrimPercentEnd) }

func (t Transformation) reorders() bool {
	return t.TimelineOffsetMs != nil && *t.TimelineOffsetMs == ReorderSentinel
}

func pct(p *float64) float64 {
	if p == nil || *p < 0 {
		return 0
	}
	return *p
}

// ResolvedAction binds a variation idea to concrete segments.
type ResolvedAction struct {
	ActionID        string         `json:"action_id"`
	SourceAction    ActionType     `json:"source_action"`
	TargetSegments  []string       `json:"target_segments"`
	Transformation  Transformation `json:"transformation"`
	Resolved        bool           `json:"resolved"`
	ResolutionError string         `json:"resolution_error,omitempty"`
}

// TimelineSegment is one output clip. Trim values are absolute positions in
// the source asset.
type TimelineSegment struct {
	SegmentID        string  `json:"segment_id"`
	SourceSegmentID  string  `json:"source_segment_id"`
	AssetURL         string  `json:"asset_url"`
	TrimStartMs      int     `json:"trim_start_ms"`
	TrimEndMs        int     `json:"trim_end_ms"`
	TimelineStartMs  int     `json:"timeline_start_ms"`
	TimelineEndMs    int     `json:"timeline_end_ms"`
	OutputDurationMs int     `json:"output_duration_ms"`
	SpeedMultiplier  float64 `json:"speed_multiplier"`
	Track            int     `json:"track"`
	Layer            int     `json:"layer"`
}

type AudioTrack struct {
	AudioID         string  `json:"audio_id"`
	AssetURL        string  `json:"asset_url"`
	TrimStartMs     int     `json:"trim_start_ms"`
	TrimEndMs       int     `json:"trim_end_ms"`
	TimelineStartMs int     `json:"timeline_start_ms"`
	TimelineEndMs   int     `json:"timeline_end_ms"`
	Volume          float64 `json:"volume"`
	FadeInMs        int     `json:"fade_in_ms"`
	FadeOutMs       int     `json:"fade_out_ms"`
	Track           int     `json:"track"`
}

// Track numbers used by the compiler.
const (
	TrackVideo       = 0
	TrackSourceAudio = 1
	TrackMusic       = 2
)

type ValidationReport struct {
	TotalDurationMs int      `json:"total_duration_ms"`
	SegmentCount    int      `json:"segment_count"`
	AudioTrackCount int      `json:"audio_track_count"`
	HasGaps         bool     `json:"has_gaps"`
	HasOverlaps     bool     `json:"has_overlaps"`
	Warnings        []string `json:"warnings"`
}

type PlanStatus string

const (
	PlanCompilable   PlanStatus = "compilable"
	PlanUncompilable PlanStatus = "uncompilable"
)

// ExecutionPlan is the compiled, validated render specification for one
// variation idea of one blueprint against one analysis. Timeline, AudioTracks
// and Validation are always present, even when empty.
type ExecutionPlan struct {
	PlanID            string              `json:"plan_id"`
	Version           int                 `json:"version"`
	SourceAnalysisID  string              `json:"source_analysis_id"`
	SourceBlueprintID string              `json:"source_blueprint_id"`
	VariationID       string              `json:"variation_id"`
	Status            PlanStatus          `json:"status"`
	Reason            string              `json:"reason,omitempty"`
	OutputFormat      config.OutputFormat `json:"output_format"`
	Timeline          []TimelineSegment   `json:"timeline"`
	AudioTracks       []AudioTrack        `json:"audio_tracks"`
	Validation        ValidationReport    `json:"validation"`
	CreatedAt         time.Time           `json:"created_at"`
}

func (p ExecutionPlan) IsCompilable() bool { return p.Status == PlanCompilable }
