package creative

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/config"
)

// CompileRequest is the body of a compile call.
type CompileRequest struct {
	Analysis       SourceAnalysis    `json:"analysis"`
	Blueprint      CreativeBlueprint `json:"blueprint"`
	VariationIndex *int              `json:"variation_index,omitempty"`
	CompileAll     bool              `json:"compile_all,omitempty"`
	SourceVideoURL string            `json:"source_video_url"`
	MusicURL       string            `json:"music_url,omitempty"`
}

type CompileMeta struct {
	Total        int       `json:"total"`
	Compilable   int       `json:"compilable"`
	Uncompilable int       `json:"uncompilable"`
	CompiledAt   time.Time `json:"compiled_at"`
}

type CompileResponse struct {
	Success bool            `json:"success"`
	Plans   []ExecutionPlan `json:"plans"`
	Meta    CompileMeta     `json:"meta"`
}

// Builder orchestrates resolve, compile and validate into execution plans.
type Builder struct {
	compiler  Compiler
	validator Validator
	output    config.OutputFormat

	newID func() string
	now   func() time.Time
}

// NewBuilder creates a Builder from the central render config.
func NewBuilder(cfg config.RenderConfig) *Builder {
	return &Builder{
		compiler: Compiler{
			MusicVolume: cfg.MusicVolume,
			AudioFadeMs: cfg.AudioFadeMs,
		},
		validator: Validator{
			MinDurationMs: cfg.Validation.MinDurationMs,
			MaxDurationMs: cfg.Validation.MaxDurationMs,
		},
		output: cfg.Output,
		newID:  func() string { return "plan_" + uuid.NewString() },
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Build compiles the variation at index. It never fails: structural problems
// are reported through the plan's status and reason.
func (b *Builder) Build(analysis SourceAnalysis, blueprint CreativeBlueprint, index int, sourceURL, musicURL string) ExecutionPlan {
	plan := ExecutionPlan{
		PlanID:            b.newID(),
		Version:           1,
		SourceAnalysisID:  analysis.ID,
		SourceBlueprintID: blueprint.ID,
		OutputFormat:      b.output,
		Timeline:          []TimelineSegment{},
		AudioTracks:       []AudioTrack{},
		Validation:        emptyReport(),
		CreatedAt:         b.now(),
	}

	switch {
	case len(analysis.Segments) == 0:
		return uncompilable(plan, "analysis has no segments")
	case len(blueprint.VariationIdeas) == 0:
		return uncompilable(plan, "blueprint has no variation ideas")
	case index < 0 || index >= len(blueprint.VariationIdeas):
		return uncompilable(plan, fmt.Sprintf("variation index %d out of range [0, %d)", index, len(blueprint.VariationIdeas)))
	}

	idea := blueprint.VariationIdeas[index]
	plan.VariationID = idea.ID

	action := Resolve(idea, analysis.Segments)
	if !action.Resolved {
		return uncompilable(plan, action.ResolutionError)
	}

	compiled := b.compiler.Compile(CompileInput{
		Segments:  analysis.Segments,
		Actions:   []ResolvedAction{action},
		SourceURL: sourceURL,
		MusicURL:  musicURL,
	})
	plan.Timeline = compiled.Timeline
	plan.AudioTracks = compiled.AudioTracks
	plan.Validation = b.validator.Validate(compiled.Timeline, compiled.AudioTracks, compiled.Warnings)
	plan.Status = StatusFor(plan.Validation)
	if plan.Status == PlanUncompilable {
		plan.Reason = "timeline has overlapping segments"
	}
	return plan
}

// BuildAll compiles every variation of the blueprint. An empty blueprint
// still yields one uncompilable plan so the caller sees why.
func (b *Builder) BuildAll(analysis SourceAnalysis, blueprint CreativeBlueprint, sourceURL, musicURL string) []ExecutionPlan {
	n := len(blueprint.VariationIdeas)
	if n == 0 {
		return []ExecutionPlan{b.Build(analysis, blueprint, 0, sourceURL, musicURL)}
	}
	plans := make([]ExecutionPlan, 0, n)
	for i := 0; i < n; i++ {
		plans = append(plans, b.Build(analysis, blueprint, i, sourceURL, musicURL))
	}
	return plans
}

// Compile serves a CompileRequest. Without compile_all and without an
// explicit index the first variation is compiled.
func (b *Builder) Compile(req CompileRequest) CompileResponse {
	var plans []ExecutionPlan
	if req.CompileAll {
		plans = b.BuildAll(req.Analysis, req.Blueprint, req.SourceVideoURL, req.MusicURL)
	} else {
		idx := 0
		if req.VariationIndex != nil {
			idx = *req.VariationIndex
		}
		plans = []ExecutionPlan{b.Build(req.Analysis, req.Blueprint, idx, req.SourceVideoURL, req.MusicURL)}
	}

	meta := CompileMeta{Total: len(plans), CompiledAt: b.now()}
	for _, p := range plans {
		if p.IsCompilable() {
			meta.Compilable++
		} else {
			meta.Uncompilable++
		}
	}
	return CompileResponse{
		Success: meta.Compilable > 0,
		Plans:   plans,
		Meta:    meta,
	}
}

func uncompilable(p ExecutionPlan, reason string) ExecutionPlan {
	p.Status = PlanUncompilable
	p.Reason = reason
	return p
}
