package render

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/heimdex/heimdex-render/internal/config"
)

// slot is one planned published output.
type slot struct {
	variation   int
	hookStyle   string
	ratio       string
	dims        config.Dimensions
	expectedSec float64
}

func (e *Executor) primaryRatio(task RenderTask) string {
	if task.OutputRatio != "" {
		return task.OutputRatio
	}
	return e.cfg.Output.Ratio
}

func (e *Executor) ratiosFor(task RenderTask) []string {
	if task.TaskType == TaskMultiRatio && len(task.Ratios) > 0 {
		return task.Ratios
	}
	return []string{e.primaryRatio(task)}
}

func (e *Executor) maxDuration(task RenderTask) float64 {
	if task.MaxDuration > 0 {
		return task.MaxDuration
	}
	return e.cfg.MaxDurationSec
}

func (e *Executor) variationCount(task RenderTask, opts Options) int {
	switch task.TaskType {
	case TaskFullAssembly, TaskTransitions:
		if opts.Variations > 1 {
			return opts.Variations
		}
	case TaskMotionEffects:
		return len(task.InputImages)
	}
	return 1
}

func (e *Executor) expectedDuration(task RenderTask) float64 {
	clip := e.cfg.ClipSeconds(task.Pacing)
	n := float64(len(task.InputVideos))
	switch task.TaskType {
	case TaskFullAssembly:
		return math.Min(clip*n, e.maxDuration(task))
	case TaskTransitions:
		fade := math.Min(e.cfg.TransitionDurationSec, clip/2)
		return clip*n - fade*(n-1)
	case TaskMotionEffects:
		return e.cfg.MotionDurationSec
	}
	return e.maxDuration(task)
}

// outputSlots lists what a task publishes. Safe mode always publishes one
// output in the primary ratio.
func (e *Executor) outputSlots(task RenderTask, opts Options) []slot {
	expected := e.expectedDuration(task)
	if task.SafeMode {
		r := e.primaryRatio(task)
		d, _ := e.cfg.DimensionsFor(r)
		return []slot{{ratio: r, dims: d, expectedSec: math.Min(expected, e.maxDuration(task))}}
	}

	var slots []slot
	for v := 0; v < e.variationCount(task, opts); v++ {
		hook := ""
		if len(opts.HookStyles) > 0 {
			hook = opts.HookStyles[v%len(opts.HookStyles)]
		}
		for _, r := range e.ratiosFor(task) {
			d, _ := e.cfg.DimensionsFor(r)
			slots = append(slots, slot{variation: v, hookStyle: hook, ratio: r, dims: d, expectedSec: expected})
		}
	}
	return slots
}

// Rotate returns inputs starting at index v mod len, so each variation leads
// with a different clip as its hook.
func Rotate(inputs []string, v int) []string {
	n := len(inputs)
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, inputs[(v+i)%n])
	}
	return out
}

// SingleOutput narrows task and opts to the single call that reproduces
// video: its ratio, its variation's clip order and hook style.
func SingleOutput(task RenderTask, opts Options, video Video) (RenderTask, Options) {
	task = mergeOptions(task, opts)
	task.InputVideos = append([]string(nil), task.InputVideos...)
	task.InputImages = append([]string(nil), task.InputImages...)
	if video.Ratio != "" {
		task.OutputRatio = video.Ratio
		if task.TaskType == TaskMultiRatio {
			task.Ratios = []string{video.Ratio}
		}
	}
	switch task.TaskType {
	case TaskFullAssembly, TaskTransitions:
		task.InputVideos = Rotate(task.InputVideos, video.Variation)
	case TaskMotionEffects:
		if video.Variation >= 0 && video.Variation < len(task.InputImages) {
			task.InputImages = []string{task.InputImages[video.Variation]}
		}
	}

	opts.SourceVideos = nil
	opts.Ratios = nil
	opts.Variations = 1
	opts.HookStyles = nil
	if video.HookStyle != "" {
		opts.HookStyles = []string{video.HookStyle}
	}
	return task, opts
}

func localize(sources []string, local map[string]string) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, local[s])
	}
	return out
}

func (e *Executor) xfades(names []string) []string {
	if len(names) == 0 {
		return []string{e.cfg.XFade(e.cfg.DefaultTransition)}
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, e.cfg.XFade(n))
	}
	return out
}

// buildOutputs dispatches on the task type to the matching filter graph.
func (e *Executor) buildOutputs(task RenderTask, opts Options, workDir string, local map[string]string) ([]output, error) {
	slots := e.outputSlots(task, opts)
	videos := localize(task.InputVideos, local)
	images := localize(task.InputImages, local)
	maxDur := e.maxDuration(task)
	clip := e.cfg.ClipSeconds(task.Pacing)

	pathFor := func(s slot) string {
		return filepath.Join(workDir, fmt.Sprintf("%s-v%d-%s.%s", task.TaskType, s.variation, ratioSlug(s.ratio), e.container()))
	}
	newOutput := func(s slot, args []string) output {
		return output{
			args:        args,
			path:        args[len(args)-1],
			variation:   s.variation,
			hookStyle:   s.hookStyle,
			ratio:       s.ratio,
			dims:        s.dims,
			expectedSec: s.expectedSec,
		}
	}

	if task.SafeMode {
		s := slots[0]
		in, isImage := "", false
		if len(videos) > 0 {
			in = videos[0]
		} else {
			in, isImage = images[0], true
		}
		return []output{newOutput(s, safeArgs(in, isImage, pathFor(s), maxDur, e.encoding(s.dims, true)))}, nil
	}

	var outs []output
	switch task.TaskType {
	case TaskSmartCut:
		s := slots[0]
		o := newOutput(s, smartCutArgs(videos[0], pathFor(s), nil, e.encoding(s.dims, false)))
		o.silenceSource = videos[0]
		outs = append(outs, o)

	case TaskTransitions:
		xf := e.xfades(task.Transitions)
		for _, s := range slots {
			args := transitionsArgs(Rotate(videos, s.variation), pathFor(s), xf, clip, e.cfg.TransitionDurationSec, e.encoding(s.dims, false))
			outs = append(outs, newOutput(s, args))
		}

	case TaskMusicSync:
		s := slots[0]
		fade := float64(e.cfg.AudioFadeMs) / 1000
		args := musicArgs(videos[0], local[task.MusicURL], pathFor(s), e.cfg.MusicVolume, fade, maxDur, e.encoding(s.dims, false))
		outs = append(outs, newOutput(s, args))

	case TaskSubtitles:
		s := slots[0]
		outs = append(outs, newOutput(s, subtitlesArgs(videos[0], local[task.SubtitlesURL], pathFor(s), e.encoding(s.dims, false))))

	case TaskMultiRatio:
		src := videos[0]
		if len(videos) > 1 {
			d, _ := e.cfg.DimensionsFor(e.primaryRatio(task))
			assembled := filepath.Join(workDir, "assembled."+e.container())
			outs = append(outs, output{
				args:         assemblyArgs(videos, assembled, clip, maxDur, e.encoding(d, false)),
				path:         assembled,
				intermediate: true,
			})
			src = assembled
		}
		for _, s := range slots {
			outs = append(outs, newOutput(s, ratioArgs(src, pathFor(s), e.encoding(s.dims, false))))
		}

	case TaskFullAssembly:
		for _, s := range slots {
			args := assemblyArgs(Rotate(videos, s.variation), pathFor(s), clip, maxDur, e.encoding(s.dims, false))
			outs = append(outs, newOutput(s, args))
		}

	case TaskMotionEffects:
		for _, s := range slots {
			args := motionArgs(images[s.variation], pathFor(s), task.MotionEffect, e.cfg.MotionDurationSec, e.cfg.MotionFPS, e.encoding(s.dims, false))
			outs = append(outs, newOutput(s, args))
		}

	case TaskRetrySingle:
		return nil, NewPipelineError(StageTransform, ErrValidation, nil, "retry_single has no filter graph")

	default:
		return nil, NewPipelineError(StageTransform, ErrValidation, nil, "unknown task type %q", task.TaskType)
	}
	return outs, nil
}
