package creative

import (
	"fmt"
	"math"
	"sort"
)

// CompileInput is everything the compiler needs for one plan.
type CompileInput struct {
	Segments  []Segment
	Actions   []ResolvedAction
	SourceURL string
	MusicURL  string
}

// CompileResult is the compiler's output. Warnings are advisory and are
// carried into the plan's validation report.
type CompileResult struct {
	Timeline    []TimelineSegment
	AudioTracks []AudioTrack
	Warnings    []string
}

// Compiler turns resolved actions into a contiguous timeline.
type Compiler struct {
	MusicVolume float64
	AudioFadeMs int
}

// Compile lays out the retained segments back to back starting at 0.
//
// When several actions target the same segment, the first resolved one in
// input order wins for speed and trim. Removal always wins over any other
// action.
func (c Compiler) Compile(in CompileInput) CompileResult {
	segs := make([]Segment, len(in.Segments))
	copy(segs, in.Segments)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].StartMs < segs[j].StartMs })

	removed := make(map[string]string)
	transforms := make(map[string]Transformation)
	promoted := make(map[string]bool)

	for _, a := range in.Actions {
		if !a.Resolved {
			continue
		}
		for _, id := range a.TargetSegments {
			if a.Transformation.Remove {
				if _, ok := removed[id]; !ok {
					removed[id] = a.ActionID
				}
				continue
			}
			if a.Transformation.reorders() {
				promoted[id] = true
			}
			if _, ok := transforms[id]; !ok {
				transforms[id] = a.Transformation
			}
		}
	}

	if len(promoted) > 0 {
		ordered := make([]Segment, 0, len(segs))
		for _, s := range segs {
			if promoted[s.ID] {
				ordered = append(ordered, s)
			}
		}
		for _, s := range segs {
			if !promoted[s.ID] {
				ordered = append(ordered, s)
			}
		}
		segs = ordered
	}

	res := CompileResult{
		Timeline:    []TimelineSegment{},
		AudioTracks: []AudioTrack{},
		Warnings:    []string{},
	}

	cursor := 0
	for _, s := range segs {
		if actionID, ok := removed[s.ID]; ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Segment %s removed by action %s", s.ID, actionID))
			continue
		}

		t := transforms[s.ID]
		duration := s.DurationMs()
		trimStart := roundMs(float64(duration) * t.trimStart())
		trimEnd := roundMs(float64(duration) * t.trimEnd())
		trimmed := duration - trimStart - trimEnd
		if trimmed <= 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Segment %s has no duration left after trimming", s.ID))
			continue
		}
		speed := t.Speed()
		out := roundMs(float64(trimmed) / speed)

		idx := len(res.Timeline)
		res.Timeline = append(res.Timeline, TimelineSegment{
			SegmentID:        fmt.Sprintf("tl_%d", idx),
			SourceSegmentID:  s.ID,
			AssetURL:         in.SourceURL,
			TrimStartMs:      s.StartMs + trimStart,
			TrimEndMs:        s.EndMs - trimEnd,
			TimelineStartMs:  cursor,
			TimelineEndMs:    cursor + out,
			OutputDurationMs: out,
			SpeedMultiplier:  speed,
			Track:            TrackVideo,
		})
		res.AudioTracks = append(res.AudioTracks, AudioTrack{
			AudioID:         fmt.Sprintf("au_%d", idx),
			AssetURL:        in.SourceURL,
			TrimStartMs:     s.StartMs + trimStart,
			TrimEndMs:       s.EndMs - trimEnd,
			TimelineStartMs: cursor,
			TimelineEndMs:   cursor + out,
			Volume:          1,
			Track:           TrackSourceAudio,
		})
		cursor += out
	}

	if in.MusicURL != "" && cursor > 0 {
		fade := c.AudioFadeMs
		if fade > cursor/2 {
			fade = cursor / 2
		}
		music := AudioTrack{
			AudioID:         "music",
			AssetURL:        in.MusicURL,
			TrimStartMs:     0,
			TrimEndMs:       cursor,
			TimelineStartMs: 0,
			TimelineEndMs:   cursor,
			Volume:          c.MusicVolume,
			FadeInMs:        fade,
			FadeOutMs:       fade,
			Track:           TrackMusic,
		}
		res.AudioTracks = append([]AudioTrack{music}, res.AudioTracks...)
	}

	return res
}

func roundMs(v float64) int { return int(math.Round(v)) }
