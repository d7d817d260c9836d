package creative

import "fmt"

// Validator checks timeline continuity and duration bounds.
type Validator struct {
	MinDurationMs int
	MaxDurationMs int
}

// Validate builds the report for a compiled timeline. prior warnings (from
// the compiler) come first in the report. Nothing here is fatal except
// overlaps, which the caller turns into an uncompilable plan.
func (v Validator) Validate(timeline []TimelineSegment, audio []AudioTrack, prior []string) ValidationReport {
	r := ValidationReport{
		SegmentCount:    len(timeline),
		AudioTrackCount: len(audio),
		Warnings:        append([]string{}, prior...),
	}
	if n := len(timeline); n > 0 {
		r.TotalDurationMs = timeline[n-1].TimelineEndMs
	}

	for i := 1; i < len(timeline); i++ {
		prev, curr := timeline[i-1], timeline[i]
		switch {
		case curr.TimelineStartMs > prev.TimelineEndMs:
			r.HasGaps = true
			r.Warnings = append(r.Warnings, fmt.Sprintf("Gap of %dms between %s and %s",
				curr.TimelineStartMs-prev.TimelineEndMs, prev.SegmentID, curr.SegmentID))
		case curr.TimelineStartMs < prev.TimelineEndMs:
			r.HasOverlaps = true
			r.Warnings = append(r.Warnings, fmt.Sprintf("Overlap of %dms between %s and %s",
				prev.TimelineEndMs-curr.TimelineStartMs, prev.SegmentID, curr.SegmentID))
		}
	}

	if v.MinDurationMs > 0 && r.TotalDurationMs < v.MinDurationMs {
		r.Warnings = append(r.Warnings, fmt.Sprintf("Total duration %dms is below the %dms minimum",
			r.TotalDurationMs, v.MinDurationMs))
	}
	if v.MaxDurationMs > 0 && r.TotalDurationMs > v.MaxDurationMs {
		r.Warnings = append(r.Warnings, fmt.Sprintf("Total duration %dms exceeds the %dms maximum",
			r.TotalDurationMs, v.MaxDurationMs))
	}
	return r
}

// StatusFor maps a report to a plan status: overlaps are the only fatal finding.
func StatusFor(r ValidationReport) PlanStatus {
	if r.HasOverlaps {
		return PlanUncompilable
	}
	return PlanCompilable
}

// emptyReport is the zeroed report attached to plans that fail before
// compilation.
func emptyReport() ValidationReport {
	return ValidationReport{Warnings: []string{}}
}
