package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/heimdex/heimdex-render/internal/creative"
)

// Event is one record of an edit decision list. Source times are positions
// in the asset, record times are positions in the output timeline.
type Event struct {
	ClipName    string
	MediaPath   string
	SourceInMs  int
	SourceOutMs int
	RecordInMs  int
	RecordOutMs int
	Speed       float64
}

// EventsFromPlan converts a plan's video timeline into EDL events.
func EventsFromPlan(plan creative.ExecutionPlan) []Event {
	events := make([]Event, 0, len(plan.Timeline))
	for _, seg := range plan.Timeline {
		events = append(events, Event{
			ClipName:    SanitizeName(seg.SourceSegmentID, 32),
			MediaPath:   seg.AssetURL,
			SourceInMs:  seg.TrimStartMs,
			SourceOutMs: seg.TrimEndMs,
			RecordInMs:  seg.TimelineStartMs,
			RecordOutMs: seg.TimelineEndMs,
			Speed:       seg.SpeedMultiplier,
		})
	}
	return events
}

// PlanEDL renders a CMX3600 EDL for plan at the plan's output frame rate.
func PlanEDL(plan creative.ExecutionPlan) string {
	title := SanitizeName(fmt.Sprintf("%s %s", plan.SourceBlueprintID, plan.VariationID), 64)
	if title == "" {
		title = plan.PlanID
	}
	return GenerateEDL(EventsFromPlan(plan), title, float64(plan.OutputFormat.FPS))
}

func GenerateEDL(events []Event, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	for i, ev := range events {
		srcIn := msToTimecode(ev.SourceInMs, fps)
		srcOut := msToTimecode(ev.SourceOutMs, fps)
		recIn := msToTimecode(ev.RecordInMs, fps)
		recOut := msToTimecode(ev.RecordOutMs, fps)

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V", srcIn, srcOut, recIn, recOut),
		)
		// M2 carries the playback rate in source frames per second.
		if ev.Speed > 0 && ev.Speed != 1 {
			lines = append(lines, fmt.Sprintf("M2   %-8s %05.1f %s", "AX", float64(fps)*ev.Speed, srcIn))
		}
		lines = append(lines,
			fmt.Sprintf("* FROM CLIP NAME:  %s", ev.ClipName),
			fmt.Sprintf("* MEDIA PATH:  %s", ev.MediaPath),
		)
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func msToTimecode(ms int, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
