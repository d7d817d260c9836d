package render

import (
	"fmt"
	"math"
	"strings"

	"github.com/heimdex/heimdex-render/internal/creative"
)

// encoding is the per-output encoder setup shared by every graph.
type encoding struct {
	width, height int
	fps           int
	codec         string
	preset        string
}

func (e encoding) videoArgs() []string {
	return []string{"-c:v", e.codec, "-preset", e.preset, "-pix_fmt", "yuv420p", "-movflags", "+faststart"}
}

// fit scales into the frame preserving aspect and pads the remainder.
func fit(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h)
}

func inputArgs(paths []string) []string {
	args := make([]string, 0, len(paths)*2)
	for _, p := range paths {
		args = append(args, "-i", p)
	}
	return args
}

func secs(v float64) string { return fmt.Sprintf("%.3f", v) }

// smartCutArgs drops the given silent spans from both streams so picture and
// sound stay in sync. Without spans the input is re-encoded whole.
func smartCutArgs(in, out string, silences []silence, enc encoding) []string {
	args := []string{"-i", in, "-map", "0:v:0", "-map", "0:a:0?"}
	vf := fit(enc.width, enc.height) + fmt.Sprintf(",fps=%d", enc.fps)
	if keep := keepExpr(silences); keep != "" {
		vf = fmt.Sprintf("fps=%d,select='%s',setpts=N/FRAME_RATE/TB,%s", enc.fps, keep, fit(enc.width, enc.height))
		args = append(args, "-af", fmt.Sprintf("aselect='%s',asetpts=N/SR/TB", keep))
	}
	args = append(args, "-vf", vf)
	args = append(args, enc.videoArgs()...)
	return append(args, "-c:a", "aac", out)
}

// xfadeOffset is the start of the k-th cross-fade (k >= 1) when every clip
// lasts clip seconds and each fade overlaps by fade seconds.
func xfadeOffset(k int, clip, fade float64) float64 {
	return float64(k) * (clip - fade)
}

func transitionsArgs(inputs []string, out string, xfades []string, clip, fade float64, enc encoding) []string {
	if fade > clip/2 {
		fade = clip / 2
	}

	var parts []string
	for i := range inputs {
		parts = append(parts, fmt.Sprintf("[%d:v]%s,fps=%d,trim=duration=%s,setpts=PTS-STARTPTS[v%d]",
			i, fit(enc.width, enc.height), enc.fps, secs(clip), i))
	}

	last := "v0"
	for k := 1; k < len(inputs); k++ {
		label := fmt.Sprintf("x%d", k)
		transition := "fade"
		if len(xfades) > 0 {
			transition = xfades[(k-1)%len(xfades)]
		}
		parts = append(parts, fmt.Sprintf("[%s][v%d]xfade=transition=%s:duration=%s:offset=%s[%s]",
			last, k, transition, secs(fade), secs(xfadeOffset(k, clip, fade)), label))
		last = label
	}

	args := inputArgs(inputs)
	args = append(args, "-filter_complex", strings.Join(parts, ";"), "-map", "["+last+"]", "-an")
	args = append(args, enc.videoArgs()...)
	return append(args, out)
}

// motionFormula returns the zoompan z/x/y expressions for a named effect.
type motionFormula func(frames int) (z, x, y string)

var motionFormulas = map[string]motionFormula{
	"ken-burns": func(int) (string, string, string) {
		return "min(zoom+0.0015,1.5)", "iw/2-(iw/zoom/2)", "ih/2-(ih/zoom/2)"
	},
	"zoom": func(int) (string, string, string) {
		return "min(zoom+0.003,2.0)", "iw/2-(iw/zoom/2)", "ih/2-(ih/zoom/2)"
	},
	"pan": func(frames int) (string, string, string) {
		return "1.2", fmt.Sprintf("(iw-iw/zoom)*on/%d", frames), "ih/2-(ih/zoom/2)"
	},
	"parallax": func(frames int) (string, string, string) {
		return fmt.Sprintf("1.15+0.05*sin(on/%d*PI)", frames),
			fmt.Sprintf("(iw-iw/zoom)*(1-on/%d)", frames),
			fmt.Sprintf("(ih-ih/zoom)*on/%d/2", frames)
	},
	"shake": func(int) (string, string, string) {
		return "1.1", "iw/2-(iw/zoom/2)+sin(on*0.9)*8", "ih/2-(ih/zoom/2)+cos(on*1.1)*8"
	},
}

const defaultMotionEffect = "ken-burns"

// MotionFrames converts a clip length to a zoompan frame count.
func MotionFrames(durationSec float64, fps int) int {
	return int(math.Round(durationSec * float64(fps)))
}

func motionArgs(image, out, effect string, durationSec float64, motionFPS int, enc encoding) []string {
	formula, ok := motionFormulas[strings.ToLower(effect)]
	if !ok {
		formula = motionFormulas[defaultMotionEffect]
	}
	frames := MotionFrames(durationSec, motionFPS)
	z, x, y := formula(frames)

	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d,setsar=1",
		enc.width*2, enc.height*2, enc.width*2, enc.height*2, z, x, y, frames, enc.width, enc.height, motionFPS)

	args := []string{"-loop", "1", "-i", image, "-vf", vf, "-frames:v", fmt.Sprint(frames), "-an"}
	args = append(args, enc.videoArgs()...)
	return append(args, out)
}

func assemblyArgs(inputs []string, out string, clip, maxDuration float64, enc encoding) []string {
	var parts []string
	var labels strings.Builder
	for i := range inputs {
		parts = append(parts, fmt.Sprintf("[%d:v]trim=duration=%s,setpts=PTS-STARTPTS,%s,fps=%d[v%d]",
			i, secs(clip), fit(enc.width, enc.height), enc.fps, i))
		fmt.Fprintf(&labels, "[v%d]", i)
	}
	parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[outv]", labels.String(), len(inputs)))

	args := inputArgs(inputs)
	args = append(args, "-filter_complex", strings.Join(parts, ";"), "-map", "[outv]", "-t", secs(maxDuration), "-an")
	args = append(args, enc.videoArgs()...)
	return append(args, out)
}

// ratioArgs crops to the target aspect, then scales and pads to the exact size.
func ratioArgs(in, out string, enc encoding) []string {
	w, h := enc.width, enc.height
	vf := fmt.Sprintf("crop='min(iw,ih*%d/%d)':'min(ih,iw*%d/%d)',%s", w, h, h, w, fit(w, h))
	args := []string{"-i", in, "-vf", vf}
	args = append(args, enc.videoArgs()...)
	return append(args, "-c:a", "copy", out)
}

func musicArgs(video, music, out string, volume, fadeSec, maxDuration float64, enc encoding) []string {
	fadeOutStart := math.Max(maxDuration-fadeSec, 0)
	af := fmt.Sprintf("[1:a]volume=%.2f,afade=t=in:st=0:d=%s,afade=t=out:st=%s:d=%s[m]",
		volume, secs(fadeSec), secs(fadeOutStart), secs(fadeSec))
	return []string{"-i", video, "-i", music,
		"-filter_complex", af,
		"-map", "0:v", "-map", "[m]",
		"-c:v", "copy", "-c:a", "aac",
		"-shortest", "-t", secs(maxDuration),
		out,
	}
}

// escapeFilterPath escapes a path for use as a filter option value.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`, `,`, `\,`)
	return r.Replace(p)
}

func subtitlesArgs(video, subs, out string, enc encoding) []string {
	args := []string{"-i", video, "-vf", fmt.Sprintf("subtitles=filename=%s", escapeFilterPath(subs))}
	args = append(args, enc.videoArgs()...)
	return append(args, "-c:a", "copy", out)
}

// safeArgs is the smallest graph: scale, pad and encode one input, capped at
// maxDuration. Used by the retry ladder's most conservative tier.
func safeArgs(in string, isImage bool, out string, maxDuration float64, enc encoding) []string {
	var args []string
	if isImage {
		args = append(args, "-loop", "1")
	}
	args = append(args, "-i", in, "-t", secs(maxDuration), "-vf", fit(enc.width, enc.height))
	args = append(args, enc.videoArgs()...)
	if isImage {
		return append(args, "-an", out)
	}
	return append(args, "-c:a", "aac", out)
}

// planArgs renders a compiled plan: every timeline entry is cut from its
// asset and speed-adjusted, the entries are concatenated, and the audio
// tracks are trimmed, delayed to their timeline position and mixed.
func planArgs(plan creative.ExecutionPlan, inputs []string, inputIndex map[string]int, out string, enc encoding) []string {
	var parts []string
	var labels strings.Builder
	for i, seg := range plan.Timeline {
		parts = append(parts, fmt.Sprintf("[%d:v]trim=start=%s:end=%s,setpts=(PTS-STARTPTS)/%g,%s,fps=%d[v%d]",
			inputIndex[seg.AssetURL], secs(ms(seg.TrimStartMs)), secs(ms(seg.TrimEndMs)), seg.SpeedMultiplier,
			fit(enc.width, enc.height), enc.fps, i))
		fmt.Fprintf(&labels, "[v%d]", i)
	}
	parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[outv]", labels.String(), len(plan.Timeline)))

	var audio strings.Builder
	for k, at := range plan.AudioTracks {
		span := at.TimelineEndMs - at.TimelineStartMs
		chain := []string{
			fmt.Sprintf("atrim=start=%s:end=%s", secs(ms(at.TrimStartMs)), secs(ms(at.TrimEndMs))),
			"asetpts=PTS-STARTPTS",
		}
		if span > 0 {
			if tempo := float64(at.TrimEndMs-at.TrimStartMs) / float64(span); math.Abs(tempo-1) > 0.001 {
				chain = append(chain, fmt.Sprintf("atempo=%.4f", tempo))
			}
		}
		chain = append(chain, fmt.Sprintf("volume=%.2f", at.Volume))
		if at.FadeInMs > 0 {
			chain = append(chain, fmt.Sprintf("afade=t=in:st=0:d=%s", secs(ms(at.FadeInMs))))
		}
		if at.FadeOutMs > 0 {
			chain = append(chain, fmt.Sprintf("afade=t=out:st=%s:d=%s", secs(ms(span-at.FadeOutMs)), secs(ms(at.FadeOutMs))))
		}
		chain = append(chain, fmt.Sprintf("adelay=%d:all=1", at.TimelineStartMs))
		parts = append(parts, fmt.Sprintf("[%d:a]%s[a%d]", inputIndex[at.AssetURL], strings.Join(chain, ","), k))
		fmt.Fprintf(&audio, "[a%d]", k)
	}

	args := inputArgs(inputs)
	if len(plan.AudioTracks) > 0 {
		parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=longest:normalize=0[outa]", audio.String(), len(plan.AudioTracks)))
		args = append(args, "-filter_complex", strings.Join(parts, ";"), "-map", "[outv]", "-map", "[outa]", "-c:a", "aac")
	} else {
		args = append(args, "-filter_complex", strings.Join(parts, ";"), "-map", "[outv]", "-an")
	}
	args = append(args, "-t", secs(ms(plan.Validation.TotalDurationMs)))
	args = append(args, enc.videoArgs()...)
	return append(args, out)
}

func ms(v int) float64 { return float64(v) / 1000 }
