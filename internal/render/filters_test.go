package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testEncoding = encoding{width: 1080, height: 1920, fps: 30, codec: "libx264", preset: "veryfast"}

func TestXFadeOffset(t *testing.T) {
	assert.InDelta(t, 2.5, xfadeOffset(1, 3, 0.5), 1e-9)
	assert.InDelta(t, 5.0, xfadeOffset(2, 3, 0.5), 1e-9)
	assert.InDelta(t, 3.0, xfadeOffset(3, 1.5, 0.5), 1e-9)
}

func TestTransitionsArgs(t *testing.T) {
	args := transitionsArgs([]string{"a.mp4", "b.mp4", "c.mp4"}, "out.mp4", []string{"wipeleft", "slideleft"}, 3, 0.5, testEncoding)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "[v0][v1]xfade=transition=wipeleft:duration=0.500:offset=2.500[x1]")
	assert.Contains(t, joined, "[x1][v2]xfade=transition=slideleft:duration=0.500:offset=5.000[x2]")
	assert.Contains(t, joined, "-map [x2]")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestTransitionsArgs_SingleInput(t *testing.T) {
	args := transitionsArgs([]string{"a.mp4"}, "out.mp4", nil, 3, 0.5, testEncoding)
	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "xfade")
	assert.Contains(t, joined, "-map [v0]")
}

func TestMotionFrames(t *testing.T) {
	assert.Equal(t, 125, MotionFrames(5, 25))
	assert.Equal(t, 38, MotionFrames(1.5, 25))
}

func TestMotionArgs_Effects(t *testing.T) {
	for effect := range motionFormulas {
		args := motionArgs("img.png", "out.mp4", effect, 5, 25, testEncoding)
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "zoompan=", effect)
		assert.Contains(t, joined, ":d=125:s=1080x1920:fps=25", effect)
		assert.Contains(t, joined, "-frames:v 125", effect)
	}

	unknown := strings.Join(motionArgs("img.png", "out.mp4", "spin", 5, 25, testEncoding), " ")
	assert.Contains(t, unknown, "min(zoom+0.0015,1.5)", "unknown effects fall back to ken-burns")
}

func TestRatioArgs(t *testing.T) {
	enc := testEncoding
	enc.width, enc.height = 1080, 1080
	joined := strings.Join(ratioArgs("in.mp4", "out.mp4", enc), " ")
	assert.Contains(t, joined, "crop='min(iw,ih*1080/1080)':'min(ih,iw*1080/1080)'")
	assert.Contains(t, joined, "pad=1080:1080")
}

func TestEscapeFilterPath(t *testing.T) {
	assert.Equal(t, `/tmp/a\:b\'c.srt`, escapeFilterPath(`/tmp/a:b'c.srt`))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   float64
		ok     bool
	}{
		{"last progress wins", "frame=1 time=00:00:01.00 bitrate\rframe=2 time=00:00:29.96 bitrate", 29.96, true},
		{"header fallback", "Input #0\n  Duration: 00:01:02.50, start: 0.000000", 62.5, true},
		{"hours", "time=01:00:00.00", 3600, true},
		{"nothing", "no diagnostics", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDuration(tt.stderr)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	assert.Equal(t, "hello", buf.String())

	lw.Write([]byte(" world of test data"))
	assert.Equal(t, " test data", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 5))
	assert.Equal(t, "...world", truncate("hello world", 5))
}

func TestPipelineError_Taxonomy(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{ErrValidation, false},
		{ErrEngine, true},
		{ErrFFmpeg, true},
		{ErrDownload, true},
		{ErrUpload, true},
		{ErrTimeout, true},
	}
	for _, tt := range tests {
		pe := NewPipelineError(StageExecute, tt.errType, nil, "boom")
		assert.Equal(t, tt.retryable, pe.Retryable, tt.errType)
		assert.NotEmpty(t, pe.SuggestedFix, tt.errType)
		assert.Contains(t, pe.Error(), string(tt.errType))
	}
	assert.Equal(t, "Check input video format compatibility", SuggestedFix(ErrFFmpeg))
}

func TestTaskType_Valid(t *testing.T) {
	for _, tt := range AllTaskTypes {
		assert.True(t, tt.Valid(), tt)
	}
	assert.False(t, TaskType("hologram").Valid())
}

func TestRotate(t *testing.T) {
	in := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a", "b", "c"}, Rotate(in, 0))
	assert.Equal(t, []string{"c", "a", "b"}, Rotate(in, 2))
	assert.Equal(t, []string{"b", "c", "a"}, Rotate(in, 4))
	assert.Nil(t, Rotate(nil, 1))
}

func TestFirstInput(t *testing.T) {
	task := RenderTask{InputVideos: []string{"a.mp4", "b.mp4"}, InputImages: []string{"i.png"}}
	assert.Equal(t, "a.mp4", task.FirstInput())
	task.ReplaceFirstInput("gen.mp4")
	assert.Equal(t, []string{"gen.mp4", "b.mp4"}, task.InputVideos)

	images := RenderTask{InputImages: []string{"i.png"}}
	assert.Equal(t, "i.png", images.FirstInput())
	images.ReplaceFirstInput("gen.png")
	assert.Equal(t, []string{"gen.png"}, images.InputImages)

	var empty RenderTask
	assert.Empty(t, empty.FirstInput())
	empty.ReplaceFirstInput("x")
	assert.Empty(t, empty.InputVideos)
}

func TestParseSilences(t *testing.T) {
	stderr := "[silencedetect @ 0x1] silence_start: -0.01\r" +
		"[silencedetect @ 0x1] silence_end: 0.8 | silence_duration: 0.81\n" +
		"frame=  10 fps=0.0 time=00:00:01.00\n" +
		"[silencedetect @ 0x1] silence_start: 3.2\n"

	got := parseSilences(stderr)
	assert.Equal(t, []silence{{start: 0, end: 0.8}, {start: 3.2, end: -1}}, got)
	assert.Nil(t, parseSilences("no detector output"))
}

func TestKeepExpr(t *testing.T) {
	tests := []struct {
		name     string
		silences []silence
		want     string
	}{
		{"none", nil, ""},
		{"middle", []silence{{2, 3}}, "between(t,0.000,2.000)+gte(t,3.000)"},
		{"leading", []silence{{0, 1.5}}, "gte(t,1.500)"},
		{"trailing open", []silence{{1, 2}, {5, -1}}, "between(t,0.000,1.000)+between(t,2.000,5.000)"},
		{"all silent", []silence{{0, -1}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keepExpr(tt.silences))
		})
	}
}

func TestSmartCutArgs(t *testing.T) {
	plain := strings.Join(smartCutArgs("in.mp4", "out.mp4", nil, testEncoding), " ")
	assert.Contains(t, plain, "-map 0:v:0 -map 0:a:0?")
	assert.NotContains(t, plain, "select")
	assert.NotContains(t, plain, "-shortest")

	cut := smartCutArgs("in.mp4", "out.mp4", []silence{{2, 3}}, testEncoding)
	joined := strings.Join(cut, " ")
	assert.Contains(t, joined, "-vf fps=30,select='between(t,0.000,2.000)+gte(t,3.000)',setpts=N/FRAME_RATE/TB,scale=1080:1920")
	assert.Contains(t, joined, "-af aselect='between(t,0.000,2.000)+gte(t,3.000)',asetpts=N/SR/TB")
	assert.Equal(t, "out.mp4", cut[len(cut)-1])
}

func TestSingleOutput(t *testing.T) {
	task := RenderTask{TaskType: TaskMultiRatio, InputVideos: []string{"a", "b"}, Ratios: []string{"9:16", "16:9"}}
	got, opts := SingleOutput(task, Options{Variations: 3}, Video{Ratio: "16:9"})
	assert.Equal(t, []string{"16:9"}, got.Ratios)
	assert.Equal(t, "16:9", got.OutputRatio)
	assert.Equal(t, 1, opts.Variations)
	assert.Equal(t, []string{"9:16", "16:9"}, task.Ratios, "input task is not mutated")

	assembly := RenderTask{TaskType: TaskFullAssembly}
	got, opts = SingleOutput(assembly, Options{
		SourceVideos: []string{"a", "b", "c"},
		Variations:   3,
		HookStyles:   []string{"question", "bold", "quiet"},
	}, Video{Variation: 2, HookStyle: "quiet", Ratio: "9:16"})
	assert.Equal(t, []string{"c", "a", "b"}, got.InputVideos)
	assert.Equal(t, []string{"quiet"}, opts.HookStyles)
	assert.Empty(t, opts.SourceVideos)

	motion := RenderTask{TaskType: TaskMotionEffects, InputImages: []string{"i0", "i1", "i2"}}
	got, _ = SingleOutput(motion, Options{}, Video{Variation: 1})
	assert.Equal(t, []string{"i1"}, got.InputImages)
}
