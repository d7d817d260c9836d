package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const (
	silenceThreshold   = "-50dB"
	silenceMinDuration = 0.5
)

// silence is one quiet span in seconds. A span still open at end of input
// has end < 0.
type silence struct {
	start, end float64
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?\d+(?:\.\d+)?)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*(-?\d+(?:\.\d+)?)`)
)

// parseSilences reads silencedetect output in order.
func parseSilences(stderr string) []silence {
	var out []silence
	open := false
	for _, line := range strings.Split(strings.ReplaceAll(stderr, "\r", "\n"), "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			out = append(out, silence{start: max(v, 0), end: -1})
			open = true
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && open {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			out[len(out)-1].end = v
			open = false
		}
	}
	return out
}

// keepExpr is the select expression matching every instant outside the
// silences. Empty means nothing is cut, or nothing would be left.
func keepExpr(silences []silence) string {
	if len(silences) == 0 {
		return ""
	}
	var parts []string
	cursor := 0.0
	for _, s := range silences {
		if s.start > cursor {
			parts = append(parts, fmt.Sprintf("between(t,%s,%s)", secs(cursor), secs(s.start)))
		}
		if s.end < 0 {
			cursor = -1
			break
		}
		cursor = s.end
	}
	if cursor >= 0 {
		parts = append(parts, fmt.Sprintf("gte(t,%s)", secs(cursor)))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "+")
}

func silenceDetectArgs(in string) []string {
	return []string{"-nostats", "-i", in, "-map", "0:a:0",
		"-af", fmt.Sprintf("silencedetect=noise=%s:d=%g", silenceThreshold, silenceMinDuration),
		"-f", "null", os.DevNull}
}

// detectSilence runs a detection pass over the first audio stream of in.
// Inputs without audio have no silences.
func (e *Executor) detectSilence(ctx context.Context, in string) ([]silence, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Transcoder.ExecTimeout)
	defer cancel()

	res := e.transcoder.Run(runCtx, silenceDetectArgs(in))
	if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, NewPipelineError(StageExecute, ErrTimeout, nil,
			"silence detection exceeded %s", e.cfg.Transcoder.ExecTimeout)
	}
	if errors.Is(res.Err, context.Canceled) {
		return nil, NewPipelineError(StageExecute, ErrTimeout, res.Err, "silence detection cancelled")
	}
	if !res.IsSuccess() {
		if noAudio(res.StderrTail) {
			return nil, nil
		}
		return nil, NewPipelineError(StageExecute, ErrFFmpeg, nil,
			"silence detection exited %d: %s", res.ExitCode, truncate(strings.TrimSpace(res.StderrTail), 512))
	}
	return parseSilences(res.StderrTail), nil
}

func noAudio(stderr string) bool {
	return strings.Contains(stderr, "matches no streams") ||
		strings.Contains(stderr, "does not contain any stream")
}
