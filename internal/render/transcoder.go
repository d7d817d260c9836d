package render

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-render/internal/logging"
)

const (
	maxStderrBytes = 16 * 1024 // ffmpeg writes progress to stderr; keep the tail
)

// Transcoder runs the external media tool.
type Transcoder interface {
	// Version runs a cheap version check.
	Version(ctx context.Context) (string, error)

	// Run executes one invocation. The context carries the wall-clock budget.
	Run(ctx context.Context, args []string) RunResult
}

// RunResult is the structured outcome of one transcoder subprocess.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
	Err        error
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 && r.Err == nil }

// FFmpeg is the production Transcoder.
type FFmpeg struct {
	path   string
	logger *slog.Logger
}

func NewFFmpeg(path string, logger *slog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, logger: logging.OrDiscard(logger)}
}

func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	bin, err := exec.LookPath(f.path)
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func (f *FFmpeg) Run(ctx context.Context, args []string) RunResult {
	start := time.Now()

	cmdArgs := append([]string{"-hide_banner", "-nostdin", "-y"}, args...)
	cmd := exec.CommandContext(ctx, f.path, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = io.Discard

	f.logger.Debug("executing transcoder", "args", cmdArgs)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		f.logger.Warn("transcoder failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		StderrTail: stderrTail,
		Duration:   elapsed,
		Err:        err,
	}
}

var (
	progressTimeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	durationRe     = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// ParseDuration extracts the output length in seconds from transcoder
// diagnostics: the last progress time= value, else the first Duration: header.
func ParseDuration(stderr string) (float64, bool) {
	var last []string
	sc := bufio.NewScanner(strings.NewReader(strings.ReplaceAll(stderr, "\r", "\n")))
	for sc.Scan() {
		if m := progressTimeRe.FindAllStringSubmatch(sc.Text(), -1); len(m) > 0 {
			last = m[len(m)-1]
		}
	}
	if last == nil {
		last = durationRe.FindStringSubmatch(stderr)
	}
	if last == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(last[1])
	m, _ := strconv.Atoi(last[2])
	s, err := strconv.ParseFloat(last[3], 64)
	if err != nil {
		return 0, false
	}
	return float64(h*3600+m*60) + s, true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
