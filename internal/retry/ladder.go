// Package retry re-renders failed variations along a fallback ladder that
// only ever gets more conservative.
package retry

// FallbackMode is how aggressively a retry departs from the original render.
type FallbackMode string

const (
	ModeOriginal   FallbackMode = "original"
	ModeSameEngine FallbackMode = "same_engine"
	ModeFFmpegOnly FallbackMode = "ffmpeg_only"
	ModeSafeMode   FallbackMode = "safe_mode"
)

var modeRank = map[FallbackMode]int{
	ModeOriginal:   0,
	ModeSameEngine: 1,
	ModeFFmpegOnly: 2,
	ModeSafeMode:   3,
}

// ParseMode maps a persisted value back to a mode. Unknown values read as
// ModeOriginal.
func ParseMode(s string) FallbackMode {
	m := FallbackMode(s)
	if _, ok := modeRank[m]; ok {
		return m
	}
	return ModeOriginal
}

// AtLeastAsConservative reports whether m is no less conservative than other.
func (m FallbackMode) AtLeastAsConservative(other FallbackMode) bool {
	return modeRank[m] >= modeRank[other]
}

// ModeForAttempt is the ladder: attempts 1-2 reuse the engine, attempt 3
// renders with the transcoder only, attempt 4 onwards uses safe mode.
func ModeForAttempt(attempt int) FallbackMode {
	switch {
	case attempt <= 0:
		return ModeOriginal
	case attempt <= 2:
		return ModeSameEngine
	case attempt == 3:
		return ModeFFmpegOnly
	default:
		return ModeSafeMode
	}
}

// RetryState is the retry bookkeeping of one variation.
type RetryState struct {
	VideoID      string       `json:"video_id"`
	RetryCount   int          `json:"retry_count"`
	FallbackMode FallbackMode `json:"fallback_mode"`
	EngineUsed   string       `json:"engine_used,omitempty"`
}

// Next returns the state for the following attempt. The mode is the more
// conservative of the current one and the ladder's pick for the new count.
func (s RetryState) Next() RetryState {
	next := s
	next.RetryCount = s.RetryCount + 1
	next.FallbackMode = ModeForAttempt(next.RetryCount)
	if s.FallbackMode.AtLeastAsConservative(next.FallbackMode) {
		next.FallbackMode = s.FallbackMode
	}
	return next
}
