package render

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// placeholder is the artifact written in degraded mode instead of a video.
type placeholder struct {
	Placeholder     bool      `json:"placeholder"`
	FFmpegAvailable bool      `json:"ffmpegAvailable"`
	Reason          string    `json:"reason"`
	TaskID          string    `json:"taskId"`
	TaskType        TaskType  `json:"taskType"`
	Variation       int       `json:"variation"`
	Ratio           string    `json:"ratio"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	DurationSec     float64   `json:"durationSec"`
	Inputs          []string  `json:"inputs"`
	CreatedAt       time.Time `json:"createdAt"`
}

func writePlaceholder(path string, p placeholder) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode placeholder: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write placeholder: %w", err)
	}
	return nil
}
