// Package store persists execution plans, variation records and service
// settings in the embedded SQLite database.
package store

import (
	"errors"
	"time"

	"github.com/heimdex/heimdex-render/internal/render"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses to a concurrent one.
var ErrConflict = errors.New("conflict")

const (
	VariationStatusPending     = "pending"
	VariationStatusRendering   = "rendering"
	VariationStatusCompleted   = "completed"
	VariationStatusPlaceholder = "placeholder"
	VariationStatusFailed      = "failed"
)

// VariationConfig is everything needed to render a variation again.
type VariationConfig struct {
	Task    render.RenderTask `json:"task"`
	Options render.Options    `json:"config"`
}

// Variation is one rendered output and its retry bookkeeping.
type Variation struct {
	ID           string                `json:"id"`
	PlanID       string                `json:"plan_id,omitempty"`
	Status       string                `json:"status"`
	VideoURL     string                `json:"video_url"`
	Config       VariationConfig       `json:"variation_config"`
	RetryCount   int                   `json:"retry_count"`
	FallbackMode string                `json:"fallback_mode"`
	EngineUsed   string                `json:"engine_used,omitempty"`
	LastError    *render.PipelineError `json:"last_error,omitempty"`
	QualityScore *float64              `json:"quality_score,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

const (
	ConfigKeyAPIToken = "api_token"
)
