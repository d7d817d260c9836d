package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-render/internal/render"
)

// VariationWriter is the variation half of Repository.
type VariationWriter interface {
	GetVariation(ctx context.Context, id string) (*Variation, error)
	CreateVariation(ctx context.Context, v *Variation) error
	RecordOutcome(ctx context.Context, v *Variation) error
}

// SaveVariation creates v or overwrites the render outcome of an existing
// record. Retry count and fallback mode of an existing record are kept.
func SaveVariation(ctx context.Context, w VariationWriter, v *Variation) error {
	_, err := w.GetVariation(ctx, v.ID)
	if errors.Is(err, ErrNotFound) {
		return w.CreateVariation(ctx, v)
	}
	if err != nil {
		return fmt.Errorf("load variation %s: %w", v.ID, err)
	}
	return w.RecordOutcome(ctx, v)
}

// VariationsFromResult turns every output of a render into a variation record.
// Each record's config reproduces that output alone.
func VariationsFromResult(res render.Result, cfg VariationConfig, planID, engine string, now time.Time) []*Variation {
	out := make([]*Variation, 0, len(res.Videos))
	for _, video := range res.Videos {
		task, opts := render.SingleOutput(cfg.Task, cfg.Options, video)
		status := VariationStatusCompleted
		if video.Placeholder {
			status = VariationStatusPlaceholder
		}
		completed := now
		out = append(out, &Variation{
			ID:          video.ID,
			PlanID:      planID,
			Status:      status,
			VideoURL:    video.URL,
			Config:      VariationConfig{Task: task, Options: opts},
			EngineUsed:  engine,
			CreatedAt:   now,
			UpdatedAt:   now,
			CompletedAt: &completed,
		})
	}
	return out
}

// RecordResult saves every output of res.
func RecordResult(ctx context.Context, w VariationWriter, res render.Result, cfg VariationConfig, planID, engine string) error {
	for _, v := range VariationsFromResult(res, cfg, planID, engine, time.Now().UTC()) {
		if err := SaveVariation(ctx, w, v); err != nil {
			return err
		}
	}
	return nil
}
